package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"whisper", "mock"},
	"summarizer": {"openai", "mock"},
	"embeddings": {"openai", "mock"},
	"crm":        {"salesforce", "mock"},
}

// Default values applied by [applyDefaults] when the file leaves a field
// unset.
const (
	DefaultMetricsAddr       = ":9090"
	DefaultBusURL            = "nats://localhost:4222"
	DefaultGatewayAddr       = ":8080"
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultOutboundQueueSize = 64
	DefaultSampleRate        = 16000
	DefaultVADThreshold      = 0.009
	DefaultSilenceFlush      = 700 * time.Millisecond
	DefaultMinWindow         = 1 * time.Second
	DefaultMaxWindow         = 30 * time.Second
	DefaultSTTWorkers        = 4
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultTranscriptTTL     = 24 * time.Hour
	DefaultBatchInterval     = 5 * time.Second
	DefaultBatchSize         = 50
	DefaultSpoolDir          = "/var/spool/sentinel"
	DefaultFinalizeIdle      = time.Minute
	DefaultSummarizeTimeout  = 30 * time.Second
	DefaultCRMTimeout        = 15 * time.Second
	DefaultSemanticThreshold = 0.35
	DefaultHintCooldown      = 10 * time.Second
	DefaultAuditLogPath      = "audit.jsonl"
	DefaultSalesforceAPIVer  = "v59.0"
)

// Load reads the YAML configuration file at path, applies SENTINEL_*
// environment overrides, and returns a validated [Config]. An empty path
// yields a default configuration built from the environment alone.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		applyDefaults(cfg)
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MetricsAddr == "" {
		cfg.Server.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Bus.URL == "" {
		cfg.Bus.URL = DefaultBusURL
	}
	if cfg.Bus.ReconnectWait == 0 {
		cfg.Bus.ReconnectWait = 2 * time.Second
	}
	if cfg.Gateway.ListenAddr == "" {
		cfg.Gateway.ListenAddr = DefaultGatewayAddr
	}
	if cfg.Gateway.HandshakeTimeout == 0 {
		cfg.Gateway.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Gateway.OutboundQueueSize == 0 {
		cfg.Gateway.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if cfg.Speech.SampleRate == 0 {
		cfg.Speech.SampleRate = DefaultSampleRate
	}
	if cfg.Speech.VADThreshold == 0 {
		cfg.Speech.VADThreshold = DefaultVADThreshold
	}
	if cfg.Speech.SilenceFlush == 0 {
		cfg.Speech.SilenceFlush = DefaultSilenceFlush
	}
	if cfg.Speech.MinWindow == 0 {
		cfg.Speech.MinWindow = DefaultMinWindow
	}
	if cfg.Speech.MaxWindow == 0 {
		cfg.Speech.MaxWindow = DefaultMaxWindow
	}
	if cfg.Speech.Workers == 0 {
		cfg.Speech.Workers = DefaultSTTWorkers
	}
	if cfg.Speech.SessionIdleTimeout == 0 {
		cfg.Speech.SessionIdleTimeout = DefaultIdleTimeout
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.TranscriptTTL == 0 {
		cfg.Redis.TranscriptTTL = DefaultTranscriptTTL
	}
	if cfg.Persistence.SpoolDir == "" {
		cfg.Persistence.SpoolDir = DefaultSpoolDir
	}
	if cfg.Persistence.BatchInterval == 0 {
		cfg.Persistence.BatchInterval = DefaultBatchInterval
	}
	if cfg.Persistence.BatchSize == 0 {
		cfg.Persistence.BatchSize = DefaultBatchSize
	}
	if cfg.Persistence.FinalizeIdle == 0 {
		cfg.Persistence.FinalizeIdle = DefaultFinalizeIdle
	}
	if cfg.PostCall.SummarizeTimeout == 0 {
		cfg.PostCall.SummarizeTimeout = DefaultSummarizeTimeout
	}
	if cfg.PostCall.CRMTimeout == 0 {
		cfg.PostCall.CRMTimeout = DefaultCRMTimeout
	}
	if cfg.PostCall.CRM != nil {
		if cfg.PostCall.CRM.Provider == "" {
			cfg.PostCall.CRM.Provider = "salesforce"
		}
		if cfg.PostCall.CRM.APIVersion == "" {
			cfg.PostCall.CRM.APIVersion = DefaultSalesforceAPIVer
		}
	}
	if cfg.Hints.SemanticThreshold == 0 {
		cfg.Hints.SemanticThreshold = DefaultSemanticThreshold
	}
	if cfg.Hints.Cooldown == 0 {
		cfg.Hints.Cooldown = DefaultHintCooldown
	}
	if cfg.Audit.LogPath == "" {
		cfg.Audit.LogPath = DefaultAuditLogPath
	}
}

// applyEnv overrides file values with SENTINEL_* environment variables.
// Environment always wins so that secrets stay out of config files.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("SENTINEL_NATS_URL", &cfg.Bus.URL)
	setString("SENTINEL_POSTGRES_DSN", &cfg.Database.DSN)
	setString("SENTINEL_REDIS_ADDR", &cfg.Redis.Addr)
	setString("SENTINEL_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("SENTINEL_KEK", &cfg.Security.KEK)
	setString("SENTINEL_GATEWAY_TOKEN", &cfg.Gateway.AuthToken)
	setString("SENTINEL_S3_ENDPOINT", &cfg.Storage.Endpoint)
	setString("SENTINEL_S3_BUCKET", &cfg.Storage.Bucket)
	setString("SENTINEL_S3_ACCESS_KEY", &cfg.Storage.AccessKey)
	setString("SENTINEL_S3_SECRET_KEY", &cfg.Storage.SecretKey)
	setString("SENTINEL_STT_URL", &cfg.Speech.STT.BaseURL)
	setString("SENTINEL_OPENAI_API_KEY", &cfg.PostCall.Summarizer.APIKey)
	setString("SENTINEL_OPENAI_API_KEY", &cfg.Hints.Embeddings.APIKey)
	setString("SENTINEL_SPOOL_DIR", &cfg.Persistence.SpoolDir)
	setString("SENTINEL_AUDIT_LOG", &cfg.Audit.LogPath)
	if cfg.PostCall.CRM != nil {
		setString("SENTINEL_SALESFORCE_TOKEN", &cfg.PostCall.CRM.AccessToken)
	}
	if v, ok := os.LookupEnv("SENTINEL_DEV_FIXTURES"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Persistence.DevFixtures = b
		} else {
			slog.Warn("SENTINEL_DEV_FIXTURES is not a boolean; ignoring", "value", v)
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Bus.URL == "" {
		errs = append(errs, errors.New("bus.url is required"))
	}

	validateProviderName("stt", cfg.Speech.STT.Name)
	validateProviderName("summarizer", cfg.PostCall.Summarizer.Name)
	validateProviderName("embeddings", cfg.Hints.Embeddings.Name)

	if cfg.Security.KEK != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Security.KEK)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("security.kek is not valid base64: %w", err))
		case len(raw) != 32:
			errs = append(errs, fmt.Errorf("security.kek decodes to %d bytes, want 32", len(raw)))
		}
	}

	if cfg.Gateway.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("gateway.handshake_timeout %v must not be negative", cfg.Gateway.HandshakeTimeout))
	}
	if cfg.Gateway.OutboundQueueSize < 1 {
		errs = append(errs, fmt.Errorf("gateway.outbound_queue_size %d must be at least 1", cfg.Gateway.OutboundQueueSize))
	}
	if cfg.Speech.VADThreshold < 0 || cfg.Speech.VADThreshold >= 1 {
		errs = append(errs, fmt.Errorf("speech.vad_threshold %.4f is out of range [0, 1)", cfg.Speech.VADThreshold))
	}
	if cfg.Speech.MinWindow > cfg.Speech.MaxWindow {
		errs = append(errs, fmt.Errorf("speech.min_window %v exceeds speech.max_window %v", cfg.Speech.MinWindow, cfg.Speech.MaxWindow))
	}
	if cfg.Speech.Workers < 1 {
		errs = append(errs, fmt.Errorf("speech.workers %d must be at least 1", cfg.Speech.Workers))
	}
	if cfg.Persistence.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("persistence.batch_size %d must be at least 1", cfg.Persistence.BatchSize))
	}
	if cfg.Hints.SemanticThreshold < 0 || cfg.Hints.SemanticThreshold > 2 {
		errs = append(errs, fmt.Errorf("hints.semantic_threshold %.2f is out of range [0, 2]", cfg.Hints.SemanticThreshold))
	}

	if cfg.PostCall.CRM != nil {
		validateProviderName("crm", cfg.PostCall.CRM.Provider)
		// The mock needs no credentials.
		if cfg.PostCall.CRM.Provider == "salesforce" || cfg.PostCall.CRM.Provider == "" {
			if cfg.PostCall.CRM.InstanceURL == "" {
				errs = append(errs, errors.New("postcall.crm.instance_url is required for the salesforce provider"))
			}
			if cfg.PostCall.CRM.AccessToken == "" {
				errs = append(errs, errors.New("postcall.crm.access_token is required for the salesforce provider"))
			}
		}
	}

	// Soft issues: the service still starts, degraded.
	if cfg.Gateway.AuthToken == "" {
		slog.Warn("gateway.auth_token is empty; handshake authentication is disabled")
	}
	if cfg.Security.KEK == "" {
		slog.Warn("security.kek is empty; the persistence and postcall services will refuse to start")
	}
	if cfg.Persistence.DevFixtures {
		slog.Warn("persistence.dev_fixtures is enabled; unknown sessions will create fixture rows. Never enable in production")
	}
	if cfg.PostCall.CRM == nil {
		slog.Warn("postcall.crm is not configured; analysed calls go straight to status processed without CRM sync")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
