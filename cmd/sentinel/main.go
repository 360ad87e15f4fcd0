// Command sentinel runs the Sentinel voice-analytics services. One binary
// hosts them all; the positional argument selects which to start:
//
//	sentinel -config configs/example.yaml gateway
//	sentinel -config configs/example.yaml speech
//	sentinel -config configs/example.yaml persistence
//	sentinel -config configs/example.yaml postcall
//	sentinel -config configs/example.yaml audit
//	sentinel -config configs/example.yaml all
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelvoice/sentinel/internal/audit"
	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/config"
	"github.com/sentinelvoice/sentinel/internal/crm"
	crmmock "github.com/sentinelvoice/sentinel/internal/crm/mock"
	"github.com/sentinelvoice/sentinel/internal/crm/salesforce"
	"github.com/sentinelvoice/sentinel/internal/crypto"
	"github.com/sentinelvoice/sentinel/internal/gateway"
	"github.com/sentinelvoice/sentinel/internal/health"
	"github.com/sentinelvoice/sentinel/internal/hint"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/persist"
	"github.com/sentinelvoice/sentinel/internal/postcall"
	"github.com/sentinelvoice/sentinel/internal/resilience"
	"github.com/sentinelvoice/sentinel/internal/scrub"
	"github.com/sentinelvoice/sentinel/internal/speech"
	"github.com/sentinelvoice/sentinel/internal/storage"
	"github.com/sentinelvoice/sentinel/internal/store"
	"github.com/sentinelvoice/sentinel/pkg/provider/embeddings"
	embedmock "github.com/sentinelvoice/sentinel/pkg/provider/embeddings/mock"
	oaembed "github.com/sentinelvoice/sentinel/pkg/provider/embeddings/openai"
	"github.com/sentinelvoice/sentinel/pkg/provider/stt"
	sttmock "github.com/sentinelvoice/sentinel/pkg/provider/stt/mock"
	"github.com/sentinelvoice/sentinel/pkg/provider/stt/whisper"
	"github.com/sentinelvoice/sentinel/pkg/provider/summarizer"
	summock "github.com/sentinelvoice/sentinel/pkg/provider/summarizer/mock"
	oasum "github.com/sentinelvoice/sentinel/pkg/provider/summarizer/openai"
	"github.com/sentinelvoice/sentinel/pkg/provider/vad/energy"
)

var services = []string{"gateway", "speech", "persistence", "postcall", "audit"}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (empty: environment only)")
	flag.Parse()

	service := flag.Arg(0)
	if service == "" {
		service = "all"
	}
	if service != "all" && !validService(service) {
		fmt.Fprintf(os.Stderr, "sentinel: unknown service %q (choose one of %v or \"all\")\n", service, services)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sentinel: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("sentinel starting", "service", service, "config", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "sentinel-" + service,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	b, err := bus.Connect(bus.ConnectConfig{
		URL:           cfg.Bus.URL,
		Name:          "sentinel-" + service,
		ReconnectWait: cfg.Bus.ReconnectWait,
	})
	if err != nil {
		slog.Error("bus connect failed", "url", cfg.Bus.URL, "err", err)
		return 1
	}
	defer b.Close()

	app := &app{cfg: cfg, bus: b, metrics: metrics}
	defer app.close()

	g, ctx := errgroup.WithContext(ctx)

	selected := []string{service}
	if service == "all" {
		selected = services
	}
	var runFns []func(context.Context) error
	for _, name := range selected {
		runFn, err := app.service(ctx, name)
		if err != nil {
			slog.Error("service init failed", "service", name, "err", err)
			return 1
		}
		runFns = append(runFns, runFn)
	}

	if cfg.Server.MetricsAddr != "" {
		checkers := app.healthCheckers()
		g.Go(func() error { return observe.Serve(ctx, cfg.Server.MetricsAddr, checkers...) })
	}
	for _, runFn := range runFns {
		g.Go(func() error { return runFn(ctx) })
	}

	slog.Info("sentinel ready", "services", selected)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func validService(name string) bool {
	for _, s := range services {
		if s == name {
			return true
		}
	}
	return false
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// app holds dependencies shared between services when several run in one
// process. The database pool and key manager are created at most once.
type app struct {
	cfg     *config.Config
	bus     bus.Bus
	metrics *observe.Metrics

	storeOnce sync.Once
	store     *store.Store
	storeErr  error

	kmOnce sync.Once
	km     *crypto.TenantKeyManager
	kmErr  error
}

func (a *app) service(ctx context.Context, name string) (func(context.Context) error, error) {
	switch name {
	case "gateway":
		return a.gateway()
	case "speech":
		return a.speech(ctx)
	case "persistence":
		return a.persistence(ctx)
	case "postcall":
		return a.postcall(ctx)
	case "audit":
		return a.audit()
	}
	return nil, fmt.Errorf("unknown service %q", name)
}

func (a *app) gateway() (func(context.Context) error, error) {
	srv := gateway.NewServer(a.cfg.Gateway, a.bus, a.metrics)
	return srv.Run, nil
}

func (a *app) speech(ctx context.Context) (func(context.Context) error, error) {
	sttProvider, err := buildSTT(a.cfg.Speech.STT)
	if err != nil {
		return nil, err
	}
	if fb := a.cfg.Speech.STTFallback; fb.Name != "" {
		secondary, err := buildSTT(fb)
		if err != nil {
			return nil, err
		}
		group := resilience.NewSTTFallback(sttProvider, providerLabel(a.cfg.Speech.STT), resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		sttProvider = group
	}
	vadEngine, err := energy.New(a.cfg.Speech.VADThreshold)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	state := speech.NewTranscriptState(rdb, a.cfg.Redis.TranscriptTTL)

	scrubCfg := scrub.DefaultConfig()
	if a.cfg.Security.Scrub != nil {
		scrubCfg = *a.cfg.Security.Scrub
	}
	scrubber := scrub.New(scrubCfg)

	router, err := a.hintRouter(ctx)
	if err != nil {
		return nil, err
	}

	pipeline := speech.NewPipeline(speech.Config{
		SampleRate:   a.cfg.Speech.SampleRate,
		SilenceFlush: a.cfg.Speech.SilenceFlush,
		MinWindow:    a.cfg.Speech.MinWindow,
		MaxWindow:    a.cfg.Speech.MaxWindow,
		Workers:      int64(a.cfg.Speech.Workers),
		IdleTimeout:  a.cfg.Speech.SessionIdleTimeout,
	}, a.bus, sttProvider, vadEngine, scrubber, state, router, a.metrics)
	return pipeline.Run, nil
}

// hintRouter builds the playbook router. The semantic slow path needs both an
// embedding backend and the database-backed vector index; without them only
// the keyword fast path runs.
func (a *app) hintRouter(ctx context.Context) (*hint.Router, error) {
	opts := []hint.Option{
		hint.WithCooldown(a.cfg.Hints.Cooldown),
		hint.WithSemanticThreshold(a.cfg.Hints.SemanticThreshold),
	}
	rules := hint.DefaultPlaybook()

	if a.cfg.Hints.Embeddings.Name != "" {
		embedder, err := buildEmbedder(a.cfg.Hints.Embeddings)
		if err != nil {
			return nil, err
		}
		st, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		if err := st.SeedPlaybook(ctx, rules, embedder); err != nil {
			return nil, fmt.Errorf("seed hint index: %w", err)
		}
		opts = append(opts, hint.WithSemantic(embedder, st))
	}
	return hint.NewRouter(rules, opts...)
}

func (a *app) persistence(ctx context.Context) (func(context.Context) error, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	km, err := a.keyManager()
	if err != nil {
		return nil, err
	}

	spooler, err := persist.NewSpooler(a.cfg.Persistence.SpoolDir, a.metrics)
	if err != nil {
		return nil, err
	}
	transcoder := persist.NewTranscoder(a.cfg.Persistence.FFmpegPath, a.cfg.Speech.SampleRate)

	s3c, err := storage.NewClient(ctx, a.cfg.Storage)
	if err != nil {
		return nil, err
	}
	recordings := storage.NewRecordingStore(s3c, a.cfg.Storage.Bucket)
	if err := recordings.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	batcher := persist.NewBatcher(st, a.bus, km, a.metrics,
		a.cfg.Persistence.BatchInterval, a.cfg.Persistence.BatchSize,
		a.cfg.Persistence.DevFixtures)
	worker := persist.NewWorker(a.bus, spooler, transcoder, recordings, st, batcher, a.metrics,
		a.cfg.Persistence.FinalizeIdle)
	return worker.Run, nil
}

func (a *app) postcall(ctx context.Context) (func(context.Context) error, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	sum, err := buildSummarizer(a.cfg.PostCall.Summarizer)
	if err != nil {
		return nil, err
	}
	if fb := a.cfg.PostCall.SummarizerFallback; fb.Name != "" {
		secondary, err := buildSummarizer(fb)
		if err != nil {
			return nil, err
		}
		group := resilience.NewSummarizerFallback(sum, providerLabel(a.cfg.PostCall.Summarizer), resilience.FallbackConfig{})
		group.AddFallback(fb.Name, secondary)
		sum = group
	}

	opts := []postcall.Option{
		postcall.WithTimeouts(a.cfg.PostCall.SummarizeTimeout, a.cfg.PostCall.CRMTimeout),
	}
	km, err := a.keyManager()
	if err != nil {
		return nil, err
	}
	opts = append(opts, postcall.WithTenantKeys(km))
	connector, err := buildCRM(a.cfg.PostCall)
	if err != nil {
		return nil, err
	}
	if connector != nil {
		opts = append(opts, postcall.WithCRM(connector))
	}

	worker := postcall.NewWorker(a.bus, st, sum, a.metrics, opts...)
	return worker.Run, nil
}

func (a *app) audit() (func(context.Context) error, error) {
	log, err := audit.Open(a.cfg.Audit.LogPath)
	if err != nil {
		return nil, err
	}
	consumer := audit.NewConsumer(a.bus, log, a.metrics)
	return func(ctx context.Context) error {
		defer log.Close()
		return consumer.Run(ctx)
	}, nil
}

// openStore connects to PostgreSQL once per process and runs migrations.
func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	a.storeOnce.Do(func() {
		if a.cfg.Database.DSN == "" {
			a.storeErr = errors.New("database.dsn is required for this service")
			return
		}
		a.store, a.storeErr = store.NewStore(ctx, a.cfg.Database.DSN)
	})
	return a.store, a.storeErr
}

// keyManager builds the tenant key manager once. The services that persist
// tenant data refuse to start without a KEK rather than fall back to
// plaintext at rest.
func (a *app) keyManager() (*crypto.TenantKeyManager, error) {
	a.kmOnce.Do(func() {
		if a.cfg.Security.KEK == "" {
			a.kmErr = errors.New("security.kek is required for this service; set SENTINEL_KEK")
			return
		}
		a.km, a.kmErr = crypto.NewTenantKeyManager(a.cfg.Security.KEK)
	})
	return a.km, a.kmErr
}

// healthCheckers builds the /readyz probes for the dependencies this process
// actually opened.
func (a *app) healthCheckers() []health.Checker {
	checkers := []health.Checker{{
		Name:  "bus",
		Check: func(context.Context) error { return a.bus.Flush() },
	}}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "database", Check: a.store.Ping})
	}
	return checkers
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

func buildSTT(entry config.ProviderEntry) (stt.Provider, error) {
	switch entry.Name {
	case "whisper":
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	case "mock", "":
		return &sttmock.Provider{}, nil
	}
	return nil, fmt.Errorf("unknown stt provider %q", entry.Name)
}

func buildSummarizer(entry config.ProviderEntry) (summarizer.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oasum.Option
		if entry.BaseURL != "" {
			opts = append(opts, oasum.WithBaseURL(entry.BaseURL))
		}
		return oasum.New(entry.APIKey, entry.Model, opts...)
	case "mock", "":
		return &summock.Provider{}, nil
	}
	return nil, fmt.Errorf("unknown summarizer provider %q", entry.Name)
}

func buildEmbedder(entry config.ProviderEntry) (embeddings.Provider, error) {
	switch entry.Name {
	case "openai":
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	case "mock":
		// Deterministic per-text vectors so the semantic path is exercisable
		// without credentials. Distances are meaningless; development only.
		return &embedmock.Provider{
			DimensionsValue: store.EmbeddingDimensions,
			ModelIDValue:    "mock",
			EmbedFunc:       hashEmbedding,
		}, nil
	}
	return nil, fmt.Errorf("unknown embeddings provider %q", entry.Name)
}

// hashEmbedding expands an FNV-1a hash of the text into a unit vector.
func hashEmbedding(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, store.EmbeddingDimensions)
	var norm float64
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407
		v := float64(int64(state>>11))/float64(1<<52) - 1
		vec[i] = float32(v)
		norm += v * v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// buildCRM returns the configured connector wrapped in a circuit breaker, or
// nil when no CRM block is present.
func buildCRM(cfg config.PostCallConfig) (crm.Connector, error) {
	if cfg.CRM == nil {
		return nil, nil
	}

	provider := cfg.CRM.Provider
	if provider == "" {
		provider = "salesforce"
	}

	var connector crm.Connector
	switch provider {
	case "salesforce":
		var opts []salesforce.Option
		if cfg.CRM.APIVersion != "" {
			opts = append(opts, salesforce.WithAPIVersion(cfg.CRM.APIVersion))
		}
		if cfg.CRMTimeout > 0 {
			opts = append(opts, salesforce.WithTimeout(cfg.CRMTimeout))
		}
		sf, err := salesforce.New(cfg.CRM.InstanceURL, cfg.CRM.AccessToken, opts...)
		if err != nil {
			return nil, err
		}
		connector = sf
	case "mock":
		connector = &crmmock.Connector{}
	default:
		return nil, fmt.Errorf("unknown crm provider %q", provider)
	}

	return resilience.NewCRMBreaker(connector, resilience.CircuitBreakerConfig{
		Name: provider,
	}), nil
}

// providerLabel names a provider entry in breaker logs; an unset name means
// the mock.
func providerLabel(entry config.ProviderEntry) string {
	if entry.Name == "" {
		return "mock"
	}
	return entry.Name
}
