// Package scrub removes personally identifiable information from transcript
// text before it reaches any durable store. Scrubbing is idempotent: the
// redaction masks never match the detection patterns, so scrubbing already
// scrubbed text is a no-op.
package scrub

import (
	"fmt"
	"regexp"
)

// Kind identifies one category of PII the scrubber can redact.
type Kind string

const (
	KindEmail      Kind = "EMAIL"
	KindSSN        Kind = "SSN"
	KindPhone      Kind = "PHONE"
	KindCreditCard Kind = "CC"
)

// Config toggles individual detectors. The zero value disables everything;
// use [DefaultConfig] for the full catalog.
type Config struct {
	Email      bool `yaml:"email"`
	SSN        bool `yaml:"ssn"`
	Phone      bool `yaml:"phone"`
	CreditCard bool `yaml:"credit_card"`
}

// DefaultConfig enables every detector.
func DefaultConfig() Config {
	return Config{Email: true, SSN: true, Phone: true, CreditCard: true}
}

// Detection order matters: credit cards before phone numbers, otherwise a
// 16-digit card with separators can be half-eaten by the phone pattern.
var patterns = []struct {
	kind Kind
	re   *regexp.Regexp
}{
	{KindEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{KindCreditCard, regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{KindPhone, regexp.MustCompile(`\b(?:\+?1[ .\-]?)?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)},
}

// Scrubber replaces detected PII with per-kind redaction masks.
// Safe for concurrent use; all state is immutable after construction.
type Scrubber struct {
	enabled map[Kind]bool
	mask    string
}

// Option configures a [Scrubber].
type Option func(*Scrubber)

// WithMask overrides the redaction template. The template must contain a
// single %s verb which receives the PII kind, e.g. "[REDACTED_%s]".
func WithMask(template string) Option {
	return func(s *Scrubber) { s.mask = template }
}

// New creates a Scrubber honouring the per-kind toggles in cfg.
func New(cfg Config, opts ...Option) *Scrubber {
	s := &Scrubber{
		enabled: map[Kind]bool{
			KindEmail:      cfg.Email,
			KindSSN:        cfg.SSN,
			KindPhone:      cfg.Phone,
			KindCreditCard: cfg.CreditCard,
		},
		mask: "[REDACTED_%s]",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scrub returns text with every enabled PII category replaced by its mask.
func (s *Scrubber) Scrub(text string) string {
	for _, p := range patterns {
		if !s.enabled[p.kind] {
			continue
		}
		mask := fmt.Sprintf(s.mask, p.kind)
		text = p.re.ReplaceAllString(text, mask)
	}
	return text
}
