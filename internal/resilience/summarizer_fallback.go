package resilience

import (
	"context"

	"github.com/sentinelvoice/sentinel/pkg/provider/summarizer"
)

// SummarizerFallback implements [summarizer.Provider] with automatic failover
// across multiple analysis backends. Each backend has its own circuit
// breaker; when the primary fails or its breaker is open, the next healthy
// fallback is tried.
type SummarizerFallback struct {
	group *FallbackGroup[summarizer.Provider]
}

// Compile-time interface assertion.
var _ summarizer.Provider = (*SummarizerFallback)(nil)

// NewSummarizerFallback creates a [SummarizerFallback] with primary as the
// preferred backend.
func NewSummarizerFallback(primary summarizer.Provider, primaryName string, cfg FallbackConfig) *SummarizerFallback {
	return &SummarizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional summariser as a fallback.
func (f *SummarizerFallback) AddFallback(name string, provider summarizer.Provider) {
	f.group.AddFallback(name, provider)
}

// Summarize analyses the transcript with the first healthy provider, failing
// over on error.
func (f *SummarizerFallback) Summarize(ctx context.Context, transcript string) (*summarizer.CallAnalysis, error) {
	return ExecuteWithResult(f.group, func(p summarizer.Provider) (*summarizer.CallAnalysis, error) {
		return p.Summarize(ctx, transcript)
	})
}
