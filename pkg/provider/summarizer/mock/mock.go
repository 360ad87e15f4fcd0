// Package mock provides a test double for the summarizer.Provider interface.
// It also serves as the dev-mode summariser when no LLM credentials are
// configured.
package mock

import (
	"context"
	"sync"

	"github.com/sentinelvoice/sentinel/pkg/provider/summarizer"
)

// DefaultAnalysis is the canned result returned when no Analysis is set.
var DefaultAnalysis = summarizer.CallAnalysis{
	Summary:       "Mock summary: discovery call covering pricing and next steps.",
	ActionItems:   []string{"Send follow-up email with proposal"},
	Sentiment:     summarizer.SentimentNeutral,
	Objections:    []string{},
	DealRiskScore: 0.5,
}

// Provider is a mock implementation of summarizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Analysis is returned from Summarize. If nil, [DefaultAnalysis] is
	// returned.
	Analysis *summarizer.CallAnalysis

	// Err, if non-nil, is returned as the error from Summarize.
	Err error

	// Transcripts records every transcript passed to Summarize, in order.
	Transcripts []string
}

var _ summarizer.Provider = (*Provider)(nil)

// Summarize records the call and returns the configured analysis.
func (p *Provider) Summarize(_ context.Context, transcript string) (*summarizer.CallAnalysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Transcripts = append(p.Transcripts, transcript)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Analysis != nil {
		out := *p.Analysis
		return &out, nil
	}
	out := DefaultAnalysis
	return &out, nil
}

// CallCount returns the number of Summarize invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Transcripts)
}
