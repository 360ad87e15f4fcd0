// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to return pre-canned transcripts without a live inference
// server and to verify what audio windows were submitted.
package mock

import (
	"context"
	"sync"

	"github.com/sentinelvoice/sentinel/pkg/provider/stt"
)

// Call records a single invocation of Transcribe.
type Call struct {
	// SampleCount is the length of the submitted window.
	SampleCount int
	// SampleRate is the window's sample rate.
	SampleRate int
	// InitialPrompt is the priming text passed with the window.
	InitialPrompt string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Results are returned in order, one per Transcribe call. After the
	// slice is exhausted, Result is returned.
	Results []string

	// Result is the fallback transcript once Results is exhausted.
	Result string

	// Err, if non-nil, is returned as the error from every Transcribe call.
	Err error

	// Calls records every Transcribe invocation in order.
	Calls []Call
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the next canned result.
func (p *Provider) Transcribe(_ context.Context, req stt.Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, Call{
		SampleCount:   len(req.Samples),
		SampleRate:    req.SampleRate,
		InitialPrompt: req.InitialPrompt,
	})
	if p.Err != nil {
		return "", p.Err
	}
	if idx := len(p.Calls) - 1; idx < len(p.Results) {
		return p.Results[idx], nil
	}
	return p.Result, nil
}

// CallCount returns the number of recorded Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
