// Package mock provides a test double for the vad.Engine interface.
package mock

import (
	"sync"

	"github.com/sentinelvoice/sentinel/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Results are returned in order, one per HasSpeech call. After the
	// slice is exhausted, Speech is returned.
	Results []bool

	// Speech is the fallback classification once Results is exhausted.
	Speech bool

	// Err, if non-nil, is returned from every HasSpeech call.
	Err error

	calls int
}

var _ vad.Engine = (*Engine)(nil)

// HasSpeech returns the next canned classification.
func (e *Engine) HasSpeech(_ []float32) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.Err != nil {
		return false, e.Err
	}
	if idx := e.calls - 1; idx < len(e.Results) {
		return e.Results[idx], nil
	}
	return e.Speech, nil
}

// CallCount returns the number of HasSpeech invocations.
func (e *Engine) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}
