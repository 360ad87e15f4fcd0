// Package stt defines the Provider interface for batch speech-to-text
// backends.
//
// Transcription in the speech pipeline is snapshot-based: the per-session
// ring buffer is drained into a float32 window and submitted as one remote
// inference call. Providers therefore expose a single blocking Transcribe
// method rather than a streaming session.
//
// Implementations must be safe for concurrent use; the worker pool calls
// Transcribe from multiple goroutines for different sessions.
package stt

import "context"

// Request is one transcription job for a drained audio window.
type Request struct {
	// Samples is mono PCM as float32 in [-1, 1].
	Samples []float32

	// SampleRate is the sample rate of Samples in Hz.
	SampleRate int

	// InitialPrompt is the tail of the previously emitted transcript, used
	// to prime decoding across snapshot boundaries. May be empty.
	InitialPrompt string
}

// Provider is the abstraction over any batch transcription backend.
//
// Transcribe returns the recognised text, which may be empty when the window
// contains no intelligible speech. Callers treat an error as a lost window:
// log and continue, never retry inline on the latency path.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (string, error)
}
