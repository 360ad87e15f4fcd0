// Package vad defines the Engine interface for voice-activity detection
// backends.
//
// VAD gates the speech pipeline: every incoming chunk is classified before it
// is appended to the session's ring buffer, so the detector must be cheap
// (well under a millisecond per chunk) and synchronous.
//
// Implementations must be safe for concurrent use; the pipeline calls
// HasSpeech from per-session goroutines.
package vad

// Engine classifies short audio windows as speech or non-speech.
type Engine interface {
	// HasSpeech reports whether the chunk (mono float32 samples in [-1, 1])
	// contains speech. It must not block.
	HasSpeech(samples []float32) (bool, error)
}
