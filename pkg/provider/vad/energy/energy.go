// Package energy implements an RMS-energy voice-activity detector.
//
// It classifies a chunk as speech when its root-mean-square energy exceeds a
// configurable threshold. This is deliberately simple: the detector runs on
// every audio chunk before buffering, and an energy gate is accurate enough
// to separate speech from line noise at that stage.
package energy

import (
	"fmt"

	"github.com/sentinelvoice/sentinel/pkg/audio"
	"github.com/sentinelvoice/sentinel/pkg/provider/vad"
)

// DefaultThreshold corresponds to near-silence on normalised samples.
// 16-bit PCM of RMS 300 maps to roughly 0.009 after division by 32768.
const DefaultThreshold = 0.009

// Compile-time assertion that Detector implements vad.Engine.
var _ vad.Engine = (*Detector)(nil)

// Detector is an energy-gate VAD. Safe for concurrent use; it holds no
// per-stream state.
type Detector struct {
	threshold float64
}

// New creates a Detector with the given RMS threshold on normalised samples.
// A threshold of 0 selects [DefaultThreshold].
func New(threshold float64) (*Detector, error) {
	if threshold < 0 || threshold >= 1 {
		return nil, fmt.Errorf("energy: threshold %f out of range [0, 1)", threshold)
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Detector{threshold: threshold}, nil
}

// HasSpeech implements vad.Engine.
func (d *Detector) HasSpeech(samples []float32) (bool, error) {
	return audio.RMS(samples) >= d.threshold, nil
}
