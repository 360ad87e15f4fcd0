package persist

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Transcoder converts spooled PCM into Ogg/Opus with ffmpeg. When ffmpeg is
// missing or fails, callers fall back to uploading the raw PCM.
type Transcoder struct {
	ffmpegPath string
	sampleRate int
}

// NewTranscoder resolves the ffmpeg binary; empty path means $PATH lookup.
func NewTranscoder(ffmpegPath string, sampleRate int) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Transcoder{ffmpegPath: ffmpegPath, sampleRate: sampleRate}
}

// Transcode encodes the raw s16le mono PCM file at pcmPath into an Ogg/Opus
// file next to it and returns the new path.
func (t *Transcoder) Transcode(ctx context.Context, pcmPath string) (string, error) {
	oggPath := strings.TrimSuffix(pcmPath, ".pcm") + ".ogg"

	cmd := exec.CommandContext(ctx, t.ffmpegPath,
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(t.sampleRate),
		"-ac", "1",
		"-i", pcmPath,
		"-c:a", "libopus",
		"-b:a", "16k",
		oggPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("persist: ffmpeg: %w: %s", err, tailLines(string(out), 3))
	}
	return oggPath, nil
}

// tailLines keeps error logs readable: ffmpeg prints banners before the
// actual failure reason.
func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) <= n {
		return strings.Join(lines, " | ")
	}
	return strings.Join(lines[len(lines)-n:], " | ")
}
