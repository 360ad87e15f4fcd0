package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// suffixLimit bounds the STT priming suffix kept per session. Roughly the
// last few utterances; enough to bias the decoder without inflating every
// request.
const suffixLimit = 200

// TranscriptState keeps the live per-session transcript in Redis. Keys
// expire after the configured TTL; the durable transcript lives in
// PostgreSQL via the persistence worker.
type TranscriptState struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewTranscriptState wraps a Redis client with the transcript key schema.
func NewTranscriptState(rdb redis.UniversalClient, ttl time.Duration) *TranscriptState {
	return &TranscriptState{rdb: rdb, ttl: ttl}
}

func transcriptKey(sessionID string) string { return "transcript:" + sessionID }
func suffixKey(sessionID string) string     { return "transcript:" + sessionID + ":suffix" }

// Append records one utterance and refreshes the session TTL. The priming
// suffix is recomputed to hold the newest [suffixLimit] characters.
func (t *TranscriptState) Append(ctx context.Context, sessionID, speaker, text string) error {
	line := fmt.Sprintf("%s: %s", speaker, text)

	suffix, err := t.rdb.Get(ctx, suffixKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("speech: read suffix %s: %w", sessionID, err)
	}
	suffix = tail(suffix+" "+text, suffixLimit)

	pipe := t.rdb.TxPipeline()
	pipe.RPush(ctx, transcriptKey(sessionID), line)
	pipe.Expire(ctx, transcriptKey(sessionID), t.ttl)
	pipe.Set(ctx, suffixKey(sessionID), suffix, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("speech: append transcript %s: %w", sessionID, err)
	}
	return nil
}

// Suffix returns the STT priming text for a session. A missing key yields
// an empty suffix, not an error.
func (t *TranscriptState) Suffix(ctx context.Context, sessionID string) (string, error) {
	suffix, err := t.rdb.Get(ctx, suffixKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("speech: suffix %s: %w", sessionID, err)
	}
	return suffix, nil
}

// Lines returns the full live transcript in append order.
func (t *TranscriptState) Lines(ctx context.Context, sessionID string) ([]string, error) {
	lines, err := t.rdb.LRange(ctx, transcriptKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("speech: transcript %s: %w", sessionID, err)
	}
	return lines, nil
}

// Clear drops the session's live transcript keys. Called when the session
// ends; expiry covers sessions that never end cleanly.
func (t *TranscriptState) Clear(ctx context.Context, sessionID string) error {
	if err := t.rdb.Del(ctx, transcriptKey(sessionID), suffixKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("speech: clear transcript %s: %w", sessionID, err)
	}
	return nil
}

// tail returns the last n characters of s on a rune boundary.
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
