// Package persist implements the persistence worker: it spools raw call
// audio to disk, transcodes and uploads finished recordings, and batches
// transcript segments into PostgreSQL with per-segment confirmations.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sentinelvoice/sentinel/internal/observe"
)

// Spooler appends raw PCM to one file per session under the spool
// directory. Handles stay open between frames; idle handles are closed by
// [Spooler.CloseIdle] and reopened transparently on the next append.
type Spooler struct {
	dir     string
	metrics *observe.Metrics

	mu     sync.Mutex
	open   map[string]*spoolFile
	active map[string]time.Time // last append per session with a spool on disk
}

type spoolFile struct {
	f        *os.File
	lastUsed time.Time
}

// NewSpooler creates the spool directory if needed. Spool files already in
// the directory, left by a crashed predecessor, are picked up as active
// sessions so the idle sweep finalises them.
func NewSpooler(dir string, metrics *observe.Metrics) (*Spooler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persist: create spool dir: %w", err)
	}
	s := &Spooler{
		dir:     dir,
		metrics: metrics,
		open:    make(map[string]*spoolFile),
		active:  make(map[string]time.Time),
	}
	orphans, err := filepath.Glob(filepath.Join(dir, "*.pcm"))
	if err != nil {
		return nil, fmt.Errorf("persist: scan spool dir: %w", err)
	}
	for _, path := range orphans {
		id := strings.TrimSuffix(filepath.Base(path), ".pcm")
		s.active[id] = time.Now()
		slog.Info("adopted orphaned spool", "session_id", id)
	}
	return s, nil
}

// Path returns the spool file location for a session.
func (s *Spooler) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".pcm")
}

// Append writes one audio frame to the session's spool file.
func (s *Spooler) Append(ctx context.Context, sessionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, ok := s.open[sessionID]
	if !ok {
		f, err := os.OpenFile(s.Path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("persist: open spool %s: %w", sessionID, err)
		}
		sf = &spoolFile{f: f}
		s.open[sessionID] = sf
		s.metrics.OpenSpools.Add(ctx, 1)
	}
	sf.lastUsed = time.Now()
	s.active[sessionID] = sf.lastUsed

	if _, err := sf.f.Write(data); err != nil {
		return fmt.Errorf("persist: append spool %s: %w", sessionID, err)
	}
	return nil
}

// Finalize closes the session's handle and returns the spool path. Returns
// os.ErrNotExist when the session never produced audio.
func (s *Spooler) Finalize(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	delete(s.active, sessionID)
	if sf, ok := s.open[sessionID]; ok {
		delete(s.open, sessionID)
		s.metrics.OpenSpools.Add(ctx, -1)
		if err := sf.f.Close(); err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("persist: close spool %s: %w", sessionID, err)
		}
	}
	s.mu.Unlock()

	path := s.Path(sessionID)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// CloseIdle closes handles unused for longer than maxIdle. The spool file
// itself stays on disk; the next append reopens it.
func (s *Spooler) CloseIdle(ctx context.Context, maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sf := range s.open {
		if sf.lastUsed.Before(cutoff) {
			if err := sf.f.Close(); err != nil {
				slog.Warn("close idle spool", "session_id", id, "error", err)
			}
			delete(s.open, id)
			s.metrics.OpenSpools.Add(ctx, -1)
		}
	}
}

// EvictIdle returns the sessions whose last append is older than maxIdle,
// closing their handles and dropping them from the active set. Each session
// is returned exactly once; the caller owns its finalisation.
func (s *Spooler) EvictIdle(ctx context.Context, maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, last := range s.active {
		if !last.Before(cutoff) {
			continue
		}
		if sf, ok := s.open[id]; ok {
			if err := sf.f.Close(); err != nil {
				slog.Warn("close idle spool", "session_id", id, "error", err)
			}
			delete(s.open, id)
			s.metrics.OpenSpools.Add(ctx, -1)
		}
		delete(s.active, id)
		ids = append(ids, id)
	}
	return ids
}

// Active returns the sessions that still have an unfinalised spool.
func (s *Spooler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return ids
}

// Remove deletes a session's spool file after a successful upload.
func (s *Spooler) Remove(sessionID string) error {
	if err := os.Remove(s.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("persist: remove spool %s: %w", sessionID, err)
	}
	return nil
}
