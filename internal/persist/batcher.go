package persist

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/crypto"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/resilience"
	"github.com/sentinelvoice/sentinel/internal/store"
)

// CallStore is the subset of the persistence layer the worker needs.
// *store.Store satisfies it.
type CallStore interface {
	CallBySessionID(ctx context.Context, sessionID string) (*store.Call, error)
	EnsureDevFixtures(ctx context.Context, sessionID string) (*store.Call, error)
	InsertSegments(ctx context.Context, segments []store.Segment) error
	EnsureTenantKey(ctx context.Context, orgID string, mint func() (string, error)) (string, error)
	SetRecordingPath(ctx context.Context, sessionID, path string) error
	EndCall(ctx context.Context, sessionID string, endedAt time.Time) error
}

// tenantCrypto caches one DataEncryptor per organization, minting and
// persisting wrapped DEKs on first use. A nil key manager disables
// encryption; segments then pass through unchanged (development only).
type tenantCrypto struct {
	km    *crypto.TenantKeyManager
	store CallStore

	mu         sync.Mutex
	encryptors map[string]*crypto.DataEncryptor
}

func newTenantCrypto(km *crypto.TenantKeyManager, cs CallStore) *tenantCrypto {
	return &tenantCrypto{km: km, store: cs, encryptors: make(map[string]*crypto.DataEncryptor)}
}

func (tc *tenantCrypto) encrypt(ctx context.Context, orgID, text string) (string, error) {
	if tc.km == nil {
		return text, nil
	}

	tc.mu.Lock()
	enc, ok := tc.encryptors[orgID]
	tc.mu.Unlock()
	if !ok {
		var err error
		enc, err = tc.encryptor(ctx, orgID)
		if err != nil {
			return "", err
		}
	}
	return enc.Encrypt([]byte(text))
}

// encryptor loads or mints the organization's DEK and builds its encryptor.
func (tc *tenantCrypto) encryptor(ctx context.Context, orgID string) (*crypto.DataEncryptor, error) {
	mint := func() (string, error) {
		if _, err := tc.km.GenerateDEK(orgID); err != nil {
			return "", err
		}
		blob, ok := tc.km.WrappedDEK(orgID)
		if !ok {
			return "", errors.New("persist: freshly minted DEK missing")
		}
		return base64.StdEncoding.EncodeToString(blob), nil
	}
	wrapped, err := tc.store.EnsureTenantKey(ctx, orgID, mint)
	if err != nil {
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("persist: decode wrapped DEK for %s: %w", orgID, err)
	}
	tc.km.ImportWrapped(orgID, blob)
	dek, err := tc.km.UnwrapDEK(orgID)
	if err != nil {
		return nil, fmt.Errorf("persist: unwrap DEK for %s: %w", orgID, err)
	}
	enc, err := crypto.NewDataEncryptor(dek)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	tc.encryptors[orgID] = enc
	tc.mu.Unlock()
	return enc, nil
}

// Batcher accumulates transcript events and writes them to PostgreSQL in
// bulk, whichever comes first: the flush interval or the batch size. Each
// stored segment is confirmed back to its session as a data_persisted
// frame.
type Batcher struct {
	store       CallStore
	bus         bus.Bus
	crypto      *tenantCrypto
	metrics     *observe.Metrics
	interval    time.Duration
	size        int
	devFixtures bool

	mu      sync.Mutex
	pending []event.TranscriptEvent
	calls   map[string]*store.Call
}

// NewBatcher assembles a segment batcher.
func NewBatcher(cs CallStore, b bus.Bus, km *crypto.TenantKeyManager,
	metrics *observe.Metrics, interval time.Duration, size int, devFixtures bool) *Batcher {
	return &Batcher{
		store:       cs,
		bus:         b,
		crypto:      newTenantCrypto(km, cs),
		metrics:     metrics,
		interval:    interval,
		size:        size,
		devFixtures: devFixtures,
		calls:       make(map[string]*store.Call),
	}
}

// Add queues one transcript event. A full batch flushes immediately.
func (b *Batcher) Add(ctx context.Context, te event.TranscriptEvent) {
	b.mu.Lock()
	b.pending = append(b.pending, te)
	full := len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs a final flush.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush writes all queued events. Events whose call cannot be resolved or
// whose batch insert keeps failing go to the dead-letter subject; the rest
// are confirmed per segment.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var (
		segments []store.Segment
		stored   []event.TranscriptEvent
	)
	for _, te := range batch {
		call, err := b.resolveCall(ctx, te.SessionID)
		if err != nil {
			slog.Warn("no call for transcript segment; dead-lettering",
				"session_id", te.SessionID, "error", err)
			b.deadLetter(te)
			continue
		}
		text, err := b.crypto.encrypt(ctx, call.OrgID, te.Text)
		if err != nil {
			slog.Error("segment encryption failed; dead-lettering",
				"session_id", te.SessionID, "error", err)
			b.deadLetter(te)
			continue
		}
		segments = append(segments, store.Segment{
			ID:          te.ID,
			CallID:      call.ID,
			Speaker:     te.Speaker,
			Text:        text,
			StartOffset: te.StartOffset,
			EndOffset:   te.EndOffset,
		})
		stored = append(stored, te)
	}
	if len(segments) == 0 {
		return
	}

	err := resilience.Retry(ctx, resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second},
		func(ctx context.Context) error {
			return b.store.InsertSegments(ctx, segments)
		})
	if err != nil {
		slog.Error("segment batch insert failed; dead-lettering batch",
			"segments", len(segments), "error", err)
		for _, te := range stored {
			b.deadLetter(te)
		}
		return
	}

	b.metrics.SegmentsFlushed.Add(ctx, int64(len(segments)))
	for _, te := range stored {
		b.confirm(ctx, te)
	}
}

// resolveCall maps a session to its call row, consulting the cache first.
// Unknown sessions create fixture rows only in development mode.
func (b *Batcher) resolveCall(ctx context.Context, sessionID string) (*store.Call, error) {
	b.mu.Lock()
	call, ok := b.calls[sessionID]
	b.mu.Unlock()
	if ok {
		return call, nil
	}

	call, err := b.store.CallBySessionID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) && b.devFixtures {
		call, err = b.store.EnsureDevFixtures(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.calls[sessionID] = call
	b.mu.Unlock()
	return call, nil
}

// confirm tells the session's client that one segment is durable.
func (b *Batcher) confirm(ctx context.Context, te event.TranscriptEvent) {
	payload, err := event.Marshal(event.DataPersisted{Type: event.TypeDataPersisted, ID: te.ID})
	if err != nil {
		return
	}
	if err := b.bus.Publish(event.SubjectUICommands(te.SessionID), payload); err != nil {
		b.metrics.RecordPublishError(ctx, event.SubjectUICommandsPrefix)
	}
}

// deadLetter parks an unstorable event for operator inspection.
func (b *Batcher) deadLetter(te event.TranscriptEvent) {
	payload, err := event.Marshal(te)
	if err != nil {
		return
	}
	if err := b.bus.Publish(event.SubjectDeadLetter, payload); err != nil {
		slog.Error("dead-letter publish failed", "session_id", te.SessionID, "error", err)
	}
}

// forgetSession drops the session's call cache entry once the call ends.
func (b *Batcher) forgetSession(sessionID string) {
	b.mu.Lock()
	delete(b.calls, sessionID)
	b.mu.Unlock()
}
