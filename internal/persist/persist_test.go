package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sentinelvoice/sentinel/internal/bus"
	busmock "github.com/sentinelvoice/sentinel/internal/bus/mock"
	"github.com/sentinelvoice/sentinel/internal/crypto"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/store"
)

// mockStore is an in-memory CallStore.
type mockStore struct {
	mu         sync.Mutex
	calls      map[string]*store.Call
	segments   []store.Segment
	tenantKeys map[string]string
	recordings map[string]string
	ended      map[string]time.Time
	insertErr  error
	fixtures   int
}

func newMockStore() *mockStore {
	return &mockStore{
		calls:      make(map[string]*store.Call),
		tenantKeys: make(map[string]string),
		recordings: make(map[string]string),
		ended:      make(map[string]time.Time),
	}
}

func (m *mockStore) addCall(sessionID, orgID string) *store.Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := &store.Call{ID: "call-" + sessionID, SessionID: sessionID, OrgID: orgID, UserID: "user-1", Status: store.StatusInProgress}
	m.calls[sessionID] = call
	return call
}

func (m *mockStore) CallBySessionID(_ context.Context, sessionID string) (*store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.calls[sessionID]; ok {
		return call, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) EnsureDevFixtures(_ context.Context, sessionID string) (*store.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixtures++
	call := &store.Call{ID: "call-" + sessionID, SessionID: sessionID, OrgID: "fixture-org", UserID: "fixture-user", Status: store.StatusInProgress}
	m.calls[sessionID] = call
	return call, nil
}

func (m *mockStore) InsertSegments(_ context.Context, segments []store.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.segments = append(m.segments, segments...)
	return nil
}

func (m *mockStore) EnsureTenantKey(_ context.Context, orgID string, mint func() (string, error)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wrapped, ok := m.tenantKeys[orgID]; ok {
		return wrapped, nil
	}
	wrapped, err := mint()
	if err != nil {
		return "", err
	}
	m.tenantKeys[orgID] = wrapped
	return wrapped, nil
}

func (m *mockStore) SetRecordingPath(_ context.Context, sessionID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.calls[sessionID]; !ok {
		return store.ErrNotFound
	}
	m.recordings[sessionID] = path
	return nil
}

func (m *mockStore) EndCall(_ context.Context, sessionID string, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended[sessionID] = endedAt
	return nil
}

func (m *mockStore) storedSegments() []store.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// mockUploader records uploads and can fail a set number of times.
type mockUploader struct {
	mu        sync.Mutex
	keys      []string
	types     []string
	failFirst int
}

func (u *mockUploader) UploadFile(_ context.Context, key, path, contentType string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failFirst > 0 {
		u.failFirst--
		return errors.New("upload unavailable")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	u.keys = append(u.keys, key)
	u.types = append(u.types, contentType)
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func testKEK(t *testing.T) *crypto.TenantKeyManager {
	t.Helper()
	km, err := crypto.NewTenantKeyManager(base64.StdEncoding.EncodeToString(make([]byte, 32)))
	if err != nil {
		t.Fatal(err)
	}
	return km
}

func te(id, sessionID, text string, start float64) event.TranscriptEvent {
	return event.TranscriptEvent{
		ID: id, SessionID: sessionID, Text: text,
		StartOffset: start, EndOffset: start + 2,
		Speaker: event.SpeakerAgent,
	}
}

// ── spooler ──

func TestSpoolerAppendAndFinalize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-1", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-1", []byte("def")); err != nil {
		t.Fatal(err)
	}

	path, err := sp.Finalize(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abcdef" {
		t.Errorf("spool contents = %q, want abcdef", data)
	}

	if err := sp.Remove("sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("spool file survived Remove")
	}
}

func TestSpoolerFinalizeWithoutAudio(t *testing.T) {
	t.Parallel()

	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sp.Finalize(context.Background(), "never-streamed"); !os.IsNotExist(err) {
		t.Errorf("Finalize error = %v, want not-exist", err)
	}
}

func TestSpoolerReopensAfterIdleClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-2", []byte("first")); err != nil {
		t.Fatal(err)
	}
	sp.CloseIdle(ctx, 0) // everything is idle
	if err := sp.Append(ctx, "sess-2", []byte("-second")); err != nil {
		t.Fatalf("append after idle close: %v", err)
	}

	path, err := sp.Finalize(ctx, "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "first-second" {
		t.Errorf("spool contents = %q, want first-second", data)
	}
}

func TestSpoolerEvictIdleReturnsSessionOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-idle", []byte{1}); err != nil {
		t.Fatal(err)
	}

	evicted := sp.EvictIdle(ctx, 0)
	if len(evicted) != 1 || evicted[0] != "sess-idle" {
		t.Fatalf("evicted = %v, want [sess-idle]", evicted)
	}
	if again := sp.EvictIdle(ctx, 0); len(again) != 0 {
		t.Fatalf("second sweep returned %v, want nothing", again)
	}
	if active := sp.Active(); len(active) != 0 {
		t.Fatalf("active after eviction = %v", active)
	}
}

func TestSpoolerAdoptsOrphanedSpools(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/sess-orphan.pcm", []byte{1, 2}, 0o644); err != nil {
		t.Fatal(err)
	}

	sp, err := NewSpooler(dir, testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	active := sp.Active()
	if len(active) != 1 || active[0] != "sess-orphan" {
		t.Fatalf("active = %v, want [sess-orphan]", active)
	}
}

// ── batcher ──

func TestBatcherFlushesOnSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	ms.addCall("sess-1", "org-1")
	b := busmock.New()
	confirmed := make(chan event.DataPersisted, 8)
	if _, err := b.Subscribe(event.SubjectUICommands("sess-1"), "", func(_ string, data []byte) {
		var dp event.DataPersisted
		if json.Unmarshal(data, &dp) == nil && dp.Type == event.TypeDataPersisted {
			confirmed <- dp
		}
	}); err != nil {
		t.Fatal(err)
	}

	batcher := NewBatcher(ms, b, nil, testMetrics(t), time.Hour, 2, false)
	batcher.Add(ctx, te("seg-1", "sess-1", "hello", 0))
	if got := len(ms.storedSegments()); got != 0 {
		t.Fatalf("flushed %d segments before the batch filled", got)
	}
	batcher.Add(ctx, te("seg-2", "sess-1", "world", 2))

	segs := ms.storedSegments()
	if len(segs) != 2 {
		t.Fatalf("stored %d segments, want 2", len(segs))
	}
	if segs[0].CallID != "call-sess-1" || segs[0].Text != "hello" {
		t.Errorf("segment[0] = %+v", segs[0])
	}

	for _, want := range []string{"seg-1", "seg-2"} {
		select {
		case dp := <-confirmed:
			if dp.ID != want {
				t.Errorf("confirmation id = %q, want %q", dp.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing data_persisted for %s", want)
		}
	}
}

func TestBatcherEncryptsWithTenantKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	ms.addCall("sess-1", "org-1")
	km := testKEK(t)
	batcher := NewBatcher(ms, busmock.New(), km, testMetrics(t), time.Hour, 1, false)

	batcher.Add(ctx, te("seg-1", "sess-1", "my secret line", 0))

	segs := ms.storedSegments()
	if len(segs) != 1 {
		t.Fatalf("stored %d segments, want 1", len(segs))
	}
	if segs[0].Text == "my secret line" {
		t.Fatal("segment stored in plaintext despite configured KEK")
	}

	// The persisted wrapped DEK round-trips to the original plaintext.
	blob, err := base64.StdEncoding.DecodeString(ms.tenantKeys["org-1"])
	if err != nil {
		t.Fatal(err)
	}
	km2 := testKEK(t)
	km2.ImportWrapped("org-1", blob)
	dek, err := km2.UnwrapDEK("org-1")
	if err != nil {
		t.Fatalf("UnwrapDEK: %v", err)
	}
	enc, err := crypto.NewDataEncryptor(dek)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := enc.Decrypt(segs[0].Text)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "my secret line" {
		t.Errorf("decrypted = %q", plain)
	}
}

func TestBatcherUnknownSessionDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := busmock.New()
	dead := make(chan event.TranscriptEvent, 4)
	if _, err := b.Subscribe(event.SubjectDeadLetter, "", func(_ string, data []byte) {
		var ev event.TranscriptEvent
		if json.Unmarshal(data, &ev) == nil {
			dead <- ev
		}
	}); err != nil {
		t.Fatal(err)
	}

	ms := newMockStore()
	batcher := NewBatcher(ms, b, nil, testMetrics(t), time.Hour, 1, false)
	batcher.Add(ctx, te("seg-x", "ghost-session", "orphan", 0))

	select {
	case ev := <-dead:
		if ev.ID != "seg-x" {
			t.Errorf("dead-lettered id = %q", ev.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("orphan segment was not dead-lettered")
	}
	if ms.fixtures != 0 {
		t.Errorf("fixtures created with dev mode off: %d", ms.fixtures)
	}
}

func TestBatcherDevFixturesResolveUnknownSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	batcher := NewBatcher(ms, busmock.New(), nil, testMetrics(t), time.Hour, 1, true)
	batcher.Add(ctx, te("seg-1", "fresh-session", "hello", 0))

	if ms.fixtures != 1 {
		t.Fatalf("fixtures = %d, want 1", ms.fixtures)
	}
	if got := len(ms.storedSegments()); got != 1 {
		t.Errorf("stored %d segments, want 1", got)
	}
}

func TestBatcherInsertFailureDeadLettersBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := busmock.New()
	dead := make(chan event.TranscriptEvent, 4)
	if _, err := b.Subscribe(event.SubjectDeadLetter, "", func(_ string, data []byte) {
		var ev event.TranscriptEvent
		if json.Unmarshal(data, &ev) == nil {
			dead <- ev
		}
	}); err != nil {
		t.Fatal(err)
	}

	ms := newMockStore()
	ms.addCall("sess-1", "org-1")
	ms.insertErr = errors.New("db down")
	batcher := NewBatcher(ms, b, nil, testMetrics(t), time.Hour, 1, false)
	// Retries back off for a couple of seconds before giving up.
	batcher.Add(ctx, te("seg-1", "sess-1", "hello", 0))

	select {
	case ev := <-dead:
		if ev.ID != "seg-1" {
			t.Errorf("dead-lettered id = %q", ev.ID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("failed batch was not dead-lettered")
	}
}

// ── worker finalisation ──

func TestFinalizeFallsBackToPCM(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	ms.addCall("sess-1", "org-1")
	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-1", []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}

	up := &mockUploader{}
	w := NewWorker(busmock.New(), sp,
		NewTranscoder("/nonexistent/ffmpeg", 16000),
		up, ms,
		NewBatcher(ms, busmock.New(), nil, testMetrics(t), time.Hour, 50, false),
		testMetrics(t), time.Minute)

	w.finalize(ctx, event.CallEnded{SessionID: "sess-1", Reason: "client_request", Timestamp: time.Now()})

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.keys) != 1 || up.keys[0] != "recordings/sess-1.pcm" {
		t.Fatalf("uploaded keys = %v, want [recordings/sess-1.pcm]", up.keys)
	}
	if up.types[0] != "application/octet-stream" {
		t.Errorf("content type = %q", up.types[0])
	}
	if got := ms.recordings["sess-1"]; got != "recordings/sess-1.pcm" {
		t.Errorf("recording path = %q", got)
	}
	if _, ok := ms.ended["sess-1"]; !ok {
		t.Error("call end was not stamped")
	}
	if _, err := os.Stat(sp.Path("sess-1")); !os.IsNotExist(err) {
		t.Error("spool file survived successful upload")
	}
}

func TestFinalizeRetriesUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	ms.addCall("sess-2", "org-1")
	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := sp.Append(ctx, "sess-2", []byte{9, 9}); err != nil {
		t.Fatal(err)
	}

	up := &mockUploader{failFirst: 2}
	w := NewWorker(busmock.New(), sp,
		NewTranscoder("/nonexistent/ffmpeg", 16000),
		up, ms,
		NewBatcher(ms, busmock.New(), nil, testMetrics(t), time.Hour, 50, false),
		testMetrics(t), time.Minute)

	w.finalize(ctx, event.CallEnded{SessionID: "sess-2", Timestamp: time.Now()})

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.keys) != 1 {
		t.Fatalf("upload never succeeded after transient failures: %v", up.keys)
	}
}

func TestFinalizeWithoutAudioSkipsUpload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ms := newMockStore()
	ms.addCall("sess-3", "org-1")
	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}

	up := &mockUploader{}
	w := NewWorker(busmock.New(), sp,
		NewTranscoder("/nonexistent/ffmpeg", 16000),
		up, ms,
		NewBatcher(ms, busmock.New(), nil, testMetrics(t), time.Hour, 50, false),
		testMetrics(t), time.Minute)

	w.finalize(ctx, event.CallEnded{SessionID: "sess-3", Timestamp: time.Now()})

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.keys) != 0 {
		t.Errorf("uploaded %v for a session with no audio", up.keys)
	}
}

// ── worker run loop ──

// groupRecordingBus wraps the in-memory bus and records the queue group of
// each subscription.
type groupRecordingBus struct {
	*busmock.Bus
	mu     sync.Mutex
	groups map[string]string
}

func (b *groupRecordingBus) Subscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	b.groups[subject] = queue
	b.mu.Unlock()
	return b.Bus.Subscribe(subject, queue, h)
}

func newRunHarness(t *testing.T, b bus.Bus, finalizeIdle time.Duration) (*Worker, *mockStore, *mockUploader, context.CancelFunc, chan error) {
	t.Helper()

	ms := newMockStore()
	sp, err := NewSpooler(t.TempDir(), testMetrics(t))
	if err != nil {
		t.Fatal(err)
	}
	up := &mockUploader{}
	w := NewWorker(b, sp,
		NewTranscoder("/nonexistent/ffmpeg", 16000),
		up, ms,
		NewBatcher(ms, b, nil, testMetrics(t), time.Hour, 50, false),
		testMetrics(t), finalizeIdle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(cancel)
	time.Sleep(20 * time.Millisecond)
	return w, ms, up, cancel, done
}

func TestWorkerSubscriptionQueueGroups(t *testing.T) {
	rb := &groupRecordingBus{Bus: busmock.New(), groups: make(map[string]string)}
	newRunHarness(t, rb, time.Hour)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	for _, subject := range []string{
		event.SubjectAudioPrefix + ">",
		event.SubjectTranscriptPrefix + ">",
		event.SubjectCallEnded,
	} {
		if got := rb.groups[subject]; got != "persistence_archiver" {
			t.Errorf("queue group for %s = %q, want persistence_archiver", subject, got)
		}
	}
}

func TestWorkerFinalizesIdleSession(t *testing.T) {
	b := busmock.New()
	endings := make(chan event.CallEnded, 4)
	if _, err := b.Subscribe(event.SubjectCallEnded, "", func(_ string, data []byte) {
		var ended event.CallEnded
		if json.Unmarshal(data, &ended) == nil {
			endings <- ended
		}
	}); err != nil {
		t.Fatal(err)
	}

	_, ms, up, _, _ := newRunHarness(t, b, 30*time.Millisecond)
	ms.addCall("sess-quiet", "org-1")
	b.Publish(event.SubjectAudio("sess-quiet"), []byte{1, 2, 3, 4})

	select {
	case ended := <-endings:
		if ended.SessionID != "sess-quiet" || ended.Reason != "idle_timeout" {
			t.Fatalf("call.ended = %+v, want sess-quiet/idle_timeout", ended)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle session never produced call.ended")
	}

	// The queue-grouped call.ended handler picks the event up and runs the
	// full finalisation.
	deadline := time.Now().Add(2 * time.Second)
	for {
		up.mu.Lock()
		n := len(up.keys)
		up.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle session was never uploaded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerShutdownFinalizesOpenSpools(t *testing.T) {
	b := busmock.New()
	endings := make(chan event.CallEnded, 4)
	if _, err := b.Subscribe(event.SubjectCallEnded, "", func(_ string, data []byte) {
		var ended event.CallEnded
		if json.Unmarshal(data, &ended) == nil {
			endings <- ended
		}
	}); err != nil {
		t.Fatal(err)
	}

	_, ms, up, cancel, done := newRunHarness(t, b, time.Hour)
	ms.addCall("sess-open", "org-1")
	b.Publish(event.SubjectAudio("sess-open"), []byte{9, 9, 9, 9})
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	select {
	case ended := <-endings:
		if ended.SessionID != "sess-open" || ended.Reason != "shutdown" {
			t.Fatalf("call.ended = %+v, want sess-open/shutdown", ended)
		}
	default:
		t.Fatal("shutdown did not announce call.ended")
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.keys) != 1 || up.keys[0] != "recordings/sess-open.pcm" {
		t.Fatalf("uploaded keys = %v, want [recordings/sess-open.pcm]", up.keys)
	}
	if _, ok := ms.ended["sess-open"]; !ok {
		t.Error("call end was not stamped during shutdown drain")
	}
}
