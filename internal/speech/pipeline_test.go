package speech

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sentinelvoice/sentinel/internal/bus"
	busmock "github.com/sentinelvoice/sentinel/internal/bus/mock"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/hint"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/scrub"
	"github.com/sentinelvoice/sentinel/pkg/audio"
	sttmock "github.com/sentinelvoice/sentinel/pkg/provider/stt/mock"
	"github.com/sentinelvoice/sentinel/pkg/provider/vad"
)

// testRate keeps the sample math simple: 1000 samples is one second.
const testRate = 1000

// levelVAD flags a chunk as speech when its first sample is loud.
type levelVAD struct{}

func (levelVAD) HasSpeech(samples []float32) (bool, error) {
	return len(samples) > 0 && samples[0] > 0.5, nil
}

var _ vad.Engine = levelVAD{}

func speechChunk(seconds float64) []byte {
	n := int(seconds * testRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.9
	}
	return audio.EncodeS16LE(samples)
}

func silenceChunk(seconds float64) []byte {
	return audio.EncodeS16LE(make([]float32, int(seconds*testRate)))
}

type pipelineHarness struct {
	pipeline *Pipeline
	bus      *busmock.Bus
	stt      *sttmock.Provider
	state    *TranscriptState
	cancel   context.CancelFunc
}

func newHarness(t *testing.T, sttProvider *sttmock.Provider) *pipelineHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	state := NewTranscriptState(rdb, time.Hour)

	router, err := hint.NewRouter(hint.DefaultPlaybook())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := busmock.New()
	cfg := Config{
		SampleRate:   testRate,
		SilenceFlush: 700 * time.Millisecond,
		MinWindow:    1 * time.Second,
		MaxWindow:    30 * time.Second,
		Workers:      4,
		IdleTimeout:  5 * time.Minute,
	}
	p := NewPipeline(cfg, b, sttProvider, levelVAD{}, scrub.New(scrub.DefaultConfig()), state, router, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(cancel)
	// Give Run a moment to subscribe before the test publishes.
	time.Sleep(20 * time.Millisecond)

	return &pipelineHarness{pipeline: p, bus: b, stt: sttProvider, state: state, cancel: cancel}
}

// collect subscribes to subject and returns a channel of raw payloads.
func (h *pipelineHarness) collect(t *testing.T, subject string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 16)
	if _, err := h.bus.Subscribe(subject, "", func(_ string, data []byte) {
		ch <- data
	}); err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	return ch
}

func recv(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
		return nil
	}
}

func TestPipelineTranscribesUtterance(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "my email is bob@acme.com"})
	events := h.collect(t, event.SubjectTranscript("sess-1"))

	// Two seconds of speech, then enough silence to close the window.
	h.bus.Publish(event.SubjectAudio("sess-1"), speechChunk(2))
	h.bus.Publish(event.SubjectAudio("sess-1"), silenceChunk(0.8))

	var te event.TranscriptEvent
	if err := json.Unmarshal(recv(t, events), &te); err != nil {
		t.Fatalf("unmarshal transcript event: %v", err)
	}
	if te.SessionID != "sess-1" {
		t.Errorf("session_id = %q", te.SessionID)
	}
	if te.Text != "my email is [REDACTED_EMAIL]" {
		t.Errorf("text = %q; PII not scrubbed before publish", te.Text)
	}
	if te.ID == "" {
		t.Error("transcript event has no id")
	}
	if te.EndOffset <= te.StartOffset {
		t.Errorf("offsets [%f, %f] not increasing", te.StartOffset, te.EndOffset)
	}

	// The live transcript holds the scrubbed line.
	lines, err := h.state.Lines(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || lines[0] != "agent: my email is [REDACTED_EMAIL]" {
		t.Errorf("redis transcript = %v", lines)
	}
}

func TestPipelineEmptyTranscriptIsNoOp(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "   "})
	events := h.collect(t, event.SubjectTranscript("sess-2"))

	h.bus.Publish(event.SubjectAudio("sess-2"), speechChunk(2))
	h.bus.Publish(event.SubjectAudio("sess-2"), silenceChunk(0.8))

	select {
	case data := <-events:
		t.Fatalf("unexpected transcript event for empty result: %s", data)
	case <-time.After(300 * time.Millisecond):
	}
	lines, err := h.state.Lines(context.Background(), "sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Errorf("empty transcription reached redis: %v", lines)
	}
}

func TestPipelineShortWindowWaitsForMore(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "hi"})
	events := h.collect(t, event.SubjectTranscript("sess-3"))

	// 0.2s of speech is under the minimum window even after a long pause.
	h.bus.Publish(event.SubjectAudio("sess-3"), speechChunk(0.2))
	h.bus.Publish(event.SubjectAudio("sess-3"), silenceChunk(0.75))

	select {
	case <-events:
		t.Fatal("window under the minimum was transcribed")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestPipelineMaxWindowForcesFlush(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "long monologue"})
	events := h.collect(t, event.SubjectTranscript("sess-4"))

	// 31 seconds of continuous speech with no pause.
	for range 31 {
		h.bus.Publish(event.SubjectAudio("sess-4"), speechChunk(1))
	}

	var te event.TranscriptEvent
	if err := json.Unmarshal(recv(t, events), &te); err != nil {
		t.Fatal(err)
	}
	if te.Text != "long monologue" {
		t.Errorf("text = %q", te.Text)
	}
	if got := te.EndOffset - te.StartOffset; got < 29 || got > 31 {
		t.Errorf("window duration = %fs, want ~30s", got)
	}
}

func TestPipelineOffsetsNonDecreasing(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Results: []string{"first utterance", "second utterance"}})
	events := h.collect(t, event.SubjectTranscript("sess-5"))

	h.bus.Publish(event.SubjectAudio("sess-5"), speechChunk(2))
	h.bus.Publish(event.SubjectAudio("sess-5"), silenceChunk(0.8))
	var first event.TranscriptEvent
	if err := json.Unmarshal(recv(t, events), &first); err != nil {
		t.Fatal(err)
	}

	h.bus.Publish(event.SubjectAudio("sess-5"), speechChunk(2))
	h.bus.Publish(event.SubjectAudio("sess-5"), silenceChunk(0.8))
	var second event.TranscriptEvent
	if err := json.Unmarshal(recv(t, events), &second); err != nil {
		t.Fatal(err)
	}

	if second.StartOffset < first.EndOffset {
		t.Errorf("second window [%f, %f] overlaps first [%f, %f]",
			second.StartOffset, second.EndOffset, first.StartOffset, first.EndOffset)
	}
}

func TestPipelineFiresOverlayTrigger(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "that sounds too expensive for us"})
	commands := h.collect(t, event.SubjectUICommands("sess-6"))

	h.bus.Publish(event.SubjectAudio("sess-6"), speechChunk(2))
	h.bus.Publish(event.SubjectAudio("sess-6"), silenceChunk(0.8))

	var trigger event.OverlayTrigger
	if err := json.Unmarshal(recv(t, commands), &trigger); err != nil {
		t.Fatal(err)
	}
	if trigger.Type != event.TypeOverlayTrigger {
		t.Errorf("type = %q", trigger.Type)
	}
	if trigger.Content.Title != "Pricing Objection" {
		t.Errorf("title = %q, want Pricing Objection", trigger.Content.Title)
	}
	if trigger.DisplayDurationMs != overlayDisplayMs {
		t.Errorf("display duration = %d", trigger.DisplayDurationMs)
	}
}

// recordingBus wraps the in-memory bus and records the queue group each
// subscription was made with.
type recordingBus struct {
	*busmock.Bus
	mu     sync.Mutex
	groups map[string]string
}

func (b *recordingBus) Subscribe(subject, queue string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	b.groups[subject] = queue
	b.mu.Unlock()
	return b.Bus.Subscribe(subject, queue, h)
}

func TestPipelineSubscriptionQueueGroups(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	router, err := hint.NewRouter(hint.DefaultPlaybook())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	rb := &recordingBus{Bus: busmock.New(), groups: make(map[string]string)}
	cfg := Config{
		SampleRate:   testRate,
		SilenceFlush: 700 * time.Millisecond,
		MinWindow:    time.Second,
		MaxWindow:    30 * time.Second,
		Workers:      1,
		IdleTimeout:  5 * time.Minute,
	}
	p := NewPipeline(cfg, rb, &sttmock.Provider{}, levelVAD{},
		scrub.New(scrub.DefaultConfig()), NewTranscriptState(rdb, time.Hour), router, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Run(ctx) }()
	t.Cleanup(cancel)
	time.Sleep(20 * time.Millisecond)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	// Audio is load-balanced across replicas; call.ended is private so every
	// replica can flush its own sessions.
	if got := rb.groups[event.SubjectAudioPrefix+">"]; got != "speech_workers" {
		t.Errorf("audio subscription queue group = %q, want speech_workers", got)
	}
	if got, ok := rb.groups[event.SubjectCallEnded]; !ok || got != "" {
		t.Errorf("call.ended subscription queue group = %q, want private subscription", got)
	}
}

// Audio frames and call.ended arrive on separate subscriptions, so their
// handlers can run concurrently for the same session. Exercised under -race.
func TestPipelineConcurrentAudioAndCallEnded(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "overlapping delivery"})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 50 {
			h.bus.Publish(event.SubjectAudio("sess-race"), speechChunk(0.05))
		}
	}()
	go func() {
		defer wg.Done()
		time.Sleep(2 * time.Millisecond)
		ended, _ := event.Marshal(event.CallEnded{
			SessionID: "sess-race", Reason: "client_request", Timestamp: time.Now(),
		})
		h.bus.Publish(event.SubjectCallEnded, ended)
	}()
	wg.Wait()
}

func TestPipelineCallEndedFlushesAndClears(t *testing.T) {
	h := newHarness(t, &sttmock.Provider{Result: "closing words"})
	events := h.collect(t, event.SubjectTranscript("sess-7"))

	// Speech with no closing silence stays buffered until call.ended.
	h.bus.Publish(event.SubjectAudio("sess-7"), speechChunk(2))

	ended, _ := event.Marshal(event.CallEnded{SessionID: "sess-7", Reason: "client_request", Timestamp: time.Now()})
	h.bus.Publish(event.SubjectCallEnded, ended)

	var te event.TranscriptEvent
	if err := json.Unmarshal(recv(t, events), &te); err != nil {
		t.Fatal(err)
	}
	if te.Text != "closing words" {
		t.Errorf("text = %q", te.Text)
	}

	// Redis state is cleared once the final snapshot is persisted.
	deadline := time.Now().Add(2 * time.Second)
	for {
		lines, err := h.state.Lines(context.Background(), "sess-7")
		if err != nil {
			t.Fatal(err)
		}
		if len(lines) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("redis transcript not cleared: %v", lines)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
