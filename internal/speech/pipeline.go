// Package speech implements the real-time transcription pipeline: it
// consumes raw PCM off the bus, gates it through voice activity detection,
// windows it per session, transcribes snapshots through a bounded worker
// pool, scrubs PII, and fans results out as transcript events and overlay
// triggers.
package speech

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/hint"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/scrub"
	"github.com/sentinelvoice/sentinel/pkg/audio"
	"github.com/sentinelvoice/sentinel/pkg/provider/stt"
	"github.com/sentinelvoice/sentinel/pkg/provider/vad"
)

// queueGroup shares the audio firehose across speech replicas; the bus
// delivers each frame to exactly one member. Per-session ordering assumes a
// session's frames land on one member, so scaling beyond a single replica
// needs subject partitioning in front of the group.
const queueGroup = "speech_workers"

// pendingDepth bounds queued snapshots per session. When a session's STT
// falls behind, the oldest queued snapshot is dropped so live audio never
// blocks.
const pendingDepth = 4

// overlayDisplayMs is how long the client overlay shows a hint.
const overlayDisplayMs = 8000

// Config carries the windowing parameters of the pipeline.
type Config struct {
	// SampleRate of the inbound PCM in Hz.
	SampleRate int

	// SilenceFlush is the trailing silence that closes an utterance.
	SilenceFlush time.Duration

	// MinWindow is the least audio worth a transcription request; shorter
	// windows wait for more speech.
	MinWindow time.Duration

	// MaxWindow force-flushes a long monologue.
	MaxWindow time.Duration

	// Workers caps concurrent transcription requests across all sessions.
	Workers int64

	// IdleTimeout evicts sessions that stop sending audio.
	IdleTimeout time.Duration
}

// snapshot is one windowed utterance queued for transcription.
type snapshot struct {
	samples     []float32
	startOffset float64
	endOffset   float64
}

// session is the per-call transcription state. The windowing fields are
// written from the audio subscription and from the call.ended subscription,
// two distinct delivery goroutines, so mu guards them. The worker goroutine
// owns the cooldowns and drains pending.
type session struct {
	id string

	mu        sync.Mutex // guards buf, clock, silence, sawSpeech, lastAudio
	buf       *ringBuffer
	clock     float64 // seconds of audio received since session start
	silence   time.Duration
	sawSpeech bool
	lastAudio time.Time

	pending   chan snapshot
	cooldowns *hint.Cooldowns
	done      chan struct{}
	finished  chan struct{}
}

// Pipeline is the speech service. Create with [NewPipeline], start with
// [Pipeline.Run].
type Pipeline struct {
	cfg      Config
	bus      bus.Bus
	stt      stt.Provider
	vad      vad.Engine
	scrubber *scrub.Scrubber
	state    *TranscriptState
	router   *hint.Router
	metrics  *observe.Metrics

	sem *semaphore.Weighted

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewPipeline assembles the speech pipeline.
func NewPipeline(cfg Config, b bus.Bus, sttProvider stt.Provider, vadEngine vad.Engine,
	scrubber *scrub.Scrubber, state *TranscriptState, router *hint.Router,
	metrics *observe.Metrics) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		bus:      b,
		stt:      sttProvider,
		vad:      vadEngine,
		scrubber: scrubber,
		state:    state,
		router:   router,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(cfg.Workers),
		sessions: make(map[string]*session),
	}
}

// Run subscribes to the audio and call-end subjects and blocks until ctx is
// cancelled. In-flight transcriptions are drained before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	audioSub, err := p.bus.Subscribe(event.SubjectAudioPrefix+">", queueGroup, func(subject string, data []byte) {
		sessionID := strings.TrimPrefix(subject, event.SubjectAudioPrefix)
		p.handleAudio(ctx, sessionID, data)
	})
	if err != nil {
		return err
	}
	defer audioSub.Unsubscribe()

	endSub, err := p.bus.Subscribe(event.SubjectCallEnded, "", func(_ string, data []byte) {
		p.handleCallEnded(ctx, data)
	})
	if err != nil {
		return err
	}
	defer endSub.Unsubscribe()

	slog.Info("speech pipeline running",
		"sample_rate", p.cfg.SampleRate,
		"workers", p.cfg.Workers,
	)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.evictAll()
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// handleAudio processes one raw PCM frame. Frames for a subscription arrive
// sequentially, but call.ended lands on a separate subscription, so the
// windowing state is updated under the session lock.
func (p *Pipeline) handleAudio(ctx context.Context, sessionID string, data []byte) {
	if sessionID == "" || len(data) == 0 {
		return
	}
	s := p.session(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAudio = time.Now()

	chunk := audio.DecodeS16LE(data)
	chunkDur := audio.Duration(len(chunk), p.cfg.SampleRate)
	s.clock += chunkDur

	speech, err := p.vad.HasSpeech(chunk)
	if err != nil {
		// Fail open: bad VAD should not silence the call.
		slog.Warn("vad error; treating chunk as speech", "session_id", sessionID, "error", err)
		speech = true
	}

	switch {
	case speech:
		s.buf.Write(chunk)
		s.sawSpeech = true
		s.silence = 0
	case s.sawSpeech:
		// Trailing silence still belongs to the utterance.
		s.buf.Write(chunk)
		s.silence += time.Duration(chunkDur * float64(time.Second))
	default:
		// Leading silence before any speech is discarded.
		return
	}

	bufDur := audio.Duration(s.buf.Len(), p.cfg.SampleRate)
	pauseClosed := s.sawSpeech && s.silence >= p.cfg.SilenceFlush && bufDur >= p.cfg.MinWindow.Seconds()
	if pauseClosed || bufDur >= p.cfg.MaxWindow.Seconds() {
		p.flush(ctx, s)
	}
}

// flush drains the session buffer into a snapshot and queues it for
// transcription, dropping the oldest queued snapshot on backpressure.
// Called with s.mu held.
func (p *Pipeline) flush(ctx context.Context, s *session) {
	if dropped := s.buf.Dropped(); dropped > 0 {
		slog.Warn("audio samples dropped by ring buffer overflow",
			"session_id", s.id, "samples", dropped)
	}
	samples := s.buf.Drain()
	s.sawSpeech = false
	s.silence = 0
	if len(samples) == 0 {
		return
	}

	snap := snapshot{
		samples:     samples,
		startOffset: s.clock - audio.Duration(len(samples), p.cfg.SampleRate),
		endOffset:   s.clock,
	}
	if snap.startOffset < 0 {
		snap.startOffset = 0
	}

	select {
	case s.pending <- snap:
		return
	default:
	}
	// Queue full: sacrifice the oldest snapshot, keep the newest audio.
	select {
	case <-s.pending:
		p.metrics.SnapshotsDropped.Add(ctx, 1)
		slog.Warn("transcription backpressure; dropped oldest snapshot", "session_id", s.id)
	default:
	}
	select {
	case s.pending <- snap:
	default:
	}
}

// session returns the state for sessionID, creating it and its worker on
// first audio.
func (p *Pipeline) session(sessionID string) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[sessionID]; ok {
		return s
	}

	capacity := int(p.cfg.MaxWindow.Seconds() * float64(p.cfg.SampleRate))
	s := &session{
		id:        sessionID,
		buf:       newRingBuffer(capacity),
		lastAudio: time.Now(),
		pending:   make(chan snapshot, pendingDepth),
		cooldowns: hint.NewCooldowns(),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	p.sessions[sessionID] = s

	p.wg.Add(1)
	go p.worker(s)

	slog.Info("speech session started", "session_id", sessionID)
	return s
}

// worker serialises a session's snapshots through the shared STT pool.
// One worker per session keeps transcript order per call while the
// semaphore caps total concurrency.
func (p *Pipeline) worker(s *session) {
	defer p.wg.Done()
	defer close(s.finished)
	for {
		select {
		case <-s.done:
			// Drain what is already queued, then exit.
			for {
				select {
				case snap := <-s.pending:
					p.transcribe(context.Background(), s, snap)
				default:
					return
				}
			}
		case snap := <-s.pending:
			p.transcribe(context.Background(), s, snap)
		}
	}
}

// transcribe runs one snapshot through STT and publishes the results.
func (p *Pipeline) transcribe(ctx context.Context, s *session, snap snapshot) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	suffix, err := p.state.Suffix(ctx, s.id)
	if err != nil {
		slog.Warn("transcript suffix unavailable", "session_id", s.id, "error", err)
	}

	start := time.Now()
	text, err := p.stt.Transcribe(ctx, stt.Request{
		Samples:       snap.samples,
		SampleRate:    p.cfg.SampleRate,
		InitialPrompt: suffix,
	})
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		slog.Error("transcription failed", "session_id", s.id, "error", err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	scrubbed := p.scrubber.Scrub(text)
	if err := p.state.Append(ctx, s.id, event.SpeakerAgent, scrubbed); err != nil {
		slog.Error("transcript append failed", "session_id", s.id, "error", err)
	}

	p.routeHint(ctx, s, scrubbed)

	te := event.TranscriptEvent{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		Text:        scrubbed,
		StartOffset: snap.startOffset,
		EndOffset:   snap.endOffset,
		Speaker:     event.SpeakerAgent,
	}
	payload, err := event.Marshal(te)
	if err != nil {
		slog.Error("marshal transcript event", "session_id", s.id, "error", err)
		return
	}
	if err := p.bus.Publish(event.SubjectTranscript(s.id), payload); err != nil {
		p.metrics.RecordPublishError(ctx, event.SubjectTranscriptPrefix)
		slog.Error("publish transcript event", "session_id", s.id, "error", err)
	}
}

// routeHint evaluates the scrubbed text against the playbook and publishes
// an overlay trigger when one fires.
func (p *Pipeline) routeHint(ctx context.Context, s *session, text string) {
	trigger, err := p.router.Route(ctx, text, s.cooldowns)
	if err != nil {
		slog.Warn("hint routing failed", "session_id", s.id, "error", err)
		return
	}
	if trigger == nil {
		return
	}

	payload, err := event.Marshal(event.OverlayTrigger{
		Type:              event.TypeOverlayTrigger,
		Content:           *trigger,
		DisplayDurationMs: overlayDisplayMs,
	})
	if err != nil {
		slog.Error("marshal overlay trigger", "session_id", s.id, "error", err)
		return
	}
	if err := p.bus.Publish(event.SubjectUICommands(s.id), payload); err != nil {
		p.metrics.RecordPublishError(ctx, event.SubjectUICommandsPrefix)
		slog.Error("publish overlay trigger", "session_id", s.id, "error", err)
		return
	}
	p.metrics.RecordTrigger(ctx, trigger.Title)
	slog.Info("overlay trigger fired", "session_id", s.id, "title", trigger.Title)
}

// handleCallEnded flushes and evicts the ended session.
func (p *Pipeline) handleCallEnded(ctx context.Context, data []byte) {
	var ended event.CallEnded
	if err := json.Unmarshal(data, &ended); err != nil {
		slog.Warn("malformed call.ended event", "error", err)
		return
	}

	p.mu.Lock()
	s, ok := p.sessions[ended.SessionID]
	if ok {
		delete(p.sessions, ended.SessionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	// Push out whatever speech is still buffered.
	s.mu.Lock()
	if s.buf.Len() > 0 && s.sawSpeech {
		p.flush(ctx, s)
	}
	s.mu.Unlock()
	close(s.done)

	// Clear the live state only after the worker has drained its queue,
	// without stalling other bus deliveries.
	go func() {
		<-s.finished
		if err := p.state.Clear(context.WithoutCancel(ctx), ended.SessionID); err != nil {
			slog.Warn("clear transcript state", "session_id", ended.SessionID, "error", err)
		}
	}()
	slog.Info("speech session ended", "session_id", ended.SessionID, "reason", ended.Reason)
}

// evictIdle removes sessions that have gone quiet without a call.ended.
func (p *Pipeline) evictIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var evicted []*session
	for id, s := range p.sessions {
		s.mu.Lock()
		idle := s.lastAudio.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(p.sessions, id)
			evicted = append(evicted, s)
		}
	}
	p.mu.Unlock()

	for _, s := range evicted {
		close(s.done)
		slog.Info("speech session evicted after idle timeout", "session_id", s.id)
	}
}

// evictAll shuts down every session worker, used on pipeline stop.
func (p *Pipeline) evictAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	p.mu.Unlock()

	for _, s := range sessions {
		close(s.done)
	}
}
