package persist

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/resilience"
)

// queueGroup load-balances persistence instances: each frame and event is
// handled by exactly one worker.
const queueGroup = "persistence_archiver"

// spoolIdleClose closes file handles for sessions that stop streaming.
const spoolIdleClose = time.Minute

// drainTimeout bounds the shutdown finalisation of open spools.
const drainTimeout = 30 * time.Second

// Uploader is the object-store seam. *storage.RecordingStore satisfies it.
type Uploader interface {
	UploadFile(ctx context.Context, key, path, contentType string) error
}

// Worker is the persistence service: audio spooling, recording finalisation
// and segment batching.
type Worker struct {
	bus          bus.Bus
	spooler      *Spooler
	transcoder   *Transcoder
	uploader     Uploader
	store        CallStore
	batcher      *Batcher
	metrics      *observe.Metrics
	finalizeIdle time.Duration
}

// NewWorker assembles the persistence worker. finalizeIdle is how long a
// spool may go without audio before the session is treated as abandoned and
// finalised.
func NewWorker(b bus.Bus, spooler *Spooler, transcoder *Transcoder,
	uploader Uploader, cs CallStore, batcher *Batcher, metrics *observe.Metrics,
	finalizeIdle time.Duration) *Worker {
	return &Worker{
		bus:          b,
		spooler:      spooler,
		transcoder:   transcoder,
		uploader:     uploader,
		store:        cs,
		batcher:      batcher,
		metrics:      metrics,
		finalizeIdle: finalizeIdle,
	}
}

// Run subscribes to the audio, transcript, and call-end subjects and blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	audioSub, err := w.bus.Subscribe(event.SubjectAudioPrefix+">", queueGroup, func(subject string, data []byte) {
		sessionID := strings.TrimPrefix(subject, event.SubjectAudioPrefix)
		if err := w.spooler.Append(ctx, sessionID, data); err != nil {
			slog.Error("spool append failed", "session_id", sessionID, "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer audioSub.Unsubscribe()

	segSub, err := w.bus.Subscribe(event.SubjectTranscriptPrefix+">", queueGroup, func(_ string, data []byte) {
		var te event.TranscriptEvent
		if err := json.Unmarshal(data, &te); err != nil {
			slog.Warn("malformed transcript event", "error", err)
			return
		}
		w.batcher.Add(ctx, te)
	})
	if err != nil {
		return err
	}
	defer segSub.Unsubscribe()

	endSub, err := w.bus.Subscribe(event.SubjectCallEnded, queueGroup, func(_ string, data []byte) {
		var ended event.CallEnded
		if err := json.Unmarshal(data, &ended); err != nil {
			slog.Warn("malformed call.ended event", "error", err)
			return
		}
		// Finalisation does slow I/O (transcode, upload with backoff);
		// never block the delivery goroutine on it.
		go w.finalize(ctx, ended)
	})
	if err != nil {
		return err
	}
	defer endSub.Unsubscribe()

	go w.batcher.Run(ctx)
	slog.Info("persistence worker running", "finalize_idle", w.finalizeIdle)

	interval := w.finalizeIdle
	if interval > spoolIdleClose {
		interval = spoolIdleClose
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Stop taking new call.ended work before draining so the drain
			// does not race a queued finalisation for the same session.
			endSub.Unsubscribe()
			w.drain()
			return nil
		case <-ticker.C:
			w.spooler.CloseIdle(ctx, spoolIdleClose)
			w.sweepAbandoned(ctx)
		}
	}
}

// sweepAbandoned finalises sessions whose audio stopped without a
// call.ended, a crashed client or a lost event. The end is announced on the
// bus so the other services observe it the same way as a clean hangup.
func (w *Worker) sweepAbandoned(ctx context.Context) {
	for _, id := range w.spooler.EvictIdle(ctx, w.finalizeIdle) {
		ended := event.CallEnded{SessionID: id, Reason: "idle_timeout", Timestamp: time.Now()}
		payload, err := event.Marshal(ended)
		if err != nil {
			slog.Error("marshal call.ended", "session_id", id, "error", err)
			continue
		}
		if err := w.bus.Publish(event.SubjectCallEnded, payload); err != nil {
			w.metrics.RecordPublishError(ctx, event.SubjectCallEnded)
			slog.Error("publish idle call.ended; finalising locally", "session_id", id, "error", err)
			go w.finalize(ctx, ended)
		}
		slog.Info("idle session finalisation triggered", "session_id", id)
	}
}

// drain finalises every open spool on shutdown: flush buffered segments,
// announce each session's end on the bus, and run the finalisation
// synchronously under a bounded deadline.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	w.batcher.Flush(ctx)
	for _, id := range w.spooler.Active() {
		ended := event.CallEnded{SessionID: id, Reason: "shutdown", Timestamp: time.Now()}
		if payload, err := event.Marshal(ended); err == nil {
			if err := w.bus.Publish(event.SubjectCallEnded, payload); err != nil {
				slog.Warn("publish shutdown call.ended", "session_id", id, "error", err)
			}
		}
		w.finalize(ctx, ended)
	}
}

// finalize turns a finished session's spool into a durable recording:
// transcode to Ogg/Opus, upload (raw PCM on transcode failure), record the
// object key, clean up local files.
func (w *Worker) finalize(ctx context.Context, ended event.CallEnded) {
	sessionID := ended.SessionID
	if err := w.store.EndCall(ctx, sessionID, ended.Timestamp); err != nil {
		slog.Warn("stamp call end failed", "session_id", sessionID, "error", err)
	}
	// Segments for this call may still sit in the current batch window.
	w.batcher.Flush(ctx)
	w.batcher.forgetSession(sessionID)

	pcmPath, err := w.spooler.Finalize(ctx, sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("session produced no audio; nothing to upload", "session_id", sessionID)
			return
		}
		slog.Error("finalize spool failed", "session_id", sessionID, "error", err)
		return
	}

	uploadPath, ext, contentType := pcmPath, "pcm", "application/octet-stream"
	oggPath, err := w.transcoder.Transcode(ctx, pcmPath)
	if err != nil {
		w.metrics.RecordUpload(ctx, "fallback")
		slog.Warn("transcode failed; uploading raw PCM", "session_id", sessionID, "error", err)
	} else {
		uploadPath, ext, contentType = oggPath, "ogg", "audio/ogg"
	}

	key := "recordings/" + sessionID + "." + ext
	start := time.Now()
	err = resilience.Retry(ctx,
		resilience.RetryConfig{MaxAttempts: 7, InitialBackoff: time.Second, MaxBackoff: time.Minute},
		func(ctx context.Context) error {
			return w.uploader.UploadFile(ctx, key, uploadPath, contentType)
		})
	w.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		w.metrics.RecordUpload(ctx, "failed")
		slog.Error("recording upload failed; spool retained", "session_id", sessionID, "error", err)
		return
	}
	w.metrics.RecordUpload(ctx, "ok")

	if err := w.store.SetRecordingPath(ctx, sessionID, key); err != nil {
		slog.Warn("record object key failed", "session_id", sessionID, "key", key, "error", err)
	}

	if err := w.spooler.Remove(sessionID); err != nil {
		slog.Warn("spool cleanup failed", "session_id", sessionID, "error", err)
	}
	if uploadPath != pcmPath {
		if err := os.Remove(uploadPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("transcode cleanup failed", "path", uploadPath, "error", err)
		}
	}
	slog.Info("recording persisted", "session_id", sessionID, "key", key)
}
