// Package postcall implements the post-call integrations worker: when a call
// ends it reconstructs the transcript, runs the summariser, stores the
// analysis, and pushes an activity record to the CRM.
package postcall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/crm"
	"github.com/sentinelvoice/sentinel/internal/crypto"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
	"github.com/sentinelvoice/sentinel/internal/store"
	"github.com/sentinelvoice/sentinel/pkg/provider/summarizer"
)

// queueGroup load-balances post-call instances; each call.ended event is
// processed by exactly one worker.
const queueGroup = "integrations_pipeline"

// Defaults for the external-call timeouts.
const (
	DefaultSummarizeTimeout = 30 * time.Second
	DefaultCRMTimeout       = 15 * time.Second
)

// Store is the subset of the persistence layer the worker needs.
// *store.Store satisfies it.
type Store interface {
	CallBySessionID(ctx context.Context, sessionID string) (*store.Call, error)
	TransitionStatus(ctx context.Context, sessionID string, from, to store.Status) (bool, error)
	Segments(ctx context.Context, callID string) ([]store.Segment, error)
	SaveAnalysis(ctx context.Context, sessionID, summary, sentiment string, score float64) error
	UserByID(ctx context.Context, id string) (*store.User, error)
	WrappedDEK(ctx context.Context, orgID string) (string, error)
}

var _ Store = (*store.Store)(nil)

// Option is a functional option for configuring a Worker.
type Option func(*Worker)

// WithCRM enables CRM push. Without it, analysed calls go straight to
// processed.
func WithCRM(connector crm.Connector) Option {
	return func(w *Worker) {
		w.crm = connector
	}
}

// WithTenantKeys enables transcript decryption and summary encryption with
// per-tenant data keys. Without it, segment text is treated as plaintext.
func WithTenantKeys(km *crypto.TenantKeyManager) Option {
	return func(w *Worker) {
		w.km = km
	}
}

// WithTimeouts overrides the summariser and CRM call timeouts.
func WithTimeouts(summarize, crmPush time.Duration) Option {
	return func(w *Worker) {
		w.summarizeTimeout = summarize
		w.crmTimeout = crmPush
	}
}

// Worker consumes call.ended and runs the integrations pipeline for each
// finished call. Terminal statuses (processed, crm_failed) make redelivery a
// no-op, and the guarded transition in_progress → completed after a
// successful analysis ensures only one worker pushes to the CRM. A failed
// summarisation leaves the call in_progress so republishing call.ended
// re-drives the whole pipeline.
type Worker struct {
	bus        bus.Bus
	store      Store
	summarizer summarizer.Provider
	crm        crm.Connector
	km         *crypto.TenantKeyManager
	metrics    *observe.Metrics

	summarizeTimeout time.Duration
	crmTimeout       time.Duration

	mu         sync.Mutex
	encryptors map[string]*crypto.DataEncryptor
}

// NewWorker assembles the post-call worker.
func NewWorker(b bus.Bus, st Store, sum summarizer.Provider,
	metrics *observe.Metrics, opts ...Option) *Worker {
	w := &Worker{
		bus:              b,
		store:            st,
		summarizer:       sum,
		metrics:          metrics,
		summarizeTimeout: DefaultSummarizeTimeout,
		crmTimeout:       DefaultCRMTimeout,
		encryptors:       make(map[string]*crypto.DataEncryptor),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run subscribes to call.ended and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.Subscribe(event.SubjectCallEnded, queueGroup, func(_ string, data []byte) {
		var ended event.CallEnded
		if err := json.Unmarshal(data, &ended); err != nil {
			slog.Warn("malformed call.ended event", "error", err)
			return
		}
		w.Process(ctx, ended.SessionID)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	slog.Info("post-call worker running")
	<-ctx.Done()
	return nil
}

// Process runs the pipeline for one ended session. Safe to call with the
// same session more than once: terminal calls are dropped, in-progress calls
// run the full pipeline, and completed calls resume at the CRM step.
func (w *Worker) Process(ctx context.Context, sessionID string) {
	call, err := w.store.CallBySessionID(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no call registered for session; dropping", "session_id", sessionID)
		return
	}
	if err != nil {
		slog.Error("load call failed", "session_id", sessionID, "error", err)
		return
	}
	switch call.Status {
	case store.StatusProcessed, store.StatusCRMFailed:
		slog.Info("call already processed; skipping", "session_id", sessionID, "status", call.Status)
		return
	case store.StatusCompleted:
		// Analysis is saved before the completed claim, so a completed call
		// that never reached a terminal status re-enters at the CRM step.
		w.resume(ctx, call)
		return
	}

	transcript, err := w.transcript(ctx, call)
	if err != nil {
		slog.Error("transcript reconstruction failed", "session_id", sessionID, "error", err)
		return
	}
	if transcript == "" {
		slog.Info("call has no transcript; nothing to analyse", "session_id", sessionID)
		if w.transition(ctx, sessionID, store.StatusInProgress, store.StatusCompleted) {
			w.transition(ctx, sessionID, store.StatusCompleted, store.StatusProcessed)
		}
		return
	}

	analysis, err := w.summarize(ctx, transcript)
	if err != nil {
		// The call stays in_progress; republishing call.ended retries from
		// the top. The worker itself never retries the summariser.
		slog.Error("summarisation failed", "session_id", sessionID, "error", err)
		return
	}

	summary, err := w.sealSummary(ctx, call.OrgID, analysis.Summary)
	if err != nil {
		slog.Error("summary encryption failed", "session_id", sessionID, "error", err)
		return
	}
	score := summarizer.SentimentScore(analysis.Sentiment)
	if err := w.store.SaveAnalysis(ctx, sessionID, summary, analysis.Sentiment, score); err != nil {
		slog.Error("save analysis failed", "session_id", sessionID, "error", err)
		return
	}

	// The guarded transition is the claim: under concurrent redelivery only
	// one worker advances the call and talks to the CRM.
	if !w.transition(ctx, sessionID, store.StatusInProgress, store.StatusCompleted) {
		slog.Info("call claimed by another worker", "session_id", sessionID)
		return
	}
	w.syncCRM(ctx, call, analysis)
}

// resume re-enters the pipeline for a call whose analysis already succeeded
// but which never reached a terminal status (e.g. the worker died between
// the claim and the CRM push).
func (w *Worker) resume(ctx context.Context, call *store.Call) {
	analysis := &summarizer.CallAnalysis{Summary: call.Summary, Sentiment: call.Sentiment}
	if call.Summary != "" {
		enc, err := w.encryptor(ctx, call.OrgID)
		if err != nil {
			slog.Error("tenant key unavailable for resume", "session_id", call.SessionID, "error", err)
			return
		}
		if enc != nil {
			plain, err := enc.Decrypt(call.Summary)
			if err != nil {
				slog.Error("decrypt stored summary failed", "session_id", call.SessionID, "error", err)
				return
			}
			analysis.Summary = string(plain)
		}
	}
	w.syncCRM(ctx, call, analysis)
}

// syncCRM pushes the analysed call to the CRM and moves it to its terminal
// status. Entered with the call in the completed state.
func (w *Worker) syncCRM(ctx context.Context, call *store.Call, analysis *summarizer.CallAnalysis) {
	sessionID := call.SessionID
	if w.crm == nil {
		w.transition(ctx, sessionID, store.StatusCompleted, store.StatusProcessed)
		return
	}
	if err := w.pushCRM(ctx, call, analysis); err != nil {
		slog.Error("crm push failed", "session_id", sessionID, "error", err)
		w.transition(ctx, sessionID, store.StatusCompleted, store.StatusCRMFailed)
		return
	}
	w.transition(ctx, sessionID, store.StatusCompleted, store.StatusProcessed)
	slog.Info("call processed", "session_id", sessionID, "sentiment", analysis.Sentiment)
}

// transcript loads the call's segments, decrypts them, and joins them in
// spoken order as "{speaker}: {text}" lines.
func (w *Worker) transcript(ctx context.Context, call *store.Call) (string, error) {
	segments, err := w.store.Segments(ctx, call.ID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", nil
	}

	enc, err := w.encryptor(ctx, call.OrgID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, seg := range segments {
		text := seg.Text
		if enc != nil {
			plain, err := enc.Decrypt(seg.Text)
			if err != nil {
				return "", fmt.Errorf("postcall: decrypt segment %s: %w", seg.ID, err)
			}
			text = string(plain)
		}
		sb.WriteString(seg.Speaker)
		sb.WriteString(": ")
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func (w *Worker) summarize(ctx context.Context, transcript string) (*summarizer.CallAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, w.summarizeTimeout)
	defer cancel()

	start := time.Now()
	analysis, err := w.summarizer.Summarize(ctx, transcript)
	w.metrics.SummarizerDuration.Record(ctx, time.Since(start).Seconds())
	return analysis, err
}

// sealSummary encrypts the summary with the tenant's data key, matching how
// segments are stored. Plaintext passthrough when no key manager is wired.
func (w *Worker) sealSummary(ctx context.Context, orgID, summary string) (string, error) {
	enc, err := w.encryptor(ctx, orgID)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return summary, nil
	}
	return enc.Encrypt([]byte(summary))
}

// encryptor loads and caches the tenant's DataEncryptor. Returns (nil, nil)
// when encryption is disabled.
func (w *Worker) encryptor(ctx context.Context, orgID string) (*crypto.DataEncryptor, error) {
	if w.km == nil {
		return nil, nil
	}

	w.mu.Lock()
	enc, ok := w.encryptors[orgID]
	w.mu.Unlock()
	if ok {
		return enc, nil
	}

	wrapped, err := w.store.WrappedDEK(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("postcall: load tenant key for %s: %w", orgID, err)
	}
	blob, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("postcall: decode tenant key for %s: %w", orgID, err)
	}
	w.km.ImportWrapped(orgID, blob)
	dek, err := w.km.UnwrapDEK(orgID)
	if err != nil {
		return nil, err
	}
	enc, err = crypto.NewDataEncryptor(dek)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.encryptors[orgID] = enc
	w.mu.Unlock()
	return enc, nil
}

// pushCRM logs the analysed call as a CRM activity attributed to the agent.
func (w *Worker) pushCRM(ctx context.Context, call *store.Call, analysis *summarizer.CallAnalysis) error {
	agentEmail := ""
	if user, err := w.store.UserByID(ctx, call.UserID); err == nil {
		agentEmail = user.Email
	} else {
		slog.Warn("agent lookup failed; logging activity unattributed",
			"session_id", call.SessionID, "error", err)
	}

	activity := crm.Activity{
		AgentEmail:    agentEmail,
		CustomerEmail: call.CustomerEmail,
		Subject:       "Sales call " + call.SessionID,
		Description:   activityDescription(analysis),
		Sentiment:     analysis.Sentiment,
	}

	ctx, cancel := context.WithTimeout(ctx, w.crmTimeout)
	defer cancel()

	start := time.Now()
	err := w.crm.LogCallActivity(ctx, activity)
	w.metrics.CRMDuration.Record(ctx, time.Since(start).Seconds())
	return err
}

func activityDescription(analysis *summarizer.CallAnalysis) string {
	var sb strings.Builder
	sb.WriteString(analysis.Summary)
	if len(analysis.ActionItems) > 0 {
		sb.WriteString("\n\nAction items:")
		for _, item := range analysis.ActionItems {
			sb.WriteString("\n- ")
			sb.WriteString(item)
		}
	}
	if len(analysis.Objections) > 0 {
		sb.WriteString("\n\nObjections:")
		for _, o := range analysis.Objections {
			sb.WriteString("\n- ")
			sb.WriteString(o)
		}
	}
	return sb.String()
}

func (w *Worker) transition(ctx context.Context, sessionID string, from, to store.Status) bool {
	ok, err := w.store.TransitionStatus(ctx, sessionID, from, to)
	if err != nil {
		slog.Error("status transition failed",
			"session_id", sessionID, "from", from, "to", to, "error", err)
		return false
	}
	return ok
}
