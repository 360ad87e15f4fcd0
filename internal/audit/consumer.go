package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
)

// Consumer subscribes to audit.> and chains every valid event into a [Log].
// Malformed events are logged and dropped; chain append failures halt the
// consumer because a gap would break tamper evidence.
type Consumer struct {
	log     *Log
	bus     bus.Bus
	metrics *observe.Metrics

	sub  bus.Subscription
	halt context.CancelCauseFunc
}

// NewConsumer wires a consumer over b writing to log.
func NewConsumer(b bus.Bus, log *Log, metrics *observe.Metrics) *Consumer {
	return &Consumer{log: log, bus: b, metrics: metrics}
}

// Run subscribes and blocks until ctx is cancelled or an integrity failure
// halts the chain.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, halt := context.WithCancelCause(ctx)
	c.halt = halt

	sub, err := c.bus.Subscribe(event.SubjectAuditPrefix+">", "", c.handle)
	if err != nil {
		return err
	}
	c.sub = sub

	slog.Info("audit consumer started", "tip", c.log.LastHash())
	<-ctx.Done()

	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("audit unsubscribe error", "err", err)
	}
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}
	return nil
}

func (c *Consumer) handle(subject string, data []byte) {
	var ev event.AuditEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("audit event dropped: malformed JSON", "subject", subject, "err", err)
		return
	}
	if ev.Action == "" || ev.TenantID == "" {
		slog.Warn("audit event dropped: missing action or tenant_id", "subject", subject)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := c.log.Append(&ev); err != nil {
		slog.Error("audit chain append failed, halting consumer", "err", err)
		if c.halt != nil {
			c.halt(fmt.Errorf("audit: chain append: %w", err))
		}
		return
	}
	if c.metrics != nil {
		c.metrics.RecordAuditEvent(context.Background(), ev.Action)
	}
}
