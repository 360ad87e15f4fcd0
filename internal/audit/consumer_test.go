package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	busmock "github.com/sentinelvoice/sentinel/internal/bus/mock"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
)

func consumerHarness(t *testing.T) (*busmock.Bus, *Log, string, func() error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { log.Close() })

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	b := busmock.New()
	c := NewConsumer(b, log, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	wait := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("consumer did not stop")
			return nil
		}
	}
	return b, log, path, wait
}

func publishAudit(t *testing.T, b *busmock.Bus, ev event.AuditEvent) {
	t.Helper()
	payload, err := event.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(event.SubjectAudit(ev.Action), payload); err != nil {
		t.Fatal(err)
	}
}

func TestConsumerChainsPublishedEvents(t *testing.T) {
	t.Parallel()

	b, log, path, wait := consumerHarness(t)

	publishAudit(t, b, event.AuditEvent{
		TenantID: "org-1", ActorID: "user-1",
		Action: "CALL_STARTED", ResourceID: "session_1.0.0", Status: "success",
	})
	publishAudit(t, b, event.AuditEvent{
		TenantID: "org-1", ActorID: "user-1",
		Action: "CALL_ENDED", ResourceID: "session_1.0.0", Status: "success",
	})

	waitFor(t, func() bool { return log.Count() == 2 })
	if tip := log.LastHash(); tip == GenesisHash {
		t.Error("tip still at genesis after appends")
	}
	if err := wait(); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := VerifyChain(path); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestConsumerAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()

	b, log, path, wait := consumerHarness(t)

	publishAudit(t, b, event.AuditEvent{TenantID: "org-1", Action: "LOGIN"})
	waitFor(t, func() bool { return log.Count() == 1 })
	if err := wait(); err != nil {
		t.Fatal(err)
	}

	records := readChain(t, path)
	if len(records) != 1 {
		t.Fatalf("chain has %d records", len(records))
	}
	if records[0].ID == "" {
		t.Error("record has no assigned id")
	}
	if records[0].Timestamp.IsZero() {
		t.Error("record has no assigned timestamp")
	}
}

func TestConsumerDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	b, log, _, wait := consumerHarness(t)

	if err := b.Publish(event.SubjectAudit("BROKEN"), []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	// Missing tenant_id.
	publishAudit(t, b, event.AuditEvent{Action: "ORPHAN"})
	// A valid event still lands after the junk.
	publishAudit(t, b, event.AuditEvent{TenantID: "org-1", Action: "LOGIN"})

	waitFor(t, func() bool { return log.Count() == 1 })
	if err := wait(); err != nil {
		t.Fatal(err)
	}
}

func TestConsumerHaltsWhenAppendFails(t *testing.T) {
	t.Parallel()

	b, log, _, wait := consumerHarness(t)

	// Closing the log makes the next append fail, which must halt the
	// consumer rather than leave a gap in the chain.
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}
	publishAudit(t, b, event.AuditEvent{TenantID: "org-1", Action: "LOGIN"})

	err := wait()
	if err == nil {
		t.Fatal("Run returned nil after append failure")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readChain(t *testing.T, path string) []event.AuditEvent {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var out []event.AuditEvent
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var ev event.AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("parse chain record: %v", err)
		}
		out = append(out, ev)
	}
	return out
}
