package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	busmock "github.com/sentinelvoice/sentinel/internal/bus/mock"
	"github.com/sentinelvoice/sentinel/internal/config"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
)

func newTestGateway(t *testing.T, cfg config.GatewayConfig) (*Server, *busmock.Bus, *httptest.Server) {
	t.Helper()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.OutboundQueueSize == 0 {
		cfg.OutboundQueueSize = 64
	}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b := busmock.New()
	s := NewServer(cfg, b, metrics)

	srv := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(srv.Close)
	return s, b, srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
}

func handshakeFrame(token string) event.Handshake {
	return event.Handshake{
		Type:          event.TypeHandshake,
		Token:         token,
		ClientVersion: "1.0.0",
		AudioConfig: event.AudioConfig{
			SampleRate: 16000,
			Channels:   1,
			Encoding:   "pcm_s16le",
			ChunkSize:  4096,
		},
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	_, _, srv := newTestGateway(t, config.GatewayConfig{AuthToken: "t"})
	conn := dial(t, srv.URL)

	sendJSON(t, conn, handshakeFrame("t"))

	var ack event.HandshakeAck
	readJSON(t, conn, &ack)
	if ack.Type != event.TypeHandshakeAck {
		t.Errorf("ack type = %q", ack.Type)
	}
	if ack.SessionID != "session_1.0.0" {
		t.Errorf("session_id = %q, want session_1.0.0", ack.SessionID)
	}
}

func TestHandshakeInvalidToken(t *testing.T) {
	_, _, srv := newTestGateway(t, config.GatewayConfig{AuthToken: "secret"})
	conn := dial(t, srv.URL)

	sendJSON(t, conn, handshakeFrame("wrong"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if err == nil {
		t.Fatal("connection survived an invalid token")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", status)
	}
}

func TestHandshakeTimeoutClosesSocket(t *testing.T) {
	_, _, srv := newTestGateway(t, config.GatewayConfig{HandshakeTimeout: 100 * time.Millisecond})
	conn := dial(t, srv.URL)

	// Send nothing; the gateway must give up on its own.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("connection survived handshake silence")
	}
}

func TestAudioBridgedToBus(t *testing.T) {
	_, b, srv := newTestGateway(t, config.GatewayConfig{})
	audio := make(chan []byte, 8)
	if _, err := b.Subscribe(event.SubjectAudioPrefix+">", "", func(_ string, data []byte) {
		audio <- data
	}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, srv.URL)
	sendJSON(t, conn, handshakeFrame(""))
	var ack event.HandshakeAck
	readJSON(t, conn, &ack)

	ctx := context.Background()
	frame := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-audio:
		if string(got) != string(frame) {
			t.Errorf("bus frame = %v, want %v", got, frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio frame never reached the bus")
	}
}

func TestUICommandsForwardedToClient(t *testing.T) {
	_, b, srv := newTestGateway(t, config.GatewayConfig{})
	conn := dial(t, srv.URL)
	sendJSON(t, conn, handshakeFrame(""))
	var ack event.HandshakeAck
	readJSON(t, conn, &ack)

	payload, _ := event.Marshal(event.OverlayTrigger{
		Type:    event.TypeOverlayTrigger,
		Content: event.TriggerContent{Title: "Closing Signal"},
	})
	if err := b.Publish(event.SubjectUICommands(ack.SessionID), payload); err != nil {
		t.Fatal(err)
	}

	var trigger event.OverlayTrigger
	readJSON(t, conn, &trigger)
	if trigger.Content.Title != "Closing Signal" {
		t.Errorf("trigger title = %q", trigger.Content.Title)
	}
}

func TestCallEndedPublishedExactlyOnce(t *testing.T) {
	_, b, srv := newTestGateway(t, config.GatewayConfig{})
	ended := make(chan event.CallEnded, 8)
	if _, err := b.Subscribe(event.SubjectCallEnded, "", func(_ string, data []byte) {
		var ce event.CallEnded
		if json.Unmarshal(data, &ce) == nil {
			ended <- ce
		}
	}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, srv.URL)
	sendJSON(t, conn, handshakeFrame(""))
	var ack event.HandshakeAck
	readJSON(t, conn, &ack)

	// Explicit end frame, then the socket also closes: one event total.
	sendJSON(t, conn, event.Control{Type: event.TypeEnd})
	_ = conn.CloseNow()

	select {
	case ce := <-ended:
		if ce.SessionID != ack.SessionID {
			t.Errorf("call.ended session = %q, want %q", ce.SessionID, ack.SessionID)
		}
		if ce.Reason != ReasonClientRequest {
			t.Errorf("reason = %q, want %q", ce.Reason, ReasonClientRequest)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call.ended never published")
	}

	select {
	case ce := <-ended:
		t.Fatalf("call.ended published twice: %+v", ce)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDisconnectPublishesCallEnded(t *testing.T) {
	_, b, srv := newTestGateway(t, config.GatewayConfig{})
	ended := make(chan event.CallEnded, 8)
	if _, err := b.Subscribe(event.SubjectCallEnded, "", func(_ string, data []byte) {
		var ce event.CallEnded
		if json.Unmarshal(data, &ce) == nil {
			ended <- ce
		}
	}); err != nil {
		t.Fatal(err)
	}

	conn := dial(t, srv.URL)
	sendJSON(t, conn, handshakeFrame(""))
	var ack event.HandshakeAck
	readJSON(t, conn, &ack)

	_ = conn.CloseNow()

	select {
	case ce := <-ended:
		if ce.Reason != ReasonDisconnect {
			t.Errorf("reason = %q, want %q", ce.Reason, ReasonDisconnect)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call.ended never published after disconnect")
	}
}

func TestOutboundQueueDropsOldest(t *testing.T) {
	t.Parallel()

	c := &clientSession{id: "sess-q", outbound: make(chan []byte, 2)}
	ctx := context.Background()

	c.enqueue(ctx, []byte("a"))
	c.enqueue(ctx, []byte("b"))
	c.enqueue(ctx, []byte("c")) // drops "a"

	if got := string(<-c.outbound); got != "b" {
		t.Errorf("first queued = %q, want b", got)
	}
	if got := string(<-c.outbound); got != "c" {
		t.Errorf("second queued = %q, want c", got)
	}
}

func TestDuplicateClientVersionGetsUniqueSession(t *testing.T) {
	s, _, _ := newTestGateway(t, config.GatewayConfig{})

	first := s.registerSession("1.0.0")
	second := s.registerSession("1.0.0")
	if first == second {
		t.Errorf("duplicate session ids: %q", first)
	}
	s.unregisterSession(first)
	s.unregisterSession(second)
}
