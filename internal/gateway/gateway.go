// Package gateway terminates desktop client WebSockets and bridges each
// connection to the message bus: inbound binary PCM fans out on
// audio.raw.{session_id}, UI commands fan back in from
// ui.commands.{session_id}, and call.ended is published exactly once per
// session on disconnect or an explicit end frame.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sentinelvoice/sentinel/internal/bus"
	"github.com/sentinelvoice/sentinel/internal/config"
	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/observe"
)

// Close reasons carried on call.ended.
const (
	ReasonClientRequest = "client_request"
	ReasonDisconnect    = "disconnect"
	ReasonShutdown      = "server_shutdown"
)

// Server is the WebSocket gateway service.
type Server struct {
	cfg     config.GatewayConfig
	bus     bus.Bus
	metrics *observe.Metrics

	mu     sync.Mutex
	active map[string]bool
}

// NewServer assembles a gateway.
func NewServer(cfg config.GatewayConfig, b bus.Bus, metrics *observe.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		bus:     b,
		metrics: metrics,
		active:  make(map[string]bool),
	}
}

// Run serves the /ws/stream endpoint until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/stream", s.handleWS)

	srv := &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleWS upgrades one client connection and runs its session to
// completion. A failure on one client never affects another.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Desktop overlay clients connect from app origins, not browsers.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	hs, err := s.handshake(ctx, conn)
	if err != nil {
		slog.Warn("handshake rejected", "remote", r.RemoteAddr, "error", err)
		return
	}

	sessionID := s.registerSession(hs.ClientVersion)
	defer s.unregisterSession(sessionID)

	ack, err := event.Marshal(event.HandshakeAck{
		Type:      event.TypeHandshakeAck,
		SessionID: sessionID,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "ack failed")
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
		return
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	s.auditSession(ctx, "CALL_STARTED", sessionID, r.RemoteAddr)
	slog.Info("session established",
		"session_id", sessionID,
		"remote", r.RemoteAddr,
		"client_version", hs.ClientVersion,
	)

	sess := &clientSession{
		id:       sessionID,
		conn:     conn,
		server:   s,
		outbound: make(chan []byte, s.cfg.OutboundQueueSize),
	}
	sess.run(ctx)
	s.auditSession(context.WithoutCancel(ctx), "CALL_ENDED", sessionID, r.RemoteAddr)
}

// handshake reads and validates the client's first frame within the
// configured timeout.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*event.Handshake, error) {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	typ, data, err := conn.Read(hctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if typ != websocket.MessageText {
		conn.Close(websocket.StatusPolicyViolation, "handshake must be text")
		return nil, errors.New("handshake frame was binary")
	}

	var hs event.Handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "malformed handshake")
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	if hs.Type != event.TypeHandshake {
		conn.Close(websocket.StatusPolicyViolation, "malformed handshake")
		return nil, fmt.Errorf("first frame type %q, want handshake", hs.Type)
	}
	if s.cfg.AuthToken != "" && hs.Token != s.cfg.AuthToken {
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return nil, errors.New("token mismatch")
	}
	return &hs, nil
}

// registerSession assigns the session ID. IDs derive from the client
// version; a concurrent duplicate gets a random suffix to stay unique
// within the process.
func (s *Server) registerSession(clientVersion string) string {
	if clientVersion == "" {
		clientVersion = "unknown"
	}
	id := "session_" + clientVersion

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		id = id + "_" + uuid.NewString()[:8]
	}
	s.active[id] = true
	return id
}

func (s *Server) unregisterSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// auditSession emits a compliance record for session lifecycle changes.
func (s *Server) auditSession(ctx context.Context, action, sessionID, remote string) {
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}
	payload, err := event.Marshal(event.AuditEvent{
		Action:     action,
		ActorID:    sessionID,
		ResourceID: sessionID,
		TenantID:   "gateway",
		Status:     "SUCCESS",
		IPAddress:  ip,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(event.SubjectAudit(action), payload); err != nil {
		s.metrics.RecordPublishError(ctx, event.SubjectAuditPrefix)
	}
}

// clientSession runs the bridging loops for one established connection.
type clientSession struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	outbound chan []byte
	muted    atomic.Bool
	endOnce  sync.Once
}

// run bridges until the socket dies or the client sends an end frame.
func (c *clientSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := c.server.bus.Subscribe(event.SubjectUICommands(c.id), "", func(_ string, data []byte) {
		c.enqueue(ctx, data)
	})
	if err != nil {
		slog.Error("subscribe ui commands", "session_id", c.id, "error", err)
		c.conn.Close(websocket.StatusInternalError, "bus unavailable")
		return
	}
	defer sub.Unsubscribe()

	go c.writeLoop(ctx)
	c.readLoop(ctx)
	c.publishCallEnded(ReasonDisconnect)
}

// enqueue adds a UI command to the bounded outbound queue, dropping the
// oldest message when the client cannot keep up.
func (c *clientSession) enqueue(ctx context.Context, data []byte) {
	select {
	case c.outbound <- data:
		return
	default:
	}
	select {
	case <-c.outbound:
		slog.Warn("outbound queue full; dropped oldest command", "session_id", c.id)
	default:
	}
	select {
	case c.outbound <- data:
	case <-ctx.Done():
	}
}

// writeLoop drains the outbound queue to the socket in FIFO order.
func (c *clientSession) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outbound:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames: binary audio goes to the bus, text
// frames are control messages.
func (c *clientSession) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			if c.muted.Load() {
				continue
			}
			// Audio is lossy by design: a failed publish is logged and the
			// frame dropped, never retried.
			if err := c.server.bus.Publish(event.SubjectAudio(c.id), data); err != nil {
				c.server.metrics.RecordPublishError(ctx, event.SubjectAudioPrefix)
				slog.Warn("audio publish failed; frame dropped", "session_id", c.id, "error", err)
			}
		case websocket.MessageText:
			if c.handleControl(data) {
				c.conn.Close(websocket.StatusNormalClosure, "call ended")
				return
			}
		}
	}
}

// handleControl dispatches one text frame. Returns true when the session
// should terminate.
func (c *clientSession) handleControl(data []byte) bool {
	typ, err := event.PeekType(data)
	if err != nil {
		slog.Warn("malformed control frame", "session_id", c.id, "error", err)
		return false
	}
	switch typ {
	case event.TypeHeartbeat:
		return false
	case event.TypeMute:
		c.muted.Store(!c.muted.Load())
		slog.Info("session mute toggled", "session_id", c.id, "muted", c.muted.Load())
		return false
	case event.TypeEnd:
		c.publishCallEnded(ReasonClientRequest)
		return true
	default:
		slog.Warn("unknown control frame", "session_id", c.id, "type", typ)
		return false
	}
}

// publishCallEnded emits call.ended exactly once per session regardless of
// how many termination paths fire.
func (c *clientSession) publishCallEnded(reason string) {
	c.endOnce.Do(func() {
		payload, err := event.Marshal(event.CallEnded{
			SessionID: c.id,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return
		}
		if err := c.server.bus.Publish(event.SubjectCallEnded, payload); err != nil {
			c.server.metrics.RecordPublishError(context.Background(), event.SubjectCallEnded)
			slog.Error("publish call.ended failed", "session_id", c.id, "error", err)
			return
		}
		slog.Info("call ended", "session_id", c.id, "reason", reason)
	})
}
