package bus

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// natsBus adapts a NATS connection to the [Bus] interface.
type natsBus struct {
	nc *nats.Conn
}

var _ Bus = (*natsBus)(nil)

// ConnectConfig tunes the NATS adapter.
type ConnectConfig struct {
	// URL is the bus server address, e.g. "nats://localhost:4222".
	URL string

	// Name identifies this client in server monitoring output.
	Name string

	// MaxReconnects bounds reconnect attempts. Default: unlimited.
	MaxReconnects int

	// ReconnectWait is the base delay between reconnect attempts; the
	// client applies jittered exponential backoff on top. Default: 1s.
	ReconnectWait time.Duration
}

// Connect dials the bus. Reconnection is handled by the client with
// exponential backoff; messages published while disconnected are buffered by
// the client up to its pending limit.
func Connect(cfg ConnectConfig) (Bus, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("bus disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("bus connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %q: %w", cfg.URL, err)
	}
	return &natsBus{nc: nc}, nil
}

func (b *natsBus) Publish(subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

func (b *natsBus) Subscribe(subject, queue string, handler Handler) (Subscription, error) {
	cb := func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.nc.Subscribe(subject, cb)
	} else {
		sub, err = b.nc.QueueSubscribe(subject, queue, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s (queue %q): %w", subject, queue, err)
	}
	return sub, nil
}

func (b *natsBus) Flush() error {
	if err := b.nc.Flush(); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	return nil
}

func (b *natsBus) Close() {
	// Drain lets in-flight handlers finish before closing.
	if err := b.nc.Drain(); err != nil {
		slog.Warn("bus drain error", "err", err)
		b.nc.Close()
	}
}
