// Package bus abstracts the subject-addressed message bus the services
// communicate over. The production implementation is NATS ([Connect]); tests
// use the in-memory implementation in the mock subpackage.
package bus

import "errors"

// ErrClosed is returned by operations on a bus whose connection has been
// closed.
var ErrClosed = errors.New("bus: connection closed")

// Handler processes one message delivered on a subscription.
type Handler func(subject string, data []byte)

// Subscription is a live interest in a subject that can be cancelled.
type Subscription interface {
	// Unsubscribe removes the interest. Safe to call more than once.
	Unsubscribe() error
}

// Bus is the capability the services program against: fire-and-forget
// publish plus subject subscriptions with optional queue-group load
// balancing.
type Bus interface {
	// Publish sends data on subject. Delivery is at-most-once.
	Publish(subject string, data []byte) error

	// Subscribe registers handler for subject. Subjects may use the
	// wildcard ">" to match any suffix, e.g. "audio.raw.>". An empty queue
	// means a private subscription that receives every message; a non-empty
	// queue joins a queue group in which each message goes to exactly one
	// member.
	Subscribe(subject, queue string, handler Handler) (Subscription, error)

	// Flush blocks until all published messages have been processed by the
	// server.
	Flush() error

	// Close drains and tears down the connection.
	Close()
}
