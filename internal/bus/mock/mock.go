// Package mock provides an in-memory [bus.Bus] for tests. It supports the
// ">" suffix wildcard and queue-group load balancing (round-robin within a
// group), and delivers messages synchronously on the publishing goroutine so
// tests need no sleeps for ordering.
package mock

import (
	"strings"
	"sync"

	"github.com/sentinelvoice/sentinel/internal/bus"
)

// Bus is the in-memory implementation. The zero value is not usable; call
// [New].
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	groups map[string]*queueGroup // key: subject + "|" + queue
	closed bool
}

type subscription struct {
	bus     *Bus
	subject string
	queue   string
	handler bus.Handler
	group   *queueGroup
}

type queueGroup struct {
	members []*subscription
	next    int
}

var _ bus.Bus = (*Bus)(nil)

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{groups: make(map[string]*queueGroup)}
}

// Publish delivers data synchronously to every matching private subscription
// and to one member of each matching queue group.
func (b *Bus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}

	var targets []bus.Handler
	seenGroups := make(map[*queueGroup]bool)
	for _, s := range b.subs {
		if !subjectMatches(s.subject, subject) {
			continue
		}
		if s.group == nil {
			targets = append(targets, s.handler)
			continue
		}
		if seenGroups[s.group] {
			continue
		}
		seenGroups[s.group] = true
		member := s.group.members[s.group.next%len(s.group.members)]
		s.group.next++
		targets = append(targets, member.handler)
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(subject, data)
	}
	return nil
}

// Subscribe implements [bus.Bus].
func (b *Bus) Subscribe(subject, queue string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, bus.ErrClosed
	}

	s := &subscription{bus: b, subject: subject, queue: queue, handler: handler}
	if queue != "" {
		key := subject + "|" + queue
		g, ok := b.groups[key]
		if !ok {
			g = &queueGroup{}
			b.groups[key] = g
		}
		g.members = append(g.members, s)
		s.group = g
	}
	b.subs = append(b.subs, s)
	return s, nil
}

// Flush is a no-op; delivery is synchronous.
func (b *Bus) Flush() error { return nil }

// Close drops all subscriptions and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	b.groups = make(map[string]*queueGroup)
}

func (s *subscription) Unsubscribe() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, other := range b.subs {
		if other == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.group != nil {
		for i, m := range s.group.members {
			if m == s {
				s.group.members = append(s.group.members[:i], s.group.members[i+1:]...)
				break
			}
		}
		if len(s.group.members) == 0 {
			delete(b.groups, s.subject+"|"+s.queue)
		}
	}
	return nil
}

// subjectMatches reports whether the subscription pattern matches a concrete
// subject. Patterns support the trailing ">" wildcard and the per-token "*"
// wildcard.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, pt := range pTokens {
		if pt == ">" {
			return i < len(sTokens)
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}
