// Package mock provides a test double for the crm.Connector interface.
package mock

import (
	"context"
	"sync"

	"github.com/sentinelvoice/sentinel/internal/crm"
)

// Connector is a mock implementation of crm.Connector.
type Connector struct {
	mu sync.Mutex

	// Err, if non-nil, is returned from LogCallActivity.
	Err error

	// Activities records every activity logged, in order.
	Activities []crm.Activity
}

var _ crm.Connector = (*Connector)(nil)

// LogCallActivity records the activity and returns the configured error.
func (c *Connector) LogCallActivity(_ context.Context, activity crm.Activity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Activities = append(c.Activities, activity)
	return c.Err
}

// CallCount returns the number of LogCallActivity invocations.
func (c *Connector) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Activities)
}
