package resilience

import (
	"context"

	"github.com/sentinelvoice/sentinel/internal/crm"
)

// CRMBreaker implements [crm.Connector] behind a circuit breaker. During a
// Salesforce outage the postcall worker then marks calls crm_failed
// immediately instead of burning a full request timeout on each one.
type CRMBreaker struct {
	next    crm.Connector
	breaker *CircuitBreaker
}

var _ crm.Connector = (*CRMBreaker)(nil)

// NewCRMBreaker wraps next with a breaker built from cfg.
func NewCRMBreaker(next crm.Connector, cfg CircuitBreakerConfig) *CRMBreaker {
	return &CRMBreaker{next: next, breaker: NewCircuitBreaker(cfg)}
}

// LogCallActivity forwards to the wrapped connector unless the breaker is
// open, in which case it returns [ErrCircuitOpen] without a network call.
func (c *CRMBreaker) LogCallActivity(ctx context.Context, activity crm.Activity) error {
	return c.breaker.Execute(func() error {
		return c.next.LogCallActivity(ctx, activity)
	})
}
