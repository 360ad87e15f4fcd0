// Package crm defines the connector interface for logging completed calls
// into an external CRM, plus the Salesforce implementation in the salesforce
// subpackage and a test double in mock.
package crm

import "context"

// Activity is one completed-call record pushed to the CRM.
type Activity struct {
	// AgentEmail identifies the sales agent who ran the call.
	AgentEmail string

	// CustomerEmail identifies the customer contact, when known. An empty
	// value logs the activity against the agent only.
	CustomerEmail string

	// Subject is the short activity title shown in the CRM timeline.
	Subject string

	// Description carries the call summary and action items.
	Description string

	// Sentiment is the analysed call sentiment label.
	Sentiment string
}

// Connector is the abstraction over any CRM backend. A failed push marks the
// call crm_failed; the call record itself is never lost.
type Connector interface {
	// LogCallActivity creates one activity record for a completed call.
	LogCallActivity(ctx context.Context, activity Activity) error
}
