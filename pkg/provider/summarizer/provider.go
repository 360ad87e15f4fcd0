// Package summarizer defines the Provider interface for post-call analysis
// backends.
//
// After a call ends, the reconstructed transcript is submitted once and the
// backend returns a structured analysis used for the CRM activity record and
// the call's sentiment score.
//
// Implementations must be safe for concurrent use.
package summarizer

import "context"

// Sentiment labels returned in a [CallAnalysis].
const (
	SentimentPositive = "Positive"
	SentimentNeutral  = "Neutral"
	SentimentNegative = "Negative"
)

// CallAnalysis is the structured result of summarising one call transcript.
type CallAnalysis struct {
	// Summary is a short prose recap of the call.
	Summary string `json:"summary"`

	// ActionItems lists concrete follow-ups agreed during the call.
	ActionItems []string `json:"action_items"`

	// Sentiment is one of the Sentiment* labels.
	Sentiment string `json:"sentiment"`

	// Objections lists customer objections raised during the call.
	Objections []string `json:"objections"`

	// DealRiskScore estimates the risk of losing the deal in [0, 1].
	DealRiskScore float64 `json:"deal_risk_score"`
}

// SentimentScore maps a sentiment label to the numeric score persisted on
// the call record. Unknown labels map to neutral.
func SentimentScore(sentiment string) float64 {
	switch sentiment {
	case SentimentPositive:
		return 1.0
	case SentimentNegative:
		return 0.0
	default:
		return 0.5
	}
}

// Provider is the abstraction over any call-summarisation backend.
type Provider interface {
	// Summarize analyses a full call transcript. A failure is non-fatal for
	// the call: the caller logs it and leaves the call status unchanged for
	// an external retry.
	Summarize(ctx context.Context, transcript string) (*CallAnalysis, error)
}
