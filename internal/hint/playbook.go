package hint

import "github.com/sentinelvoice/sentinel/internal/event"

// DefaultPlaybook returns the built-in sales playbook used when an
// organization has not defined its own rules. Order matters: earlier rules
// win on overlapping keyword matches.
func DefaultPlaybook() []Rule {
	return []Rule{
		{
			Keywords: []string{"price", "pricing", "expensive", "cost", "budget", "discount"},
			Examples: []string{
				"That seems really expensive for what we get",
				"I am not sure we have budget for this quarter",
				"Can you do anything on the price?",
			},
			Trigger: event.TriggerContent{
				Title:   "Pricing Objection",
				Message: "Anchor on value before discussing discounts. Ask what outcome would justify the spend.",
				ActionItems: []string{
					"Quantify the cost of the current process",
					"Offer annual billing before any discount",
				},
				Sentiment: "negative",
				ColorHex:  "#E74C3C",
			},
		},
		{
			Keywords: []string{"competitor", "salesforce", "hubspot", "alternative", "other vendor"},
			Examples: []string{
				"We are also evaluating a couple of other vendors",
				"How do you compare to the big CRM players?",
			},
			Trigger: event.TriggerContent{
				Title:   "Competitor Mention",
				Message: "Do not disparage. Ask which capabilities drove them to evaluate alternatives.",
				ActionItems: []string{
					"Send the comparison one-pager after the call",
				},
				Sentiment: "neutral",
				ColorHex:  "#F39C12",
			},
		},
		{
			Keywords: []string{"contract", "sign", "move forward", "next steps", "onboarding", "start date"},
			Examples: []string{
				"What would onboarding look like if we moved forward?",
				"Can you send over the contract?",
			},
			Trigger: event.TriggerContent{
				Title:   "Closing Signal",
				Message: "Buying signal detected. Propose a concrete start date and name the signatory.",
				ActionItems: []string{
					"Confirm the decision maker",
					"Schedule the kickoff call",
				},
				Sentiment: "positive",
				ColorHex:  "#2ECC71",
			},
		},
	}
}
