// Package hint matches scrubbed transcript text against the playbook of
// conversational cues and decides which overlay trigger, if any, to fire.
//
// Matching is two-tier: a keyword regex fast path tried in rule declaration
// order, then an optional semantic slow path that embeds the text and
// queries the vector index. A per-session cooldown suppresses re-fires of
// the same trigger title.
package hint

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/pkg/provider/embeddings"
)

// DefaultCooldown is the minimum interval between two deliveries of the
// same hint title within one session.
const DefaultCooldown = 10 * time.Second

// DefaultSemanticThreshold is the maximum cosine distance at which a
// vector-index match is accepted.
const DefaultSemanticThreshold = 0.35

// Rule is one playbook entry: example keywords compiled to a regex fast
// path, and the trigger shown when the rule matches.
type Rule struct {
	// Keywords are matched case-insensitively on word boundaries.
	Keywords []string

	// Examples are representative phrases embedded into the vector index
	// for the semantic slow path.
	Examples []string

	// Trigger is the overlay payload fired on a match.
	Trigger event.TriggerContent

	re *regexp.Regexp
}

// Match is a vector-index hit returned by a [Searcher].
type Match struct {
	Trigger  event.TriggerContent
	Distance float64
}

// Searcher is the read side of the vector index of playbook rules.
type Searcher interface {
	// Nearest returns the single closest rule trigger by cosine distance,
	// or nil when the index is empty.
	Nearest(ctx context.Context, vector []float32) (*Match, error)
}

// Cooldowns tracks last-fired times per trigger title for one session. Not
// safe for concurrent use; each session's pipeline owns its instance.
type Cooldowns struct {
	lastFired map[string]time.Time
}

// NewCooldowns creates an empty per-session cooldown tracker.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{lastFired: make(map[string]time.Time)}
}

// Router evaluates text against the playbook. Safe for concurrent use; all
// mutable state is per-session and passed in by the caller.
type Router struct {
	rules     []Rule
	embedder  embeddings.Provider
	searcher  Searcher
	threshold float64
	cooldown  time.Duration
	now       func() time.Time
}

// Option is a functional option for a [Router].
type Option func(*Router)

// WithSemantic enables the vector slow path with the given embedder and
// searcher.
func WithSemantic(embedder embeddings.Provider, searcher Searcher) Option {
	return func(r *Router) {
		r.embedder = embedder
		r.searcher = searcher
	}
}

// WithSemanticThreshold overrides [DefaultSemanticThreshold].
func WithSemanticThreshold(threshold float64) Option {
	return func(r *Router) {
		r.threshold = threshold
	}
}

// WithCooldown overrides [DefaultCooldown].
func WithCooldown(d time.Duration) Option {
	return func(r *Router) {
		r.cooldown = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		r.now = now
	}
}

// NewRouter compiles rules and builds a Router. Rule order is significant:
// the fast path returns the first keyword match.
func NewRouter(rules []Rule, opts ...Option) (*Router, error) {
	compiled := make([]Rule, len(rules))
	for i, rule := range rules {
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("hint: rule %q has no keywords", rule.Trigger.Title)
		}
		escaped := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			escaped[j] = regexp.QuoteMeta(strings.ToLower(kw))
		}
		re, err := regexp.Compile(`(?i)\b(` + strings.Join(escaped, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("hint: compile rule %q: %w", rule.Trigger.Title, err)
		}
		rule.re = re
		compiled[i] = rule
	}

	r := &Router{
		rules:     compiled,
		threshold: DefaultSemanticThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route returns the trigger to fire for text, or nil when no rule matches
// or the matching title is still cooling down. cds carries the calling
// session's cooldown state and is updated when a trigger fires.
func (r *Router) Route(ctx context.Context, text string, cds *Cooldowns) (*event.TriggerContent, error) {
	trigger := r.matchKeywords(text)
	if trigger == nil {
		var err error
		trigger, err = r.matchSemantic(ctx, text)
		if err != nil {
			return nil, err
		}
	}
	if trigger == nil {
		return nil, nil
	}

	now := r.now()
	if last, ok := cds.lastFired[trigger.Title]; ok && now.Sub(last) < r.cooldown {
		slog.Debug("hint suppressed by cooldown",
			"title", trigger.Title,
			"since_last", now.Sub(last),
		)
		return nil, nil
	}
	cds.lastFired[trigger.Title] = now
	return trigger, nil
}

// matchKeywords tries rules in declaration order; first match wins.
func (r *Router) matchKeywords(text string) *event.TriggerContent {
	for i := range r.rules {
		if r.rules[i].re.MatchString(text) {
			trigger := r.rules[i].Trigger
			return &trigger
		}
	}
	return nil
}

// matchSemantic embeds text and queries the vector index. Embedding is the
// expensive step (~10 ms) and only runs when the fast path found nothing.
func (r *Router) matchSemantic(ctx context.Context, text string) (*event.TriggerContent, error) {
	if r.embedder == nil || r.searcher == nil {
		return nil, nil
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("hint: embed: %w", err)
	}
	match, err := r.searcher.Nearest(ctx, vec)
	if err != nil {
		return nil, fmt.Errorf("hint: vector search: %w", err)
	}
	if match == nil || match.Distance > r.threshold {
		return nil, nil
	}
	trigger := match.Trigger
	return &trigger, nil
}
