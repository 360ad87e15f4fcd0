package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/sentinelvoice/sentinel/internal/event"
	"github.com/sentinelvoice/sentinel/internal/hint"
	"github.com/sentinelvoice/sentinel/pkg/provider/embeddings"
)

// Store implements hint.Searcher over the hint_rules HNSW index.
var _ hint.Searcher = (*Store)(nil)

// HintRule is one stored playbook rule with its example embedding.
type HintRule struct {
	Title       string
	Message     string
	ActionItems []string
	Sentiment   string
	ColorHex    string
	Keywords    []string
	Example     string
	Embedding   []float32
}

// UpsertHintRule inserts or replaces a playbook rule keyed by title.
func (s *Store) UpsertHintRule(ctx context.Context, rule HintRule) error {
	const q = `
		INSERT INTO hint_rules
		    (title, message, action_items, sentiment, color_hex, keywords, example, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (title) DO UPDATE SET
		    message      = EXCLUDED.message,
		    action_items = EXCLUDED.action_items,
		    sentiment    = EXCLUDED.sentiment,
		    color_hex    = EXCLUDED.color_hex,
		    keywords     = EXCLUDED.keywords,
		    example      = EXCLUDED.example,
		    embedding    = EXCLUDED.embedding`
	_, err := s.pool.Exec(ctx, q,
		rule.Title, rule.Message, rule.ActionItems, rule.Sentiment,
		rule.ColorHex, rule.Keywords, rule.Example, pgvector.NewVector(rule.Embedding),
	)
	if err != nil {
		return fmt.Errorf("store: upsert hint rule %q: %w", rule.Title, err)
	}
	return nil
}

// Nearest implements hint.Searcher. It returns the single closest rule by
// cosine distance, or nil when the index is empty.
func (s *Store) Nearest(ctx context.Context, vector []float32) (*hint.Match, error) {
	const q = `
		SELECT title, message, action_items, sentiment, color_hex,
		       embedding <=> $1 AS distance
		FROM   hint_rules
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  1`
	row := s.pool.QueryRow(ctx, q, pgvector.NewVector(vector))

	var (
		match   hint.Match
		content event.TriggerContent
	)
	err := row.Scan(&content.Title, &content.Message, &content.ActionItems,
		&content.Sentiment, &content.ColorHex, &match.Distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: nearest hint: %w", err)
	}
	match.Trigger = content
	return &match, nil
}

// SeedPlaybook embeds and upserts the given rules. Each rule's example
// phrases are joined into one text for the embedding, matching how live
// utterances are embedded at query time.
func (s *Store) SeedPlaybook(ctx context.Context, rules []hint.Rule, embedder embeddings.Provider) error {
	texts := make([]string, len(rules))
	for i, rule := range rules {
		texts[i] = strings.Join(rule.Examples, "\n")
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("store: embed playbook: %w", err)
	}

	for i, rule := range rules {
		stored := HintRule{
			Title:       rule.Trigger.Title,
			Message:     rule.Trigger.Message,
			ActionItems: rule.Trigger.ActionItems,
			Sentiment:   rule.Trigger.Sentiment,
			ColorHex:    rule.Trigger.ColorHex,
			Keywords:    rule.Keywords,
			Example:     texts[i],
			Embedding:   vectors[i],
		}
		if err := s.UpsertHintRule(ctx, stored); err != nil {
			return err
		}
	}
	return nil
}
