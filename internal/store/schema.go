package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EmbeddingDimensions is the vector dimension of the hint rule index. It
// must match the embedding provider configured for the hint router.
const EmbeddingDimensions = 384

const ddlTenancy = `
CREATE TABLE IF NOT EXISTS organizations (
    id          UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    name        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS users (
    id          UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    org_id      UUID         NOT NULL REFERENCES organizations (id) ON DELETE CASCADE,
    email       TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (org_id, email)
);

CREATE TABLE IF NOT EXISTS tenant_keys (
    org_id      UUID         PRIMARY KEY REFERENCES organizations (id) ON DELETE CASCADE,
    wrapped_dek TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id              UUID              PRIMARY KEY DEFAULT gen_random_uuid(),
    session_id      TEXT              NOT NULL UNIQUE,
    org_id          UUID              NOT NULL REFERENCES organizations (id),
    user_id         UUID              NOT NULL REFERENCES users (id),
    customer_email  TEXT              NOT NULL DEFAULT '',
    status          TEXT              NOT NULL DEFAULT 'in_progress',
    recording_path  TEXT              NOT NULL DEFAULT '',
    summary         TEXT              NOT NULL DEFAULT '',
    sentiment       TEXT              NOT NULL DEFAULT '',
    sentiment_score DOUBLE PRECISION  NOT NULL DEFAULT 0,
    started_at      TIMESTAMPTZ       NOT NULL DEFAULT now(),
    ended_at        TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calls_org_id ON calls (org_id);
CREATE INDEX IF NOT EXISTS idx_calls_status ON calls (status);

CREATE TABLE IF NOT EXISTS transcript_segments (
    id            UUID              PRIMARY KEY,
    call_id       UUID              NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    speaker       TEXT              NOT NULL DEFAULT '',
    text          TEXT              NOT NULL,
    start_offset  DOUBLE PRECISION  NOT NULL,
    end_offset    DOUBLE PRECISION  NOT NULL,
    created_at    TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_segments_call_offset
    ON transcript_segments (call_id, start_offset);
`

// ddlHintRules returns the hint rule DDL with the embedding dimension baked
// into the column type. The HNSW parameters follow the index used in
// production: m=16 neighbours, ef_construction=100.
func ddlHintRules(dims int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS hint_rules (
    id           UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    title        TEXT         NOT NULL UNIQUE,
    message      TEXT         NOT NULL,
    action_items TEXT[]       NOT NULL DEFAULT '{}',
    sentiment    TEXT         NOT NULL DEFAULT '',
    color_hex    TEXT         NOT NULL DEFAULT '',
    keywords     TEXT[]       NOT NULL DEFAULT '{}',
    example      TEXT         NOT NULL DEFAULT '',
    embedding    vector(%d),
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_hint_rules_embedding
    ON hint_rules USING hnsw (embedding vector_cosine_ops)
    WITH (m = 16, ef_construction = 100);
`, dims)
}

// Migrate creates or ensures all required database tables and extensions
// exist. It is idempotent and safe to call on every service start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlTenancy,
		ddlCalls,
		ddlHintRules(EmbeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
