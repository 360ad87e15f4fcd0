package store

import (
	"context"
	"fmt"
)

// Fixture identities created by [EnsureDevFixtures].
const (
	fixtureOrgName   = "Sentinel Dev Org"
	fixtureUserEmail = "dev@sentinel.local"
	fixtureUserName  = "Dev Agent"
)

// EnsureDevFixtures creates a development organization, user, and call row
// for a session that has no registered call. Gated behind the dev_fixtures
// config flag; production deployments dead-letter unknown sessions instead.
func (s *Store) EnsureDevFixtures(ctx context.Context, sessionID string) (*Call, error) {
	call, err := s.CallBySessionID(ctx, sessionID)
	if err == nil {
		return call, nil
	}

	var orgID string
	const orgQ = `
		INSERT INTO organizations (name)
		SELECT $1
		WHERE NOT EXISTS (SELECT 1 FROM organizations WHERE name = $1)`
	if _, err := s.pool.Exec(ctx, orgQ, fixtureOrgName); err != nil {
		return nil, fmt.Errorf("store: fixture org: %w", err)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM organizations WHERE name = $1`, fixtureOrgName,
	).Scan(&orgID); err != nil {
		return nil, fmt.Errorf("store: fixture org lookup: %w", err)
	}

	var userID string
	const userQ = `
		INSERT INTO users (org_id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, email) DO UPDATE SET name = EXCLUDED.name
		RETURNING id`
	if err := s.pool.QueryRow(ctx, userQ, orgID, fixtureUserEmail, fixtureUserName).Scan(&userID); err != nil {
		return nil, fmt.Errorf("store: fixture user: %w", err)
	}

	return s.CreateCall(ctx, sessionID, orgID, userID)
}
