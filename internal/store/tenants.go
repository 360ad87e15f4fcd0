package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// WrappedDEK returns the base64 wrapped data-encryption key for an
// organization, or [ErrNotFound] when none has been minted yet.
func (s *Store) WrappedDEK(ctx context.Context, orgID string) (string, error) {
	const q = `SELECT wrapped_dek FROM tenant_keys WHERE org_id = $1`
	var wrapped string
	err := s.pool.QueryRow(ctx, q, orgID).Scan(&wrapped)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: wrapped dek for %s: %w", orgID, err)
	}
	return wrapped, nil
}

// EnsureTenantKey returns the organization's wrapped data key, minting one
// via mint on first use. Concurrent first calls race on the insert; the
// loser reads back the winner's key, so every caller sees the same DEK.
func (s *Store) EnsureTenantKey(ctx context.Context, orgID string, mint func() (string, error)) (string, error) {
	wrapped, err := s.WrappedDEK(ctx, orgID)
	if err == nil {
		return wrapped, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	minted, err := mint()
	if err != nil {
		return "", fmt.Errorf("store: mint tenant key for %s: %w", orgID, err)
	}
	const q = `
		INSERT INTO tenant_keys (org_id, wrapped_dek)
		VALUES ($1, $2)
		ON CONFLICT (org_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, orgID, minted); err != nil {
		return "", fmt.Errorf("store: save tenant key for %s: %w", orgID, err)
	}
	return s.WrappedDEK(ctx, orgID)
}
