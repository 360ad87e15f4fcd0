package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Status is the lifecycle state of a call record. Transitions are strictly
// forward: in_progress → completed → processed or crm_failed. A terminal
// status never moves back.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusProcessed  Status = "processed"
	StatusCRMFailed  Status = "crm_failed"
)

// IsValid reports whether s is a recognised call status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInProgress, StatusCompleted, StatusProcessed, StatusCRMFailed:
		return true
	}
	return false
}

// Call is one recorded sales call. CustomerEmail identifies the prospect for
// the post-call CRM contact lookup; it is set by the scheduling integration
// and may be empty for ad-hoc calls.
type Call struct {
	ID             string
	SessionID      string
	OrgID          string
	UserID         string
	CustomerEmail  string
	Status         Status
	RecordingPath  string
	Summary        string
	Sentiment      string
	SentimentScore float64
	StartedAt      time.Time
	EndedAt        *time.Time
}

// User is a sales agent within an organization.
type User struct {
	ID    string
	OrgID string
	Email string
	Name  string
}

const callColumns = `id, session_id, org_id, user_id, customer_email, status,
       recording_path, summary, sentiment, sentiment_score, started_at, ended_at`

func scanCall(row pgx.Row) (*Call, error) {
	var c Call
	err := row.Scan(&c.ID, &c.SessionID, &c.OrgID, &c.UserID, &c.CustomerEmail,
		&c.Status, &c.RecordingPath, &c.Summary, &c.Sentiment, &c.SentimentScore,
		&c.StartedAt, &c.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan call: %w", err)
	}
	return &c, nil
}

// CreateCall inserts a new in-progress call for a session. The session ID is
// unique; re-creating an existing session returns the existing row untouched.
func (s *Store) CreateCall(ctx context.Context, sessionID, orgID, userID string) (*Call, error) {
	const q = `
		INSERT INTO calls (session_id, org_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, sessionID, orgID, userID); err != nil {
		return nil, fmt.Errorf("store: create call: %w", err)
	}
	return s.CallBySessionID(ctx, sessionID)
}

// CallBySessionID returns the call for a session, or [ErrNotFound].
func (s *Store) CallBySessionID(ctx context.Context, sessionID string) (*Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE session_id = $1`
	return scanCall(s.pool.QueryRow(ctx, q, sessionID))
}

// TransitionStatus moves a call from one status to another. The guard on the
// prior status makes the transition monotonic and idempotent under
// redelivery: a second attempt finds the row already moved and reports
// false without touching it.
func (s *Store) TransitionStatus(ctx context.Context, sessionID string, from, to Status) (bool, error) {
	const q = `
		UPDATE calls
		SET    status = $3, updated_at = now()
		WHERE  session_id = $1 AND status = $2`
	tag, err := s.pool.Exec(ctx, q, sessionID, from, to)
	if err != nil {
		return false, fmt.Errorf("store: transition %s %s->%s: %w", sessionID, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// EndCall stamps the call's end time if not already set.
func (s *Store) EndCall(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `
		UPDATE calls
		SET    ended_at = $2, updated_at = now()
		WHERE  session_id = $1 AND ended_at IS NULL`
	if _, err := s.pool.Exec(ctx, q, sessionID, endedAt); err != nil {
		return fmt.Errorf("store: end call %s: %w", sessionID, err)
	}
	return nil
}

// SetRecordingPath records the object-store key of the uploaded recording.
func (s *Store) SetRecordingPath(ctx context.Context, sessionID, path string) error {
	const q = `
		UPDATE calls
		SET    recording_path = $2, updated_at = now()
		WHERE  session_id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, path)
	if err != nil {
		return fmt.Errorf("store: set recording path %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAnalysis stores the post-call summary and sentiment on the call row.
// The summary arrives already encrypted with the tenant's data key.
func (s *Store) SaveAnalysis(ctx context.Context, sessionID, summary, sentiment string, score float64) error {
	const q = `
		UPDATE calls
		SET    summary = $2, sentiment = $3, sentiment_score = $4, updated_at = now()
		WHERE  session_id = $1`
	tag, err := s.pool.Exec(ctx, q, sessionID, summary, sentiment, score)
	if err != nil {
		return fmt.Errorf("store: save analysis %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UserByID returns one user row, or [ErrNotFound].
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	const q = `SELECT id, org_id, email, name FROM users WHERE id = $1`
	var u User
	err := s.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.OrgID, &u.Email, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: user %s: %w", id, err)
	}
	return &u, nil
}
