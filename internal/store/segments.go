package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Segment is one transcript utterance belonging to a call. Text arrives
// already scrubbed of PII and encrypted with the tenant's data key.
type Segment struct {
	ID          string
	CallID      string
	Speaker     string
	Text        string
	StartOffset float64
	EndOffset   float64
}

// InsertSegments bulk-inserts a batch of transcript segments using the
// PostgreSQL COPY protocol. Segment IDs are assigned upstream so the
// persistence worker can confirm each one back to its session.
func (s *Store) InsertSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	rows := make([][]any, len(segments))
	for i, seg := range segments {
		rows[i] = []any{seg.ID, seg.CallID, seg.Speaker, seg.Text, seg.StartOffset, seg.EndOffset}
	}
	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"transcript_segments"},
		[]string{"id", "call_id", "speaker", "text", "start_offset", "end_offset"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("store: insert %d segments: %w", len(segments), err)
	}
	return nil
}

// Segments returns all transcript segments for a call ordered by start
// offset, which reconstructs the conversation in spoken order.
func (s *Store) Segments(ctx context.Context, callID string) ([]Segment, error) {
	const q = `
		SELECT id, call_id, speaker, text, start_offset, end_offset
		FROM   transcript_segments
		WHERE  call_id = $1
		ORDER  BY start_offset`
	rows, err := s.pool.Query(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("store: segments for %s: %w", callID, err)
	}
	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var seg Segment
		err := row.Scan(&seg.ID, &seg.CallID, &seg.Speaker, &seg.Text, &seg.StartOffset, &seg.EndOffset)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan segments: %w", err)
	}
	return segments, nil
}
