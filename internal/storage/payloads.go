package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is one encoded request body waiting to be resent.
type Payload struct {
	ID              string
	CreatedAt       time.Time
	NextAttemptAt   time.Time
	Attempts        int
	ContentEncoding string
	Body            []byte
}

// Persist stores body for a later resend. It satisfies the transmitter's
// fallback store contract.
func (s *Store) Persist(ctx context.Context, body []byte, contentEncoding string) error {
	now := time.Now()
	_, err := s.Save(ctx, Payload{
		CreatedAt:       now,
		NextAttemptAt:   now,
		ContentEncoding: contentEncoding,
		Body:            body,
	})
	return err
}

// Save inserts p, assigning an id when p.ID is empty, and returns the id.
func (s *Store) Save(ctx context.Context, p Payload) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.NextAttemptAt.IsZero() {
		p.NextAttemptAt = p.CreatedAt
	}
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO pending_payloads (id, created_at, next_attempt_at, attempts, content_encoding, size_bytes, body)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.CreatedAt.UnixMilli(), p.NextAttemptAt.UnixMilli(), p.Attempts, p.ContentEncoding, len(p.Body), p.Body)
	if err != nil {
		return "", fmt.Errorf("insert pending payload: %w", err)
	}
	return p.ID, nil
}

// FetchDue returns up to limit payloads whose next attempt is at or before
// now, oldest first.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]Payload, error) {
	rows, err := s.reader.QueryContext(ctx, `
SELECT id, created_at, next_attempt_at, attempts, content_encoding, body
FROM pending_payloads
WHERE next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?
`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Payload, 0, limit)
	for rows.Next() {
		var p Payload
		var created, next int64
		if err := rows.Scan(&p.ID, &created, &next, &p.Attempts, &p.ContentEncoding, &p.Body); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(created)
		p.NextAttemptAt = time.UnixMilli(next)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}
	q := fmt.Sprintf("DELETE FROM pending_payloads WHERE id IN (%s)", strings.Join(placeholders, ","))
	_, err := s.writer.ExecContext(ctx, q, args...)
	return err
}

// MarkAttempt records a failed resend and schedules the next one.
func (s *Store) MarkAttempt(ctx context.Context, id string, nextAttemptAt time.Time, cause error) error {
	var msg any
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.writer.ExecContext(ctx, `
UPDATE pending_payloads SET attempts = attempts + 1, next_attempt_at = ?, last_error = ? WHERE id = ?
`, nextAttemptAt.UnixMilli(), msg, id)
	return err
}

func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_payloads").Scan(&n)
	return n, err
}
