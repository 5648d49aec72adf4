package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Tier names a summary horizon.
type Tier string

const (
	TierShort Tier = "short"
	TierLong  Tier = "long"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierShort || t == TierLong
}

// Summary is the live rolling summary for one (session, tier).
type Summary struct {
	SessionID string    `json:"session_id"`
	Tier      Tier      `json:"tier"`
	Text      string    `json:"text"`
	FromTurn  int       `json:"from_turn"`
	ToTurn    int       `json:"to_turn"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadSummary returns the tier's text, or "" when none has been written.
func (s *Store) ReadSummary(ctx context.Context, sessionID string, tier Tier) (string, error) {
	rec, err := s.GetSummary(ctx, sessionID, tier)
	if err != nil || rec == nil {
		return "", err
	}
	return rec.Text, nil
}

// GetSummary returns the full record, or nil when none has been written.
func (s *Store) GetSummary(ctx context.Context, sessionID string, tier Tier) (*Summary, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown summary tier %q", tier)
	}
	rec := Summary{SessionID: sessionID, Tier: tier}
	err := withBusyRetry(ctx, false, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT text, from_turn, to_turn, updated_at FROM summaries WHERE session_id = ? AND tier = ?`,
			sessionID, string(tier),
		).Scan(&rec.Text, &rec.FromTurn, &rec.ToTurn, &rec.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s summary: %w", tier, mapClosed(err))
	}
	return &rec, nil
}

// WriteSummary replaces the tier's text for sessionID.
func (s *Store) WriteSummary(ctx context.Context, sessionID string, tier Tier, text string) error {
	return s.PutSummary(ctx, Summary{SessionID: sessionID, Tier: tier, Text: text})
}

// PutSummary replaces the (session, tier) record in a single UPSERT, so
// readers never observe a partially written record. Concurrent writers
// resolve last-writer-wins.
func (s *Store) PutSummary(ctx context.Context, rec Summary) error {
	if !rec.Tier.Valid() {
		return fmt.Errorf("unknown summary tier %q", rec.Tier)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now()
	}
	const query = `
		INSERT INTO summaries (session_id, tier, text, from_turn, to_turn, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, tier) DO UPDATE SET
			text = excluded.text,
			from_turn = excluded.from_turn,
			to_turn = excluded.to_turn,
			updated_at = excluded.updated_at
	`
	err := withBusyRetry(ctx, false, func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.SessionID, string(rec.Tier), rec.Text, rec.FromTurn, rec.ToTurn, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("write %s summary: %w", rec.Tier, err)
	}
	s.notify(Event{Type: EventSummaryWritten, SessionID: rec.SessionID, Tier: rec.Tier, UserTurn: rec.ToTurn, Timestamp: rec.UpdatedAt})
	return nil
}

// ListSummaries returns every tier stored for sessionID, long tier first.
func (s *Store) ListSummaries(ctx context.Context, sessionID string) ([]Summary, error) {
	var out []Summary
	err := withBusyRetry(ctx, false, func() error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `
			SELECT tier, text, from_turn, to_turn, updated_at FROM summaries
			WHERE session_id = ?
			ORDER BY CASE tier WHEN 'long' THEN 0 ELSE 1 END`,
			sessionID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			rec := Summary{SessionID: sessionID}
			var tier string
			if err := rows.Scan(&tier, &rec.Text, &rec.FromTurn, &rec.ToTurn, &rec.UpdatedAt); err != nil {
				return err
			}
			rec.Tier = Tier(tier)
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return out, nil
}

// DeleteSummaries purges both tiers for sessionID.
func (s *Store) DeleteSummaries(ctx context.Context, sessionID string) error {
	return withBusyRetry(ctx, false, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?`, sessionID)
		return err
	})
}
