package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one persisted transcript entry.
type Message struct {
	SessionID string
	Turn      int
	UserTurn  int
	Role      string
	Content   string
	Model     string
	CreatedAt time.Time
}

// Exchange is a completed user/assistant pair.
type Exchange struct {
	SessionID     string
	UserText      string
	AssistantText string
	Model         string
}

// AppendExchange stores the pair in one transaction and returns the user
// turn number assigned to it.
func (s *Store) AppendExchange(ctx context.Context, ex Exchange) (int, error) {
	var userTurn int
	err := withBusyRetry(ctx, true, func() error {
		var err error
		userTurn, err = s.appendExchangeTx(ctx, ex)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append exchange: %w", err)
	}
	s.notify(Event{Type: EventExchangeAppended, SessionID: ex.SessionID, UserTurn: userTurn, Timestamp: s.now()})
	return userTurn, nil
}

func (s *Store) appendExchangeTx(ctx context.Context, ex Exchange) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	var turn, userTurn int
	// The first write in the transaction takes the write lock, so the MAX
	// lookups below cannot interleave with another appender.
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, turn, user_turn, role, content, model, created_at)
		SELECT ?,
			COALESCE(MAX(turn), 0) + 1,
			COALESCE(MAX(user_turn), 0) + 1,
			'user', ?, ?, ?
		FROM messages WHERE session_id = ?
		RETURNING turn, user_turn`,
		ex.SessionID, ex.UserText, ex.Model, now, ex.SessionID,
	).Scan(&turn, &userTurn)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (session_id, turn, user_turn, role, content, model, created_at)
		VALUES (?, ?, ?, 'assistant', ?, ?, ?)`,
		ex.SessionID, turn+1, userTurn, ex.AssistantText, ex.Model, now,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return userTurn, nil
}

// RecentUserTurns returns the messages of the last n user turns in turn order.
func (s *Store) RecentUserTurns(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	var out []Message
	err := withBusyRetry(ctx, false, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT turn, user_turn, role, content, model, created_at FROM messages
			WHERE session_id = ?
			  AND user_turn > (SELECT COALESCE(MAX(user_turn), 0) FROM messages WHERE session_id = ?) - ?
			ORDER BY turn`,
			sessionID, sessionID, n,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = scanMessages(rows, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	return out, nil
}

// MessageCount returns the number of stored transcript entries for sessionID.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := withBusyRetry(ctx, false, func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	})
	return n, err
}

func scanMessages(rows *sql.Rows, sessionID string) ([]Message, error) {
	var out []Message
	for rows.Next() {
		m := Message{SessionID: sessionID}
		if err := rows.Scan(&m.Turn, &m.UserTurn, &m.Role, &m.Content, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
