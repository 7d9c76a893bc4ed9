package store

import (
	"context"
	"fmt"
)

// ConversationHistory returns the committed turns for a (bot, user) pair,
// oldest first. An unknown pair has an empty history.
func (s *SQLiteStore) ConversationHistory(ctx context.Context, botID, userID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT role, content, created_at FROM conversation_turns WHERE bot_id = ? AND user_id = ? ORDER BY id ASC",
		botID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.Role, &turn.Text, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation turns: %w", err)
	}
	return turns, nil
}

// AppendExchange commits a user message and the assistant reply as a pair.
// Either both rows are written or neither is.
func (s *SQLiteStore) AppendExchange(ctx context.Context, botID, userID, query, reply string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin conversation append: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO conversation_turns (bot_id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare conversation append: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	if _, err := stmt.ExecContext(ctx, botID, userID, RoleUser, query, now); err != nil {
		return fmt.Errorf("failed to append user turn: %w", err)
	}
	if _, err := stmt.ExecContext(ctx, botID, userID, RoleAssistant, reply, now); err != nil {
		return fmt.Errorf("failed to append assistant turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation append: %w", err)
	}
	return nil
}
