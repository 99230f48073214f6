// ABOUTME: Message persistence for the SQLite store
// ABOUTME: Unique titles surface as ErrTitleExists, missing rows as ErrNotFound

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, title, content, author, created_at, updated_at`

// CreateMessage inserts msg and fills in its ID.
// Timestamps default to now when zero.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	now := time.Now().UTC().Truncate(time.Second)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}

	query := `
		INSERT INTO messages (title, content, author, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.Title,
		msg.Content,
		msg.Author,
		msg.CreatedAt.UTC().Format(time.RFC3339),
		msg.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrTitleExists
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id

	s.logger.Debug("created message", "id", msg.ID)
	return nil
}

// FindMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) FindMessage(ctx context.Context, id int64) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns up to limit messages, oldest first.
// A limit <= 0 returns every message.
func (s *SQLiteStore) ListMessages(ctx context.Context, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// UpdateMessage replaces the title and content of an existing message.
// Returns ErrNotFound if no row matched.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg *Message) error {
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	}

	query := `
		UPDATE messages
		SET title = ?, content = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.Title,
		msg.Content,
		msg.UpdatedAt.UTC().Format(time.RFC3339),
		msg.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrTitleExists
		}
		return fmt.Errorf("updating message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated message", "id", msg.ID)
	return nil
}

// DeleteMessage removes a message.
// Returns ErrNotFound if no row matched.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted message", "id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&msg.ID,
		&msg.Title,
		&msg.Content,
		&msg.Author,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &msg, nil
}
