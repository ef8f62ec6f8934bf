package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateChat inserts a chat for the user. ErrNotFound when the model is
// not in the catalog.
func (s *Store) CreateChat(ctx context.Context, userID, title, modelID, systemTemplate string) (*Chat, error) {
	if _, err := s.GetModel(ctx, modelID); err != nil {
		return nil, err
	}
	if systemTemplate == "" {
		systemTemplate = "default"
	}
	now := time.Now().UTC()
	c := &Chat{
		ID:             uuid.NewString(),
		UserID:         userID,
		Title:          title,
		ModelID:        modelID,
		SystemTemplate: systemTemplate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, model_id, system_template, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.Title, c.ModelID, c.SystemTemplate, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert chat: %w", err)
	}
	return c, nil
}

// GetChat loads a chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, model_id, system_template, created_at, updated_at
		FROM chats WHERE id = $1`, id)

	var (
		c                  Chat
		createdAt, updated int64
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.SystemTemplate, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan chat: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return &c, nil
}

// ListChats returns the user's chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, model_id, system_template, created_at, updated_at
		FROM chats WHERE user_id = $1 ORDER BY updated_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var (
			c                  Chat
			createdAt, updated int64
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.ModelID, &c.SystemTemplate, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		c.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateChatTitle renames a chat.
func (s *Store) UpdateChatTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = $1, updated_at = $2 WHERE id = $3`,
		title, time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("store: update chat: %w", err)
	}
	return requireRowAffected(res)
}

// TouchChat bumps updated_at, used after appending messages.
func (s *Store) TouchChat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("store: touch chat: %w", err)
	}
	return nil
}

// DeleteChat removes a chat and all its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete chat: %w", err)
	}
	if err := requireRowAffected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
