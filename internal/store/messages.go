package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// appendRetries bounds the internal retry on sequence collisions.
const appendRetries = 3

// AppendMessageParams describes one message to append. ID is optional;
// callers that announced an id before persisting pass it through so the
// stored message matches.
type AppendMessageParams struct {
	ID         string
	ChatID     string
	Role       string
	Content    string
	ToolCallID string
	ToolName   string
	ToolCalls  []ToolCall
}

// AppendMessage persists a message with the next sequence number for the
// chat, assigned atomically. ErrNotFound when the chat does not exist;
// ErrConflict when concurrent appends keep colliding past the retry bound.
func (s *Store) AppendMessage(ctx context.Context, p AppendMessageParams) (*Message, error) {
	if _, err := s.GetChat(ctx, p.ChatID); err != nil {
		return nil, err
	}

	var callsJSON sql.NullString
	if len(p.ToolCalls) > 0 {
		b, err := json.Marshal(p.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("store: encode tool calls: %w", err)
		}
		callsJSON = sql.NullString{String: string(b), Valid: true}
	}

	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	msg := &Message{
		ID:         id,
		ChatID:     p.ChatID,
		Role:       p.Role,
		Content:    p.Content,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		ToolCalls:  p.ToolCalls,
		CreatedAt:  now,
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO messages (id, chat_id, role, content, tool_call_id, tool_name, tool_calls, created_at, sequence_no)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
				(SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM messages WHERE chat_id = $2))
			RETURNING sequence_no`,
			msg.ID, p.ChatID, p.Role, p.Content,
			nullable(p.ToolCallID), nullable(p.ToolName), callsJSON, now.Unix(),
		).Scan(&msg.SequenceNo)
		if err == nil {
			_ = s.TouchChat(ctx, p.ChatID)
			return msg, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("store: insert message: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// LoadHistory returns the chat's messages in sequence order, oldest
// first. A positive limit keeps only the newest limit messages; the
// second return value reports whether older messages were dropped.
func (s *Store) LoadHistory(ctx context.Context, chatID string, limit int) ([]Message, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, tool_call_id, tool_name, tool_calls, sequence_no, created_at
		FROM messages WHERE chat_id = $1 ORDER BY sequence_no`, chatID)
	if err != nil {
		return nil, false, fmt.Errorf("store: load history: %w", err)
	}
	defer rows.Close()

	var all []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		all = append(all, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("store: load history: %w", err)
	}

	if limit > 0 && len(all) > limit {
		return all[len(all)-limit:], true, nil
	}
	return all, false, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		toolCallID sql.NullString
		toolName   sql.NullString
		callsJSON  sql.NullString
		createdAt  int64
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content,
		&toolCallID, &toolName, &callsJSON, &m.SequenceNo, &createdAt); err != nil {
		return nil, fmt.Errorf("store: scan message: %w", err)
	}
	m.ToolCallID = toolCallID.String
	m.ToolName = toolName.String
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	if callsJSON.Valid && callsJSON.String != "" {
		if err := json.Unmarshal([]byte(callsJSON.String), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("store: decode tool calls: %w", err)
		}
	}
	return &m, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
