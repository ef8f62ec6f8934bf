package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

// signingKeyRow is the config row holding the symmetric token key.
// The name predates the token format and is kept for schema stability.
const signingKeyRow = "paseto_key"

// GetConfig reads one config row. ErrNotFound when absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get config: %w", err)
	}
	return value, nil
}

// SetConfig creates or replaces one config row.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("store: set config: %w", err)
	}
	return nil
}

// SigningKey reads the symmetric signing key.
func (s *Store) SigningKey(ctx context.Context) ([]byte, error) {
	value, err := s.GetConfig(ctx, signingKeyRow)
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// EnsureSigningKey generates the signing key on first boot. Safe to call
// concurrently; the first writer wins and everyone reads the same key.
func (s *Store) EnsureSigningKey(ctx context.Context) ([]byte, error) {
	if key, err := s.SigningKey(ctx); err == nil {
		return key, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("store: generate signing key: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`,
		signingKeyRow, hex.EncodeToString(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("store: persist signing key: %w", err)
	}
	return s.SigningKey(ctx)
}

// GetToolConfig reads the user's configuration blob for one tool.
// ErrNotFound when the user has not configured the tool.
func (s *Store) GetToolConfig(ctx context.Context, userID, toolName string) (string, error) {
	var config string
	err := s.db.QueryRowContext(ctx, `
		SELECT config FROM tool_configs WHERE user_id = $1 AND tool_name = $2`,
		userID, toolName,
	).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get tool config: %w", err)
	}
	return config, nil
}

// SetToolConfig creates or replaces the user's configuration for one tool.
func (s *Store) SetToolConfig(ctx context.Context, userID, toolName, config string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_configs (user_id, tool_name, config) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, tool_name) DO UPDATE SET config = EXCLUDED.config`,
		userID, toolName, config,
	)
	if err != nil {
		return fmt.Errorf("store: set tool config: %w", err)
	}
	return nil
}

// ListToolConfigs returns the names of tools the user has configured.
func (s *Store) ListToolConfigs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name FROM tool_configs WHERE user_id = $1 ORDER BY tool_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list tool configs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan tool config: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
