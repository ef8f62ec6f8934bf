package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetModel loads a catalog entry.
func (s *Store) GetModel(ctx context.Context, id string) (*Model, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, upstream_slug, capabilities
		FROM models WHERE id = $1`, id)

	var (
		m    Model
		caps string
	)
	err := row.Scan(&m.ID, &m.DisplayName, &m.UpstreamSlug, &caps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan model: %w", err)
	}
	m.Capabilities = splitCapabilities(caps)
	return &m, nil
}

// ListModels returns the catalog in id order.
func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, upstream_slug, capabilities
		FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var (
			m    Model
			caps string
		)
		if err := rows.Scan(&m.ID, &m.DisplayName, &m.UpstreamSlug, &caps); err != nil {
			return nil, fmt.Errorf("store: scan model: %w", err)
		}
		m.Capabilities = splitCapabilities(caps)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertModel creates or replaces a catalog entry.
func (s *Store) UpsertModel(ctx context.Context, m Model) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, display_name, upstream_slug, capabilities)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			upstream_slug = EXCLUDED.upstream_slug,
			capabilities = EXCLUDED.capabilities`,
		m.ID, m.DisplayName, m.UpstreamSlug, joinCapabilities(m.Capabilities),
	)
	if err != nil {
		return fmt.Errorf("store: upsert model: %w", err)
	}
	return nil
}
