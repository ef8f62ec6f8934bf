// Package prompt renders the system prompt from a stored template.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/info-rubbish/meichu2025/internal/store"
)

// ErrConfig marks a missing or malformed prompt template. Turns fail
// before contacting the upstream when rendering fails.
var ErrConfig = errors.New("prompt: bad template configuration")

// DefaultName selects the template stored under "prompt:default".
const DefaultName = "default"

// configStore is the slice of the store the renderer needs.
type configStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
}

// ToolInfo is one enabled tool as seen by the template.
type ToolInfo struct {
	Name        string
	Description string
}

// Data is the template's dot.
type Data struct {
	User             *store.User
	Tools            []ToolInfo
	Now              string
	HistoryTruncated bool
}

// Renderer loads templates from the config table and executes them.
type Renderer struct {
	store configStore
}

func NewRenderer(s configStore) *Renderer {
	return &Renderer{store: s}
}

// Render produces the system prompt for one turn. Unknown template
// names and references to missing fields both report ErrConfig.
func (r *Renderer) Render(ctx context.Context, name string, data Data) (string, error) {
	raw, err := r.store.GetConfig(ctx, "prompt:"+name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: template %q not found", ErrConfig, name)
		}
		return "", fmt.Errorf("prompt: load template %q: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrConfig, name, err)
	}

	if data.Now == "" {
		data.Now = time.Now().UTC().Format(time.RFC3339)
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: execute %q: %v", ErrConfig, name, err)
	}
	return buf.String(), nil
}
