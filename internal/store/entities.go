package store

import (
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Model capabilities.
const (
	CapStreaming = "streaming"
	CapTools     = "tools"
	CapVision    = "vision"
)

// User is a registered account.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Chat is one conversation owned by a user.
type Chat struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Title          string    `json:"title"`
	ModelID        string    `json:"model_id"`
	SystemTemplate string    `json:"system_template"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ToolCall records one model-issued tool invocation on an assistant message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a chat, ordered by SequenceNo.
type Message struct {
	ID         string     `json:"id"`
	ChatID     string     `json:"chat_id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	SequenceNo int64      `json:"sequence_no"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Model is an entry in the model catalog.
type Model struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	UpstreamSlug string   `json:"upstream_slug"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the model declares the named capability.
func (m *Model) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

func joinCapabilities(caps []string) string {
	return strings.Join(caps, ",")
}

func splitCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
