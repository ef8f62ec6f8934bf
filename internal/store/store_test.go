package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedChat(t *testing.T, s *Store) (*User, *Chat) {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice@example.com", "hash", "Alice")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	c, err := s.CreateChat(ctx, u.ID, "first chat", "gpt-4o-mini", "")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return u, c
}

func TestAppendMessage_SequenceIsDense(t *testing.T) {
	s := newTestStore(t)
	_, chat := seedChat(t, s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, AppendMessageParams{
			ChatID: chat.ID, Role: RoleUser, Content: "msg",
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if msg.SequenceNo != int64(i+1) {
			t.Errorf("append %d: sequence_no = %d, want %d", i, msg.SequenceNo, i+1)
		}
	}

	history, truncated, err := s.LoadHistory(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if truncated {
		t.Error("unexpected truncation")
	}
	for i, m := range history {
		if m.SequenceNo != int64(i+1) {
			t.Errorf("history[%d].SequenceNo = %d, want %d", i, m.SequenceNo, i+1)
		}
	}
}

func TestAppendMessage_ConcurrentAppendsStayDense(t *testing.T) {
	s := newTestStore(t)
	_, chat := seedChat(t, s)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, AppendMessageParams{
				ChatID: chat.ID, Role: RoleUser, Content: "concurrent",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	history, _, err := s.LoadHistory(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != n {
		t.Fatalf("expected %d messages, got %d", n, len(history))
	}
	seen := make(map[int64]bool)
	for _, m := range history {
		if seen[m.SequenceNo] {
			t.Errorf("duplicate sequence_no %d", m.SequenceNo)
		}
		seen[m.SequenceNo] = true
		if m.SequenceNo < 1 || m.SequenceNo > n {
			t.Errorf("sequence_no %d outside [1,%d]", m.SequenceNo, n)
		}
	}
}

func TestAppendMessage_UnknownChat(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), AppendMessageParams{
		ChatID: "missing", Role: RoleUser, Content: "x",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessage_ToolCallRoundTrip(t *testing.T) {
	s := newTestStore(t)
	_, chat := seedChat(t, s)
	ctx := context.Background()

	_, err := s.AppendMessage(ctx, AppendMessageParams{
		ChatID: chat.ID, Role: RoleAssistant, Content: "",
		ToolCalls: []ToolCall{{ID: "t1", Name: "wttr", Arguments: `{"q":"Paris"}`}},
	})
	if err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	_, err = s.AppendMessage(ctx, AppendMessageParams{
		ChatID: chat.ID, Role: RoleTool, Content: "Paris: 12°C",
		ToolCallID: "t1", ToolName: "wttr",
	})
	if err != nil {
		t.Fatalf("append tool: %v", err)
	}

	history, _, err := s.LoadHistory(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	assistant, tool := history[0], history[1]
	if len(assistant.ToolCalls) != 1 || assistant.ToolCalls[0].ID != "t1" {
		t.Errorf("assistant tool calls not preserved: %+v", assistant.ToolCalls)
	}
	if tool.ToolCallID != "t1" || tool.ToolName != "wttr" {
		t.Errorf("tool message metadata not preserved: %+v", tool)
	}
}

func TestLoadHistory_Truncation(t *testing.T) {
	s := newTestStore(t)
	_, chat := seedChat(t, s)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := s.AppendMessage(ctx, AppendMessageParams{
			ChatID: chat.ID, Role: RoleUser, Content: "m",
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, truncated, err := s.LoadHistory(ctx, chat.ID, 4)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if !truncated {
		t.Error("expected truncation flag")
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(history))
	}
	if history[0].SequenceNo != 3 || history[3].SequenceNo != 6 {
		t.Errorf("expected newest window [3..6], got [%d..%d]",
			history[0].SequenceNo, history[3].SequenceNo)
	}
}

func TestCreateUser_DuplicateEmail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateUser(ctx, "bob@example.com", "h", "Bob"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, err := s.CreateUser(ctx, "bob@example.com", "h2", "Bobby")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestDeleteChat_CascadesToMessages(t *testing.T) {
	s := newTestStore(t)
	_, chat := seedChat(t, s)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, AppendMessageParams{
		ChatID: chat.ID, Role: RoleUser, Content: "bye",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.DeleteChat(ctx, chat.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}

	if _, err := s.GetChat(ctx, chat.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected chat gone, got %v", err)
	}
	history, _, err := s.LoadHistory(ctx, chat.ID, 0)
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected no messages after cascade, got %d", len(history))
	}
}

func TestCreateChat_UnknownModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "carol@example.com", "h", "Carol")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	_, err = s.CreateChat(ctx, u.ID, "t", "no-such-model", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := Model{ID: "test-model", DisplayName: "Test", UpstreamSlug: "test/model",
		Capabilities: []string{CapStreaming, CapTools}}
	if err := s.UpsertModel(ctx, m); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	m.DisplayName = "Test v2"
	if err := s.UpsertModel(ctx, m); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.GetModel(ctx, "test-model")
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if got.DisplayName != "Test v2" {
		t.Errorf("expected updated display name, got %s", got.DisplayName)
	}
	if !got.HasCapability(CapTools) || got.HasCapability(CapVision) {
		t.Errorf("capabilities not preserved: %v", got.Capabilities)
	}
}

func TestEnsureSigningKey_Stable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key1, err := s.EnsureSigningKey(ctx)
	if err != nil {
		t.Fatalf("ensure key: %v", err)
	}
	if len(key1) == 0 {
		t.Fatal("empty signing key")
	}
	key2, err := s.EnsureSigningKey(ctx)
	if err != nil {
		t.Fatalf("ensure key again: %v", err)
	}
	if string(key1) != string(key2) {
		t.Error("signing key changed between calls")
	}
}

func TestToolConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	user, _ := seedChat(t, s)
	ctx := context.Background()

	if _, err := s.GetToolConfig(ctx, user.ID, "send_mail"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before set, got %v", err)
	}
	if err := s.SetToolConfig(ctx, user.ID, "send_mail", `{"smtp_host":"mail.example"}`); err != nil {
		t.Fatalf("set tool config: %v", err)
	}
	if err := s.SetToolConfig(ctx, user.ID, "send_mail", `{"smtp_host":"mail2.example"}`); err != nil {
		t.Fatalf("replace tool config: %v", err)
	}

	cfg, err := s.GetToolConfig(ctx, user.ID, "send_mail")
	if err != nil {
		t.Fatalf("get tool config: %v", err)
	}
	if cfg != `{"smtp_host":"mail2.example"}` {
		t.Errorf("unexpected config: %s", cfg)
	}

	names, err := s.ListToolConfigs(ctx, user.ID)
	if err != nil {
		t.Fatalf("list tool configs: %v", err)
	}
	if len(names) != 1 || names[0] != "send_mail" {
		t.Errorf("unexpected configured tools: %v", names)
	}
}
