package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// stubTool is a scriptable tool for registry tests.
type stubTool struct {
	name    string
	args    json.RawMessage
	config  json.RawMessage
	execute func(ctx context.Context, args json.RawMessage, uc UserContext) (string, error)
}

func (s *stubTool) Name() string                  { return s.name }
func (s *stubTool) Description() string           { return "stub" }
func (s *stubTool) ArgsSchema() json.RawMessage   { return s.args }
func (s *stubTool) ConfigSchema() json.RawMessage { return s.config }
func (s *stubTool) Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error) {
	return s.execute(ctx, args, uc)
}

func echoTool(name string) *stubTool {
	return &stubTool{
		name: name,
		args: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
		execute: func(_ context.Context, args json.RawMessage, _ UserContext) (string, error) {
			return string(args), nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(time.Second)
	if err := r.Register(echoTool("echo")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(echoTool("echo")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register = %v, want ErrDuplicate", err)
	}
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry(time.Second)
	for _, name := range []string{"c", "a", "b"} {
		r.MustRegister(echoTool(name))
	}
	got := r.All()
	want := []string{"c", "a", "b"}
	for i, tool := range got {
		if tool.Name() != want[i] {
			t.Errorf("All()[%d] = %q, want %q", i, tool.Name(), want[i])
		}
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	r := NewRegistry(time.Second)
	r.MustRegister(echoTool("echo"))

	_, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{}`), UserContext{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Invoke = %v, want *ValidationError", err)
	}
	if verr.Detail != "missing required field: q" {
		t.Errorf("detail = %q, want %q", verr.Detail, "missing required field: q")
	}
}

func TestInvokeRunsTool(t *testing.T) {
	r := NewRegistry(time.Second)
	r.MustRegister(echoTool("echo"))

	out, err := r.Invoke(context.Background(), "echo", json.RawMessage(`{"q":"hi"}`), UserContext{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != `{"q":"hi"}` {
		t.Errorf("out = %q", out)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.Invoke(context.Background(), "nope", nil, UserContext{})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Invoke = %v, want ErrUnknownTool", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)
	r.MustRegister(&stubTool{
		name: "slow",
		execute: func(ctx context.Context, _ json.RawMessage, _ UserContext) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil, UserContext{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Invoke = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Invoke took %v, expected prompt timeout", elapsed)
	}
}

func TestValidateConfig(t *testing.T) {
	r := NewRegistry(time.Second)
	r.MustRegister(&stubTool{
		name:   "configured",
		config: json.RawMessage(`{"type":"object","properties":{"host":{"type":"string"}},"required":["host"]}`),
	})
	r.MustRegister(echoTool("plain"))

	if err := r.ValidateConfig("configured", json.RawMessage(`{"host":"example.com"}`)); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
	if err := r.ValidateConfig("configured", json.RawMessage(`{}`)); err == nil {
		t.Error("missing host accepted")
	}
	if err := r.ValidateConfig("plain", json.RawMessage(`{}`)); err == nil {
		t.Error("config accepted for tool without config schema")
	}
}
