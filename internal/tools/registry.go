// Package tools hosts the server-side tools the assistant can call and
// the registry that validates and dispatches invocations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrDuplicate   = errors.New("tools: duplicate tool name")
	ErrUnknownTool = errors.New("tools: unknown tool")
)

// ValidationError reports arguments that failed a tool's schema. Detail
// is phrased for the model, not the end user.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "tools: invalid arguments: " + e.Detail }

// UserContext carries per-user state into a tool invocation. Config is
// the user's stored configuration blob for the tool, nil when none is
// set.
type UserContext struct {
	UserID string
	Config json.RawMessage
}

// Tool is one callable capability. ArgsSchema is a JSON Schema for the
// invocation arguments. ConfigSchema, when non-nil, is a JSON Schema
// for per-user configuration; such a tool is only offered to users who
// have stored a config.
type Tool interface {
	Name() string
	Description() string
	ArgsSchema() json.RawMessage
	ConfigSchema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error)
}

// Registry holds tools in registration order. It is populated at
// startup and read-only afterwards, so it needs no locking.
type Registry struct {
	order []string
	tools map[string]Tool

	timeout time.Duration
}

// NewRegistry builds an empty registry. timeout bounds each Invoke.
func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{tools: map[string]Tool{}, timeout: timeout}
}

// Register adds a tool, rejecting duplicate names.
func (r *Registry) Register(t Tool) error {
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Name())
	}
	r.order = append(r.order, t.Name())
	r.tools[t.Name()] = t
	return nil
}

// MustRegister panics on a duplicate name; startup wiring only.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns the tools in registration order.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Invoke validates args against the tool's schema and runs it under the
// registry timeout. Validation failures return *ValidationError; an
// expired timeout returns context.DeadlineExceeded.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, uc UserContext) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := validate(tool.ArgsSchema(), args); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := tool.Execute(ctx, args, uc)
		ch <- result{out, err}
	}()
	select {
	case res := <-ch:
		return res.out, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ValidateConfig checks a user-supplied config blob against a tool's
// config schema.
func (r *Registry) ValidateConfig(name string, config json.RawMessage) error {
	tool, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	schema := tool.ConfigSchema()
	if schema == nil {
		return &ValidationError{Detail: "tool takes no configuration"}
	}
	return validate(schema, config)
}

func validate(schema, doc json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(doc) == 0 {
		doc = json.RawMessage("{}")
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	return &ValidationError{Detail: describeSchemaError(result.Errors()[0])}
}

// describeSchemaError flattens the first schema violation into a short
// sentence the model can act on.
func describeSchemaError(e gojsonschema.ResultError) string {
	if e.Type() == "required" {
		if prop, ok := e.Details()["property"].(string); ok {
			return "missing required field: " + prop
		}
	}
	if field := e.Field(); field != "" && field != "(root)" {
		return fmt.Sprintf("field %s: %s", field, e.Description())
	}
	return e.Description()
}
