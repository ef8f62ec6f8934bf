// Package upstream implements the streaming client for the
// OpenRouter-compatible chat completion API.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	// responseHeaderTimeout bounds the wait for the first byte of the
	// upstream response; streaming reads after that are unbounded and
	// governed by the caller's context.
	responseHeaderTimeout = 15 * time.Second

	eventBuffer  = 32
	maxSSELine   = 1 << 20
	maxErrorBody = 16 << 10
)

// Message is one entry of the conversation sent upstream.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
}

// ToolCallRef echoes a completed tool call back to the model on
// subsequent rounds.
type ToolCallRef struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function payload of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Type     string      `json:"type"`
	Function ToolDefFunc `json:"function"`
}

// ToolDefFunc describes a tool's name and argument schema.
type ToolDefFunc struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one streaming completion call.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDef
}

// Stream is a finite, non-restartable event sequence. Events is closed
// after the terminal event (KindStop or KindProtocolError). Close
// releases the underlying connection; it is safe to call at any point
// and more than once.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// HTTPError is returned by Stream when the upstream rejects the call
// before any event is produced.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream: http %d: %s", e.Status, e.Body)
}

// Client talks to an OpenRouter-compatible completion endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a Client. An empty baseURL selects the public
// OpenRouter endpoint.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: responseHeaderTimeout,
			},
		},
	}
}

type wireRequest struct {
	Model         string    `json:"model"`
	Messages      []Message `json:"messages"`
	Tools         []ToolDef `json:"tools,omitempty"`
	Stream        bool      `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Stream opens one streaming completion. A non-2xx response is reported
// as *HTTPError; connection failures are returned as-is. On success the
// returned Stream emits events until a terminal one, then closes its
// channel.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	wire := wireRequest{Model: req.Model, Messages: req.Messages, Tools: req.Tools, Stream: true}
	wire.StreamOptions.IncludeUsage = true
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream: connect: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(detail))}
	}

	s := &sseStream{
		body:   resp.Body,
		cancel: cancel,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

type sseStream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
}

func (s *sseStream) Events() <-chan Event { return s.events }

func (s *sseStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// pendingCall accumulates one tool call's streamed fragments.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (s *sseStream) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.body.Close()

	var (
		pending  = map[int]*pendingCall{}
		terminal bool
	)
	emit := func(ev Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// finalize flushes accumulated tool calls in index order.
	finalize := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			if !emit(Event{Kind: KindToolCallFinalized, ToolCall: ToolCallDelta{ID: pending[i].id}}) {
				return false
			}
			delete(pending, i)
		}
		return true
	}

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		line := scanner.Text()
		// SSE comments are keepalives; blank lines delimit events.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			emit(Event{Kind: KindProtocolError, Err: &ProtocolError{Kind: ProtocolErrParse, Detail: err.Error()}})
			return
		}
		if chunk.Usage != nil {
			if !emit(Event{Kind: KindUsage, Usage: &Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}}) {
				return
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(Event{Kind: KindTokenDelta, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			call := pending[tc.Index]
			if call == nil {
				call = &pendingCall{index: tc.Index}
				pending[tc.Index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.args.WriteString(tc.Function.Arguments)
			if !emit(Event{Kind: KindToolCallDelta, ToolCall: ToolCallDelta{
				ID:           call.id,
				Name:         call.name,
				ArgsFragment: tc.Function.Arguments,
			}}) {
				return
			}
		}

		if choice.FinishReason != nil {
			if !finalize() {
				return
			}
			emit(Event{Kind: KindStop, Reason: mapReason(*choice.FinishReason)})
			terminal = true
			break
		}
	}
	if terminal {
		return
	}
	if err := scanner.Err(); err != nil {
		emit(Event{Kind: KindProtocolError, Err: &ProtocolError{Kind: ProtocolErrConnection, Detail: err.Error()}})
		return
	}
	// The upstream closed without a finish reason.
	emit(Event{Kind: KindProtocolError, Err: &ProtocolError{Kind: ProtocolErrConnection, Detail: "stream ended before finish_reason"}})
}

func mapReason(raw string) StopReason {
	switch raw {
	case "stop":
		return ReasonStop
	case "length":
		return ReasonLength
	case "tool_calls":
		return ReasonToolCalls
	default:
		return ReasonError
	}
}
