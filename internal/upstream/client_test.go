package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream: true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
}

func collect(t *testing.T, s Stream) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestStreamTokens(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	s, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	var text string
	var stop *Event
	var usage *Usage
	for i := range events {
		switch events[i].Kind {
		case KindTokenDelta:
			text += events[i].Text
		case KindStop:
			stop = &events[i]
		case KindUsage:
			usage = events[i].Usage
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q, want %q", text, "Hello")
	}
	if stop == nil || stop.Reason != ReasonStop {
		t.Errorf("stop = %+v, want reason %q", stop, ReasonStop)
	}
	if usage == nil || usage.PromptTokens != 9 || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
	if events[len(events)-1].Kind != KindStop {
		t.Errorf("last event kind = %v, want KindStop", events[len(events)-1].Kind)
	}
}

func TestStreamToolCallFragments(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"wttr","arguments":"{\"ci"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ty\":\"Taipei\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	s, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	var args, name string
	var finalized []string
	var reason StopReason
	for _, ev := range events {
		switch ev.Kind {
		case KindToolCallDelta:
			args += ev.ToolCall.ArgsFragment
			if ev.ToolCall.Name != "" {
				name = ev.ToolCall.Name
			}
		case KindToolCallFinalized:
			finalized = append(finalized, ev.ToolCall.ID)
		case KindStop:
			reason = ev.Reason
		}
	}
	if name != "wttr" {
		t.Errorf("name = %q, want wttr", name)
	}
	if args != `{"city":"Taipei"}` {
		t.Errorf("args = %q", args)
	}
	if len(finalized) != 1 || finalized[0] != "call_1" {
		t.Errorf("finalized = %v, want [call_1]", finalized)
	}
	if reason != ReasonToolCalls {
		t.Errorf("reason = %q, want %q", reason, ReasonToolCalls)
	}
}

func TestStreamParallelToolCallsFinalizeInIndexOrder(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"rss_search","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"wttr","arguments":"{}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	s, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	var finalized []string
	for _, ev := range collect(t, s) {
		if ev.Kind == KindToolCallFinalized {
			finalized = append(finalized, ev.ToolCall.ID)
		}
	}
	if len(finalized) != 2 || finalized[0] != "call_a" || finalized[1] != "call_b" {
		t.Errorf("finalized = %v, want [call_a call_b]", finalized)
	}
}

func TestStreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	_, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if httpErr.Status != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", httpErr.Status)
	}
}

func TestStreamPrematureClose(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	s, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	last := events[len(events)-1]
	if last.Kind != KindProtocolError {
		t.Fatalf("last event kind = %v, want KindProtocolError", last.Kind)
	}
	if last.Err.Kind != ProtocolErrConnection {
		t.Errorf("error kind = %q, want %q", last.Err.Kind, ProtocolErrConnection)
	}
}

func TestStreamMalformedChunk(t *testing.T) {
	srv := sseServer(t, []string{
		`data: {not json`,
	})
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	s, err := c.Stream(context.Background(), Request{Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer s.Close()

	events := collect(t, s)
	last := events[len(events)-1]
	if last.Kind != KindProtocolError || last.Err.Kind != ProtocolErrParse {
		t.Errorf("last event = %+v, want parse protocol error", last)
	}
}
