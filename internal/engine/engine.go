// Package engine runs conversation turns: it brokers the upstream
// model stream, executes tool calls, persists the transcript, and fans
// progress out on the session bus.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/info-rubbish/meichu2025/internal/bus"
	"github.com/info-rubbish/meichu2025/internal/observability/metrics"
	"github.com/info-rubbish/meichu2025/internal/prompt"
	"github.com/info-rubbish/meichu2025/internal/store"
	"github.com/info-rubbish/meichu2025/internal/tools"
	"github.com/info-rubbish/meichu2025/internal/upstream"
	"github.com/info-rubbish/meichu2025/pkg/logging"
)

// Event types published on the session bus.
const (
	EventTurnStarted      = "turn_started"
	EventAssistantDelta   = "assistant_delta"
	EventToolCallStarted  = "tool_call_started"
	EventToolCallFinished = "tool_call_finished"
	EventTurnRetrying     = "turn_retrying"
	EventTurnFinished     = "turn_finished"
	EventTurnFailed       = "turn_failed"
)

// Store is the slice of the persistence layer the engine uses.
type Store interface {
	GetChat(ctx context.Context, id string) (*store.Chat, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetModel(ctx context.Context, id string) (*store.Model, error)
	AppendMessage(ctx context.Context, p store.AppendMessageParams) (*store.Message, error)
	LoadHistory(ctx context.Context, chatID string, limit int) ([]store.Message, bool, error)
	GetToolConfig(ctx context.Context, userID, toolName string) (string, error)
}

// Upstream opens streaming completion calls.
type Upstream interface {
	Stream(ctx context.Context, req upstream.Request) (upstream.Stream, error)
}

// ToolRunner is the slice of the tool registry the engine uses.
type ToolRunner interface {
	All() []tools.Tool
	Invoke(ctx context.Context, name string, args json.RawMessage, uc tools.UserContext) (string, error)
}

// Prompts renders system prompts.
type Prompts interface {
	Render(ctx context.Context, name string, data prompt.Data) (string, error)
}

// Options tune turn execution. Zero values select the defaults.
type Options struct {
	HistoryLimit    int
	ToolLoopLimit   int
	UpstreamRetries int
	RetryBackoff    time.Duration
	TurnTimeout     time.Duration
}

func (o *Options) fill() {
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 64
	}
	if o.ToolLoopLimit <= 0 {
		o.ToolLoopLimit = 8
	}
	if o.UpstreamRetries < 0 {
		o.UpstreamRetries = 0
	} else if o.UpstreamRetries == 0 {
		o.UpstreamRetries = 2
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = 5 * time.Minute
	}
}

// Engine coordinates turn execution. At most one turn runs per chat;
// turns for different chats run concurrently.
type Engine struct {
	store    Store
	upstream Upstream
	runner   ToolRunner
	bus      *bus.Bus
	prompts  Prompts
	log      *logging.Logger
	metrics  *metrics.EngineMetrics
	opts     Options

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(s Store, up Upstream, runner ToolRunner, b *bus.Bus, prompts Prompts, log *logging.Logger, m *metrics.EngineMetrics, opts Options) *Engine {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    s,
		upstream: up,
		runner:   runner,
		bus:      b,
		prompts:  prompts,
		log:      log,
		metrics:  m,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		active:   map[string]context.CancelFunc{},
	}
}

// Shutdown cancels running turns and waits for them to wind down.
func (e *Engine) Shutdown() {
	e.cancel()
	e.wg.Wait()
}

// StartTurn validates the request, persists the user message, and kicks
// off asynchronous turn execution. It returns the persisted user
// message and the turn id. A second turn on a busy chat is rejected
// with CodeBusy.
func (e *Engine) StartTurn(ctx context.Context, userID, chatID, content string) (*store.Message, string, error) {
	if strings.TrimSpace(content) == "" {
		return nil, "", newError(CodeValidation, "message content is empty")
	}

	chat, err := e.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", newError(CodeNotFound, "chat not found")
		}
		return nil, "", newError(CodeStorage, err.Error())
	}
	// A foreign chat reads the same as a missing one.
	if chat.UserID != userID {
		return nil, "", newError(CodeNotFound, "chat not found")
	}

	turnCtx, cancelTurn, err := e.acquire(chatID)
	if err != nil {
		return nil, "", err
	}

	userMsg, err := e.store.AppendMessage(ctx, store.AppendMessageParams{
		ChatID:  chatID,
		Role:    store.RoleUser,
		Content: content,
	})
	if err != nil {
		e.release(chatID)
		return nil, "", newError(CodeStorage, err.Error())
	}

	turnID := uuid.NewString()
	e.bus.Publish(userID, bus.Event{Type: EventTurnStarted, ChatID: chatID, MessageID: userMsg.ID})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(chatID)
		defer cancelTurn()
		e.runTurn(turnCtx, chat, turnID)
	}()
	return userMsg, turnID, nil
}

// CancelTurn aborts the chat's running turn, if any.
func (e *Engine) CancelTurn(ctx context.Context, userID, chatID string) error {
	chat, err := e.store.GetChat(ctx, chatID)
	if err != nil || chat.UserID != userID {
		return newError(CodeNotFound, "chat not found")
	}
	e.mu.Lock()
	cancel, ok := e.active[chatID]
	e.mu.Unlock()
	if !ok {
		return newError(CodeNotFound, "no turn running")
	}
	cancel()
	return nil
}

func (e *Engine) acquire(chatID string) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[chatID]; busy {
		return nil, nil, newError(CodeBusy, "a turn is already running for this chat")
	}
	ctx, cancel := context.WithTimeout(e.baseCtx, e.opts.TurnTimeout)
	e.active[chatID] = cancel
	return ctx, cancel, nil
}

func (e *Engine) release(chatID string) {
	e.mu.Lock()
	delete(e.active, chatID)
	e.mu.Unlock()
}

// enabledTool is one tool offered on this turn, with the user's config
// when the tool takes one.
type enabledTool struct {
	tool   tools.Tool
	config json.RawMessage
}

func (e *Engine) runTurn(ctx context.Context, chat *store.Chat, turnID string) {
	started := time.Now()
	fail := func(code Code, detail string) {
		e.log.Warn("turn failed",
			"chat_id", chat.ID, "turn_id", turnID, "code", string(code), "detail", detail)
		e.metrics.ObserveTurn("failed", chat.ModelID, time.Since(started).Seconds())
		e.bus.Publish(chat.UserID, bus.Event{
			Type:    EventTurnFailed,
			ChatID:  chat.ID,
			Kind:    code.Kind(),
			Message: detail,
		})
	}
	failCancelled := func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			fail(CodeCancelled, "turn timed out")
			return
		}
		fail(CodeCancelled, "turn cancelled")
	}

	user, err := e.store.GetUser(ctx, chat.UserID)
	if err != nil {
		fail(CodeStorage, "load user: "+err.Error())
		return
	}
	model, err := e.store.GetModel(ctx, chat.ModelID)
	if err != nil {
		fail(CodeConfig, "model not in catalog: "+chat.ModelID)
		return
	}

	enabled, err := e.enabledTools(ctx, user.ID, model)
	if err != nil {
		fail(CodeStorage, "load tool configs: "+err.Error())
		return
	}

	history, truncated, err := e.store.LoadHistory(ctx, chat.ID, e.opts.HistoryLimit)
	if err != nil {
		fail(CodeStorage, "load history: "+err.Error())
		return
	}

	templateName := chat.SystemTemplate
	if templateName == "" {
		templateName = prompt.DefaultName
	}
	system, err := e.prompts.Render(ctx, templateName, prompt.Data{
		User:             user,
		Tools:            toolInfos(enabled),
		HistoryTruncated: truncated,
	})
	if err != nil {
		fail(CodeConfig, err.Error())
		return
	}

	messages := historyToUpstream(system, history)
	defs := toolDefs(enabled)

	for round := 0; ; round++ {
		if round >= e.opts.ToolLoopLimit {
			fail(CodeToolLoop, fmt.Sprintf("tool loop exceeded %d rounds", e.opts.ToolLoopLimit))
			return
		}

		// The round's assistant message gets its id before streaming so
		// deltas carry the id of the message they end up in.
		draftID := uuid.NewString()

		text, calls, reason, terr := e.streamRound(ctx, chat, turnID, draftID, upstream.Request{
			Model:    model.UpstreamSlug,
			Messages: messages,
			Tools:    defs,
		})
		if terr != nil {
			if ctx.Err() != nil {
				failCancelled()
				return
			}
			fail(terr.Code, terr.Detail)
			return
		}

		if reason != upstream.ReasonToolCalls {
			msg, err := e.store.AppendMessage(ctx, store.AppendMessageParams{
				ID:      draftID,
				ChatID:  chat.ID,
				Role:    store.RoleAssistant,
				Content: text,
			})
			if err != nil {
				fail(CodeStorage, "persist assistant message: "+err.Error())
				return
			}
			e.metrics.ObserveTurn("completed", chat.ModelID, time.Since(started).Seconds())
			e.bus.Publish(chat.UserID, bus.Event{
				Type:      EventTurnFinished,
				ChatID:    chat.ID,
				MessageID: msg.ID,
				Reason:    string(reason),
			})
			return
		}

		assistantCalls := make([]store.ToolCall, len(calls))
		for i, c := range calls {
			assistantCalls[i] = store.ToolCall{ID: c.id, Name: c.name, Arguments: c.args}
		}
		if _, err := e.store.AppendMessage(ctx, store.AppendMessageParams{
			ID:        draftID,
			ChatID:    chat.ID,
			Role:      store.RoleAssistant,
			Content:   text,
			ToolCalls: assistantCalls,
		}); err != nil {
			fail(CodeStorage, "persist assistant message: "+err.Error())
			return
		}

		results, terr := e.executeCalls(ctx, chat, turnID, user.ID, enabled, calls)
		if terr != nil {
			failCancelled()
			return
		}
		for i, c := range calls {
			if _, err := e.store.AppendMessage(ctx, store.AppendMessageParams{
				ChatID:     chat.ID,
				Role:       store.RoleTool,
				Content:    results[i],
				ToolCallID: c.id,
				ToolName:   c.name,
			}); err != nil {
				fail(CodeStorage, "persist tool result: "+err.Error())
				return
			}
		}

		messages = append(messages, upstream.Message{
			Role:      store.RoleAssistant,
			Content:   text,
			ToolCalls: toolCallRefs(calls),
		})
		for i, c := range calls {
			messages = append(messages, upstream.Message{
				Role:       store.RoleTool,
				Content:    results[i],
				Name:       c.name,
				ToolCallID: c.id,
			})
		}
	}
}

// finishedCall is one tool call the model committed to in a round.
type finishedCall struct {
	id   string
	name string
	args string
}

// streamRound runs one upstream call, retrying transient failures. It
// returns the streamed text, any finalized tool calls, and the stop
// reason.
func (e *Engine) streamRound(ctx context.Context, chat *store.Chat, turnID, draftID string, req upstream.Request) (string, []finishedCall, upstream.StopReason, *Error) {
	var lastErr *Error
	for attempt := 0; attempt <= e.opts.UpstreamRetries; attempt++ {
		if attempt > 0 {
			e.metrics.ObserveUpstreamRetry()
			e.bus.Publish(chat.UserID, bus.Event{
				Type:      EventTurnRetrying,
				ChatID:    chat.ID,
				MessageID: draftID,
				Attempt:   attempt,
			})
			select {
			case <-time.After(e.opts.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return "", nil, "", newError(CodeCancelled, "turn cancelled")
			}
		}

		text, calls, reason, err, transient := e.streamOnce(ctx, chat, draftID, req)
		if err == nil {
			return text, calls, reason, nil
		}
		if ctx.Err() != nil || !transient {
			return "", nil, "", err
		}
		lastErr = err
		e.log.Warn("upstream call failed, retrying",
			"chat_id", chat.ID, "turn_id", turnID, "attempt", attempt, "error", err.Detail)
	}
	return "", nil, "", lastErr
}

// streamOnce opens and consumes a single upstream stream. transient
// reports whether the failure is worth retrying.
func (e *Engine) streamOnce(ctx context.Context, chat *store.Chat, draftID string, req upstream.Request) (text string, calls []finishedCall, reason upstream.StopReason, terr *Error, transient bool) {
	s, err := e.upstream.Stream(ctx, req)
	if err != nil {
		var httpErr *upstream.HTTPError
		if errors.As(err, &httpErr) {
			retryable := httpErr.Status >= 500 || httpErr.Status == 429
			return "", nil, "", newError(CodeUpstream, err.Error()), retryable
		}
		return "", nil, "", newError(CodeUpstream, err.Error()), true
	}
	defer s.Close()

	var sb strings.Builder
	pending := map[string]*finishedCall{}
	order := []string{}

	for {
		select {
		case <-ctx.Done():
			return "", nil, "", newError(CodeCancelled, "turn cancelled"), false
		case ev, ok := <-s.Events():
			if !ok {
				return "", nil, "", newError(CodeUpstream, "stream closed without terminal event"), true
			}
			switch ev.Kind {
			case upstream.KindTokenDelta:
				sb.WriteString(ev.Text)
				e.bus.Publish(chat.UserID, bus.Event{
					Type:      EventAssistantDelta,
					ChatID:    chat.ID,
					MessageID: draftID,
					Text:      ev.Text,
				})
			case upstream.KindToolCallDelta:
				call := pending[ev.ToolCall.ID]
				if call == nil {
					call = &finishedCall{id: ev.ToolCall.ID}
					pending[ev.ToolCall.ID] = call
					order = append(order, ev.ToolCall.ID)
				}
				if ev.ToolCall.Name != "" {
					call.name = ev.ToolCall.Name
				}
				call.args += ev.ToolCall.ArgsFragment
			case upstream.KindToolCallFinalized, upstream.KindUsage:
				// Finalization order matches the order slice; usage is
				// informational.
			case upstream.KindStop:
				if ev.Reason == upstream.ReasonError {
					return "", nil, "", newError(CodeUpstream, "upstream reported a completion error"), false
				}
				for _, id := range order {
					calls = append(calls, *pending[id])
				}
				return sb.String(), calls, ev.Reason, nil, false
			case upstream.KindProtocolError:
				terr := newError(CodeUpstream, ev.Err.Kind+": "+ev.Err.Detail)
				return "", nil, "", terr, ev.Err.Kind != upstream.ProtocolErrParse
			}
		}
	}
}

// executeCalls runs a round's tool calls in parallel and returns their
// results in call order. Tool failures become result text for the
// model; only cancellation aborts the round.
func (e *Engine) executeCalls(ctx context.Context, chat *store.Chat, turnID, userID string, enabled []enabledTool, calls []finishedCall) ([]string, *Error) {
	configs := map[string]json.RawMessage{}
	for _, et := range enabled {
		configs[et.tool.Name()] = et.config
	}

	results := make([]string, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call // per-iteration copies; required while go.mod targets go < 1.22
		g.Go(func() error {
			e.bus.Publish(userID, bus.Event{
				Type:   EventToolCallStarted,
				ChatID: chat.ID,
				Tool:   call.name,
				Args:   call.args,
			})

			out, err := e.runner.Invoke(gctx, call.name, json.RawMessage(call.args), tools.UserContext{
				UserID: userID,
				Config: configs[call.name],
			})
			ok := err == nil
			status := "ok"
			errDetail := ""
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				status = "error"
				errDetail = toolErrorDetail(err)
				out = "error: " + errDetail
				e.log.Warn("tool call failed",
					"chat_id", chat.ID, "turn_id", turnID, "tool", call.name, "error", err)
			}
			results[i] = out
			e.metrics.ObserveToolCall(call.name, status)
			e.bus.Publish(userID, bus.Event{
				Type:   EventToolCallFinished,
				ChatID: chat.ID,
				Tool:   call.name,
				OK:     &ok,
				Error:  errDetail,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, newError(CodeCancelled, "turn cancelled")
	}
	return results, nil
}

// toolErrorDetail phrases a tool failure for the model.
func toolErrorDetail(err error) string {
	var verr *tools.ValidationError
	if errors.As(err, &verr) {
		return verr.Detail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "tool timed out"
	}
	return err.Error()
}

func (e *Engine) enabledTools(ctx context.Context, userID string, model *store.Model) ([]enabledTool, error) {
	if !model.HasCapability(store.CapTools) {
		return nil, nil
	}
	var enabled []enabledTool
	for _, t := range e.runner.All() {
		schema := t.ConfigSchema()
		if schema == nil {
			enabled = append(enabled, enabledTool{tool: t})
			continue
		}
		cfg, err := e.store.GetToolConfig(ctx, userID, t.Name())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		enabled = append(enabled, enabledTool{tool: t, config: json.RawMessage(cfg)})
	}
	return enabled, nil
}

func toolInfos(enabled []enabledTool) []prompt.ToolInfo {
	infos := make([]prompt.ToolInfo, 0, len(enabled))
	for _, et := range enabled {
		infos = append(infos, prompt.ToolInfo{Name: et.tool.Name(), Description: et.tool.Description()})
	}
	return infos
}

func toolDefs(enabled []enabledTool) []upstream.ToolDef {
	defs := make([]upstream.ToolDef, 0, len(enabled))
	for _, et := range enabled {
		defs = append(defs, upstream.ToolDef{
			Type: "function",
			Function: upstream.ToolDefFunc{
				Name:        et.tool.Name(),
				Description: et.tool.Description(),
				Parameters:  et.tool.ArgsSchema(),
			},
		})
	}
	return defs
}

func toolCallRefs(calls []finishedCall) []upstream.ToolCallRef {
	refs := make([]upstream.ToolCallRef, 0, len(calls))
	for _, c := range calls {
		refs = append(refs, upstream.ToolCallRef{
			ID:   c.id,
			Type: "function",
			Function: upstream.FunctionCall{
				Name:      c.name,
				Arguments: c.args,
			},
		})
	}
	return refs
}

func historyToUpstream(system string, history []store.Message) []upstream.Message {
	messages := make([]upstream.Message, 0, len(history)+1)
	messages = append(messages, upstream.Message{Role: store.RoleSystem, Content: system})
	for _, m := range history {
		um := upstream.Message{Role: m.Role, Content: m.Content}
		if m.Role == store.RoleTool {
			um.Name = m.ToolName
			um.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			refs := make([]upstream.ToolCallRef, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				refs = append(refs, upstream.ToolCallRef{
					ID:   tc.ID,
					Type: "function",
					Function: upstream.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			um.ToolCalls = refs
		}
		messages = append(messages, um)
	}
	return messages
}
