package upstream

// Kind discriminates the events of one streaming completion.
type Kind int

const (
	// KindTokenDelta appends text to the current assistant message.
	KindTokenDelta Kind = iota
	// KindToolCallDelta streams a fragment of a tool call's JSON arguments.
	KindToolCallDelta
	// KindToolCallFinalized marks a tool call's arguments as complete.
	KindToolCallFinalized
	// KindUsage reports token accounting, at most once per call.
	KindUsage
	// KindStop terminates the call with a reason.
	KindStop
	// KindProtocolError terminates the call with a transport or parse failure.
	KindProtocolError
)

// StopReason is the upstream's terminal reason for a completion.
type StopReason string

const (
	ReasonStop      StopReason = "stop"
	ReasonLength    StopReason = "length"
	ReasonToolCalls StopReason = "tool_calls"
	ReasonError     StopReason = "error"
)

// ToolCallDelta carries one streamed fragment of a tool call. The name
// arrives on the first fragment; argument fragments for the same id
// concatenate in arrival order.
type ToolCallDelta struct {
	ID           string
	Name         string
	ArgsFragment string
}

// Usage is the upstream's token accounting.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ProtocolError kinds.
const (
	ProtocolErrHTTP       = "http"
	ProtocolErrConnection = "connection"
	ProtocolErrParse      = "parse"
)

// ProtocolError describes a terminal stream failure.
type ProtocolError struct {
	Kind   string
	Detail string
}

// Event is one element of the lazy, finite, non-restartable sequence a
// streaming call yields.
type Event struct {
	Kind     Kind
	Text     string        // KindTokenDelta
	ToolCall ToolCallDelta // KindToolCallDelta, KindToolCallFinalized (ID only)
	Usage    *Usage        // KindUsage
	Reason   StopReason    // KindStop
	Err      *ProtocolError
}
