package engine

// Code classifies why a turn or request failed. The HTTP layer maps
// codes to status codes; turn_failed events carry the CamelCase kind.
type Code string

const (
	CodeAuth       Code = "auth"
	CodeNotFound   Code = "not_found"
	CodeBusy       Code = "busy"
	CodeValidation Code = "validation_error"
	CodeUpstream   Code = "upstream_error"
	CodeTool       Code = "tool_error"
	CodeToolLoop   Code = "tool_loop_exhausted"
	CodeStorage    Code = "storage_error"
	CodeCancelled  Code = "cancelled"
	CodeConfig     Code = "config_error"
)

// Kind is the failure name carried by turn_failed events.
func (c Code) Kind() string {
	switch c {
	case CodeAuth:
		return "Auth"
	case CodeNotFound:
		return "NotFound"
	case CodeBusy:
		return "Busy"
	case CodeValidation:
		return "ValidationError"
	case CodeUpstream:
		return "UpstreamError"
	case CodeTool:
		return "ToolError"
	case CodeToolLoop:
		return "ToolLoopExhausted"
	case CodeStorage:
		return "StorageError"
	case CodeCancelled:
		return "Cancelled"
	case CodeConfig:
		return "ConfigError"
	}
	return string(c)
}

// Error is a classified failure.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Detail }

func newError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}
