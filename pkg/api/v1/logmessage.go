package v1

// LogMessageKind tags the variant carried by a LogMessage.
type LogMessageKind string

const (
	LogMessageStdout     LogMessageKind = "STDOUT"
	LogMessageStderr     LogMessageKind = "STDERR"
	LogMessageJSONPatch  LogMessageKind = "JSON_PATCH"
	LogMessageTokenCount LogMessageKind = "TOKEN_COUNT"
	LogMessageFinished   LogMessageKind = "FINISHED"
)

// NormalizedEntryType is the semantic type recorded on a JsonPatch payload,
// used by the exit monitor and accounting side-effects to scan history for
// assistant messages and error messages.
type NormalizedEntryType string

const (
	NormalizedEntryAssistantMessage NormalizedEntryType = "assistant_message"
	NormalizedEntryErrorMessage     NormalizedEntryType = "error_message"
	NormalizedEntryToolCall         NormalizedEntryType = "tool_call"
	NormalizedEntryOther            NormalizedEntryType = "other"
)

// NormalizedEntry is the decoded shape of a JsonPatch log message's payload.
type NormalizedEntry struct {
	Type    NormalizedEntryType `json:"type"`
	Content string              `json:"content"`
}

// TokenCount is the payload of a TokenCount log message.
type TokenCount struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// LogMessage is a single normalized entry in an execution's message store.
// Exactly one of the payload fields is meaningful, selected by Kind.
type LogMessage struct {
	Kind       LogMessageKind   `json:"kind"`
	Text       string           `json:"text,omitempty"`
	JSONPatch  *NormalizedEntry `json:"json_patch,omitempty"`
	TokenCount *TokenCount      `json:"token_count,omitempty"`
}

// IsFinished reports whether this message is the terminal sentinel.
func (m LogMessage) IsFinished() bool {
	return m.Kind == LogMessageFinished
}
