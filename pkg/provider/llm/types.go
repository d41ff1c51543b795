package llm

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry of a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the text of the message. For RoleTool it is the
	// JSON-encoded tool result.
	Content string

	// Name is the tool name on RoleTool messages.
	Name string

	// ToolCalls are the invocations requested by an assistant message.
	ToolCalls []ToolCall

	// ToolCallID links a RoleTool message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier. Some backends leave it
	// empty.
	ID string

	// Name is the function name.
	Name string

	// Arguments is the JSON-encoded argument object.
	Arguments string
}

// ToolDefinition describes a function that can be offered to a model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is the JSON Schema of the argument object.
	Parameters map[string]any
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the most tokens one completion can generate.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function calling.
	SupportsToolCalling bool
}
