package domain

// ToolCall names a tool and carries its arguments. Immutable once constructed.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolResult is the outcome of executing a tool: either an opaque content
// payload or a provider-reported failure. Exactly one of the two is meaningful,
// selected by IsError.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}
