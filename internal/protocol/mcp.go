package protocol

import "encoding/json"

// MCP method names used by the bridge.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// ProtocolVersion is the MCP revision the bridge requests during the
// handshake.
const ProtocolVersion = "2024-11-05"

// supportedProtocolVersions lists the revisions the bridge can speak. A host
// negotiating anything else fails the handshake.
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// IsSupportedProtocolVersion reports whether v is a revision the bridge can
// speak.
func IsSupportedProtocolVersion(v string) bool {
	return supportedProtocolVersions[v]
}

// Implementation identifies one side of the protocol session.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities is empty: the bridge offers no sampling or roots
// capabilities to the host.
type ClientCapabilities struct{}

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the host's half of the handshake. Capabilities are
// opaque to the bridge.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentItem is one element of a tool result. The bridge only interprets
// text items; other types are carried opaquely.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the payload of a tools/call response.
type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolDescriptor describes one tool advertised by the host.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}
