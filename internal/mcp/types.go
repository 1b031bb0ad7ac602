// Package mcp defines the payload types of the proxied tool/resource
// protocol. The proxy treats upstream content as schema-less JSON and only
// models the envelopes it needs to route, namespace, and transform.
package mcp

import "encoding/json"

// Method names recognized by the proxy. Anything else is passed through to
// the first connected upstream.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
)

// NamespaceSeparator joins an upstream server name and a tool name in
// aggregated listings, e.g. "fs__read_file".
const NamespaceSeparator = "__"

// Tool describes a callable capability exposed by an upstream server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the aggregate result of tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool call result. Text is the common
// case; other block kinds ride along in the raw fields.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Resource describes a readable resource exposed by an upstream server.
// Resource URIs are already namespaced by scheme and are aggregated as-is.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourcesListResult is the aggregate result of resources/list.
type ResourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// ReadResourceParams are the params of resources/read.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ResourceContents is one element of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the result of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// InitializeParams are the params of initialize.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo,omitempty"`
}

// Implementation identifies a protocol peer.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the result of initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      Implementation  `json:"serverInfo"`
}

// SplitNamespace splits a namespaced tool name into (server, tool). Returns
// ok=false when the name carries no namespace prefix.
func SplitNamespace(name string) (server, tool string, ok bool) {
	for i := 0; i+len(NamespaceSeparator) <= len(name); i++ {
		if name[i:i+len(NamespaceSeparator)] == NamespaceSeparator {
			return name[:i], name[i+len(NamespaceSeparator):], true
		}
	}
	return "", name, false
}

// JoinNamespace prefixes a tool name with its server namespace.
func JoinNamespace(server, tool string) string {
	return server + NamespaceSeparator + tool
}
