package mcpwire

import (
	"encoding/json"
	"fmt"
)

// RequestID is a type that enforces string representation for message ids,
// which servers may echo back as either strings or integers. It handles the
// conversion during JSON marshaling/unmarshaling.
type RequestID string

// Envelope represents one JSON-RPC 2.0 protocol message. It can represent a
// request, a response, or a notification depending on which fields are
// populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type Envelope struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *ErrorObject `json:"error,omitempty"`
}

// ErrorObject represents an error response in the JSON-RPC 2.0 protocol.
type ErrorObject struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// IsNotification reports whether the envelope is a notification, which carries
// a method but no id and therefore expects no response.
func (e Envelope) IsNotification() bool {
	return e.ID == "" && e.Method != ""
}

// IsResponse reports whether the envelope is a response to an earlier request.
func (e Envelope) IsResponse() bool {
	return e.ID != "" && e.Method == "" && (e.Result != nil || e.Error != nil)
}

// Info contains name and version identification for one protocol party.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities advertises the optional features this client supports
// during the initialize handshake.
type ClientCapabilities struct{}

// ServerCapabilities lists the capability groups the server advertised during
// the initialize handshake. A nil group means the server does not support it.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// PromptsCapability describes the server's prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes the server's resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability describes the server's tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability describes the server's log streaming support.
type LoggingCapability struct{}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource represents an addressable content resource with associated metadata.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate defines a parameterized resource using a URI template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt defines a reusable prompt fragment with optional arguments.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument defines a single argument that can be passed to a prompt.
// Required indicates whether the argument must be provided when using the prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// ContentType identifies the type of content in tool results and prompt
// messages.
type ContentType string

// Content type identifiers.
const (
	ContentTypeText     ContentType = "text"
	ContentTypeImage    ContentType = "image"
	ContentTypeResource ContentType = "resource"
)

// Content represents one piece of content in a tool result or prompt message.
// Either Text or Data is populated based on the content Type.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Role identifies the sender of a prompt message.
type Role string

// Roles used in prompt messages.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage is one rendered message of a prompt.
type PromptMessage struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

// ResourceContents holds the content of one read resource. Either Text or
// Blob is populated, with MimeType indicating the format.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is an optional pagination cursor from a previous list call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a paginated list of tools.
// NextCursor can be used to retrieve the next page of results.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for invoking a tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to call
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the tool's advertised InputSchema.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
// IsError indicates whether the operation failed, with details in Content.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ListResourcesParams contains parameters for listing available resources.
type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourcesResult represents a paginated list of resources.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ReadResourceParams contains parameters for reading a specific resource.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult holds the contents returned for a read resource.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ListResourceTemplatesParams contains parameters for listing resource templates.
type ListResourceTemplatesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListResourceTemplatesResult lists the available resource templates.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ListPromptsParams contains parameters for listing available prompts.
type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListPromptsResult represents a paginated list of prompts.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// GetPromptParams contains parameters for retrieving a specific prompt.
type GetPromptParams struct {
	// Name is the unique identifier of the prompt to retrieve
	Name string `json:"name"`

	// Arguments is a map of argument name-value pairs.
	// Must satisfy required arguments defined in the prompt's Arguments field.
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult contains the rendered prompt messages.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type cancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

type resourceUpdatedParams struct {
	URI string `json:"uri"`
}

// JSONRPCVersion specifies the JSON-RPC protocol version used for all messages.
const JSONRPCVersion = "2.0"

const (
	protocolVersion = "2024-11-05"

	methodInitialize = "initialize"
	methodPing       = "ping"

	// MethodToolsList and friends are the request methods a session issues
	// against the remote endpoint.
	MethodToolsList              = "tools/list"
	MethodToolsCall              = "tools/call"
	MethodResourcesList          = "resources/list"
	MethodResourcesRead          = "resources/read"
	MethodResourcesTemplatesList = "resources/templates/list"
	MethodPromptsList            = "prompts/list"
	MethodPromptsGet             = "prompts/get"

	methodNotificationsInitialized          = "notifications/initialized"
	methodNotificationsCancelled            = "notifications/cancelled"
	methodNotificationsToolsListChanged     = "notifications/tools/list_changed"
	methodNotificationsResourcesListChanged = "notifications/resources/list_changed"
	methodNotificationsResourcesUpdated     = "notifications/resources/updated"
	methodNotificationsPromptsListChanged   = "notifications/prompts/list_changed"
)

const (
	jsonRPCParseErrorCode    = -32700
	jsonRPCInvalidParamsCode = -32602
	jsonRPCInternalErrorCode = -32603

	userCancelledReason = "User requested cancellation"
)

// UnmarshalJSON implements json.Unmarshaler to handle both string and number
// id representations, converting numbers to their string form.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*r = RequestID(v)
	case float64:
		*r = RequestID(fmt.Sprintf("%d", int(v)))
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, always encoding the id as a string.
func (r RequestID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(r))
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
}
