package llm

import (
	"encoding/json"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Message represents a single message in a conversation.
// Assistant messages may carry tool calls; tool messages carry the result
// of exactly one call identified by ToolCallID.
type Message struct {
	Role       MessageRole `json:"role"`
	Content    string      `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Name       string      `json:"name,omitempty"`
}

// ToolCall represents a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"` // JSON object as sent by the model
}

// ToolResult represents the outcome of executing one ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"` // JSON-serialized result
	IsError bool   `json:"is_error,omitempty"`
}

// ToolSpec represents a tool definition that can be provided to an LLM.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ResponseFormat asks the model for output matching a JSON schema.
type ResponseFormat struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// Plugin enables an OpenRouter plugin, e.g. "response-healing".
type Plugin struct {
	ID string `json:"id"`
}

// ProviderPreferences controls OpenRouter provider routing.
type ProviderPreferences struct {
	Order          []string `json:"order,omitempty"`
	AllowFallbacks bool     `json:"allow_fallbacks"`
	Sort           string   `json:"sort,omitempty"` // "", "latency" or "price"
}

// Request represents a complete chat-completion request.
type Request struct {
	Model             string
	Models            []string // OpenRouter server-side fallback list
	Messages          []Message
	System            string
	Tools             []ToolSpec
	ToolChoice        string // "", "auto", "none" or "required"
	ParallelToolCalls *bool
	MaxTokens         int
	Temperature       *float64
	TopP              *float64
	ResponseFormat    *ResponseFormat
	Plugins           []Plugin
	Provider          *ProviderPreferences
	User              string
	SessionID         string
	Metadata          map[string]string
}

// Clone returns a copy of the request that can be modified without
// affecting the original. Slices of messages and tools are copied.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	out.Tools = append([]ToolSpec(nil), r.Tools...)
	out.Models = append([]string(nil), r.Models...)
	out.Plugins = append([]Plugin(nil), r.Plugins...)
	return &out
}

// Response represents a complete (non-streamed) chat-completion response.
type Response struct {
	ID           string
	Model        string
	Message      Message
	FinishReason string
	Usage        Usage
}

// Usage represents token usage information from an LLM response.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// NewTextMessage creates a new message with text content.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:    role,
		Content: text,
	}
}

// NewToolCallMessage creates an assistant message requesting tool calls.
func NewToolCallMessage(content string, calls []ToolCall) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	}
}

// NewToolResultMessages creates one tool message per result, preserving order.
func NewToolResultMessages(results []ToolResult) []Message {
	msgs := make([]Message, len(results))
	for i, tr := range results {
		msgs[i] = Message{
			Role:       RoleTool,
			Content:    tr.Content,
			ToolCallID: tr.CallID,
			Name:       tr.Name,
		}
	}
	return msgs
}
