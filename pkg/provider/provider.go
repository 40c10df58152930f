// Package provider abstracts chat-completion backends behind a
// single model-agnostic contract, so the agent loop never imports a
// concrete vendor SDK directly.
package provider

import (
	"context"
	"fmt"
)

// Role mirrors the OpenAI chat role vocabulary, reused across providers.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentBlockType discriminates the variants a Message's content can
// take when it isn't a plain string.
type ContentBlockType string

const (
	ContentText       ContentBlockType = "text"
	ContentImage      ContentBlockType = "image"
	ContentToolUse    ContentBlockType = "tool_use"
	ContentToolResult ContentBlockType = "tool_result"
)

// ContentBlock is one part of a multi-part message. Exactly one of the
// type-specific fields is populated, selected by Type.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	Text string `json:"text,omitempty"`

	ImageURL string `json:"imageUrl,omitempty"`

	ToolUseID string         `json:"toolUseId,omitempty"`
	ToolName  string         `json:"toolName,omitempty"`
	ToolInput map[string]any `json:"toolInput,omitempty"`

	ToolResultID string `json:"toolResultId,omitempty"`
	ToolResult   any    `json:"toolResult,omitempty"`
	ToolError    bool   `json:"toolError,omitempty"`
}

// Message is either a plain string (Content populated) or a sequence
// of typed content blocks (Blocks populated) — never both.
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// ToolDefinition is a JSON-schema tool manifest entry passed to a
// provider so the model can choose to invoke it.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Request is one chat-completion call.
type Request struct {
	Messages      []Message        `json:"messages"`
	System        string           `json:"system,omitempty"`
	Tools         []ToolDefinition `json:"tools,omitempty"`
	MaxTokens     int              `json:"maxTokens,omitempty"`
	Temperature   float64          `json:"temperature,omitempty"`
	StopSequences []string         `json:"stopSequences,omitempty"`
}

// StopReason tells the agent loop why a Response ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopStop      StopReason = "stop_sequence"
)

// Usage reports token accounting for cost estimation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ToolCall is one tool invocation the model requested.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Response is the result of a chat completion.
type Response struct {
	Content    string     `json:"content"`
	StopReason StopReason `json:"stopReason"`
	Usage      Usage      `json:"usage"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
}

// StreamChunkKind discriminates StreamChunk payloads.
type StreamChunkKind string

const (
	ChunkText          StreamChunkKind = "text"
	ChunkToolUseStart  StreamChunkKind = "tool_use_start"
	ChunkToolUseDelta  StreamChunkKind = "tool_use_delta"
	ChunkToolUseEnd    StreamChunkKind = "tool_use_end"
	ChunkDone          StreamChunkKind = "done"
)

// StreamChunk is one increment of a streamed completion.
type StreamChunk struct {
	Kind      StreamChunkKind
	Text      string
	ToolCall  *ToolCall
	Response  *Response // populated only on ChunkDone
}

// Provider is a chat-completion backend. StreamChat is optional: a
// provider that cannot stream returns ErrStreamingUnsupported and
// callers fall back to Chat.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (*Response, error)
	StreamChat(ctx context.Context, req Request, onChunk func(StreamChunk) error) error
	IsAvailable(ctx context.Context) bool
	GetModel() string
	SetModel(model string)
}

// ErrStreamingUnsupported is returned by StreamChat implementations
// that only support a blocking Chat call.
var ErrStreamingUnsupported = fmt.Errorf("provider: streaming not supported")

// ErrNoProviderAvailable is returned by a ModelRouter when every rule
// and the default fall through with no available provider.
var ErrNoProviderAvailable = fmt.Errorf("provider: no available provider matched")
