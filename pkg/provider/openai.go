package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider is a Provider backed by an OpenAI-compatible chat
// completion API, covering the full Request/Response contract
// including tool use.
type OpenAIProvider struct {
	client *openai.Client
	apiKey string

	mu    sync.RWMutex
	model string
}

// NewOpenAIProvider builds a provider against the standard OpenAI
// endpoint. An empty apiKey makes IsAvailable report false so callers
// can register it unconditionally and let the router skip it.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = openai.GPT4oMini
	}
	p := &OpenAIProvider{apiKey: apiKey, model: model}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) GetModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *OpenAIProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *OpenAIProvider) IsAvailable(ctx context.Context) bool {
	return p.client != nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	if p.client == nil {
		return nil, fmt.Errorf("openai: provider not configured with an api key")
	}
	creq, err := toChatCompletionRequest(p.GetModel(), req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: no response choices")
	}
	return toResponse(resp), nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req Request, onChunk func(StreamChunk) error) error {
	if p.client == nil {
		return fmt.Errorf("openai: provider not configured with an api key")
	}
	creq, err := toChatCompletionRequest(p.GetModel(), req)
	if err != nil {
		return err
	}
	creq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return fmt.Errorf("openai: stream: %w", err)
	}
	defer stream.Close()

	toolCalls := map[int]*ToolCall{}
	var full string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			full += delta.Content
			if err := onChunk(StreamChunk{Kind: ChunkText, Text: delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := toolCalls[idx]
			if !ok {
				cur = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: map[string]any{}}
				toolCalls[idx] = cur
				if err := onChunk(StreamChunk{Kind: ChunkToolUseStart, ToolCall: cur}); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				if err := onChunk(StreamChunk{Kind: ChunkToolUseDelta, Text: tc.Function.Arguments}); err != nil {
					return err
				}
			}
		}
	}

	var calls []ToolCall
	for _, tc := range toolCalls {
		calls = append(calls, *tc)
		if err := onChunk(StreamChunk{Kind: ChunkToolUseEnd, ToolCall: tc}); err != nil {
			return err
		}
	}
	reason := StopEndTurn
	if len(calls) > 0 {
		reason = StopToolUse
	}
	return onChunk(StreamChunk{Kind: ChunkDone, Response: &Response{
		Content:    full,
		StopReason: reason,
		ToolCalls:  calls,
	}})
}

func toChatCompletionRequest(model string, req Request) (openai.ChatCompletionRequest, error) {
	var msgs []openai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Content != "" || len(m.Blocks) == 0 {
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
			continue
		}
		for _, b := range m.Blocks {
			switch b.Type {
			case ContentText:
				msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: b.Text})
			case ContentToolResult:
				content := fmt.Sprintf("%v", b.ToolResult)
				if raw, err := json.Marshal(b.ToolResult); err == nil {
					content = string(raw)
				}
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: b.ToolResultID,
				})
			case ContentToolUse:
				args, _ := json.Marshal(b.ToolInput)
				msgs = append(msgs, openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{{
						ID:   b.ToolUseID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.ToolName,
							Arguments: string(args),
						},
					}},
				})
			}
		}
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stop:        req.StopSequences,
	}
	for _, t := range req.Tools {
		params, err := json.Marshal(t.InputSchema)
		if err != nil {
			return creq, fmt.Errorf("openai: marshal tool schema for %s: %w", t.Name, err)
		}
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return creq, nil
}

func toResponse(resp openai.ChatCompletionResponse) *Response {
	choice := resp.Choices[0]
	out := &Response{
		Content: choice.Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = StopToolUse
	} else if choice.FinishReason == openai.FinishReasonLength {
		out.StopReason = StopMaxTokens
	} else if choice.FinishReason == openai.FinishReasonStop {
		out.StopReason = StopStop
	} else {
		out.StopReason = StopEndTurn
	}
	return out
}
