package provider

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// LocalProvider speaks the OpenAI-compatible chat API exposed by local
// inference servers (ollama, llama.cpp, vLLM). Chat reuses the same wire
// translation as OpenAIProvider, against a custom endpoint and without
// an API key. Unlike OpenAIProvider it does not stream (StreamChat
// returns ErrStreamingUnsupported), and IsAvailable probes the server's
// model list.
type LocalProvider struct {
	client *openai.Client

	mu    sync.RWMutex
	model string
}

// NewLocalProvider targets an OpenAI-compatible server at baseURL
// (e.g. "http://localhost:11434/v1").
func NewLocalProvider(baseURL string) *LocalProvider {
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = baseURL
	return &LocalProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  "llama3",
	}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) GetModel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model
}

func (p *LocalProvider) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.model = model
}

func (p *LocalProvider) IsAvailable(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}

func (p *LocalProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	creq, err := toChatCompletionRequest(p.GetModel(), req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("local: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("local: no response choices")
	}
	return toResponse(resp), nil
}

func (p *LocalProvider) StreamChat(ctx context.Context, req Request, onChunk func(StreamChunk) error) error {
	return ErrStreamingUnsupported
}
