package provider

import (
	"context"
	"sync"
)

// StubProvider is a deterministic, credential-free Provider used in
// tests and local development. ChatFunc lets callers script a canned
// Response (and optional tool calls) per invocation without spinning
// up an HTTP server.
type StubProvider struct {
	mu       sync.RWMutex
	name     string
	model    string
	ChatFunc func(ctx context.Context, req Request) (*Response, error)
}

func NewStubProvider(chatFunc func(ctx context.Context, req Request) (*Response, error)) *StubProvider {
	return &StubProvider{name: "stub", model: "stub-1", ChatFunc: chatFunc}
}

// NewNamedStubProvider is identical to NewStubProvider but reports name
// from Name(), useful when a test registers several stubs and needs
// ModelRouter.Resolve's choice to be distinguishable.
func NewNamedStubProvider(name string, chatFunc func(ctx context.Context, req Request) (*Response, error)) *StubProvider {
	return &StubProvider{name: name, model: "stub-1", ChatFunc: chatFunc}
}

func (s *StubProvider) Name() string { return s.name }

func (s *StubProvider) GetModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *StubProvider) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

func (s *StubProvider) IsAvailable(ctx context.Context) bool { return true }

func (s *StubProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	if s.ChatFunc != nil {
		return s.ChatFunc(ctx, req)
	}
	return &Response{Content: "stub response", StopReason: StopEndTurn}, nil
}

func (s *StubProvider) StreamChat(ctx context.Context, req Request, onChunk func(StreamChunk) error) error {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return err
	}
	if resp.Content != "" {
		if err := onChunk(StreamChunk{Kind: ChunkText, Text: resp.Content}); err != nil {
			return err
		}
	}
	return onChunk(StreamChunk{Kind: ChunkDone, Response: resp})
}
