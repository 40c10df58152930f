package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
)

func TestLoopRunReturnsTerminalResponse(t *testing.T) {
	p := provider.NewStubProvider(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return &provider.Response{Content: "done", StopReason: provider.StopEndTurn}, nil
	})
	loop := NewLoop(Agent{Name: "researcher"}, p, tool.NewRegistry())

	res, err := loop.Run(context.Background(), "hello", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.NotEmpty(t, res.Logs)
}

func TestLoopRunExecutesToolCallThenTerminates(t *testing.T) {
	calls := 0
	p := provider.NewStubProvider(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		calls++
		if calls == 1 {
			return &provider.Response{
				StopReason: provider.StopToolUse,
				ToolCalls:  []provider.ToolCall{{ID: "1", Name: "search", Input: map[string]any{"q": "go"}}},
			}, nil
		}
		return &provider.Response{Content: "found it", StopReason: provider.StopEndTurn}, nil
	})

	tools := tool.NewRegistry()
	var seenArgs map[string]any
	tools.Register(tool.Tool{
		Name: "search",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			seenArgs = args
			return "result", nil
		},
	})

	loop := NewLoop(Agent{Name: "researcher", ToolNames: []string{"search"}}, p, tools)
	var captured []ToolCallEvent
	res, err := loop.Run(context.Background(), "find go docs", Callbacks{
		OnToolCall: func(c ToolCallEvent) { captured = append(captured, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "found it", res.Content)
	require.Len(t, captured, 1)
	assert.Equal(t, "search", captured[0].ToolName)
	assert.Equal(t, "go", seenArgs["q"])
}

func TestLoopRunExceedsMaxIterations(t *testing.T) {
	p := provider.NewStubProvider(func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		return &provider.Response{
			StopReason: provider.StopToolUse,
			ToolCalls:  []provider.ToolCall{{ID: "1", Name: "loop", Input: map[string]any{}}},
		}, nil
	})
	tools := tool.NewRegistry()
	tools.Register(tool.Tool{
		Name:    "loop",
		Execute: func(ctx context.Context, args map[string]any) (any, error) { return "again", nil },
	})

	loop := NewLoop(Agent{Name: "looper", ToolNames: []string{"loop"}}, p, tools)
	_, err := loop.Run(context.Background(), "never stop", Callbacks{})
	assert.ErrorIs(t, err, ErrMaxIterations)
}
