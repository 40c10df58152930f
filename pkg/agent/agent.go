// Package agent drives one provider/tools loop to a terminal
// response: build the prompt, call the model, execute any requested
// tools, feed the results back, and repeat until the model stops
// asking for tools.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/taskforge/taskforge/pkg/provider"
	"github.com/taskforge/taskforge/pkg/tool"
)

// maxIterations bounds the tool-use loop; exceeding it is reported as
// MAX_ITERATIONS rather than looping forever against a model that keeps
// calling tools.
const maxIterations = 10

// Agent is a named persona: a system prompt, model preferences, and the
// tool names it is allowed to call.
type Agent struct {
	ID            string
	Name          string
	SystemPrompt  string
	Model         string
	Temperature   float64
	MaxTokens     int
	ToolNames     []string
}

// Callbacks lets a caller observe a Loop run without coupling the loop
// to any particular transport.
type Callbacks struct {
	OnLog      func(entry LogEntry)
	OnToolCall func(call ToolCallEvent)
	OnProgress func(message string)
}

// LogEntry is one line emitted during a run, always prefixed with the
// agent's name by Loop.Run.
type LogEntry struct {
	Level     string
	Message   string
	Timestamp time.Time
}

// ToolCallEvent captures one tool invocation's input/output for
// observability and for persistence into StepResult.ToolCalls.
type ToolCallEvent struct {
	ToolName  string
	Input     map[string]any
	Output    any
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// Result is everything a Loop run produced, shaped to convert directly
// into a models.StepResult at the call site.
type Result struct {
	Content   string
	ToolCalls []ToolCallEvent
	Logs      []LogEntry
	Usage     provider.Usage
}

// ErrMaxIterations is returned when a Loop exceeds maxIterations without
// reaching a terminal (non tool-use) response.
var ErrMaxIterations = fmt.Errorf("agent: MAX_ITERATIONS exceeded")

// Loop executes an Agent against a Provider and ToolRegistry.
type Loop struct {
	agent    Agent
	provider provider.Provider
	tools    *tool.Registry
}

func NewLoop(a Agent, p provider.Provider, tools *tool.Registry) *Loop {
	return &Loop{agent: a, provider: p, tools: tools}
}

// Run drives the provider/tool loop given an initial user message,
// returning a terminal Result once the model produces a non tool-use
// response, or ErrMaxIterations if it never does within maxIterations.
func (l *Loop) Run(ctx context.Context, userMessage string, cb Callbacks) (*Result, error) {
	res := &Result{}
	logf := func(level, format string, args ...any) {
		entry := LogEntry{
			Level:     level,
			Message:   fmt.Sprintf("[%s] %s", l.agent.Name, fmt.Sprintf(format, args...)),
			Timestamp: time.Now(),
		}
		res.Logs = append(res.Logs, entry)
		if cb.OnLog != nil {
			cb.OnLog(entry)
		}
	}

	messages := []provider.Message{{Role: provider.RoleUser, Content: userMessage}}
	toolDefs := toProviderTools(l.tools.Manifest(l.agent.ToolNames))

	logf("info", "starting run")

	for iter := 0; iter < maxIterations; iter++ {
		req := provider.Request{
			Messages:    messages,
			System:      l.agent.SystemPrompt,
			Tools:       toolDefs,
			MaxTokens:   l.agent.MaxTokens,
			Temperature: l.agent.Temperature,
		}

		resp, err := l.provider.Chat(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("agent: chat: %w", err)
		}
		res.Usage.InputTokens += resp.Usage.InputTokens
		res.Usage.OutputTokens += resp.Usage.OutputTokens

		if resp.StopReason != provider.StopToolUse || len(resp.ToolCalls) == 0 {
			res.Content = resp.Content
			logf("info", "completed after %d iteration(s)", iter+1)
			return res, nil
		}

		assistantBlocks := make([]provider.ContentBlock, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			assistantBlocks = append(assistantBlocks, provider.ContentBlock{
				Type:      provider.ContentToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Name,
				ToolInput: tc.Input,
			})
		}
		messages = append(messages, provider.Message{Role: provider.RoleAssistant, Blocks: assistantBlocks})

		for _, tc := range resp.ToolCalls {
			start := time.Now()
			result := l.tools.Call(ctx, tc.Name, tc.Input)
			event := ToolCallEvent{
				ToolName:  tc.Name,
				Input:     tc.Input,
				Output:    result.Value,
				Error:     result.Error,
				Duration:  time.Since(start),
				Timestamp: start,
			}
			res.ToolCalls = append(res.ToolCalls, event)
			if cb.OnToolCall != nil {
				cb.OnToolCall(event)
			}
			logf("info", "tool %s called", tc.Name)

			resultBlock := provider.ContentBlock{
				Type:         provider.ContentToolResult,
				ToolResultID: tc.ID,
			}
			if result.Error != "" {
				resultBlock.ToolResult = map[string]any{"error": result.Error}
				resultBlock.ToolError = true
			} else {
				resultBlock.ToolResult = result.Value
			}
			messages = append(messages, provider.Message{Role: provider.RoleTool, Blocks: []provider.ContentBlock{resultBlock}})
		}

		if cb.OnProgress != nil {
			cb.OnProgress(fmt.Sprintf("completed tool iteration %d/%d", iter+1, maxIterations))
		}
	}

	logf("error", "MAX_ITERATIONS exceeded")
	return res, ErrMaxIterations
}

func toProviderTools(defs []tool.Definition) []provider.ToolDefinition {
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}
