// Package llmapi implements the in-process API runner: a turn loop driven
// directly against an LLM provider instead of a child process or a sidecar
// service. Grounded on github.com/openai/openai-go for the model call
// (adopted from the deepnoodle-ai-dive and trpc-group-trpc-agent-go example
// repos — the reference adapters always delegate to subprocess agents and
// have no in-process LLM client) and on mark3labs/mcp-go's Tool/
// CallToolRequest/CallToolResult shapes for the host ToolDispatcher
// boundary, preserving the rule that the core does not execute tools
// itself.
package llmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/openai/openai-go"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

// maxToolIterations bounds how many tool-use round trips a single turn may
// take before the loop gives up and surfaces an error, guarding against a
// model stuck calling tools forever.
const maxToolIterations = 25

// Runner drives conversation turns against an LLM provider in-process.
type Runner struct {
	model      modelClient
	dispatcher ToolDispatcher
	systemMsg  string
	sink       runner.Sink
	rt         runner.RuntimeAccessor
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*conversation
}

// conversation is the per-session turn state: message history plus the
// cooperative cancellation and approval-mode state a turn in flight needs.
type conversation struct {
	mu       sync.Mutex
	messages []openai.ChatCompletionMessageParamUnion
	mode     session.ApprovalMode
	cancel   context.CancelFunc
	running  bool
}

// NewRunner builds an llmapi Runner. dispatcher may be nil, in which case
// tool calls are rejected via NoopDispatcher.
func NewRunner(apiKey, baseURL, model, systemPrompt string, dispatcher ToolDispatcher, log *logger.Logger) runner.Factory {
	if dispatcher == nil {
		dispatcher = NoopDispatcher{}
	}
	client := newOpenAIClient(apiKey, baseURL, model)
	return func(sink runner.Sink, rt runner.RuntimeAccessor) runner.Runner {
		return &Runner{
			model: client, dispatcher: dispatcher, systemMsg: systemPrompt,
			sink: sink, rt: rt, log: log, sessions: make(map[string]*conversation),
		}
	}
}

func (r *Runner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	conv := &conversation{mode: mode}
	if r.systemMsg != "" {
		conv.messages = append(conv.messages, systemMessage(r.systemMsg))
	}

	r.mu.Lock()
	r.sessions[sessionID] = conv
	r.mu.Unlock()

	// The in-process variant has no separate external session id to
	// discover — the session's own id stands in for it, so binding is an
	// immediate no-op, matching the bound-id-equals-X case.
	r.sink.OnHeader(ctx, sessionID, runner.Header{Title: "llmapi", Provider: "openai", RunnerSessionID: sessionID})

	if initialPrompt != "" {
		conv.messages = append(conv.messages, userMessage(initialPrompt))
	}

	go r.runTurn(sessionID, conv)
	return nil
}

func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	conv, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		r.rt.EnqueueInput(sessionID, text)
		return nil
	}

	conv.mu.Lock()
	inFlight := conv.running
	conv.messages = append(conv.messages, userMessage(text))
	conv.mu.Unlock()

	if !inFlight {
		go r.runTurn(sessionID, conv)
	}
	return nil
}

func (r *Runner) Stop(ctx context.Context, sessionID string) error {
	r.rt.SetStopRequested(sessionID, true)

	r.mu.Lock()
	conv, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	conv.mu.Lock()
	if conv.cancel != nil {
		conv.cancel()
	}
	running := conv.running
	conv.mu.Unlock()

	if !running {
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		r.sink.OnExit(context.Background(), sessionID, 0)
	}
	return nil
}

func (r *Runner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	r.mu.Lock()
	conv, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		conv.mu.Lock()
		conv.mode = mode
		conv.mu.Unlock()
	}
	return nil
}

// runTurn drives model calls until the assistant produces a tool-call-free
// response, then reports the turn boundary: stop_requested wins over a
// drained queue, which wins over awaiting_input.
func (r *Runner) runTurn(sessionID string, conv *conversation) {
	turnCtx, cancel := context.WithCancel(context.Background())
	conv.mu.Lock()
	conv.running = true
	conv.cancel = cancel
	conv.mu.Unlock()
	defer cancel()

	tools, err := r.dispatcher.Tools(turnCtx, sessionID)
	if err != nil {
		r.sink.OnError(turnCtx, sessionID, "TOOL_LIST_FAILED", err.Error())
		tools = nil
	}
	toolParams := convertTools(tools)

	for i := 0; i < maxToolIterations; i++ {
		conv.mu.Lock()
		history := append([]openai.ChatCompletionMessageParamUnion(nil), conv.messages...)
		conv.mu.Unlock()

		result, err := r.model.stream(turnCtx, history, toolParams, func(delta string) {
			r.sink.OnOutput(turnCtx, sessionID, "assistant", delta, runner.OutputStep, false)
		})
		if err != nil {
			if turnCtx.Err() != nil {
				r.finishTurn(sessionID, conv)
				return
			}
			r.sink.OnError(turnCtx, sessionID, "MODEL_CALL_FAILED", err.Error())
			r.finishTurn(sessionID, conv)
			return
		}

		conv.mu.Lock()
		conv.messages = append(conv.messages, result.Message)
		conv.mu.Unlock()

		if len(result.ToolCalls) == 0 {
			if result.Text != "" {
				r.sink.OnOutput(turnCtx, sessionID, "assistant", result.Text, runner.OutputFinal, true)
			}
			r.finishTurn(sessionID, conv)
			return
		}

		for _, tc := range result.ToolCalls {
			if r.rt.IsStopRequested(sessionID) {
				r.finishTurn(sessionID, conv)
				return
			}
			r.executeToolCall(turnCtx, sessionID, conv, tc)
		}
	}

	r.sink.OnError(turnCtx, sessionID, "TOOL_LOOP_EXCEEDED", "model exceeded maximum tool-use iterations for one turn")
	r.finishTurn(sessionID, conv)
}

// executeToolCall runs the permission round-trip (skipped outright in
// bypass mode) and then the dispatcher call, appending the outcome to
// conversation history as a user-role tool-result message.
func (r *Runner) executeToolCall(ctx context.Context, sessionID string, conv *conversation, tc toolCallDelta) {
	var args map[string]interface{}
	if tc.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			args = map[string]interface{}{"_raw": tc.Arguments}
		}
	}

	conv.mu.Lock()
	mode := conv.mode
	conv.mu.Unlock()

	allowed := true
	if mode != session.ApprovalBypass {
		requestID := tc.ID
		if requestID == "" {
			requestID = uuid.NewString()
		}
		resultCh := r.sink.OnPermissionRequest(ctx, sessionID, runner.PermissionRequest{
			RequestID: requestID,
			ToolName:  tc.Name,
			ToolInput: args,
		})
		resolution := <-resultCh
		allowed = resolution.Allow
	}

	var toolResult *mcp.CallToolResult
	if !allowed {
		toolResult = mcp.NewToolResultError("permission denied")
	} else {
		req := mcp.CallToolRequest{}
		req.Params.Name = tc.Name
		req.Params.Arguments = args

		var err error
		toolResult, err = r.dispatcher.Call(ctx, sessionID, req)
		if err != nil {
			toolResult = mcp.NewToolResultError(fmt.Sprintf("tool %q failed: %v", tc.Name, err))
		}
	}

	conv.mu.Lock()
	conv.messages = append(conv.messages, toolResultMessage(tc.Name, toolResult))
	conv.mu.Unlock()
}

// finishTurn inspects stop_requested and the pending-input queue to decide
// the turn boundary, mirroring every other variant's Runner.wait logic.
func (r *Runner) finishTurn(sessionID string, conv *conversation) {
	conv.mu.Lock()
	conv.running = false
	conv.cancel = nil
	conv.mu.Unlock()

	ctx := context.Background()

	if r.rt.IsStopRequested(sessionID) {
		r.rt.SetStopRequested(sessionID, false)
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		r.sink.OnExit(ctx, sessionID, 0)
		return
	}

	if pending, ok := r.rt.DequeueInput(sessionID); ok {
		conv.mu.Lock()
		conv.messages = append(conv.messages, userMessage(pending))
		conv.mu.Unlock()
		go r.runTurn(sessionID, conv)
		return
	}

	r.sink.OnAwaitingInput(ctx, sessionID)
}
