// Package runner defines the uniform Runner Protocol that every backend
// variant implements, and the Sink callback set a runner uses
// to report observable events back into the core. Concrete variants live in
// sibling packages (acp, pty, copilot, sidecar, llmapi); this package holds
// only the shared contract and the dispatcher that wires a variant to a
// session's Store/Pipeline.
package runner

import (
	"context"
	"errors"

	"github.com/kandev/relay/internal/session"
)

// Errors surfaced by runner variants, mapped to error-kind codes by the
// HTTP layer.
var (
	ErrUnavailable    = errors.New("runner: agent backend unreachable")
	ErrBusy           = errors.New("runner: session already has an active runner")
	ErrUnknownAdapter = errors.New("runner: unknown adapter")
)

// OutputKind classifies one emitted output block, using the rule that the
// last text block with no following tool-use block in the same emission is
// final; everything else is step.
type OutputKind string

const (
	OutputStep   OutputKind = "step"
	OutputFinal  OutputKind = "final"
	OutputHeader OutputKind = "header"
)

// PermissionRequest is what a runner reports when the agent wants to run a
// tool, mirrored onto a `permission_request` event by the sink.
type PermissionRequest struct {
	RequestID   string
	ToolName    string
	ToolInput   map[string]interface{}
	Suggestions []string
}

// Header is the runner identity reported once per start.
type Header struct {
	Title           string
	Model           string
	Provider        string
	RunnerSessionID string
}

// Sink is the set of callbacks a Runner uses to report observable events.
// No sink callback may be invoked while the caller holds the session's
// per-id lock — every implementation below acquires it itself via
// Dispatcher, following the phase1/phase2/phase3 discipline.
type Sink interface {
	OnHeader(ctx context.Context, sessionID string, h Header)
	OnOutput(ctx context.Context, sessionID, stream, text string, kind OutputKind, final bool)
	OnMetadata(ctx context.Context, sessionID string, data map[string]interface{})
	OnHeartbeat(ctx context.Context, sessionID string, elapsedSeconds float64, done bool)
	OnPermissionRequest(ctx context.Context, sessionID string, req PermissionRequest) <-chan session.PermissionResult
	OnPermissionResolved(ctx context.Context, sessionID, requestID, resolvedBy string, allowed bool, message string)
	OnError(ctx context.Context, sessionID, code, message string)
	OnExit(ctx context.Context, sessionID string, exitCode int)
	OnAwaitingInput(ctx context.Context, sessionID string)
}

// Runner is the uniform Runner Protocol contract, implemented once per
// backend variant (acp.Runner, pty.Runner, copilot.Runner, sidecar.Runner,
// llmapi.Runner).
type Runner interface {
	// Start begins a turn from a clean state, using resumeHint as the
	// previously-bound runner_session_id if non-empty — the caller passes
	// the currently bound id as the resume hint.
	Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error

	// SendInput delivers follow-up text; the variant decides whether this
	// starts a new turn or is queued.
	SendInput(ctx context.Context, sessionID, text string) error

	// Stop interrupts the active turn. It does not destroy the session.
	Stop(ctx context.Context, sessionID string) error

	// UpdatePermissionMode adjusts approval policy mid-session.
	UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error
}

// Factory builds a Runner for one backend variant, given the Sink it should
// report through and the RuntimeAccessor it needs for turn queueing.
// Registered per adapter name in the Registry.
type Factory func(sink Sink, rt RuntimeAccessor) Runner

// RuntimeAccessor is the narrow slice of Session Store state a runner
// variant needs to implement turn queueing and cancellation without
// reaching into the full Store — transitions, journal emission, and
// identity binding stay the Dispatcher's job.
type RuntimeAccessor interface {
	EnqueueInput(sessionID, text string)
	DequeueInput(sessionID string) (text string, ok bool)
	HasPendingInput(sessionID string) bool
	SetStopRequested(sessionID string, v bool)
	IsStopRequested(sessionID string) bool
}

