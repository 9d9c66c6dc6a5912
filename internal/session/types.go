// Package session owns the Session Store: the single source of truth for
// session identity, lifecycle state, and the in-memory runtime resources
// (pending permissions, pending input queue, output dedup ring) that back it.
package session

import (
	"bytes"
	"sync"
	"time"
)

// State is one of the five lifecycle states a Session may occupy.
type State string

const (
	StateCreated        State = "CREATED"
	StateRunning        State = "RUNNING"
	StateAwaitingInput   State = "AWAITING_INPUT"
	StateInterrupting   State = "INTERRUPTING"
	StateError           State = "ERROR"
)

// ApprovalMode controls how the runner handles tool-permission requests.
type ApprovalMode string

const (
	ApprovalInteractive  ApprovalMode = "interactive"
	ApprovalAcceptEdits  ApprovalMode = "accept-edits"
	ApprovalBypass       ApprovalMode = "bypass"
)

// Session is the central persisted entity. Identity fields (ID) are
// immutable once created; RunnerSessionID is monotonically bound per the
// rules in Store.SetRunnerSessionID/ReplaceRunnerSessionID.
type Session struct {
	ID string `db:"id" json:"id"`

	State State `db:"state" json:"state"`

	Directory string `db:"directory" json:"directory"`
	Adapter   string `db:"adapter" json:"adapter"`

	RunnerSessionID string `db:"runner_session_id" json:"runner_session_id"`

	ApprovalMode ApprovalMode `db:"approval_mode" json:"approval_mode"`

	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	StartedAt      *time.Time `db:"started_at" json:"started_at,omitempty"`
	EndedAt        *time.Time `db:"ended_at" json:"ended_at,omitempty"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"last_activity_at"`

	Name         string `db:"name" json:"name,omitempty"`
	Summary      string `db:"summary" json:"summary,omitempty"`
	ExitCode     *int   `db:"exit_code" json:"exit_code,omitempty"`
	RunnerHeader string `db:"runner_header" json:"runner_header,omitempty"`

	Platform         string `db:"platform" json:"platform,omitempty"`
	PlatformThreadID string `db:"platform_thread_id" json:"platform_thread_id,omitempty"`

	// BaseRef is the git ref a new worktree should branch from, carried
	// through from POST /sessions but otherwise opaque to the core.
	BaseRef string `db:"base_ref" json:"base_ref,omitempty"`
}

// Clone returns a deep-enough copy suitable for returning from Store methods
// without letting callers mutate internal state through pointer fields.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	if s.ExitCode != nil {
		v := *s.ExitCode
		cp.ExitCode = &v
	}
	return &cp
}

// PendingInput is one queued follow-up text awaiting the next turn boundary.
type PendingInput struct {
	Text string
}

// Runtime holds the non-persisted, in-process resources for a Session, as
// described in Session Runtime table. It is never serialized.
type Runtime struct {
	mu sync.Mutex

	// Seq is the next sequence number to assign; seeded from the journal's
	// max(seq)+1 on load.
	Seq uint64

	pendingInputs []PendingInput

	// RecentOutput is a bounded ring of normalized (ANSI-stripped,
	// whitespace-collapsed) recently emitted output lines, used to drop
	// exact repeats before they reach the journal.
	recentOutput    []string
	recentOutputCap int
	recentOutputPos int

	// StopRequested is a latch meaning the next natural turn boundary is an
	// exit rather than an await.
	StopRequested bool

	// SyncedMessageCount / SyncedTurnCount are attach/sync watermarks.
	SyncedMessageCount int
	SyncedTurnCount    int

	permissions *pendingPermissions
}

// NewRuntime builds a Runtime with the given dedup ring capacity.
func NewRuntime(ringCap int) *Runtime {
	if ringCap <= 0 {
		ringCap = 10
	}
	return &Runtime{
		recentOutputCap: ringCap,
		recentOutput:    make([]string, 0, ringCap),
		permissions:     newPendingPermissions(),
	}
}

// NextSeq atomically returns the next sequence number and increments it.
func (r *Runtime) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.Seq
	r.Seq++
	return seq
}

// SeedSeq sets the starting sequence number, used on journal recovery.
func (r *Runtime) SeedSeq(next uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if next > r.Seq {
		r.Seq = next
	}
}

// EnqueueInput appends a follow-up input to the pending queue.
func (r *Runtime) EnqueueInput(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingInputs = append(r.pendingInputs, PendingInput{Text: text})
}

// DequeueInput pops the oldest pending input, if any.
func (r *Runtime) DequeueInput() (PendingInput, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pendingInputs) == 0 {
		return PendingInput{}, false
	}
	next := r.pendingInputs[0]
	r.pendingInputs = r.pendingInputs[1:]
	return next, true
}

// HasPendingInput reports whether any follow-up input is queued.
func (r *Runtime) HasPendingInput() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingInputs) > 0
}

// SeenRecently reports whether normalized has already been emitted and, if
// not, records it. Used to suppress duplicate `output` events.
func (r *Runtime) SeenRecently(normalized string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range r.recentOutput {
		if line == normalized {
			return true
		}
	}
	if len(r.recentOutput) < r.recentOutputCap {
		r.recentOutput = append(r.recentOutput, normalized)
	} else {
		r.recentOutput[r.recentOutputPos] = normalized
		r.recentOutputPos = (r.recentOutputPos + 1) % r.recentOutputCap
	}
	return false
}

// Permissions returns the session's pending-permission one-shot map.
func (r *Runtime) Permissions() *pendingPermissions { return r.permissions }

// NormalizeWhitespace collapses runs of whitespace, used alongside the
// ANSI-stripping pass in internal/events before SeenRecently is consulted.
func NormalizeWhitespace(s string) string {
	var b bytes.Buffer
	lastSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return string(bytes.TrimSpace(b.Bytes()))
}
