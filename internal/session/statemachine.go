package session

import "time"

// transitions is the static table of legal moves: transitions[from][to]
// is true iff the move is legal. CREATED is never a target — a session
// leaves it permanently on its first transition.
var transitions = map[State]map[State]bool{
	StateCreated: {
		StateRunning: true,
	},
	StateRunning: {
		StateRunning:       true, // allow_same
		StateAwaitingInput: true,
		StateInterrupting:  true,
		StateError:         true,
	},
	StateAwaitingInput: {
		StateRunning: true,
		StateError:   true,
	},
	StateInterrupting: {
		StateAwaitingInput: true,
		StateError:         true,
	},
	StateError: {
		StateRunning: true,
	},
}

// Transition validates and applies a move from s.State to target, mutating s
// in place and touching the timestamp side effects a transition requires:
// started_at on first entry into RUNNING, ended_at on entry into a terminal
// state (only ERROR is terminal in the state machine sense — CREATED never
// recurs), and last_activity_at on every successful transition.
//
// allowSame permits a same-state no-op transition for any state, needed by
// external-event pushes that assert the current state without wanting to
// fail if nothing actually changed. RUNNING->RUNNING is accepted even
// without allowSame.
func Transition(s *Session, target State, allowSame bool, now time.Time) error {
	if s.State == target {
		if allowSame || target == StateRunning {
			s.LastActivityAt = now
			return nil
		}
	}

	allowed, ok := transitions[s.State]
	if !ok || !allowed[target] {
		return ErrInvalidTransition
	}

	if target == StateRunning && s.StartedAt == nil {
		t := now
		s.StartedAt = &t
	}
	if target == StateError {
		t := now
		s.EndedAt = &t
	}

	s.State = target
	s.LastActivityAt = now
	return nil
}

// ClearTerminal resets ended_at/exit_code, used when a new start or input
// recovers a session out of ERROR back into RUNNING: a new start or input
// clears ended/exit-code and transitions to RUNNING.
func ClearTerminal(s *Session) {
	s.EndedAt = nil
	s.ExitCode = nil
}
