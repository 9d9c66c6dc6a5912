package attach

import (
	"context"
	"fmt"
	"time"

	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/session"
)

// Manager implements the Attach and Sync operations, binding an external
// agent CLI's own on-disk session into the core Session Store and replaying
// its history as history-flagged events.
type Manager struct {
	scanner  *Scanner
	store    *session.Store
	pipeline *events.Pipeline
}

func NewManager(scanner *Scanner, store *session.Store, pipeline *events.Pipeline) *Manager {
	return &Manager{scanner: scanner, store: store, pipeline: pipeline}
}

// Attach implements Attach operation. Idempotent: a second
// Attach for the same externalID returns the same session unchanged.
func (m *Manager) Attach(ctx context.Context, externalID string, runnerType RunnerType, directory string) (*session.Session, error) {
	if id, ok := m.store.FindByRunnerSessionID(externalID); ok {
		return m.store.Get(id)
	}

	detail, err := m.scanner.Detail(ctx, runnerType, externalID, 0)
	if err != nil {
		return nil, fmt.Errorf("attach: fetching detail: %w", err)
	}
	if detail == nil {
		return nil, fmt.Errorf("attach: no session %q found for runner type %q", externalID, runnerType)
	}
	if detail.IsRunning {
		return nil, fmt.Errorf("attach: external session %q is currently running", externalID)
	}

	dir := directory
	if dir == "" {
		dir = detail.Directory
	}

	s, err := m.store.Create(dir, string(runnerType), "")
	if err != nil {
		return nil, err
	}

	if err := m.store.SetRunnerSessionID(s.ID, externalID); err != nil {
		_ = m.store.Delete(s.ID)
		return nil, fmt.Errorf("attach: binding runner_session_id: %w", err)
	}

	turnCount := 0
	for _, msg := range detail.Messages {
		if msg.Role == "user" {
			turnCount++
		}
	}

	now := time.Now().UTC()
	err = m.store.WithSession(s.ID, func(sess *session.Session, rt *session.Runtime) error {
		sess.State = session.StateAwaitingInput
		sess.StartedAt = &now
		rt.SyncedMessageCount = len(detail.Messages)
		rt.SyncedTurnCount = turnCount
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("attach: transitioning to awaiting_input: %w", err)
	}

	if err := replayHistory(ctx, m.pipeline, s.ID, detail.Messages); err != nil {
		return nil, fmt.Errorf("attach: replaying history: %w", err)
	}

	return m.store.Get(s.ID)
}

// Sync implements Sync operation on an already-attached
// session.
func (m *Manager) Sync(ctx context.Context, sessionID string) error {
	sess, err := m.store.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.RunnerSessionID == "" {
		return fmt.Errorf("attach: session %q is not attached to an external session", sessionID)
	}

	runnerType := RunnerType(sess.Adapter)
	detail, err := m.scanner.Detail(ctx, runnerType, sess.RunnerSessionID, 0)
	if err != nil {
		return fmt.Errorf("attach: fetching detail: %w", err)
	}
	if detail == nil {
		return fmt.Errorf("attach: external session %q no longer found", sess.RunnerSessionID)
	}

	rt, ok := m.store.Runtime(sessionID)
	if !ok {
		return session.ErrNotFound
	}

	if (rt.SyncedMessageCount == 0 && len(detail.Messages) > 0) || len(detail.Messages) < rt.SyncedMessageCount {
		turnCount := 0
		for _, msg := range detail.Messages {
			if msg.Role == "user" {
				turnCount++
			}
		}
		if len(detail.Messages) < rt.SyncedMessageCount {
			msg := fmt.Sprintf("external session has %d messages, fewer than the synced watermark %d; watermark reset", len(detail.Messages), rt.SyncedMessageCount)
			if _, err := m.pipeline.Emit(ctx, sessionID, events.TypeWarning, map[string]interface{}{"code": "SYNC_WATERMARK_RESET", "message": msg}); err != nil {
				return fmt.Errorf("attach: emitting watermark reset warning: %w", err)
			}
		}
		return m.store.WithSession(sessionID, func(_ *session.Session, rt *session.Runtime) error {
			rt.SyncedMessageCount = len(detail.Messages)
			rt.SyncedTurnCount = turnCount
			return nil
		})
	}

	if len(detail.Messages) <= rt.SyncedMessageCount {
		return nil
	}

	fresh := detail.Messages[rt.SyncedMessageCount:]
	if err := replayHistory(ctx, m.pipeline, sessionID, fresh); err != nil {
		return fmt.Errorf("attach: replaying sync delta: %w", err)
	}

	turnCount := 0
	for _, msg := range fresh {
		if msg.Role == "user" {
			turnCount++
		}
	}

	return m.store.WithSession(sessionID, func(_ *session.Session, rt *session.Runtime) error {
		rt.SyncedMessageCount += len(fresh)
		rt.SyncedTurnCount += turnCount
		return nil
	})
}

// replayHistory emits one user_input or output event per message, splitting
// thinking from content for assistant turns and marking the last assistant
// message of each turn final, all flagged is_history so bridges know not to
// re-notify.
func replayHistory(ctx context.Context, pipeline *events.Pipeline, sessionID string, messages []ExternalSessionMessage) error {
	for i, msg := range messages {
		switch msg.Role {
		case "user":
			_, err := pipeline.Emit(ctx, sessionID, events.TypeUserInput, map[string]interface{}{
				"text": msg.Content, "is_history": true, "timestamp": msg.Timestamp,
			})
			if err != nil {
				return err
			}
		case "assistant":
			isLastOfTurn := i == len(messages)-1 || messages[i+1].Role == "user"

			if msg.Thinking != "" {
				if _, err := pipeline.Emit(ctx, sessionID, events.TypeOutput, map[string]interface{}{
					"stream": "thinking", "text": msg.Thinking, "kind": string(events.OutputStep),
					"final": false, "is_history": true, "timestamp": msg.Timestamp,
				}); err != nil {
					return err
				}
			}
			kind := events.OutputStep
			if isLastOfTurn {
				kind = events.OutputFinal
			}
			if _, err := pipeline.Emit(ctx, sessionID, events.TypeOutput, map[string]interface{}{
				"stream": "assistant", "text": msg.Content, "kind": string(kind),
				"final": isLastOfTurn, "is_history": true, "timestamp": msg.Timestamp,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
