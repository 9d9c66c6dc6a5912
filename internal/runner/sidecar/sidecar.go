// Package sidecar implements the HTTP/SSE runner (variant B): a long-lived
// out-of-process service the core talks to over plain HTTP instead of a
// child process's pipes. start/input/stop are POSTs; the service pushes
// events back over a Server-Sent Events stream shaped exactly like the
// Sink callback surface, so this runner's only real job is reconnect
// management and dispatch-by-type.
//
// No SSE client library exists anywhere in the retrieved example pack, and
// net/http plus a line scanner is the standard way any Go codebase reads an
// SSE stream — there is nothing idiomatic to import here (see DESIGN.md).
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 5 * time.Second
	readTimeout    = 60 * time.Second
)

// Runner drives a sidecar agent service over HTTP/SSE.
type Runner struct {
	baseURL    string
	httpClient *http.Client
	sink       runner.Sink
	rt         runner.RuntimeAccessor
	log        *logger.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

type liveSession struct {
	cancel context.CancelFunc
}

// NewRunner builds a sidecar Runner. baseURL is the sidecar service's root
// (e.g. "http://127.0.0.1:9100"); httpClient lets callers inject timeouts or
// TLS config, defaulting to http.DefaultClient.
func NewRunner(baseURL string, httpClient *http.Client, log *logger.Logger) runner.Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return func(sink runner.Sink, rt runner.RuntimeAccessor) runner.Runner {
		return &Runner{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, sink: sink, rt: rt, log: log, sessions: make(map[string]*liveSession)}
	}
}

func (r *Runner) Start(ctx context.Context, sessionID, directory, resumeHint, initialPrompt string, mode session.ApprovalMode) error {
	body := map[string]interface{}{
		"directory":      directory,
		"resume_hint":    resumeHint,
		"initial_prompt": initialPrompt,
		"approval_mode":  string(mode),
	}
	if err := r.post(ctx, "/sessions/"+sessionID+"/start", body); err != nil {
		return fmt.Errorf("starting sidecar session: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.sessions[sessionID] = &liveSession{cancel: cancel}
	r.mu.Unlock()

	go r.readEvents(streamCtx, sessionID)
	return nil
}

func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	r.mu.Lock()
	_, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		r.rt.EnqueueInput(sessionID, text)
		return nil
	}
	if err := r.post(ctx, "/sessions/"+sessionID+"/input", map[string]interface{}{"text": text}); err != nil {
		return fmt.Errorf("sending sidecar input: %w", err)
	}
	return nil
}

func (r *Runner) Stop(ctx context.Context, sessionID string) error {
	r.rt.SetStopRequested(sessionID, true)

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		s.cancel()
	}

	if err := r.post(ctx, "/sessions/"+sessionID+"/stop", nil); err != nil {
		return fmt.Errorf("stopping sidecar session: %w", err)
	}
	r.sink.OnExit(ctx, sessionID, 0)
	return nil
}

func (r *Runner) UpdatePermissionMode(ctx context.Context, sessionID string, mode session.ApprovalMode) error {
	return r.post(ctx, "/sessions/"+sessionID+"/approval-mode", map[string]interface{}{"approval_mode": string(mode)})
}

func (r *Runner) post(ctx context.Context, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

// readEvents holds the SSE connection open for the lifetime of the session,
// reconnecting with capped exponential backoff on transient loss, until ctx
// is cancelled by Stop.
func (r *Runner) readEvents(ctx context.Context, sessionID string) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := r.streamOnce(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.log.Debug("sidecar event stream ended", zap.String("session_id", sessionID), zap.Error(err))
		}
		if connected {
			backoff = initialBackoff
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// streamOnce opens one SSE connection and dispatches events until it drops,
// times out per-read, or ctx is cancelled. connected reports whether the
// handshake succeeded, so the caller only resets backoff after real
// progress rather than on every retry.
func (r *Runner) streamOnce(ctx context.Context, sessionID string) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return false, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sidecar events: unexpected status %d", resp.StatusCode)
	}
	connected = true

	lineCh := make(chan string)
	readErrCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			readErrCh <- err
			return
		}
		readErrCh <- io.EOF
	}()

	var data strings.Builder
	timer := time.NewTimer(readTimeout)
	defer timer.Stop()

	for {
		select {
		case line := <-lineCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(readTimeout)

			if line == "" {
				if data.Len() > 0 {
					r.dispatchEvent(sessionID, data.String())
					data.Reset()
				}
				continue
			}
			if payload, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimPrefix(payload, " "))
			}
		case err := <-readErrCh:
			if err == io.EOF {
				return connected, nil
			}
			return connected, err
		case <-timer.C:
			r.sink.OnError(context.Background(), sessionID, "READ_TIMEOUT", "no sidecar event within read timeout")
			return connected, fmt.Errorf("sidecar event stream: read timeout")
		case <-ctx.Done():
			return connected, ctx.Err()
		}
	}
}

// wireEvent is the already-structured event shape the sidecar emits — the
// runner need only dispatch by type.
type wireEvent struct {
	Type            string                 `json:"type"`
	Title           string                 `json:"title,omitempty"`
	Provider        string                 `json:"provider,omitempty"`
	RunnerSessionID string                 `json:"runner_session_id,omitempty"`
	Stream          string                 `json:"stream,omitempty"`
	Text            string                 `json:"text,omitempty"`
	Kind            string                 `json:"kind,omitempty"`
	Final           bool                   `json:"final,omitempty"`
	RequestID       string                 `json:"request_id,omitempty"`
	ToolName        string                 `json:"tool_name,omitempty"`
	ToolInput       map[string]interface{} `json:"tool_input,omitempty"`
	Suggestions     []string               `json:"suggestions,omitempty"`
	ErrorKind       string                 `json:"error_kind,omitempty"`
	Message         string                 `json:"message,omitempty"`
	ExitCode        int                    `json:"exit_code,omitempty"`
	Data            map[string]interface{} `json:"data,omitempty"`
	ElapsedSeconds  float64                `json:"elapsed_s,omitempty"`
	Done            bool                   `json:"done,omitempty"`
}

func (r *Runner) dispatchEvent(sessionID, raw string) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		r.log.Warn("malformed sidecar event", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	ctx := context.Background()
	switch ev.Type {
	case "header":
		r.sink.OnHeader(ctx, sessionID, runner.Header{Title: ev.Title, Provider: ev.Provider, RunnerSessionID: ev.RunnerSessionID})
	case "output":
		r.sink.OnOutput(ctx, sessionID, ev.Stream, ev.Text, outputKind(ev.Kind), ev.Final)
	case "permission_request":
		r.handlePermissionRequest(ctx, sessionID, ev)
	case "error":
		r.sink.OnError(ctx, sessionID, ev.ErrorKind, ev.Message)
	case "exit":
		r.mu.Lock()
		delete(r.sessions, sessionID)
		r.mu.Unlock()
		r.sink.OnExit(ctx, sessionID, ev.ExitCode)
	case "awaiting_input":
		r.sink.OnAwaitingInput(ctx, sessionID)
	case "metadata":
		r.sink.OnMetadata(ctx, sessionID, ev.Data)
	case "heartbeat":
		r.sink.OnHeartbeat(ctx, sessionID, ev.ElapsedSeconds, ev.Done)
	default:
		r.log.Debug("unhandled sidecar event type", zap.String("session_id", sessionID), zap.String("type", ev.Type))
	}
}

func outputKind(kind string) runner.OutputKind {
	switch kind {
	case "final":
		return runner.OutputFinal
	case "header":
		return runner.OutputHeader
	default:
		return runner.OutputStep
	}
}

// handlePermissionRequest forwards the sidecar's request through the Sink's
// one-shot round-trip, then POSTs the resolution back once it settles — the
// HTTP analogue of the subprocess variant's permission_response stdin
// command.
func (r *Runner) handlePermissionRequest(ctx context.Context, sessionID string, ev wireEvent) {
	resultCh := r.sink.OnPermissionRequest(ctx, sessionID, runner.PermissionRequest{
		RequestID:   ev.RequestID,
		ToolName:    ev.ToolName,
		ToolInput:   ev.ToolInput,
		Suggestions: ev.Suggestions,
	})

	go func() {
		result := <-resultCh
		err := r.post(context.Background(), "/sessions/"+sessionID+"/permissions/"+ev.RequestID, map[string]interface{}{"allow": result.Allow})
		if err != nil {
			r.log.Warn("posting permission resolution to sidecar failed", zap.String("session_id", sessionID), zap.String("request_id", ev.RequestID), zap.Error(err))
		}
	}()
}
