// Package copilot implements the GitHub Copilot CLI runner (variant A″):
// the Copilot SDK speaks JSON-RPC over a TCP port the spawned CLI process
// announces on its own stdout, not over the process's stdin/stdout pipes the
// way ACP does. Grounded on the
// internal/agentctl/server/adapter/copilot_adapter.go (the server-mode
// spawn/port-detection/event-handling shape) and pkg/copilot/client.go (the
// SDK wrapper this file adapts directly), with RequestPermission rewired to
// a real round-trip instead of auto-approval.
package copilot

import (
	"fmt"
	"sync"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/logger"
)

// Re-export SDK types for convenience, exactly as the reference wrapper does.
type (
	SessionEvent            = copilot.SessionEvent
	SessionEventType        = copilot.SessionEventType
	PermissionHandler       = copilot.PermissionHandler
	PermissionRequest       = copilot.PermissionRequest
	PermissionInvocation    = copilot.PermissionInvocation
	PermissionRequestResult = copilot.PermissionRequestResult
	MCPServerConfig         = copilot.MCPServerConfig
)

const (
	EventTypeSessionIdle      = copilot.SessionIdle
	EventTypeSessionError     = copilot.SessionError
	EventTypeAssistantMessage = copilot.AssistantMessage
	EventTypeAssistantDelta   = copilot.AssistantMessageDelta
	EventTypeAssistantReason  = copilot.AssistantReasoning
	EventTypeToolStart        = copilot.ToolExecutionStart
	EventTypeToolComplete     = copilot.ToolExecutionComplete
	EventTypeToolProgress     = copilot.ToolExecutionProgress
)

// Client wraps the raw SDK client with the connect-to-externally-managed-CLI
// shape relay needs: the CLI is always spawned by an executor.Executor first,
// so Client only ever connects via CLIUrl, never spawns its own subprocess.
type Client struct {
	sdkClient *copilot.Client
	session   *copilot.Session
	logger    *logger.Logger

	cliURL string
	model  string

	eventHandler func(SessionEvent)
	unsubscribe  func()
	handlerMu    sync.RWMutex

	permissionHandler PermissionHandler
	permissionMu      sync.RWMutex

	sessionID string
	mu        sync.RWMutex
	started   bool
}

// ClientConfig holds the address of an externally managed Copilot CLI
// server, already spawned by an executor.Executor.
type ClientConfig struct {
	CLIUrl string
	Model  string
}

func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1"
	}
	return &Client{
		cliURL: cfg.CLIUrl,
		model:  cfg.Model,
		logger: log.With(zap.String("component", "copilot-sdk-client")),
	}
}

func (c *Client) SetEventHandler(handler func(SessionEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eventHandler = handler
}

func (c *Client) SetPermissionHandler(handler PermissionHandler) {
	c.permissionMu.Lock()
	defer c.permissionMu.Unlock()
	c.permissionHandler = handler
}

// Start connects to the CLI server at cliURL. relay never lets the SDK spawn
// its own process — executor.Executor already owns that lifecycle so Docker
// and Sprites variants work the same way ACP/pty do.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}
	if c.cliURL == "" {
		return fmt.Errorf("copilot: CLIUrl required, relay does not let the SDK spawn its own process")
	}

	c.logger.Info("connecting to copilot CLI server", zap.String("cli_url", c.cliURL))
	c.sdkClient = copilot.NewClient(&copilot.ClientOptions{CLIUrl: c.cliURL, LogLevel: "error"})
	c.started = true
	return nil
}

func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.handlerMu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.handlerMu.Unlock()

	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			c.logger.Warn("error destroying session", zap.Error(err))
		}
		c.session = nil
	}
	if c.sdkClient != nil {
		for _, err := range c.sdkClient.Stop() {
			c.logger.Warn("error stopping SDK client", zap.Error(err))
		}
		c.sdkClient = nil
	}
	c.started = false
	return nil
}

func (c *Client) CreateSession(mcpServers map[string]MCPServerConfig) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return "", fmt.Errorf("client not started")
	}

	c.permissionMu.RLock()
	permHandler := c.permissionHandler
	c.permissionMu.RUnlock()

	session, err := c.sdkClient.CreateSession(&copilot.SessionConfig{
		Model: c.model, Streaming: true, OnPermissionRequest: permHandler, MCPServers: mcpServers,
	})
	if err != nil {
		return "", fmt.Errorf("creating copilot session: %w", err)
	}

	c.handlerMu.Lock()
	if c.eventHandler != nil {
		c.unsubscribe = session.On(c.eventHandler)
	}
	c.handlerMu.Unlock()

	c.session = session
	c.sessionID = session.SessionID
	return c.sessionID, nil
}

func (c *Client) ResumeSession(sessionID string, mcpServers map[string]MCPServerConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return fmt.Errorf("client not started")
	}

	c.permissionMu.RLock()
	permHandler := c.permissionHandler
	c.permissionMu.RUnlock()

	session, err := c.sdkClient.ResumeSessionWithOptions(sessionID, &copilot.ResumeSessionConfig{
		Streaming: true, OnPermissionRequest: permHandler, MCPServers: mcpServers,
	})
	if err != nil {
		return fmt.Errorf("resuming copilot session: %w", err)
	}

	c.handlerMu.Lock()
	if c.eventHandler != nil {
		c.unsubscribe = session.On(c.eventHandler)
	}
	c.handlerMu.Unlock()

	c.session = session
	c.sessionID = sessionID
	return nil
}

func (c *Client) Send(message string) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return "", fmt.Errorf("no active session")
	}
	return session.Send(copilot.MessageOptions{Prompt: message})
}

func (c *Client) Abort() error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return nil
	}
	return session.Abort()
}

func (c *Client) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}
