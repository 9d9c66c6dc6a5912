package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

type createSessionRequest struct {
	Directory   string `json:"directory"`
	Adapter     string `json:"adapter"`
	Platform    string `json:"platform"`
	AgentName   string `json:"agent_name"`
	SessionName string `json:"session_name"`
	BaseRef     string `json:"base_ref"`
}

// handleCreateSession implements `POST /sessions`. session_name, if given,
// wins over agent_name as the record's display Name — both are cosmetic
// labels, so rather than carry two near-duplicate fields, the more specific
// one is preferred.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		validationError(c, "invalid request body: "+err.Error())
		return
	}

	sess, err := s.store.Create(req.Directory, req.Adapter, req.Platform)
	if err != nil {
		handleError(c, err)
		return
	}

	name := req.SessionName
	if name == "" {
		name = req.AgentName
	}
	if name != "" || req.BaseRef != "" {
		err := s.store.WithSession(sess.ID, func(sv *session.Session, rt *session.Runtime) error {
			sv.Name = name
			sv.BaseRef = req.BaseRef
			return nil
		})
		if err != nil {
			handleError(c, err)
			return
		}
		sess, err = s.store.Get(sess.ID)
		if err != nil {
			handleError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.List())
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if err := s.store.Delete(c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type startRequest struct {
	Prompt         string `json:"prompt"`
	ApprovalChoice string `json:"approval_choice"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		validationError(c, "invalid request body: "+err.Error())
		return
	}

	mode := session.ApprovalMode(req.ApprovalChoice)
	switch mode {
	case "":
		mode = session.ApprovalInteractive
	case session.ApprovalInteractive, session.ApprovalAcceptEdits, session.ApprovalBypass:
	default:
		validationError(c, "unknown approval_choice: "+req.ApprovalChoice)
		return
	}

	if err := s.dispatcher.Start(c.Request.Context(), c.Param("id"), req.Prompt, mode); err != nil {
		handleError(c, err)
		return
	}
	sess, err := s.store.Get(c.Param("id"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleInput(c *gin.Context) {
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		validationError(c, "text is required")
		return
	}
	if err := s.dispatcher.SendInput(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleInterrupt(c *gin.Context) {
	if err := s.dispatcher.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		handleError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type permissionRequestBody struct {
	RequestID    string                 `json:"request_id"`
	Allow        bool                   `json:"allow"`
	Message      string                 `json:"message"`
	UpdatedInput map[string]interface{} `json:"updated_input"`
}

func (s *Server) handlePermission(c *gin.Context) {
	var req permissionRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body: "+err.Error())
		return
	}
	if req.RequestID == "" {
		validationError(c, "request_id is required")
		return
	}

	resolved, err := s.dispatcher.ResolvePermission(c.Request.Context(), c.Param("id"), req.RequestID, req.Allow, req.Message, req.UpdatedInput)
	if err != nil {
		handleError(c, err)
		return
	}
	if !resolved {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "permission request already resolved or unknown")
		return
	}
	c.Status(http.StatusNoContent)
}

type externalEventRequest struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// handleExternalEvent implements the external-agent push endpoint: an agent
// driving its own process reports activity without ever calling Start.
func (s *Server) handleExternalEvent(c *gin.Context) {
	var req externalEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body: "+err.Error())
		return
	}

	sessionID := c.Param("id")
	ctx := c.Request.Context()

	switch req.Type {
	case "output":
		stream, _ := req.Data["stream"].(string)
		if stream == "" {
			stream = "assistant"
		}
		text, _ := req.Data["text"].(string)
		final, _ := req.Data["final"].(bool)
		kind := runner.OutputStep
		if final {
			kind = runner.OutputFinal
		}
		if err := s.dispatcher.EnsureRunning(ctx, sessionID); err != nil {
			handleError(c, err)
			return
		}
		s.dispatcher.OnOutput(ctx, sessionID, stream, text, kind, final)
	case "status":
		if err := s.dispatcher.EnsureRunning(ctx, sessionID); err != nil {
			handleError(c, err)
			return
		}
		s.dispatcher.OnMetadata(ctx, sessionID, req.Data)
	case "error":
		code, _ := req.Data["code"].(string)
		message, _ := req.Data["message"].(string)
		if code == "" {
			code = "RUNNER_ERROR"
		}
		s.dispatcher.OnError(ctx, sessionID, code, message)
	case "permission_request":
		if err := s.dispatcher.EnsureRunning(ctx, sessionID); err != nil {
			handleError(c, err)
			return
		}
		requestID, _ := req.Data["request_id"].(string)
		toolName, _ := req.Data["tool_name"].(string)
		toolInput, _ := req.Data["tool_input"].(map[string]interface{})
		// The channel is discarded: a push-driven external agent does its own
		// blocking wait out-of-process. awaitPermission's out channel is
		// buffered, so the unread send never leaks a goroutine.
		_ = s.dispatcher.OnPermissionRequest(ctx, sessionID, runner.PermissionRequest{
			RequestID: requestID, ToolName: toolName, ToolInput: toolInput,
		})
	default:
		validationError(c, "unknown event type: "+req.Type)
		return
	}

	c.Status(http.StatusAccepted)
}
