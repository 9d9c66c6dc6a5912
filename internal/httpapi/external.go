package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kandev/relay/internal/attach"
)

// handleListExternalSessions implements `GET /external-sessions`.
func (s *Server) handleListExternalSessions(c *gin.Context) {
	runnerType := attach.RunnerType(c.Query("runner_type"))
	directory := c.Query("directory")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			validationError(c, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	summaries, err := s.scanner.List(c.Request.Context(), runnerType, directory, limit)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// handleExternalSessionHistory implements `GET /external-sessions/{id}/history`.
func (s *Server) handleExternalSessionHistory(c *gin.Context) {
	runnerType := attach.RunnerType(c.Query("runner_type"))
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			validationError(c, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	detail, err := s.scanner.Detail(c.Request.Context(), runnerType, c.Param("id"), limit)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	if detail == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "external session not found")
		return
	}
	c.JSON(http.StatusOK, detail)
}

type attachRequest struct {
	ExternalID string            `json:"external_id"`
	RunnerType attach.RunnerType `json:"runner_type"`
	Directory  string            `json:"directory"`
}

// handleAttach implements `POST /sessions/attach`.
func (s *Server) handleAttach(c *gin.Context) {
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validationError(c, "invalid request body: "+err.Error())
		return
	}
	if req.ExternalID == "" || req.RunnerType == "" {
		validationError(c, "external_id and runner_type are required")
		return
	}

	sess, err := s.attachMgr.Attach(c.Request.Context(), req.ExternalID, req.RunnerType, req.Directory)
	if err != nil {
		validationError(c, err.Error())
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// handleSync implements `POST /sessions/{id}/sync`.
func (s *Server) handleSync(c *gin.Context) {
	if err := s.attachMgr.Sync(c.Request.Context(), c.Param("id")); err != nil {
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
