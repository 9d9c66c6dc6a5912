package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

// errorBody is the `{error: {code, message}}` envelope every non-2xx
// response carries.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(c *gin.Context, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	c.AbortWithStatusJSON(status, body)
}

// handleError maps a domain error to an error-kind code and writes the
// envelope. Falls back to RUNNER_ERROR/500 for anything unrecognized,
// covering any other runner failure.
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrActive),
		errors.Is(err, session.ErrRunnerSessionIDBound), errors.Is(err, session.ErrRunnerSessionIDConflict),
		errors.Is(err, session.ErrRunnerSessionIDStale):
		writeError(c, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, session.ErrDirectoryRequired):
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, runner.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, "AGENT_UNAVAILABLE", err.Error())
	case errors.Is(err, runner.ErrUnknownAdapter):
		writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "RUNNER_ERROR", err.Error())
	}
}

func validationError(c *gin.Context, message string) {
	writeError(c, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message)
}
