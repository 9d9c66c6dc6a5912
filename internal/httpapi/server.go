// Package httpapi exposes the Session Store, Event Pipeline, Runner
// Dispatcher, and External Session Discovery through the HTTP/SSE surface
// this system defines, using gin the way an agentctl server package
// does (gin.New, a grouped router, a request-logging middleware, and a
// gorilla/websocket upgrader for the raw-stream mirror).
package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/relay/internal/attach"
	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/session"
)

// Server wires every core component to the gin router. All fields are
// read-only after NewServer; the router itself is safe for concurrent use.
type Server struct {
	router     *gin.Engine
	dispatcher *runner.Dispatcher
	store      *session.Store
	pipeline   *events.Pipeline
	scanner    *attach.Scanner
	attachMgr  *attach.Manager
	log        *logger.Logger
	auth       config.AuthConfig
	journal    config.JournalConfig
	upgrader   websocket.Upgrader
}

// NewServer builds a Server with routes installed, ready for
// http.Server.Serve via Router().
func NewServer(
	dispatcher *runner.Dispatcher,
	store *session.Store,
	pipeline *events.Pipeline,
	scanner *attach.Scanner,
	attachMgr *attach.Manager,
	log *logger.Logger,
	auth config.AuthConfig,
	journal config.JournalConfig,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:     gin.New(),
		dispatcher: dispatcher,
		store:      store,
		pipeline:   pipeline,
		scanner:    scanner,
		attachMgr:  attachMgr,
		log:        log,
		auth:       auth,
		journal:    journal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(log))
	s.setupRoutes()
	return s
}

// Router returns the handler to pass to an http.Server.
func (s *Server) Router() http.Handler { return s.router }

// requestLogger mirrors a common/httpmw.RequestLogger: one log
// line per request, Warn for 5xx, Debug otherwise.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		duration := time.Since(start)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.Int("bytes", c.Writer.Size()),
		}
		if c.Writer.Status() >= 500 {
			log.Warn("http request", fields...)
		} else {
			log.Debug("http request", fields...)
		}
	}
}

// bearerAuth enforces "bearer token on every request; 401 if
// missing or wrong". An empty configured token disables auth entirely, for
// local development, mirroring a common opt-in auth middleware shape.
func bearerAuth(auth config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.BearerToken == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || strings.TrimPrefix(header, prefix) != auth.BearerToken {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token")
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/")
	api.Use(bearerAuth(s.auth))

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions", s.handleListSessions)
	api.GET("/sessions/:id", s.handleGetSession)
	api.DELETE("/sessions/:id", s.handleDeleteSession)

	api.POST("/sessions/:id/start", s.handleStart)
	api.POST("/sessions/:id/input", s.handleInput)
	api.POST("/sessions/:id/interrupt", s.handleInterrupt)
	api.POST("/sessions/:id/permission", s.handlePermission)
	api.POST("/sessions/:id/events", s.handleExternalEvent)

	api.GET("/sessions/:id/events/poll", s.handlePollEvents)
	api.GET("/events/sessions/:id", s.handleSSE)
	api.GET("/sessions/:id/raw", s.handleRawWebsocket)
	api.GET("/sessions/:id/usage", s.handleUsage)

	api.GET("/external-sessions", s.handleListExternalSessions)
	api.GET("/external-sessions/:id/history", s.handleExternalSessionHistory)
	api.POST("/sessions/attach", s.handleAttach)
	api.POST("/sessions/:id/sync", s.handleSync)
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}
