// Package api implements spec.md §6.3's admin control surface as a
// gin HTTP server, plus the websocket upgrade route that hands
// connections to internal/session.
//
// Grounded on the teacher's internal/api/server.go (gin.New plus
// Recovery/logging middleware, *http.Server wrapping the router,
// ListenAddress/ReadTimeout/WriteTimeout config shape), trimmed of
// its Swagger/CORS/API-key/compression middleware stack since
// AgentCom's admin surface has no external-tenant or browser-facing
// concern (Non-goals exclude a public API).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/S-Corkum/agentcom/internal/config"
	"github.com/S-Corkum/agentcom/internal/hubfsm"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
	"github.com/S-Corkum/agentcom/internal/session"
)

// TaskQueue is the subset of TaskQueue the admin surface drives.
type TaskQueue interface {
	Submit(ctx context.Context, params queue.SubmitParams) (string, error)
	RetryDeadLetter(ctx context.Context, taskID string) error
	Reclaim(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*queue.Task, error)
	List(ctx context.Context, filter queue.Filter) ([]*queue.Task, error)
	Stats(ctx context.Context) (queue.Stats, error)
	ListDeadLetter(ctx context.Context) ([]*queue.Task, error)
}

// AgentRegistry is the subset of lifecycle.Registry the admin surface
// reads.
type AgentRegistry interface {
	ListAll(ctx context.Context) []lifecycle.AgentView
}

// RateController is the subset of ratelimit.RateLimiter the admin
// surface mutates.
type RateController interface {
	AddExempt(agentID string)
	SetOverride(agentID string, tier ratelimit.Tier, params config.RateLimitTier)
}

// FSMController is the subset of hubfsm.HubFSM the admin surface
// drives and reads.
type FSMController interface {
	ForceTransition(ctx context.Context, to hubfsm.State, reason string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Snapshot(ctx context.Context) (hubfsm.StateView, error)
}

// Config holds the admin server's own tunables, grounded on the
// teacher's Config.ListenAddress/ReadTimeout/WriteTimeout.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// SessionRegistry is the subset of lifecycle.Registry session.Session
// needs, re-exported here so Server can construct sessions without
// depending on the concrete lifecycle.Registry type.
type SessionRegistry = session.Registry

// Server is the gin-based admin HTTP surface plus the websocket
// upgrade route. It owns session construction: every accepted
// websocket connection becomes a session.Session wired to the same
// registry/auth/validator/limiter the hub was built with.
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger observability.Logger

	queue   TaskQueue
	agents  AgentRegistry
	limiter RateController
	fsm     FSMController

	sessionRegistry  SessionRegistry
	sessionAuth      session.Authenticator
	sessionValidator session.Validator
	sessionLimiter   session.RateLimiter
	sessionCfg       session.Config

	metrics *observability.Metrics
}

// SetMetrics wires the Prometheus collectors passed down to every
// session the admin server accepts from here on. Optional; a nil
// metrics field (the default) skips instrumentation.
func (s *Server) SetMetrics(m *observability.Metrics) { s.metrics = m }

// New constructs the admin Server and registers every route. Start
// begins serving. sessionValidator and sessionLimiter may be nil to
// skip their gates, matching session.New's own nilable parameters.
func New(q TaskQueue, agents AgentRegistry, limiter RateController, fsm FSMController, sessionRegistry SessionRegistry, sessionAuth session.Authenticator, sessionValidator session.Validator, sessionLimiter session.RateLimiter, sessionCfg session.Config, logger observability.Logger, cfg Config) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:           router,
		logger:           logger,
		queue:            q,
		agents:           agents,
		limiter:          limiter,
		fsm:              fsm,
		sessionRegistry:  sessionRegistry,
		sessionAuth:      sessionAuth,
		sessionValidator: sessionValidator,
		sessionLimiter:   sessionLimiter,
		sessionCfg:       sessionCfg,
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

// Start serves until the listener is closed or Shutdown is called.
func (s *Server) Start() error {
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.router.GET("/ws", s.handleWebsocketUpgrade)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.router.Group("/admin")
	{
		admin.POST("/tasks", s.submitTask)
		admin.POST("/tasks/:id/retry", s.retryDeadLetter)
		admin.POST("/tasks/:id/reclaim", s.reclaimTask)
		admin.GET("/tasks", s.listTasks)
		admin.GET("/tasks/:id", s.getTask)
		admin.GET("/tasks/dead_letter", s.listDeadLetter)
		admin.GET("/stats", s.stats)

		admin.GET("/agents", s.listAgents)

		admin.POST("/ratelimit/override", s.setRateOverride)
		admin.POST("/ratelimit/exempt", s.addExempt)

		admin.POST("/fsm/force_transition", s.forceFSMTransition)
		admin.POST("/fsm/pause", s.pauseFSM)
		admin.POST("/fsm/resume", s.resumeFSM)
		admin.GET("/fsm/state", s.fsmState)
		admin.GET("/fsm/history", s.fsmHistory)
	}
}
