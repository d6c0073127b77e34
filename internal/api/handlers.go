package api

import (
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/S-Corkum/agentcom/internal/config"
	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/hubfsm"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
	"github.com/S-Corkum/agentcom/internal/session"
)

func observabilityFields(kv ...string) observability.Fields {
	f := make(observability.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[kv[i]] = kv[i+1]
	}
	return f
}

func rateTier(s string) ratelimit.Tier {
	return ratelimit.Tier(s)
}

func rateTierParams(capacity, refillPerMin int64) config.RateLimitTier {
	return config.RateLimitTier{Capacity: capacity, RefillPerMin: refillPerMin}
}

func (s *Server) handleWebsocketUpgrade(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.logger.Warn("api: websocket upgrade failed", observabilityFields("error", err.Error()))
		return
	}

	id := uuid.NewString()
	sess := session.New(id, conn, s.sessionRegistry, s.sessionAuth, s.sessionValidator, s.sessionLimiter, s.logger, s.sessionCfg)
	sess.SetMetrics(s.metrics)

	// Run blocks for the connection's lifetime; the gin handler
	// returning here would let net/http reclaim the hijacked
	// connection's goroutine bookkeeping, so we drive it inline
	// rather than spawning a detached goroutine that outlives the
	// request context unobserved.
	if err := sess.Run(c.Request.Context()); err != nil {
		s.logger.Warn("api: session ended with error", observabilityFields("session_id", id, "error", err.Error()))
	}
}

// submitTaskRequest mirrors queue.SubmitParams for JSON binding;
// Priority and MaxRetries stay pointers so "absent" and "zero" are
// distinguishable, per spec.md §4.1.
type submitTaskRequest struct {
	Priority           *int           `json:"priority"`
	CompleteByMs       *int64         `json:"complete_by"`
	NeededCapabilities []string       `json:"needed_capabilities"`
	Description        string         `json:"description"`
	Metadata           map[string]any `json:"metadata"`
	MaxRetries         *int           `json:"max_retries"`
}

func (s *Server) submitTask(c *gin.Context) {
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := queue.SubmitParams{
		NeededCapabilities: req.NeededCapabilities,
		Description:        req.Description,
		Metadata:           req.Metadata,
		CompleteByMs:       req.CompleteByMs,
		MaxRetries:         req.MaxRetries,
	}
	if req.Priority != nil {
		p := queue.Priority(*req.Priority)
		params.Priority = &p
	}

	taskID, err := s.queue.Submit(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
}

func (s *Server) retryDeadLetter(c *gin.Context) {
	if err := s.queue.RetryDeadLetter(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reclaimTask(c *gin.Context) {
	if err := s.queue.Reclaim(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.queue.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) listTasks(c *gin.Context) {
	var filter queue.Filter
	if raw := c.Query("status"); raw != "" {
		st := queue.Status(raw)
		filter.Status = &st
	}
	if raw := c.Query("priority"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be an integer"})
			return
		}
		p := queue.Priority(n)
		filter.Priority = &p
	}

	tasks, err := s.queue.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) listDeadLetter(c *gin.Context) {
	tasks, err := s.queue.ListDeadLetter(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.queue.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, s.agents.ListAll(c.Request.Context()))
}

type rateOverrideRequest struct {
	AgentID      string `json:"agent_id" binding:"required"`
	Tier         string `json:"tier" binding:"required"`
	Capacity     int64  `json:"capacity"`
	RefillPerMin int64  `json:"refill_per_min"`
}

func (s *Server) setRateOverride(c *gin.Context) {
	var req rateOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.limiter.SetOverride(req.AgentID, rateTier(req.Tier), rateTierParams(req.Capacity, req.RefillPerMin))
	c.Status(http.StatusNoContent)
}

type exemptRequest struct {
	AgentID string `json:"agent_id" binding:"required"`
}

func (s *Server) addExempt(c *gin.Context) {
	var req exemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.limiter.AddExempt(req.AgentID)
	c.Status(http.StatusNoContent)
}

type forceTransitionRequest struct {
	TargetState string `json:"target_state" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

func (s *Server) forceFSMTransition(c *gin.Context) {
	var req forceTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.fsm.ForceTransition(c.Request.Context(), hubfsm.State(req.TargetState), req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pauseFSM(c *gin.Context) {
	if err := s.fsm.Pause(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) resumeFSM(c *gin.Context) {
	if err := s.fsm.Resume(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) fsmState(c *gin.Context) {
	v, err := s.fsm.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":            v.State,
		"paused":           v.Paused,
		"transition_count": v.TransitionCount,
	})
}

func (s *Server) fsmHistory(c *gin.Context) {
	v, err := s.fsm.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	limit := len(v.History)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n < limit {
			limit = n
		}
	}
	history := v.History
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"history": history, "healing_history": v.HealingHistory})
}

// writeError maps a coreerrors.Error's Kind to an HTTP status; any
// other error is an opaque 500.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case coreerrors.Is(err, coreerrors.KindNotFound):
		status = http.StatusNotFound
	case coreerrors.Is(err, coreerrors.KindInvalidArgs):
		status = http.StatusBadRequest
	case coreerrors.Is(err, coreerrors.KindStaleGeneration):
		status = http.StatusConflict
	case coreerrors.Is(err, coreerrors.KindWrongState):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
