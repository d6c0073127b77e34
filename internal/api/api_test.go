package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/agentcom/internal/config"
	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/hubfsm"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/queue"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
	"github.com/S-Corkum/agentcom/internal/session"
)

type fakeQueue struct {
	submitted   []queue.SubmitParams
	retried     []string
	reclaimed   []string
	tasks       map[string]*queue.Task
	listResult  []*queue.Task
	statsResult queue.Stats
	deadLetter  []*queue.Task
	submitErr   error
	getErr      error
}

func (f *fakeQueue) Submit(ctx context.Context, params queue.SubmitParams) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, params)
	return "t-new", nil
}
func (f *fakeQueue) RetryDeadLetter(ctx context.Context, taskID string) error {
	f.retried = append(f.retried, taskID)
	return nil
}
func (f *fakeQueue) Reclaim(ctx context.Context, taskID string) error {
	f.reclaimed = append(f.reclaimed, taskID)
	return nil
}
func (f *fakeQueue) Get(ctx context.Context, taskID string) (*queue.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if t, ok := f.tasks[taskID]; ok {
		return t, nil
	}
	return nil, coreerrors.New("fakeQueue.Get", coreerrors.KindNotFound, nil)
}
func (f *fakeQueue) List(ctx context.Context, filter queue.Filter) ([]*queue.Task, error) {
	return f.listResult, nil
}
func (f *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) { return f.statsResult, nil }
func (f *fakeQueue) ListDeadLetter(ctx context.Context) ([]*queue.Task, error) {
	return f.deadLetter, nil
}

type fakeAgents struct{ views []lifecycle.AgentView }

func (f *fakeAgents) ListAll(ctx context.Context) []lifecycle.AgentView { return f.views }

type fakeRateController struct {
	exempted  []string
	overrides map[string]config.RateLimitTier
}

func (f *fakeRateController) AddExempt(agentID string) { f.exempted = append(f.exempted, agentID) }
func (f *fakeRateController) SetOverride(agentID string, tier ratelimit.Tier, params config.RateLimitTier) {
	if f.overrides == nil {
		f.overrides = map[string]config.RateLimitTier{}
	}
	f.overrides[agentID] = params
}

type fakeFSM struct {
	forcedTo []hubfsm.State
	paused   bool
	resumed  bool
	view     hubfsm.StateView
	err      error
}

func (f *fakeFSM) ForceTransition(ctx context.Context, to hubfsm.State, reason string) error {
	if f.err != nil {
		return f.err
	}
	f.forcedTo = append(f.forcedTo, to)
	return nil
}
func (f *fakeFSM) Pause(ctx context.Context) error  { f.paused = true; return nil }
func (f *fakeFSM) Resume(ctx context.Context) error { f.resumed = true; return nil }
func (f *fakeFSM) Snapshot(ctx context.Context) (hubfsm.StateView, error) {
	return f.view, f.err
}

func newTestServer(q *fakeQueue, agents *fakeAgents, rc *fakeRateController, fsm *fakeFSM) *Server {
	gin.SetMode(gin.TestMode)
	return New(q, agents, rc, fsm, nil, nil, nil, nil, session.Config{}, nil, Config{})
}

func TestSubmitTaskReturnsTaskID(t *testing.T) {
	q := &fakeQueue{}
	srv := newTestServer(q, &fakeAgents{}, &fakeRateController{}, &fakeFSM{})

	body, _ := json.Marshal(map[string]any{"description": "build widget", "needed_capabilities": []string{"code"}})
	req := httptest.NewRequest(http.MethodPost, "/admin/tasks", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "t-new", resp["task_id"])
	require.Len(t, q.submitted, 1)
	require.Equal(t, "build widget", q.submitted[0].Description)
}

func TestSubmitTaskWithMalformedBodyReturnsBadRequest(t *testing.T) {
	srv := newTestServer(&fakeQueue{}, &fakeAgents{}, &fakeRateController{}, &fakeFSM{})

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTaskNotFoundReturns404(t *testing.T) {
	srv := newTestServer(&fakeQueue{tasks: map[string]*queue.Task{}}, &fakeAgents{}, &fakeRateController{}, &fakeFSM{})

	req := httptest.NewRequest(http.MethodGet, "/admin/tasks/missing", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryDeadLetterDispatchesToQueue(t *testing.T) {
	q := &fakeQueue{}
	srv := newTestServer(q, &fakeAgents{}, &fakeRateController{}, &fakeFSM{})

	req := httptest.NewRequest(http.MethodPost, "/admin/tasks/t-1/retry", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Contains(t, q.retried, "t-1")
}

func TestSetRateOverrideUpdatesController(t *testing.T) {
	rc := &fakeRateController{}
	srv := newTestServer(&fakeQueue{}, &fakeAgents{}, rc, &fakeFSM{})

	body, _ := json.Marshal(map[string]any{"agent_id": "agent-1", "tier": "normal", "capacity": 10, "refill_per_min": 60})
	req := httptest.NewRequest(http.MethodPost, "/admin/ratelimit/override", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, int64(10), rc.overrides["agent-1"].Capacity)
}

func TestForceFSMTransitionDrivesController(t *testing.T) {
	fsm := &fakeFSM{}
	srv := newTestServer(&fakeQueue{}, &fakeAgents{}, &fakeRateController{}, fsm)

	body, _ := json.Marshal(map[string]any{"target_state": "healing", "reason": "operator override"})
	req := httptest.NewRequest(http.MethodPost, "/admin/fsm/force_transition", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Contains(t, fsm.forcedTo, hubfsm.StateHealing)
}

func TestFSMStateReportsSnapshot(t *testing.T) {
	fsm := &fakeFSM{view: hubfsm.StateView{State: hubfsm.StateExecuting, TransitionCount: 3}}
	srv := newTestServer(&fakeQueue{}, &fakeAgents{}, &fakeRateController{}, fsm)

	req := httptest.NewRequest(http.MethodGet, "/admin/fsm/state", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "executing", resp["state"])
}

func TestListAgentsReturnsRegistrySnapshot(t *testing.T) {
	agents := &fakeAgents{views: []lifecycle.AgentView{{ID: "agent-1"}}}
	srv := newTestServer(&fakeQueue{}, agents, &fakeRateController{}, &fakeFSM{})

	req := httptest.NewRequest(http.MethodGet, "/admin/agents", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	require.Equal(t, "agent-1", resp[0]["ID"])
}
