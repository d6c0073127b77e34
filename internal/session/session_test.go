package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
)

// fakeConn is an in-memory WireConn: Read replays a pre-loaded queue
// of frames (then blocks until closed), Write records outbound
// frames.
type fakeConn struct {
	mu       sync.Mutex
	inbound  [][]byte
	outbound [][]byte
	closedCh chan struct{}
	closeErr error
}

func newFakeConn(inbound ...[]byte) *fakeConn {
	return &fakeConn{inbound: inbound, closedCh: make(chan struct{})}
}

// Read replays queued inbound frames in order; once exhausted it
// reports the connection as lost rather than blocking, simulating a
// short-lived test connection that the peer closes after sending its
// scripted frames.
func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbound) == 0 {
		return 0, nil, coreerrors.New("fakeConn.Read", coreerrors.KindSessionLost, nil)
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return websocket.MessageText, next, nil
}

func (f *fakeConn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), data...)
	f.outbound = append(f.outbound, cp)
	return nil
}

func (f *fakeConn) Ping(ctx context.Context) error { return nil }

func (f *fakeConn) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closedCh:
	default:
		close(f.closedCh)
	}
	return f.closeErr
}

func (f *fakeConn) frames() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.outbound))
	for _, raw := range f.outbound {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		out = append(out, m)
	}
	return out
}

type fakeAuth struct{ fail bool }

func (f *fakeAuth) Validate(ctx context.Context, agentID, token string) error {
	if f.fail {
		return coreerrors.New("fakeAuth.Validate", coreerrors.KindInvalidArgs, nil)
	}
	return nil
}

type fakeRegistry struct {
	mu          sync.Mutex
	ensured     []string
	completed   []string
	failed      []string
	rejected    []string
	accepted    []string
	sessionLost []string
	reconcileOutcome lifecycle.ReconcileOutcome
	completeErr error
}

func (r *fakeRegistry) Ensure(ctx context.Context, agentID string, capabilities []string, handle lifecycle.SessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensured = append(r.ensured, agentID)
	return nil
}
func (r *fakeRegistry) OnAccepted(ctx context.Context, agentID, taskID string, generation int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted = append(r.accepted, taskID)
	return nil
}
func (r *fakeRegistry) OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, taskID)
	return r.completeErr
}
func (r *fakeRegistry) OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, taskID)
	return nil
}
func (r *fakeRegistry) OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, taskID)
	return nil
}
func (r *fakeRegistry) OnSessionLoss(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionLost = append(r.sessionLost, agentID)
	return nil
}
func (r *fakeRegistry) ReconcileStateReport(ctx context.Context, agentID, reportedTaskID, reportedStatus string, reportedGeneration int64) (lifecycle.ReconcileOutcome, error) {
	return r.reconcileOutcome, nil
}

type fakeValidator struct{ rejectType string }

func (v *fakeValidator) Validate(ingressType string, payload []byte) error {
	if ingressType == v.rejectType {
		return coreerrors.New("fakeValidator.Validate", coreerrors.KindInvalidArgs, nil)
	}
	return nil
}

type fakeLimiter struct{ denyType string }

func (l *fakeLimiter) Check(agentID string, channel ratelimit.Channel, tier ratelimit.Tier, cost int64) ratelimit.Decision {
	if string(tier) == l.denyType {
		return ratelimit.Decision{Outcome: ratelimit.Deny, RetryAfterMs: 500}
	}
	return ratelimit.Decision{Outcome: ratelimit.Allow}
}

func identifyFrame(agentID, token string) []byte {
	return marshal(identifyMsg{Type: TypeIdentify, ProtocolVersion: 1, AgentID: agentID, Token: token, Capabilities: []string{"code"}})
}

func TestHandshakeSuccessSendsIdentified(t *testing.T) {
	conn := newFakeConn(identifyFrame("agent-1", "tok"))
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{}, nil, nil, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	require.Contains(t, reg.ensured, "agent-1")
	frames := conn.frames()
	require.NotEmpty(t, frames)
	require.Equal(t, TypeIdentified, frames[0]["type"])
}

func TestHandshakeAuthFailureSendsIdentifyError(t *testing.T) {
	conn := newFakeConn(identifyFrame("agent-1", "bad-tok"))
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{fail: true}, nil, nil, nil, Config{})

	err := sess.Run(context.Background())
	require.Error(t, err)

	frames := conn.frames()
	require.Len(t, frames, 1)
	require.Equal(t, TypeIdentifyError, frames[0]["type"])
	require.Empty(t, reg.ensured)
}

func TestTaskCompleteFrameDrivesRegistryAndSendsAck(t *testing.T) {
	complete := marshal(taskCompleteMsg{Type: TypeTaskComplete, TaskID: "t-1", Generation: 1, Result: map[string]any{"ok": true}})
	conn := newFakeConn(identifyFrame("agent-1", "tok"), complete)
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{}, nil, nil, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	require.Contains(t, reg.completed, "t-1")
	frames := conn.frames()
	var sawAck bool
	for _, f := range frames {
		if f["type"] == TypeTaskAck && f["task_id"] == "t-1" {
			require.Equal(t, "complete", f["status"])
			sawAck = true
		}
	}
	require.True(t, sawAck)
}

func TestUnknownFrameTypeClosesConnection(t *testing.T) {
	garbage := marshal(map[string]any{"type": "not_a_real_type", "protocol_version": 1})
	conn := newFakeConn(identifyFrame("agent-1", "tok"), garbage)
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{}, nil, nil, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	require.Contains(t, reg.sessionLost, "agent-1")
}

func TestRateLimitedInboundFrameIsDeniedAndNotDispatched(t *testing.T) {
	complete := marshal(taskCompleteMsg{Type: TypeTaskComplete, TaskID: "t-1", Generation: 1, Result: map[string]any{"ok": true}})
	conn := newFakeConn(identifyFrame("agent-1", "tok"), complete)
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{}, nil, &fakeLimiter{denyType: string(ratelimit.TierHeavy)}, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	require.Empty(t, reg.completed)
	frames := conn.frames()
	var sawRateLimited bool
	for _, f := range frames {
		if f["type"] == TypeRateLimited {
			sawRateLimited = true
		}
	}
	require.True(t, sawRateLimited)
}

func TestInvalidPayloadFailsValidationAndIsDropped(t *testing.T) {
	complete := marshal(taskCompleteMsg{Type: TypeTaskComplete, TaskID: "t-1", Generation: 1})
	conn := newFakeConn(identifyFrame("agent-1", "tok"), complete)
	reg := &fakeRegistry{}
	sess := New("sess-1", conn, reg, &fakeAuth{}, &fakeValidator{rejectType: TypeTaskComplete}, nil, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	require.Empty(t, reg.completed)
}

func TestStateReportAbandonSendsAbandonFrame(t *testing.T) {
	report := marshal(stateReportMsg{Type: TypeStateReport, TaskID: "t-stale", Status: "working", Generation: 1})
	conn := newFakeConn(identifyFrame("agent-1", "tok"), report)
	reg := &fakeRegistry{reconcileOutcome: lifecycle.ReconcileOutcome{Action: lifecycle.ReconcileAbandon}}
	sess := New("sess-1", conn, reg, &fakeAuth{}, nil, nil, nil, Config{})

	done := make(chan struct{})
	go func() { sess.Run(context.Background()); close(done) }()

	<-conn.closedCh
	<-done

	frames := conn.frames()
	var sawAbandon bool
	for _, f := range frames {
		if f["type"] == TypeAbandonTask {
			sawAbandon = true
		}
	}
	require.True(t, sawAbandon)
}
