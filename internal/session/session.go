// Package session implements the per-connection wire-protocol actor
// of spec.md §4.4: identify/auth handshake, the lifecycle message
// dispatch table, read/write pumps, ping/pong keepalive, and
// reconnect reconciliation (§5).
//
// Grounded on the teacher's apps/mcp-server/internal/api/websocket/
// connection.go (readPump/writePump split, ping ticker, sync.Once
// close, send channel) and pkg/models/websocket/types.go (envelope
// shape), adapted from a MessageType-enum envelope to the string
// `type` field spec.md §4.4 requires and from JSON-RPC 2.0 framing to
// the flat lifecycle-message table.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	coreerrors "github.com/S-Corkum/agentcom/internal/errors"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
)

// Validator checks an inbound frame's payload against its ingress
// type's schema before it reaches the rate-limit gate, per spec.md's
// "ingress → validation → rate limit gate" data flow. Implemented by
// internal/auth.Validator.
type Validator interface {
	Validate(ingressType string, payload []byte) error
}

// RateLimiter is the subset of ratelimit.RateLimiter the Session
// consults for every inbound frame once it is past validation.
type RateLimiter interface {
	Check(agentID string, channel ratelimit.Channel, tier ratelimit.Tier, cost int64) ratelimit.Decision
}

// ingressTier classifies an inbound frame type for the rate-limit
// gate. Unrecognized types default to normal.
func ingressTier(msgType string) ratelimit.Tier {
	switch msgType {
	case TypePing, TypePong, TypeTaskProgress:
		return ratelimit.TierLight
	case TypeTaskComplete, TypeTaskFailed:
		return ratelimit.TierHeavy
	default:
		return ratelimit.TierNormal
	}
}

// WireConn is the subset of *websocket.Conn the Session drives.
// Satisfied directly by *websocket.Conn; fakeable in tests.
type WireConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// Authenticator validates an identify handshake's token. Opaque to
// Session: the concrete check (JWT, introspection call, static list)
// lives in internal/auth.
type Authenticator interface {
	Validate(ctx context.Context, agentID, token string) error
}

// Registry is the subset of lifecycle.Registry a Session drives.
type Registry interface {
	Ensure(ctx context.Context, agentID string, capabilities []string, handle lifecycle.SessionHandle) error
	OnAccepted(ctx context.Context, agentID, taskID string, generation int64) error
	OnCompleted(ctx context.Context, agentID, taskID string, generation int64, result map[string]any) error
	OnFailed(ctx context.Context, agentID, taskID string, generation int64, reason string) error
	OnRejected(ctx context.Context, agentID, taskID string, generation int64, reason string) error
	OnSessionLoss(ctx context.Context, agentID string) error
	ReconcileStateReport(ctx context.Context, agentID, reportedTaskID, reportedStatus string, reportedGeneration int64) (lifecycle.ReconcileOutcome, error)
}

// Config holds the Session's own tunables.
type Config struct {
	PingIntervalMs  int64
	ReadIdleTimeout int64 // ms; no inbound frame within this window closes the connection
	WriteTimeoutMs  int64
	SendQueueSize   int
}

// Session owns one full-duplex connection to a remote agent process.
// Inbound frames are handled strictly in arrival order by readPump;
// outbound frames are handled strictly in send order by writePump, so
// per-session ordering holds in both directions (spec.md §4.4).
type Session struct {
	conn      WireConn
	registry  Registry
	auth      Authenticator
	validator Validator
	limiter   RateLimiter
	logger    observability.Logger
	cfg       Config

	id string

	mu         sync.Mutex
	agentID    string
	identified bool
	closed     bool

	sendCh   chan []byte
	closedCh chan struct{}
	closeOnce sync.Once

	metrics *observability.Metrics
}

// SetMetrics wires the Prometheus collector for wire message counts.
// Optional; a nil metrics field (the default) skips instrumentation.
func (s *Session) SetMetrics(m *observability.Metrics) { s.metrics = m }

// New constructs a Session bound to conn. Call Run to drive the
// handshake and pumps; Run blocks until the connection closes.
// validator and limiter may be nil to skip their gates (e.g. in tests
// that only exercise the lifecycle dispatch path).
func New(id string, conn WireConn, registry Registry, auth Authenticator, validator Validator, limiter RateLimiter, logger observability.Logger, cfg Config) *Session {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.PingIntervalMs == 0 {
		cfg.PingIntervalMs = 30_000
	}
	if cfg.ReadIdleTimeout == 0 {
		cfg.ReadIdleTimeout = 60_000
	}
	if cfg.WriteTimeoutMs == 0 {
		cfg.WriteTimeoutMs = 10_000
	}
	if cfg.SendQueueSize == 0 {
		cfg.SendQueueSize = 256
	}
	return &Session{
		id:        id,
		conn:      conn,
		registry:  registry,
		auth:      auth,
		validator: validator,
		limiter:   limiter,
		logger:    logger,
		cfg:       cfg,
		sendCh:    make(chan []byte, cfg.SendQueueSize),
		closedCh:  make(chan struct{}),
	}
}

// ID identifies this session, satisfying lifecycle.SessionHandle.
func (s *Session) ID() string { return s.id }

// Run performs the handshake and then runs the read and write pumps
// until the connection closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		_ = s.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writePump(ctx) }()
	go func() { defer wg.Done(); s.readPump(ctx) }()
	wg.Wait()

	if s.agentID != "" {
		_ = s.registry.OnSessionLoss(context.Background(), s.agentID)
	}
	return nil
}

// handshake reads the first frame, which must be `identify`, and
// either registers the agent or rejects the connection (spec.md
// §4.4's "Authentication handshake").
func (s *Session) handshake(ctx context.Context) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return coreerrors.Wrap("Session.handshake", coreerrors.KindSessionLost, err, "reading identify frame")
	}

	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil || hdr.Type != TypeIdentify {
		s.writeRaw(ctx, marshal(identifyErrorMsg{Type: TypeIdentifyError, ProtocolVersion: protocolVersion, Reason: "first frame must be identify"}))
		return coreerrors.New("Session.handshake", coreerrors.KindInvalidArgs, fmt.Errorf("first frame type=%q", hdr.Type))
	}

	var id identifyMsg
	if err := json.Unmarshal(data, &id); err != nil {
		s.writeRaw(ctx, marshal(identifyErrorMsg{Type: TypeIdentifyError, ProtocolVersion: protocolVersion, Reason: "malformed identify"}))
		return coreerrors.Wrap("Session.handshake", coreerrors.KindInvalidArgs, err, "unmarshal identify")
	}

	if err := s.auth.Validate(ctx, id.AgentID, id.Token); err != nil {
		s.writeRaw(ctx, marshal(identifyErrorMsg{Type: TypeIdentifyError, ProtocolVersion: protocolVersion, Reason: "invalid token"}))
		return coreerrors.Wrap("Session.handshake", coreerrors.KindInvalidArgs, err, "token validation")
	}

	if err := s.registry.Ensure(ctx, id.AgentID, id.Capabilities, s); err != nil {
		s.writeRaw(ctx, marshal(identifyErrorMsg{Type: TypeIdentifyError, ProtocolVersion: protocolVersion, Reason: "registration failed"}))
		return err
	}

	s.mu.Lock()
	s.agentID = id.AgentID
	s.identified = true
	s.mu.Unlock()

	s.writeRaw(ctx, marshal(identifiedMsg{Type: TypeIdentified, ProtocolVersion: protocolVersion, AgentID: id.AgentID}))
	return nil
}

func (s *Session) readPump(ctx context.Context) {
	defer func() { _ = s.Close(websocket.StatusNormalClosure, "read pump exiting") }()

	idleTimeout := time.Duration(s.cfg.ReadIdleTimeout) * time.Millisecond

	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		_, data, err := s.conn.Read(readCtx)
		cancel()
		if err != nil {
			if readCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				s.logger.Warn("session: idle read timeout, closing", observability.Fields{"session_id": s.id, "timeout_ms": s.cfg.ReadIdleTimeout})
			}
			return
		}
		s.handleInbound(ctx, data)
	}
}

// handleInbound dispatches one inbound frame. Called only from
// readPump's single goroutine, so frames are processed strictly in
// arrival order.
func (s *Session) handleInbound(ctx context.Context, data []byte) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		s.logger.Warn("session: malformed frame", observability.Fields{"session_id": s.id, "error": err.Error()})
		return
	}

	if s.metrics != nil {
		s.metrics.SessionMessages.WithLabelValues(hdr.Type, "in").Inc()
	}

	if s.validator != nil {
		if err := s.validator.Validate(hdr.Type, data); err != nil {
			s.logger.Warn("session: frame failed validation", observability.Fields{"session_id": s.id, "type": hdr.Type, "error": err.Error()})
			return
		}
	}

	if s.limiter != nil {
		tier := ingressTier(hdr.Type)
		decision := s.limiter.Check(s.agentID, ratelimit.ChannelWS, tier, 1)
		if decision.Outcome == ratelimit.Deny {
			s.Send(marshal(rateLimitedMsg{Type: TypeRateLimited, ProtocolVersion: protocolVersion, Tier: string(tier), RetryAfterMs: decision.RetryAfterMs}))
			return
		}
	}

	switch hdr.Type {
	case TypeTaskAccepted:
		var m taskAcceptedMsg
		if json.Unmarshal(data, &m) == nil {
			_ = s.registry.OnAccepted(ctx, s.agentID, m.TaskID, m.Generation)
		}
	case TypeTaskRejected:
		var m taskRejectedMsg
		if json.Unmarshal(data, &m) == nil {
			_ = s.registry.OnRejected(ctx, s.agentID, m.TaskID, m.Generation, m.Reason)
		}
	case TypeTaskProgress:
		// Advisory only; no ack per spec.md §4.4. The frame passes the
		// validation and rate-limit gates and is then dropped: Session
		// holds no TaskQueue reference, so progress is not recorded.
	case TypeTaskComplete:
		var m taskCompleteMsg
		if json.Unmarshal(data, &m) == nil {
			status := "complete"
			if err := s.registry.OnCompleted(ctx, s.agentID, m.TaskID, m.Generation, m.Result); err != nil && coreerrors.Is(err, coreerrors.KindStaleGeneration) {
				status = "stale"
			}
			s.Send(marshal(taskAckMsg{Type: TypeTaskAck, ProtocolVersion: protocolVersion, TaskID: m.TaskID, Status: status}))
		}
	case TypeTaskFailed:
		var m taskFailedMsg
		if json.Unmarshal(data, &m) == nil {
			status := "failed"
			if err := s.registry.OnFailed(ctx, s.agentID, m.TaskID, m.Generation, m.Reason); err != nil && coreerrors.Is(err, coreerrors.KindStaleGeneration) {
				status = "stale"
			}
			s.Send(marshal(taskAckMsg{Type: TypeTaskAck, ProtocolVersion: protocolVersion, TaskID: m.TaskID, Status: status}))
		}
	case TypeStateReport:
		var m stateReportMsg
		if json.Unmarshal(data, &m) == nil {
			s.reconcile(ctx, m)
		}
	case TypePing:
		var m pingMsg
		if json.Unmarshal(data, &m) == nil {
			s.Send(marshal(pongMsg{Type: TypePong, Nonce: m.Nonce}))
		}
	case TypePong:
		// Keepalive response to a hub-initiated ping; nothing further
		// to do, the read itself resets the idle timer.
	case TypeClose:
		_ = s.Close(websocket.StatusNormalClosure, "peer requested close")
	case TypeIdentify:
		// Already identified; a second identify on an established
		// session is not part of the protocol.
		s.logger.Warn("session: unexpected identify after handshake", observability.Fields{"session_id": s.id})
	default:
		s.logger.Warn("session: unknown frame type, closing", observability.Fields{"session_id": s.id, "type": hdr.Type})
		_ = s.Close(websocket.StatusPolicyViolation, "unknown frame type")
	}
}

func (s *Session) reconcile(ctx context.Context, m stateReportMsg) {
	outcome, err := s.registry.ReconcileStateReport(ctx, s.agentID, m.TaskID, m.Status, m.Generation)
	if err != nil {
		return
	}
	switch outcome.Action {
	case lifecycle.ReconcileAbandon:
		s.Send(marshal(abandonTaskMsg{Type: TypeAbandonTask, ProtocolVersion: protocolVersion, TaskID: m.TaskID, Reason: "generation_stale_or_unassigned"}))
	case lifecycle.ReconcileReclaimed:
		s.Send(marshal(abandonTaskMsg{Type: TypeAbandonTask, ProtocolVersion: protocolVersion, TaskID: outcome.ReclaimedTask, Reason: "reclaimed"}))
	case lifecycle.ReconcileNoop:
		// Views already agree; nothing to send.
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.PingIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	defer func() { _ = s.Close(websocket.StatusNormalClosure, "write pump exiting") }()

	for {
		select {
		case <-s.closedCh:
			return
		case <-ctx.Done():
			return
		case data, ok := <-s.sendCh:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WriteTimeoutMs)*time.Millisecond)
			err := s.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Warn("session: write failed", observability.Fields{"session_id": s.id, "error": err.Error()})
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WriteTimeoutMs)*time.Millisecond)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.logger.Warn("session: ping failed", observability.Fields{"session_id": s.id, "error": err.Error()})
				return
			}
		}
	}
}

// Send enqueues a raw frame for the write pump. A full send queue
// drops the frame (the agent will resend on its own retry/ack logic,
// or the next state_report reconciles any resulting mismatch).
func (s *Session) Send(data []byte) {
	if s.metrics != nil {
		var hdr envelopeHeader
		if json.Unmarshal(data, &hdr) == nil {
			s.metrics.SessionMessages.WithLabelValues(hdr.Type, "out").Inc()
		}
	}
	select {
	case s.sendCh <- data:
	default:
		s.logger.Warn("session: send queue full, dropping frame", observability.Fields{"session_id": s.id})
	}
}

func (s *Session) writeRaw(ctx context.Context, data []byte) {
	writeCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.WriteTimeoutMs)*time.Millisecond)
	defer cancel()
	_ = s.conn.Write(writeCtx, websocket.MessageText, data)
}

// SendTaskAssign implements lifecycle.SessionHandle.
func (s *Session) SendTaskAssign(env *queue.AssignmentEnvelope) error {
	s.Send(marshal(taskAssignMsg{
		Type:               TypeTaskAssign,
		ProtocolVersion:    protocolVersion,
		TaskID:             env.TaskID,
		Generation:         env.Generation,
		Description:        env.Description,
		NeededCapabilities: env.NeededCapabilities,
		Metadata:           env.Metadata,
		AssignedAtMs:       env.AssignedAtMs,
	}))
	return nil
}

// SendRateLimited implements lifecycle.SessionHandle.
func (s *Session) SendRateLimited(tier string, retryAfterMs int64) error {
	s.Send(marshal(rateLimitedMsg{Type: TypeRateLimited, ProtocolVersion: protocolVersion, Tier: tier, RetryAfterMs: retryAfterMs}))
	return nil
}

// Close closes the underlying connection exactly once.
func (s *Session) Close(code websocket.StatusCode, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.closedCh)
		err = s.conn.Close(code, reason)
	})
	return err
}
