package session

import "encoding/json"

// protocolVersion is the wire protocol version this hub speaks, per
// spec.md §4.4.
const protocolVersion = 1

// envelopeHeader is decoded first to dispatch on Type before the
// full payload is parsed.
type envelopeHeader struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Message types, per spec.md §4.4's lifecycle message table plus the
// handshake messages of §4.4's "Authentication handshake".
const (
	TypeIdentify      = "identify"
	TypeIdentified    = "identified"
	TypeIdentifyError = "identify_error"
	TypeTaskAssign    = "task_assign"
	TypeTaskAccepted  = "task_accepted"
	TypeTaskRejected  = "task_rejected"
	TypeTaskProgress  = "task_progress"
	TypeTaskComplete  = "task_complete"
	TypeTaskFailed    = "task_failed"
	TypeTaskAck       = "task_ack"
	TypeStateReport   = "state_report"
	TypeRateLimited   = "rate_limited"
	TypeAbandonTask   = "abandon_task"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeClose         = "close"
)

type identifyMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion int      `json:"protocol_version"`
	AgentID         string   `json:"agent_id"`
	Token           string   `json:"token"`
	Capabilities    []string `json:"capabilities"`
	ClientType      string   `json:"client_type"`
}

type identifiedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	AgentID         string `json:"agent_id"`
}

type identifyErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Reason          string `json:"reason"`
}

type taskAssignMsg struct {
	Type               string         `json:"type"`
	ProtocolVersion    int            `json:"protocol_version"`
	TaskID             string         `json:"task_id"`
	Generation         int64          `json:"generation"`
	Description        string         `json:"description"`
	NeededCapabilities []string       `json:"needed_capabilities,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	AssignedAtMs       int64          `json:"assigned_at"`
}

type taskAcceptedMsg struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
}

type taskRejectedMsg struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
	Reason     string `json:"reason"`
}

type taskProgressMsg struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
	Percent    int    `json:"percent"`
}

type taskCompleteMsg struct {
	Type       string         `json:"type"`
	TaskID     string         `json:"task_id"`
	Generation int64          `json:"generation"`
	Result     map[string]any `json:"result"`
	TokensUsed *int64         `json:"tokens_used,omitempty"`
}

type taskFailedMsg struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Generation int64  `json:"generation"`
	Reason     string `json:"reason"`
}

type taskAckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
}

type stateReportMsg struct {
	Type       string `json:"type"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Generation int64  `json:"generation"`
}

type rateLimitedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	Tier            string `json:"tier"`
	RetryAfterMs    int64  `json:"retry_after_ms"`
}

// abandonTaskMsg tells a reconnecting agent its local work is no
// longer recognized by the hub (spec.md §5's reconnect reconciliation
// "tell the agent to abandon" disposition). The wire frame isn't
// named explicitly in the lifecycle message table, so it's modeled
// alongside rate_limited/ping as a hub-initiated advisory frame.
type abandonTaskMsg struct {
	Type            string `json:"type"`
	ProtocolVersion int    `json:"protocol_version"`
	TaskID          string `json:"task_id,omitempty"`
	Reason          string `json:"reason"`
}

type pingMsg struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

type pongMsg struct {
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
}

type closeMsg struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every type above is a plain struct of strings/ints/maps;
		// Marshal only fails on unsupported types (chan, func), which
		// none of these contain.
		panic(err)
	}
	return b
}
