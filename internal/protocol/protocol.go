// Package protocol defines the event taxonomy and wire framing shared
// by the event bus, checkpoint subsystem, and session timeline.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the shape of an Envelope's Payload.
type Kind string

// The full enumerated kind set from spec.md §4.1. The core depends only
// on the kind set, not the exact string tags, but the tags are fixed
// here so the event bus, checkpoint, and any transport adapter agree.
const (
	KindSessionStart       Kind = "session:start"
	KindPlanCreated        Kind = "plan:created"
	KindTaskStatus         Kind = "task:status"
	KindAgentStatus        Kind = "agent:status"
	KindAgentOutput        Kind = "agent:output"
	KindVerifyStatus       Kind = "verify:status"
	KindSessionComplete    Kind = "session:complete"
	KindSessionError       Kind = "session:error"
	KindSessionWarning     Kind = "session:warning"
	KindSessionInterrupted Kind = "session:interrupted"
	KindSessionResumed     Kind = "session:resumed"
	KindShutdownWarning    Kind = "shutdown:warning"
	KindAutopilotStarted   Kind = "autopilot:started"
	KindAutopilotCycle     Kind = "autopilot:cycle"
	KindAutopilotStopped   Kind = "autopilot:stopped"
	KindPluginEvent        Kind = "plugin:event"
	KindWSSubscribe        Kind = "ws:subscribe"
	KindWSUnsubscribe      Kind = "ws:unsubscribe"
	KindGateRequest        Kind = "gate:request"
	KindGateResponse       Kind = "gate:response"
	KindChatResponse       Kind = "chat:response"
	KindSelfdevDiff        Kind = "selfdev:diff"
	KindDAGRewrite         Kind = "dag:rewrite"
	KindSkillsUpdate       Kind = "skills:update"
	KindSettingsUpdate     Kind = "settings:update"
)

// globalKinds are delivered to every subscriber regardless of project
// scope, per spec.md §4.1's broadcastGlobal behavior.
var globalKinds = map[Kind]bool{
	KindShutdownWarning: true,
}

// IsGlobal reports whether events of this kind bypass project-scoped
// filtering and go to every subscriber.
func (k Kind) IsGlobal() bool {
	return globalKinds[k]
}

// Envelope is the framing type carried by the event bus, recorded in the
// session timeline, and persisted in checkpoints. Payload holds one of
// the Kind-specific payload structs below, serialized as JSON — no
// protobuf/gRPC wire format is introduced, matching the plain-JSON
// Event.Data the in-process and NATS-backed buses already carry.
type Envelope struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	ProjectSlug string      `json:"projectSlug"`
	SessionID   string      `json:"sessionId,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
	AgentID     string      `json:"agentId,omitempty"`
	Payload     interface{} `json:"payload"`
	At          time.Time   `json:"at"`
}

// NewEnvelope builds an Envelope with a generated ID and the current
// timestamp.
func NewEnvelope(kind Kind, projectSlug string, payload interface{}) Envelope {
	return Envelope{
		ID:          uuid.New().String(),
		Kind:        kind,
		ProjectSlug: projectSlug,
		Payload:     payload,
		At:          time.Now().UTC(),
	}
}

// WithSession returns a copy of e tagged with a session ID.
func (e Envelope) WithSession(sessionID string) Envelope {
	e.SessionID = sessionID
	return e
}

// WithTask returns a copy of e tagged with a task ID.
func (e Envelope) WithTask(taskID string) Envelope {
	e.TaskID = taskID
	return e
}

// WithAgent returns a copy of e tagged with an agent ID.
func (e Envelope) WithAgent(agentID string) Envelope {
	e.AgentID = agentID
	return e
}

// PlanCreatedPayload is the payload for KindPlanCreated.
type PlanCreatedPayload struct {
	SessionID string           `json:"sessionId"`
	Tasks     []PlanTaskDesc   `json:"tasks"`
	Edges     []PlanEdgeDesc   `json:"edges"`
}

// PlanTaskDesc describes one task node in a plan:created payload.
type PlanTaskDesc struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Dependencies []string `json:"dependencies"`
}

// PlanEdgeDesc describes one DAG edge in a plan:created payload.
type PlanEdgeDesc struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// TaskStatusPayload is the payload for KindTaskStatus.
type TaskStatusPayload struct {
	TaskID    string  `json:"taskId"`
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"`
	Retries   *int    `json:"retries,omitempty"`
	ModelTier *string `json:"modelTier,omitempty"`
}

// AgentStatusPayload is the payload for KindAgentStatus.
type AgentStatusPayload struct {
	AgentID    string  `json:"agentId"`
	TaskID     string  `json:"taskId"`
	SessionID  string  `json:"sessionId"`
	Status     string  `json:"status"`
	Model      string  `json:"model"`
	ModelTier  string  `json:"modelTier"`
	Multiplier float64 `json:"multiplier"`
	Reason     *string `json:"reason,omitempty"`
}

// AgentOutputPayload is the payload for KindAgentOutput.
type AgentOutputPayload struct {
	AgentID string `json:"agentId"`
	Chunk   []byte `json:"chunk"`
}

// VerifyStatusPayload is the payload for KindVerifyStatus.
type VerifyStatusPayload struct {
	Status string   `json:"status"`
	Round  *int     `json:"round,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

// SessionCompletePayload is the payload for KindSessionComplete.
type SessionCompletePayload struct {
	SessionID   string      `json:"sessionId"`
	CostSummary interface{} `json:"costSummary"`
}

// SessionErrorPayload is the payload for KindSessionError.
type SessionErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// SessionWarningPayload is the payload for KindSessionWarning.
type SessionWarningPayload struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// ShutdownWarningPayload is the payload for KindShutdownWarning.
type ShutdownWarningPayload struct {
	Message string `json:"message"`
}

// AutopilotPayload is the payload for the autopilot:* family.
type AutopilotPayload struct {
	ProjectSlug string  `json:"projectSlug"`
	Cycle       *int    `json:"cycle,omitempty"`
	Decision    *string `json:"decision,omitempty"`
	Reason      *string `json:"reason,omitempty"`
}

// WSSubscribePayload is the inbound payload for ws:subscribe/ws:unsubscribe.
type WSSubscribePayload struct {
	ProjectSlug string `json:"projectSlug"`
}
