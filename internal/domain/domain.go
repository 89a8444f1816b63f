// Package domain holds the wire-facing data model shared by the task
// runner, agent manager, verify-fix loop, checkpoint subsystem, and
// session service: Project, Session, Task, Agent, Plan, and the
// supporting summary types. There is no separate persistence-model/
// API-model split here — a transport adapter built against this core
// would add its own DTOs.
package domain

import "time"

// Tier is a model's cost/capability class. Escalation moves toward
// more capable, more expensive tiers: T0 < T1 < T2 < T3.
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// Next returns the tier one step more capable than t, and whether t was
// already at the ceiling (T3).
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierT0:
		return TierT1, false
	case TierT1:
		return TierT2, false
	case TierT2:
		return TierT3, false
	default:
		return TierT3, true
	}
}

// ModelChoice pairs a model name with its cost multiplier, used in a
// project's escalation override table.
type ModelChoice struct {
	Model      string  `json:"model"`
	Multiplier float64 `json:"multiplier"`
}

// ProjectSettings holds per-project admission and escalation overrides.
type ProjectSettings struct {
	CostCeiling     int                      `json:"costCeiling"` // 0 = unlimited
	MaxConcurrency  int                      `json:"maxConcurrency"`
	MaxRetriesTotal int                      `json:"maxRetriesTotal"`
	// Escalation optionally overrides the project-wide models[tier][retryIndex]
	// table referenced by the REST surface's PUT /settings {escalation}.
	Escalation map[Tier][]ModelChoice `json:"escalation,omitempty"`
}

// ProjectSkills holds the skill/reflection records a project has
// accumulated. The extraction process itself is an out-of-scope
// collaborator invoked via a defined hook; the core only stores the
// resulting records.
type ProjectSkills struct {
	Records []SkillRecord `json:"records,omitempty"`
}

// SkillRecord is one extracted skill or reflection note.
type SkillRecord struct {
	ID        string    `json:"id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project is a persistent record identified by a URL-safe slug.
type Project struct {
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	Directory string          `json:"directory,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Settings  ProjectSettings `json:"settings"`
	Skills    ProjectSkills   `json:"skills"`
}

// SessionStatus is a Session's lifecycle state.
type SessionStatus string

const (
	SessionPlanning    SessionStatus = "planning"
	SessionRunning     SessionStatus = "running"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
	SessionInterrupted SessionStatus = "interrupted"
)

// TaskStatus is a Task's lifecycle state.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskReady   TaskStatus = "ready"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

// AgentStatus is an Agent attempt's lifecycle state.
type AgentStatus string

const (
	AgentPending AgentStatus = "pending"
	AgentRunning AgentStatus = "running"
	AgentSuccess AgentStatus = "success"
	AgentFailed  AgentStatus = "failed"
	AgentKilled  AgentStatus = "killed"
	AgentTimeout AgentStatus = "timeout"
)

// Task is a node in the session DAG.
type Task struct {
	TaskID       string     `json:"taskId"`
	Label        string     `json:"label"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies"`
	Retries      int        `json:"retries"`
	Tier         Tier       `json:"tier"`
	// FixFor, when set, back-references the task this one was spawned to
	// repair by the verify-fix loop.
	FixFor string `json:"fixFor,omitempty"`
}

// AgentSummary is an attempt's post-hoc characterization, attached once
// the attempt terminates.
type AgentSummary struct {
	FilesChanged int    `json:"filesChanged"`
	Errors       int    `json:"errors"`
	Warnings     int    `json:"warnings"`
	TestsPassed  int    `json:"testsPassed"`
	TestsFailed  int    `json:"testsFailed"`
	// Digest is a short human-readable one-line description of what the
	// attempt did, derived from its output buffer.
	Digest string `json:"digest,omitempty"`
}

// Agent is one subprocess attempt at a task.
type Agent struct {
	AgentID    string      `json:"agentId"`
	TaskID     string      `json:"taskId"`
	SessionID  string      `json:"sessionId"`
	Model      string      `json:"model"`
	ModelTier  Tier        `json:"modelTier"`
	Multiplier float64     `json:"multiplier"`
	Status     AgentStatus `json:"status"`
	Retries    int         `json:"retries"`
	Output     []byte      `json:"-"`
	StartedAt  time.Time   `json:"startedAt"`
	EndedAt    *time.Time  `json:"endedAt,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Summary    *AgentSummary `json:"summary,omitempty"`
}

// PlanEdge is one dependency edge, stored alongside Tasks.Dependencies
// to simplify traversal in both directions.
type PlanEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Plan is the task DAG derived from a decomposition.
type Plan struct {
	Tasks []*Task    `json:"tasks"`
	Edges []PlanEdge `json:"edges"`
}

// CostSummary holds running totals for a session.
type CostSummary struct {
	TotalAgents          int         `json:"totalAgents"`
	TotalPremiumRequests float64     `json:"totalPremiumRequests"`
	PerTier              map[Tier]int `json:"perTier"`
}

// NewCostSummary returns a zeroed CostSummary with all tiers present.
func NewCostSummary() CostSummary {
	return CostSummary{
		PerTier: map[Tier]int{TierT0: 0, TierT1: 0, TierT2: 0, TierT3: 0},
	}
}

// Session is identified by a UUID sessionId scoped to a project.
type Session struct {
	SessionID   string        `json:"sessionId"`
	ProjectSlug string        `json:"projectSlug"`
	Prompt      string        `json:"prompt"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"startedAt"`
	EndedAt     *time.Time    `json:"endedAt,omitempty"`
	Plan        Plan          `json:"plan"`
	// Agents is keyed by agentId.
	Agents      map[string]*Agent `json:"agents"`
	CostSummary CostSummary       `json:"costSummary"`
	SnapshotRef string            `json:"snapshotRef,omitempty"`
	// Timeline is a bounded ring buffer of envelopes, capped at
	// constants.TimelineCap entries.
	Timeline []TimelineEntry `json:"timeline"`
	WorkDir  string          `json:"workDir"`
}

// TimelineEntry is one recorded event in a session's timeline. Kept as
// a narrow projection (kind/at/payload) rather than the full bus
// envelope, since the timeline belongs to exactly one session.
type TimelineEntry struct {
	Kind    string      `json:"kind"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Checkpoint is the on-disk JSON blob persisted per active session.
type Checkpoint struct {
	SessionID      string      `json:"sessionId"`
	ProjectSlug    string      `json:"projectSlug"`
	CheckpointedAt time.Time   `json:"checkpointedAt"`
	Prompt         string      `json:"prompt"`
	Plan           Plan        `json:"plan"`
	Agents         map[string]*Agent `json:"agents"`
	Timeline       []TimelineEntry   `json:"timeline"`
	CostSummary    CostSummary       `json:"costSummary"`
	WorkDir        string            `json:"workDir"`
}
