// Package v1 holds the request/response DTOs for the REST surface, kept
// separate from internal/domain so the wire contract can evolve without
// dragging every internal consumer of the domain types along with it.
package v1

import (
	"time"

	"github.com/haivemind/core/internal/domain"
)

// Project is the wire representation of a registered project.
type Project struct {
	Slug      string          `json:"slug"`
	Name      string          `json:"name"`
	Directory string          `json:"directory"`
	CreatedAt time.Time       `json:"createdAt"`
	Settings  ProjectSettings `json:"settings"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Slug      string `json:"slug" binding:"required"`
	Name      string `json:"name" binding:"required"`
	Directory string `json:"directory" binding:"required"`
}

// ProjectSettings is the wire shape of GET/PUT
// /api/projects/:slug/settings.
type ProjectSettings struct {
	CostCeiling     int                                `json:"costCeiling"`
	MaxConcurrency  int                                `json:"maxConcurrency"`
	MaxRetriesTotal int                                `json:"maxRetriesTotal"`
	Escalation      map[domain.Tier][]domain.ModelChoice `json:"escalation,omitempty"`
}

// Session is the wire representation of a session summary. The full
// timeline and per-agent detail are only included on the single-session
// GET endpoint, not the list endpoint.
type Session struct {
	SessionID   string      `json:"sessionId"`
	ProjectSlug string      `json:"projectSlug"`
	Prompt      string      `json:"prompt"`
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	EndedAt     *time.Time  `json:"endedAt,omitempty"`
	SnapshotRef string      `json:"snapshotRef,omitempty"`
	CostSummary CostSummary `json:"costSummary"`
}

// CostSummary is the wire shape of a session's accumulated cost.
type CostSummary struct {
	TotalAgents          int                  `json:"totalAgents"`
	TotalPremiumRequests float64              `json:"totalPremiumRequests"`
	PerTier              map[domain.Tier]int  `json:"perTier,omitempty"`
}

// StartSessionRequest is the body of POST
// /api/projects/:slug/sessions.
type StartSessionRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// ContinueSessionRequest is the body of a follow-up prompt against an
// existing session.
type ContinueSessionRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

// InterruptedSession is the wire representation of a session recovered
// from a stale checkpoint at process startup.
type InterruptedSession struct {
	SessionID      string    `json:"sessionId"`
	ProjectSlug    string    `json:"projectSlug"`
	CheckpointedAt time.Time `json:"checkpointedAt"`
}

// DiffFile is one file's unified patch in a session diff response.
type DiffFile struct {
	Path      string `json:"path"`
	Patch     string `json:"patch,omitempty"`
	Truncated bool   `json:"truncated"`
}

// DiffResponse is the body of GET
// /api/projects/:slug/sessions/:id/diff.
type DiffResponse struct {
	SessionID    string     `json:"sessionId"`
	FilesChanged int        `json:"filesChanged"`
	Files        []DiffFile `json:"files,omitempty"`
}

// AutopilotStartRequest is the body of POST
// /api/projects/:slug/autopilot.
type AutopilotStartRequest struct {
	Prompt       string  `json:"prompt" binding:"required"`
	MaxCycles    int     `json:"maxCycles,omitempty"`
	CostCeiling  float64 `json:"costCeiling,omitempty"`
	RequireTests bool    `json:"requireTests,omitempty"`
	BackendName  string  `json:"backendName,omitempty"`
}

// AutopilotStatus is the body of GET
// /api/projects/:slug/autopilot.
type AutopilotStatus struct {
	ProjectSlug string `json:"projectSlug"`
	Running     bool   `json:"running"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Projects    int    `json:"projects"`
	Clients     int    `json:"clients"`
	ActiveLocks int    `json:"activeLocks"`
}
