// Package oracle declares the three pure-function collaborators the
// core treats as external: the Decomposer (prompt → plan), the
// Verifier (workspace state → verdict), and the Planner (reflection →
// follow-up prompt). The core never implements these; it only invokes
// them through a bounded timeout and interprets their declared
// contract.
package oracle

import (
	"context"
	"time"

	"github.com/haivemind/core/internal/domain"
)

// VerifyResult is a Verifier invocation's outcome.
type VerifyResult struct {
	Passed        bool           `json:"passed"`
	Issues        []string       `json:"issues,omitempty"`
	FollowUpTasks []*domain.Task `json:"followUpTasks,omitempty"`
}

// FollowUpDecision is a Planner invocation's outcome: the next prompt
// to run, or a decision to stop.
type FollowUpDecision struct {
	Prompt string `json:"prompt,omitempty"`
	Stop   bool   `json:"stop"`
	Reason string `json:"reason,omitempty"`
}

// Decomposer converts a natural-language prompt, against a project's
// linked directory, into a task DAG.
type Decomposer interface {
	Decompose(ctx context.Context, prompt string, workDir string, skills domain.ProjectSkills) (*domain.Plan, error)
}

// Verifier inspects a drained plan's resulting workspace state and
// reports whether it passes, and if not, what follow-up tasks would
// fix it.
type Verifier interface {
	Verify(ctx context.Context, plan *domain.Plan, workDir string, skills domain.ProjectSkills) (*VerifyResult, error)
}

// Planner proposes the next autopilot cycle's prompt from a project's
// pending reflections and its last session.
type Planner interface {
	ProposeFollowUp(ctx context.Context, project *domain.Project, lastSession *domain.Session) (*FollowUpDecision, error)
}

// WithTimeout wraps an oracle call so a slow or hung collaborator
// cannot block the caller past timeout; spec.md §5 requires the
// manager/oracle wrapper, never the caller, to enforce this.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return callCtx.Err()
	}
}
