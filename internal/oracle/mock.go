package oracle

import (
	"context"
	"fmt"

	"github.com/haivemind/core/internal/domain"
)

// MockDecomposer returns a fixed single-task plan (or a configured one),
// so the core is runnable end-to-end without a real decomposer LLM.
type MockDecomposer struct {
	// Plan, when set, is returned verbatim. Otherwise a single-task plan
	// is synthesized from the prompt.
	Plan *domain.Plan
	Err  error
}

func (d *MockDecomposer) Decompose(ctx context.Context, prompt string, workDir string, skills domain.ProjectSkills) (*domain.Plan, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Plan != nil {
		return d.Plan, nil
	}
	return &domain.Plan{
		Tasks: []*domain.Task{
			{TaskID: "task-1", Label: prompt, Tier: domain.TierT1},
		},
	}, nil
}

// MockVerifier always passes, per spec.md §4.4's "skip the loop in
// mock mode" — callers in mock mode should not invoke Verify at all,
// but this exists so tests can exercise the verify-fix loop
// deterministically without a real Verifier.
type MockVerifier struct {
	Result *VerifyResult
	Err    error
}

func (v *MockVerifier) Verify(ctx context.Context, plan *domain.Plan, workDir string, skills domain.ProjectSkills) (*VerifyResult, error) {
	if v.Err != nil {
		return nil, v.Err
	}
	if v.Result != nil {
		return v.Result, nil
	}
	return &VerifyResult{Passed: true}, nil
}

// MockPlanner always stops, so an autopilot run against mock mode
// terminates after its first cycle unless a caller configures a
// Decision.
type MockPlanner struct {
	Decision *FollowUpDecision
	Err      error
}

func (p *MockPlanner) ProposeFollowUp(ctx context.Context, project *domain.Project, lastSession *domain.Session) (*FollowUpDecision, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Decision != nil {
		return p.Decision, nil
	}
	return &FollowUpDecision{Stop: true, Reason: fmt.Sprintf("mock planner has no pending reflections for %s", project.Slug)}, nil
}
