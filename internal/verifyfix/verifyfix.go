// Package verifyfix runs the bounded verification loop that follows a
// drained task DAG: invoke the Verifier oracle, spawn a follow-up
// agent per reported issue, and repeat up to a fixed round cap.
package verifyfix

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/haivemind/core/internal/agentmanager"
	"github.com/haivemind/core/internal/common/constants"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/oracle"
	"github.com/haivemind/core/internal/protocol"
)

// Result is what Run returns once the loop exits.
type Result struct {
	Passed    bool
	Rounds    int
	Exhausted bool
	Issues    []string
}

// Loop drives one session's verify-fix rounds against a Verifier
// oracle and an Agent Manager.
type Loop struct {
	log                 *logger.Logger
	verifier            oracle.Verifier
	mgr                 *agentmanager.Manager
	bus                 eventbus.Bus
	projectSlug         string
	sessionID           string
	orchestratorTimeout time.Duration
	maxRounds           int
}

// New constructs a Loop bounded by constants.MaxVerifyRounds, with each
// round's Verifier call bounded by orchestratorTimeout.
func New(log *logger.Logger, verifier oracle.Verifier, mgr *agentmanager.Manager, bus eventbus.Bus, projectSlug, sessionID string, orchestratorTimeout time.Duration) *Loop {
	if orchestratorTimeout <= 0 {
		orchestratorTimeout = constants.DefaultOrchestratorTimeout
	}
	return &Loop{
		log:                 log,
		verifier:            verifier,
		mgr:                 mgr,
		bus:                 bus,
		projectSlug:         projectSlug,
		sessionID:           sessionID,
		orchestratorTimeout: orchestratorTimeout,
		maxRounds:           constants.MaxVerifyRounds,
	}
}

// Run executes up to maxRounds verification rounds, short-circuiting
// as soon as a round reports passed. Each failing round spawns one
// follow-up agent per issue's followUpTask (tier inherited from that
// task, zero retries) and awaits all of them before re-verifying.
// Exhausting every round still failing leaves Result.Exhausted true;
// the caller (Session Service) is responsible for recording the
// verify:failed timeline marker and still finalizing the session as
// completed, per spec.md §4.4.
func (l *Loop) Run(ctx context.Context, plan *domain.Plan, workDir string, skills domain.ProjectSkills) (*Result, error) {
	var lastIssues []string

	for round := 1; round <= l.maxRounds; round++ {
		l.publishStatus("running", &round, nil)

		var result *oracle.VerifyResult
		err := oracle.WithTimeout(ctx, l.orchestratorTimeout, func(callCtx context.Context) error {
			var verifyErr error
			result, verifyErr = l.verifier.Verify(callCtx, plan, workDir, skills)
			return verifyErr
		})

		if err != nil {
			result = &oracle.VerifyResult{Passed: false, Issues: []string{"Verification timed out"}}
		}

		lastIssues = result.Issues

		if result.Passed {
			l.publishStatus("passed", &round, nil)
			return &Result{Passed: true, Rounds: round}, nil
		}

		l.publishStatus("fixing", &round, result.Issues)

		if err := l.spawnFollowUps(ctx, result.FollowUpTasks, workDir); err != nil {
			l.log.Warn("verify-fix follow-up agents reported errors",
				zap.Int("round", round), zap.Error(err))
		}
	}

	return &Result{Passed: false, Rounds: l.maxRounds, Exhausted: true, Issues: lastIssues}, nil
}

func (l *Loop) spawnFollowUps(ctx context.Context, tasks []*domain.Task, workDir string) error {
	if len(tasks) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			agent, err := l.mgr.Spawn(gctx, task, 0, workDir, task.Label, nil)
			if err != nil {
				return fmt.Errorf("spawn follow-up task %s: %w", task.TaskID, err)
			}
			status, waitErr := l.mgr.Wait(gctx, agent.AgentID)
			if waitErr != nil {
				return fmt.Errorf("await follow-up task %s: %w", task.TaskID, waitErr)
			}
			if status != domain.AgentSuccess {
				return fmt.Errorf("follow-up task %s ended %s", task.TaskID, status)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Loop) publishStatus(status string, round *int, issues []string) {
	payload := protocol.VerifyStatusPayload{Status: status, Round: round, Issues: issues}
	env := protocol.NewEnvelope(protocol.KindVerifyStatus, l.projectSlug, payload).WithSession(l.sessionID)
	_ = l.bus.Broadcast(context.Background(), env)
}
