// Package autopilot is the bounded outer loop that repeatedly proposes
// follow-up prompts and invokes the Session Service, per spec.md §4.7.
package autopilot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/haivemind/core/internal/common/constants"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/oracle"
	"github.com/haivemind/core/internal/protocol"
	"github.com/haivemind/core/internal/session"
	"github.com/haivemind/core/internal/workspacestore"
)

// Options customizes one autopilot Run, per spec.md §4.7's
// "{maxCycles (default 3), costCeiling, requireTests (bool)}".
type Options struct {
	MaxCycles    int
	CostCeiling  float64
	RequireTests bool
	BackendName  string
}

// Result summarizes a completed autopilot run.
type Result struct {
	Cycles        int
	StopReason    string
	LastSessionID string
}

// Loop is the bounded outer loop.
type Loop struct {
	log      *logger.Logger
	bus      eventbus.Bus
	sessions *session.Service
	planner  oracle.Planner
	store    *workspacestore.Store

	mu      sync.Mutex
	stopped map[string]bool
}

// New constructs a Loop.
func New(log *logger.Logger, bus eventbus.Bus, sessions *session.Service, planner oracle.Planner, store *workspacestore.Store) *Loop {
	return &Loop{
		log:      log.WithFields(zap.String("component", "autopilot")),
		bus:      bus,
		sessions: sessions,
		planner:  planner,
		store:    store,
		stopped:  make(map[string]bool),
	}
}

// Stop raises the external stop signal for a project slug's in-flight
// run, checked at the top of the next cycle.
func (l *Loop) Stop(slug string) {
	l.mu.Lock()
	l.stopped[slug] = true
	l.mu.Unlock()
}

func (l *Loop) consumeStop(slug string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped[slug] {
		delete(l.stopped, slug)
		return true
	}
	return false
}

// Run drives the bounded outer loop for slug starting from prompt,
// invoking the Session Service once per cycle.
func (l *Loop) Run(ctx context.Context, slug, prompt string, opts Options) (*Result, error) {
	maxCycles := opts.MaxCycles
	if maxCycles <= 0 {
		maxCycles = constants.DefaultMaxAutopilotCycles
	}

	project, err := l.store.GetProject(slug)
	if err != nil {
		return nil, err
	}

	l.publishStarted(slug)

	var lastSession *domain.Session
	cumulativeCost := 0.0
	nextPrompt := prompt
	result := &Result{}

	for cycle := 1; cycle <= maxCycles; cycle++ {
		if l.consumeStop(slug) {
			result.StopReason = "external stop signal"
			break
		}

		decisionReason := "initial prompt"
		if cycle > 1 {
			decision, err := l.planner.ProposeFollowUp(ctx, project, lastSession)
			if err != nil {
				result.StopReason = fmt.Sprintf("planner error: %v", err)
				break
			}
			if decision.Stop {
				result.StopReason = decision.Reason
				break
			}
			nextPrompt = decision.Prompt
			decisionReason = decision.Prompt
		}

		sess, err := l.sessions.Start(ctx, slug, nextPrompt, session.StartOptions{BackendName: opts.BackendName})
		if err != nil {
			return nil, fmt.Errorf("autopilot cycle %d: %w", cycle, err)
		}
		lastSession = sess
		result.Cycles = cycle
		result.LastSessionID = sess.SessionID
		cumulativeCost += sess.CostSummary.TotalPremiumRequests

		l.publishCycle(slug, cycle, sess.SessionID, decisionReason)

		if sess.Status == domain.SessionFailed {
			result.StopReason = "last session ended in failed"
			break
		}
		if opts.CostCeiling > 0 && cumulativeCost > opts.CostCeiling {
			result.StopReason = "cumulative cost exceeded ceiling"
			break
		}
		if opts.RequireTests && verifyReportedFailingTests(sess) {
			result.StopReason = "requireTests and last verifier reported failing tests"
			break
		}
		if cycle == maxCycles {
			result.StopReason = "cycle counter reached maxCycles"
		}
	}

	l.publishStopped(slug, result.StopReason)
	return result, nil
}

// verifyReportedFailingTests scans a session's timeline for a verify
// status marker reporting failure, per spec.md §4.7's requireTests stop
// condition.
func verifyReportedFailingTests(sess *domain.Session) bool {
	for _, entry := range sess.Timeline {
		if entry.Kind != string(protocol.KindVerifyStatus) {
			continue
		}
		payload, ok := entry.Payload.(protocol.VerifyStatusPayload)
		if ok && payload.Status == "failed" {
			return true
		}
	}
	return false
}

func (l *Loop) publishStarted(slug string) {
	env := protocol.NewEnvelope(protocol.KindAutopilotStarted, slug, protocol.AutopilotPayload{ProjectSlug: slug})
	_ = l.bus.Broadcast(context.Background(), env)
}

func (l *Loop) publishCycle(slug string, cycle int, sessionID, decision string) {
	env := protocol.NewEnvelope(protocol.KindAutopilotCycle, slug, protocol.AutopilotPayload{
		ProjectSlug: slug,
		Cycle:       &cycle,
		Decision:    &decision,
	}).WithSession(sessionID)
	_ = l.bus.Broadcast(context.Background(), env)
}

func (l *Loop) publishStopped(slug, reason string) {
	env := protocol.NewEnvelope(protocol.KindAutopilotStopped, slug, protocol.AutopilotPayload{
		ProjectSlug: slug,
		Reason:      &reason,
	})
	_ = l.bus.Broadcast(context.Background(), env)
}
