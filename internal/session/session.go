// Package session implements the top-level per-prompt orchestrator:
// snapshot, decompose, schedule, verify, finalize. It is the component
// every transport surface (REST seed, CLI) actually calls.
package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/agentmanager"
	"github.com/haivemind/core/internal/backend"
	"github.com/haivemind/core/internal/checkpoint"
	"github.com/haivemind/core/internal/common/apperrors"
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/constants"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/oracle"
	"github.com/haivemind/core/internal/protocol"
	"github.com/haivemind/core/internal/taskrunner"
	"github.com/haivemind/core/internal/verifyfix"
	"github.com/haivemind/core/internal/workspacestore"
)

// Snapshotter creates a rollback point for a workDir at session start,
// per spec.md §4.5 step 3 ("Ask Snapshot collaborator to create a
// rollback point"). It is invoked via a defined hook; the core does not
// implement git tagging or tarball capture itself.
type Snapshotter interface {
	CreateRollbackPoint(ctx context.Context, workDir string) (ref string, err error)
}

// StartOptions customizes one Session Service invocation.
type StartOptions struct {
	// BackendName selects the registered backend.Backend agents are
	// spawned with. Defaults to "mock" when empty.
	BackendName string
	// Mock skips the Verify-Fix Loop entirely, per spec.md §4.5 step 8's
	// "unless mock" and the CLI's --mock flag.
	Mock bool
}

// Service is the top-level per-prompt orchestrator.
type Service struct {
	cfg         *config.Config
	log         *logger.Logger
	bus         eventbus.Bus
	store       *workspacestore.Store
	startLocks  *workspacestore.StartLocks
	checkpoints *checkpoint.Service
	backends    *backend.Registry
	decomposer  oracle.Decomposer
	verifier    oracle.Verifier
	snapshotter Snapshotter

	mu      sync.Mutex
	live    map[string]*domain.Session
	cancels map[string]context.CancelFunc
}

// New constructs a Service and installs itself as the event bus's
// timeline recorder. The bus exposes a single recorder slot (there is
// one process-wide subscriber-delivery/timeline path); routing to the
// right session's timeline by envelope SessionID happens inside
// RecordTimeline, so one Service instance can run many sessions at once.
func New(cfg *config.Config, log *logger.Logger, bus eventbus.Bus, store *workspacestore.Store, startLocks *workspacestore.StartLocks, checkpoints *checkpoint.Service, backends *backend.Registry, decomposer oracle.Decomposer, verifier oracle.Verifier, snapshotter Snapshotter) *Service {
	s := &Service{
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "session")),
		bus:         bus,
		store:       store,
		startLocks:  startLocks,
		checkpoints: checkpoints,
		backends:    backends,
		decomposer:  decomposer,
		verifier:    verifier,
		snapshotter: snapshotter,
		live:        make(map[string]*domain.Session),
		cancels:     make(map[string]context.CancelFunc),
	}
	bus.SetTimelineRecorder(s)
	return s
}

// RecordTimeline implements eventbus.TimelineRecorder. It appends env to
// the owning session's bounded timeline (cap constants.TimelineCap,
// oldest evicted first) and refreshes that session's checkpoint.
func (s *Service) RecordTimeline(env protocol.Envelope) {
	if env.SessionID == "" {
		return
	}

	s.mu.Lock()
	sess, ok := s.live[env.SessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.Timeline = append(sess.Timeline, domain.TimelineEntry{
		Kind:    string(env.Kind),
		At:      env.At,
		Payload: env.Payload,
	})
	if len(sess.Timeline) > constants.TimelineCap {
		sess.Timeline = sess.Timeline[len(sess.Timeline)-constants.TimelineCap:]
	}
	cp := checkpointOf(sess)
	s.mu.Unlock()

	s.checkpoints.Update(sess.SessionID, cp)
}

func checkpointOf(sess *domain.Session) *domain.Checkpoint {
	return &domain.Checkpoint{
		SessionID:      sess.SessionID,
		ProjectSlug:    sess.ProjectSlug,
		CheckpointedAt: time.Now().UTC(),
		Prompt:         sess.Prompt,
		Plan:           sess.Plan,
		Agents:         sess.Agents,
		Timeline:       sess.Timeline,
		CostSummary:    sess.CostSummary,
		WorkDir:        sess.WorkDir,
	}
}

// Start begins a new session for slug with the given prompt, per
// spec.md §4.5 steps 1-10.
func (s *Service) Start(ctx context.Context, slug, prompt string, opts StartOptions) (*domain.Session, error) {
	project, err := s.store.GetProject(slug)
	if err != nil {
		return nil, err
	}

	if !s.startLocks.TryLock(slug) {
		return nil, apperrors.Conflict(fmt.Sprintf("project '%s' already has a session running", slug))
	}
	defer s.startLocks.Unlock(slug)

	sessionID := uuid.New().String()
	workDir := filepath.Join(s.cfg.Workspace.Root, "projects", slug, "sessions", sessionID, "work")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, apperrors.InternalError("failed to allocate session workdir", err)
	}

	sess := &domain.Session{
		SessionID:   sessionID,
		ProjectSlug: slug,
		Prompt:      prompt,
		Status:      domain.SessionPlanning,
		StartedAt:   time.Now().UTC(),
		Agents:      make(map[string]*domain.Agent),
		CostSummary: domain.NewCostSummary(),
		WorkDir:     workDir,
	}
	if err := s.store.SaveSession(sess); err != nil {
		return nil, err
	}

	s.track(sess)
	defer s.untrack(sess.SessionID)

	if err := s.runPipeline(ctx, project, sess, opts, true); err != nil {
		s.finalizeFailed(sess, err)
		return sess, nil
	}

	return sess, nil
}

// Continue re-enters an existing session with a follow-up prompt, per
// spec.md §4.5's "Chat / iteration": the existing workDir is reused,
// the Decomposer produces an incremental plan, and the flow re-enters
// at step 6 (publish plan:created, checkpoint, run, verify, finalize).
func (s *Service) Continue(ctx context.Context, slug, sessionID, prompt string) (*domain.Session, error) {
	project, err := s.store.GetProject(slug)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(slug, sessionID)
	if err != nil {
		return nil, err
	}

	if !s.startLocks.TryLock(slug) {
		return nil, apperrors.Conflict(fmt.Sprintf("project '%s' already has a session running", slug))
	}
	defer s.startLocks.Unlock(slug)

	sess.Prompt = prompt
	sess.Status = domain.SessionPlanning
	sess.EndedAt = nil

	s.track(sess)
	defer s.untrack(sess.SessionID)

	incremental, err := s.decompose(ctx, sess, project, prompt)
	if err != nil {
		s.finalizeFailed(sess, err)
		return sess, nil
	}

	// New tasks are appended with no edges to the prior plan unless the
	// decomposer explicitly produced them, per the open question on
	// incremental planning: a follow-up prompt's tasks are independent
	// of whatever the prior prompt already finished.
	sess.Plan.Tasks = append(sess.Plan.Tasks, incremental.Tasks...)
	sess.Plan.Edges = append(sess.Plan.Edges, incremental.Edges...)

	opts := StartOptions{}
	if err := s.runFromPlan(ctx, project, sess, opts); err != nil {
		s.finalizeFailed(sess, err)
	}
	return sess, nil
}

// Cancel requests cancellation of a running session's context. It
// returns false if the session is not currently tracked as live.
func (s *Service) Cancel(sessionID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// LiveCount returns the number of sessions currently tracked as running,
// for the "GET /api/health" sessions field.
func (s *Service) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// StartLocks exposes the service's start-lock registry so transports can
// report per-project lock state (e.g. the "GET /api/health" activeLocks
// field) without duplicating lock bookkeeping.
func (s *Service) StartLocks() *workspacestore.StartLocks {
	return s.startLocks
}

func (s *Service) track(sess *domain.Session) {
	s.mu.Lock()
	s.live[sess.SessionID] = sess
	s.mu.Unlock()
}

func (s *Service) untrack(sessionID string) {
	s.mu.Lock()
	delete(s.live, sessionID)
	delete(s.cancels, sessionID)
	s.mu.Unlock()
}

// runPipeline executes steps 3-10 for a brand-new session: snapshot,
// load skills/settings, decompose, then runFromPlan.
func (s *Service) runPipeline(ctx context.Context, project *domain.Project, sess *domain.Session, opts StartOptions, takeSnapshot bool) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[sess.SessionID] = cancel
	s.mu.Unlock()
	defer cancel()

	if takeSnapshot && s.snapshotter != nil {
		ref, err := s.snapshotter.CreateRollbackPoint(runCtx, sess.WorkDir)
		if err != nil {
			return fmt.Errorf("snapshot failed: %w", err)
		}
		sess.SnapshotRef = ref
	}

	plan, err := s.decompose(runCtx, sess, project, sess.Prompt)
	if err != nil {
		return err
	}
	sess.Plan = *plan

	return s.runFromPlan(runCtx, project, sess, opts)
}

func (s *Service) decompose(ctx context.Context, sess *domain.Session, project *domain.Project, prompt string) (*domain.Plan, error) {
	var plan *domain.Plan
	err := oracle.WithTimeout(ctx, s.cfg.Timeouts.OrchestratorTimeout(), func(callCtx context.Context) error {
		var decErr error
		plan, decErr = s.decomposer.Decompose(callCtx, prompt, sess.WorkDir, project.Skills)
		return decErr
	})
	if err != nil {
		return nil, fmt.Errorf("decompose failed: %w", err)
	}
	return plan, nil
}

// runFromPlan executes steps 6-10: publish plan:created, checkpoint,
// drain the plan via Task Runner, run Verify-Fix unless mock, finalize.
func (s *Service) runFromPlan(ctx context.Context, project *domain.Project, sess *domain.Session, opts StartOptions) error {
	if cyclic(&sess.Plan) {
		return fmt.Errorf("plan contains a dependency cycle")
	}

	sess.Status = domain.SessionRunning
	s.publishPlanCreated(sess)
	s.checkpoints.Update(sess.SessionID, checkpointOf(sess))

	backendName := opts.BackendName
	if backendName == "" {
		backendName = "mock"
	}
	be, err := s.backends.Get(backendName)
	if err != nil {
		return fmt.Errorf("resolve backend %q: %w", backendName, err)
	}

	mgr := agentmanager.New(sess.SessionID, sess.ProjectSlug, be, s.bus, s.log, s.cfg, project.Settings)

	maxConcurrency, costCeiling, maxRetriesTotal := admissionFor(project.Settings, s.cfg.Admission)
	runner := taskrunner.New(s.log, mgr, s.bus, sess.ProjectSlug, sess.SessionID, maxConcurrency, costCeiling, maxRetriesTotal, false)

	result, err := runner.Run(ctx, &sess.Plan, sess.WorkDir)
	if err != nil {
		return fmt.Errorf("task runner failed: %w", err)
	}
	if len(result.FailedTasks) > 0 {
		s.log.Warn("session's plan finished with failed tasks", zap.String("session_id", sess.SessionID), zap.Strings("failed_tasks", result.FailedTasks))
	}

	if !opts.Mock {
		loop := verifyfix.New(s.log, s.verifier, mgr, s.bus, sess.ProjectSlug, sess.SessionID, s.cfg.Timeouts.OrchestratorTimeout())
		vr, err := loop.Run(ctx, &sess.Plan, sess.WorkDir, project.Skills)
		if err != nil {
			return fmt.Errorf("verify-fix loop failed: %w", err)
		}
		if vr.Exhausted {
			// Session still completes per spec.md §4.5's "verify loop cap:
			// after 3 failing rounds the session still completes" — the
			// failure is recorded as a timeline marker, not a fatal error.
			s.publishVerifyFailedMarker(sess, vr)
		}
	}

	sess.Agents = mgr.SessionSnapshot()
	sess.CostSummary = mgr.CostSummary()

	now := time.Now().UTC()
	sess.Status = domain.SessionCompleted
	sess.EndedAt = &now

	if err := s.store.SaveSession(sess); err != nil {
		return fmt.Errorf("persist finalized session: %w", err)
	}
	s.publishComplete(sess)
	s.cleanup(sess.SessionID, mgr)
	return nil
}

func (s *Service) finalizeFailed(sess *domain.Session, cause error) {
	now := time.Now().UTC()
	sess.Status = domain.SessionFailed
	sess.EndedAt = &now

	env := protocol.NewEnvelope(protocol.KindSessionError, sess.ProjectSlug, protocol.SessionErrorPayload{
		SessionID: sess.SessionID,
		Error:     cause.Error(),
	}).WithSession(sess.SessionID)
	_ = s.bus.Broadcast(context.Background(), env)

	if err := s.store.SaveSession(sess); err != nil {
		s.log.Error("failed to persist failed session", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	// Checkpoint deliberately left in place for forensics, per
	// spec.md §7's "Fatal session error... checkpoint left in place."
	s.log.Warn("session finalized as failed", zap.String("session_id", sess.SessionID), zap.Error(cause))
}

func (s *Service) cleanup(sessionID string, mgr *agentmanager.Manager) {
	if err := s.checkpoints.Remove(sessionID); err != nil {
		s.log.Warn("failed to remove checkpoint on finalize", zap.String("session_id", sessionID), zap.Error(err))
	}
	mgr.KillAll()
}

func (s *Service) publishPlanCreated(sess *domain.Session) {
	tasks := make([]protocol.PlanTaskDesc, 0, len(sess.Plan.Tasks))
	for _, t := range sess.Plan.Tasks {
		tasks = append(tasks, protocol.PlanTaskDesc{ID: t.TaskID, Label: t.Label, Dependencies: t.Dependencies})
	}
	edges := make([]protocol.PlanEdgeDesc, 0, len(sess.Plan.Edges))
	for _, e := range sess.Plan.Edges {
		edges = append(edges, protocol.PlanEdgeDesc{Source: e.Source, Target: e.Target})
	}
	env := protocol.NewEnvelope(protocol.KindPlanCreated, sess.ProjectSlug, protocol.PlanCreatedPayload{
		SessionID: sess.SessionID,
		Tasks:     tasks,
		Edges:     edges,
	}).WithSession(sess.SessionID)
	_ = s.bus.Broadcast(context.Background(), env)
}

func (s *Service) publishComplete(sess *domain.Session) {
	env := protocol.NewEnvelope(protocol.KindSessionComplete, sess.ProjectSlug, protocol.SessionCompletePayload{
		SessionID:   sess.SessionID,
		CostSummary: sess.CostSummary,
	}).WithSession(sess.SessionID)
	_ = s.bus.Broadcast(context.Background(), env)
}

func (s *Service) publishVerifyFailedMarker(sess *domain.Session, vr *verifyfix.Result) {
	round := vr.Rounds
	env := protocol.NewEnvelope(protocol.KindVerifyStatus, sess.ProjectSlug, protocol.VerifyStatusPayload{
		Status: "failed",
		Round:  &round,
		Issues: vr.Issues,
	}).WithSession(sess.SessionID)
	_ = s.bus.Broadcast(context.Background(), env)
}

// admissionFor resolves effective admission limits: a project settings
// override of 0 falls back to the process-wide config default.
func admissionFor(settings domain.ProjectSettings, defaults config.AdmissionConfig) (maxConcurrency int, costCeiling float64, maxRetriesTotal int) {
	maxConcurrency = settings.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaults.MaxConcurrency
	}
	costCeiling = float64(settings.CostCeiling)
	if settings.CostCeiling <= 0 {
		costCeiling = float64(defaults.CostCeiling)
	}
	maxRetriesTotal = settings.MaxRetriesTotal
	if maxRetriesTotal <= 0 {
		maxRetriesTotal = defaults.MaxRetriesTotal
	}
	return maxConcurrency, costCeiling, maxRetriesTotal
}

// cyclic reports whether plan's dependency graph contains a cycle, via
// plain Kahn's-algorithm in-degree counting, per spec.md §8's "Cyclic
// plan ⇒ detected and rejected... before any agent spawns."
func cyclic(plan *domain.Plan) bool {
	indegree := make(map[string]int, len(plan.Tasks))
	outgoing := make(map[string][]string, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if _, ok := indegree[t.TaskID]; !ok {
			indegree[t.TaskID] = 0
		}
	}
	for _, e := range plan.Edges {
		indegree[e.Target]++
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range outgoing[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	return visited != len(indegree)
}
