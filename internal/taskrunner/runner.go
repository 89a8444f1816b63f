// Package taskrunner executes a session's plan in dependency order,
// honoring admission limits and per-workDir exclusion, per spec.md
// §4.3's scheduler contract.
package taskrunner

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/haivemind/core/internal/agentmanager"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/protocol"
	"github.com/haivemind/core/internal/workdirlock"
)

// Result is the summary Run returns once a plan has drained, per
// spec.md §4.3 step 3.
type Result struct {
	FailedTasks  []string
	SkippedTasks []string
	CostSummary  domain.CostSummary
}

// Runner drains one session's plan, spawning tasks through an
// agentmanager.Manager as they become ready, subject to a concurrency
// ceiling and an optional cost ceiling.
type Runner struct {
	log         *logger.Logger
	mgr         *agentmanager.Manager
	bus         eventbus.Bus
	projectSlug string
	sessionID   string

	sem             *semaphore.Weighted
	workDirLock     *workdirlock.Registry
	serializeWrites bool
	costCeiling     float64
	maxRetriesTotal int

	mu        sync.Mutex
	cancelled bool
	cancel    context.CancelFunc
}

// New constructs a Runner. maxConcurrency below 1 is treated as 1;
// serializeWrites forces the per-workDir lock to be held for the
// entire attempt even when maxConcurrency allows more than one running
// task, per spec.md §4.3's "serialized writes mandated when
// maxConcurrency=1 or when the project's settings so demand."
func New(log *logger.Logger, mgr *agentmanager.Manager, bus eventbus.Bus, projectSlug, sessionID string, maxConcurrency int, costCeiling float64, maxRetriesTotal int, serializeWrites bool) *Runner {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Runner{
		log:             log,
		mgr:             mgr,
		bus:             bus,
		projectSlug:     projectSlug,
		sessionID:       sessionID,
		sem:             semaphore.NewWeighted(int64(maxConcurrency)),
		workDirLock:     workdirlock.NewRegistry(),
		serializeWrites: serializeWrites || maxConcurrency == 1,
		costCeiling:     costCeiling,
		maxRetriesTotal: maxRetriesTotal,
	}
}

// Cancel refuses further spawns and signals the Agent Manager to kill
// every live child; Run returns once all children have exited.
func (r *Runner) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.mgr.KillAll()
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

type completion struct {
	taskID  string
	agentID string
	status  domain.AgentStatus
	err     error
}

// Run drains plan's DAG to completion: tasks execute as their
// dependencies finish, subject to the concurrency and cost ceilings;
// a task that exhausts its retry budget is marked failed and every
// descendant reachable from it is marked skipped (transitive closure).
func (r *Runner) Run(ctx context.Context, plan *domain.Plan, workDir string) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	tasksByID := make(map[string]*domain.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		tasksByID[t.TaskID] = t
	}

	outgoing := make(map[string][]string)
	for _, e := range plan.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e.Target)
	}

	remainingDeps := make(map[string]int, len(plan.Tasks))
	for _, t := range plan.Tasks {
		remainingDeps[t.TaskID] = len(t.Dependencies)
	}

	var ready []string
	for _, t := range plan.Tasks {
		if remainingDeps[t.TaskID] == 0 {
			t.Status = domain.TaskReady
			ready = append(ready, t.TaskID)
		}
	}

	retries := make(map[string]int)
	tierRetryIndex := make(map[string]int)
	prevSummary := make(map[string]*domain.AgentSummary)

	completions := make(chan completion, len(plan.Tasks)+1)
	running := 0

	spawn := func(task *domain.Task) {
		running++
		task.Status = domain.TaskRunning
		r.publishTaskStatus(task, retries[task.TaskID])

		go func() {
			defer r.sem.Release(1)
			if r.serializeWrites {
				r.workDirLock.Lock(workDir)
				defer r.workDirLock.Unlock(workDir)
			}
			agent, err := r.mgr.Spawn(runCtx, task, tierRetryIndex[task.TaskID], workDir, promptFor(task), prevSummary[task.TaskID])
			agentID := ""
			if agent != nil {
				agentID = agent.AgentID
			}
			if err != nil {
				completions <- completion{taskID: task.TaskID, agentID: agentID, status: domain.AgentFailed, err: err}
				return
			}
			status, waitErr := r.mgr.Wait(runCtx, agent.AgentID)
			completions <- completion{taskID: task.TaskID, agentID: agentID, status: status, err: waitErr}
		}()
	}

	pump := func() {
		for len(ready) > 0 {
			if r.isCancelled() {
				return
			}
			taskID := ready[0]
			task := tasksByID[taskID]

			if r.costCeiling > 0 {
				_, multiplier := r.mgr.PeekModel(task.Tier, tierRetryIndex[taskID])
				if multiplier > 0 && r.mgr.CostSummary().TotalPremiumRequests+multiplier > r.costCeiling {
					ready = ready[1:]
					r.publishCostCeilingWarning(taskID)
					task.Status = domain.TaskFailed
					r.publishTaskStatus(task, retries[taskID])
					r.skipDescendants(taskID, outgoing, tasksByID, &ready)
					continue
				}
			}

			if !r.sem.TryAcquire(1) {
				return
			}
			ready = ready[1:]
			spawn(task)
		}
	}

	pump()

	for running > 0 {
		c := <-completions
		running--
		task := tasksByID[c.taskID]

		if c.err == nil && c.status == domain.AgentSuccess {
			task.Status = domain.TaskDone
			r.publishTaskStatus(task, retries[c.taskID])
			delete(prevSummary, c.taskID)
			for _, childID := range outgoing[c.taskID] {
				remainingDeps[childID]--
				if remainingDeps[childID] == 0 {
					child := tasksByID[childID]
					if !isTerminal(child.Status) {
						child.Status = domain.TaskReady
						ready = append(ready, childID)
					}
				}
			}
		} else {
			prevSummary[c.taskID] = r.mgr.AgentSummary(c.agentID)
			if resolved := r.resolvedTierOf(c.agentID, task.Tier); resolved != task.Tier {
				task.Tier = resolved
				tierRetryIndex[c.taskID] = 1
			} else {
				tierRetryIndex[c.taskID]++
			}
			retries[c.taskID]++

			if retries[c.taskID] < r.maxRetriesTotal && !r.isCancelled() {
				task.Status = domain.TaskReady
				task.Retries = retries[c.taskID]
				ready = append(ready, c.taskID)
			} else {
				task.Status = domain.TaskFailed
				task.Retries = retries[c.taskID]
				r.publishTaskStatus(task, retries[c.taskID])
				r.skipDescendants(c.taskID, outgoing, tasksByID, &ready)
			}
		}

		pump()
	}

	result := &Result{CostSummary: r.mgr.CostSummary()}
	for _, t := range plan.Tasks {
		switch t.Status {
		case domain.TaskFailed:
			result.FailedTasks = append(result.FailedTasks, t.TaskID)
		case domain.TaskSkipped:
			result.SkippedTasks = append(result.SkippedTasks, t.TaskID)
		}
	}
	return result, nil
}

func (r *Runner) resolvedTierOf(agentID string, fallback domain.Tier) domain.Tier {
	if agentID == "" {
		return fallback
	}
	snap := r.mgr.SessionSnapshot()
	if a, ok := snap[agentID]; ok {
		return a.ModelTier
	}
	return fallback
}

// skipDescendants marks every task reachable from taskID (via outgoing
// edges) that is not already terminal as skipped, and removes any of
// them from ready, implementing spec.md §4.3's transitive-closure
// propagation.
func (r *Runner) skipDescendants(taskID string, outgoing map[string][]string, tasksByID map[string]*domain.Task, ready *[]string) {
	queue := append([]string{}, outgoing[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t := tasksByID[id]
		if t == nil || isTerminal(t.Status) {
			continue
		}
		t.Status = domain.TaskSkipped
		r.publishTaskStatus(t, 0)
		*ready = removeID(*ready, id)
		queue = append(queue, outgoing[id]...)
	}
}

func isTerminal(status domain.TaskStatus) bool {
	return status == domain.TaskDone || status == domain.TaskFailed || status == domain.TaskSkipped
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// promptFor builds the prompt text sent to an agent for task. The
// decomposer is an out-of-scope collaborator, so the runner only
// carries the task's label forward verbatim.
func promptFor(task *domain.Task) string {
	return task.Label
}

func (r *Runner) publishTaskStatus(task *domain.Task, retries int) {
	retryCount := retries
	tier := string(task.Tier)
	payload := protocol.TaskStatusPayload{
		TaskID:    task.TaskID,
		SessionID: r.sessionID,
		Status:    string(task.Status),
		Retries:   &retryCount,
		ModelTier: &tier,
	}
	env := protocol.NewEnvelope(protocol.KindTaskStatus, r.projectSlug, payload).
		WithSession(r.sessionID).WithTask(task.TaskID)
	_ = r.bus.Broadcast(context.Background(), env)

	r.log.Info("task status",
		zap.String("task_id", task.TaskID),
		zap.String("status", string(task.Status)),
		zap.Int("retries", retries))
}

func (r *Runner) publishCostCeilingWarning(taskID string) {
	payload := protocol.SessionWarningPayload{
		SessionID: r.sessionID,
		Type:      "cost_ceiling_exceeded",
		Message:   "cost ceiling exceeded",
	}
	env := protocol.NewEnvelope(protocol.KindSessionWarning, r.projectSlug, payload).
		WithSession(r.sessionID).WithTask(taskID)
	_ = r.bus.Broadcast(context.Background(), env)
}
