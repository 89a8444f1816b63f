// Package agentmanager spawns, supervises, and accounts for the worker
// subprocesses backing a session's tasks: model/tier selection, output
// capture and summarization, timeout discipline, and cost accounting.
package agentmanager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/haivemind/core/internal/backend"
	"github.com/haivemind/core/internal/common/apperrors"
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/constants"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/common/tracing"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/protocol"
)

var agentTracer = tracing.Tracer("haivemind-agentmanager")

// Manager spawns, supervises, and accounts for the worker subprocesses
// backing one session's tasks. The Session Service constructs one
// Manager per running session.
type Manager struct {
	mu sync.Mutex

	sessionID   string
	projectSlug string

	backend      backend.Backend
	bus          eventbus.Bus
	log          *logger.Logger
	selector     *selector
	agentTimeout time.Duration

	agents map[string]*agentEntry
	cost   domain.CostSummary
}

type agentEntry struct {
	agent  *domain.Agent
	proc   backend.Process
	output []byte
	done   chan struct{}
	killed bool
	span   trace.Span
}

// New constructs a Manager for one session, against a project's
// admission/escalation settings.
func New(sessionID, projectSlug string, be backend.Backend, bus eventbus.Bus, log *logger.Logger, cfg *config.Config, settings domain.ProjectSettings) *Manager {
	return &Manager{
		sessionID:    sessionID,
		projectSlug:  projectSlug,
		backend:      be,
		bus:          bus,
		log:          log,
		selector:     newSelector(cfg.ModelTiers, settings.Escalation),
		agentTimeout: cfg.Timeouts.AgentTimeout(),
		agents:       make(map[string]*agentEntry),
		cost:         domain.NewCostSummary(),
	}
}

// Spawn selects a model for (task.Tier, retryIndex), starts a
// subprocess through the active Backend, and registers an agent record.
// It returns as soon as the subprocess has started (or failed to
// start); the terminal status resolves asynchronously, observed via
// Wait. prevSummary, when non-nil, is fed forward as escalation
// context ahead of prompt.
func (m *Manager) Spawn(ctx context.Context, task *domain.Task, retryIndex int, workDir string, prompt string, prevSummary *domain.AgentSummary) (*domain.Agent, error) {
	model, resolvedTier, multiplier := m.selector.Select(task.Tier, retryIndex)

	agentID := uuid.New().String()
	agent := &domain.Agent{
		AgentID:    agentID,
		TaskID:     task.TaskID,
		SessionID:  m.sessionID,
		Model:      model,
		ModelTier:  resolvedTier,
		Multiplier: multiplier,
		Status:     domain.AgentRunning,
		Retries:    retryIndex,
		StartedAt:  time.Now().UTC(),
	}

	_, span := agentTracer.Start(ctx, "agentmanager.spawn")
	span.SetAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("task_id", task.TaskID),
		attribute.String("session_id", m.sessionID),
		attribute.String("model", model),
		attribute.Int("retry_index", retryIndex),
	)

	entry := &agentEntry{agent: agent, done: make(chan struct{}), span: span}

	m.mu.Lock()
	m.agents[agentID] = entry
	m.mu.Unlock()

	fullPrompt := EscalationPrompt(prompt, prevSummary)

	proc, cmdLine, err := m.backend.Spawn(ctx, fullPrompt, workDir, backend.SpawnOptions{Model: model})
	if err != nil {
		m.finish(entry, domain.AgentFailed, fmt.Sprintf("failed to start: %v", err))
		return agent, apperrors.AgentFailed(agentID, err)
	}

	m.mu.Lock()
	entry.proc = proc
	m.mu.Unlock()

	m.log.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("task_id", task.TaskID),
		zap.String("model", model),
		zap.String("cmd", cmdLine))
	m.publishStatus(entry)

	go m.supervise(ctx, entry)

	return agent, nil
}

// supervise pumps stdout/stderr into the agent's output buffer and
// arms the per-process timeout, escalating SIGTERM to SIGKILL after
// constants.KillGracePeriod, per spec.md §4.2's timeout discipline.
func (m *Manager) supervise(ctx context.Context, entry *agentEntry) {
	var wg sync.WaitGroup
	wg.Add(2)
	go m.pump(entry, entry.proc.Stdout(), &wg)
	go m.pump(entry, entry.proc.Stderr(), &wg)

	waitDone := make(chan error, 1)
	go func() { waitDone <- entry.proc.Wait() }()

	timer := time.NewTimer(m.agentTimeout)
	defer timer.Stop()

	select {
	case err := <-waitDone:
		wg.Wait()
		m.mu.Lock()
		killed := entry.killed
		m.mu.Unlock()
		switch {
		case killed:
			m.finish(entry, domain.AgentKilled, "agent was killed")
		case err != nil:
			m.finish(entry, domain.AgentFailed, err.Error())
		default:
			m.finish(entry, domain.AgentSuccess, "")
		}
	case <-timer.C:
		m.killEntry(entry, syscall.SIGTERM)
		select {
		case <-waitDone:
		case <-time.After(constants.KillGracePeriod):
			m.killEntry(entry, syscall.SIGKILL)
			<-waitDone
		}
		wg.Wait()
		minutes := int(m.agentTimeout / time.Minute)
		m.finish(entry, domain.AgentTimeout, fmt.Sprintf("Agent timed out after %d minutes", minutes))
	}
}

func (m *Manager) pump(entry *agentEntry, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		chunk := append(append([]byte{}, scanner.Bytes()...), '\n')
		m.appendOutput(entry, chunk)
		m.publishOutput(entry, chunk)
	}
}

func (m *Manager) appendOutput(entry *agentEntry, chunk []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.output = append(entry.output, chunk...)
	if len(entry.output) > constants.AgentOutputCap {
		entry.output = entry.output[len(entry.output)-constants.AgentOutputCap:]
	}
}

// finish marks entry terminal, computes its summary, folds it into the
// cost summary, publishes a terminal agent:status event, and wakes any
// Wait callers.
func (m *Manager) finish(entry *agentEntry, status domain.AgentStatus, reason string) {
	m.mu.Lock()
	now := time.Now().UTC()
	entry.agent.Status = status
	entry.agent.EndedAt = &now
	entry.agent.Reason = reason
	summary := Summarize(entry.output)
	entry.agent.Summary = &summary
	entry.agent.Output = entry.output

	m.cost.TotalAgents++
	m.cost.TotalPremiumRequests += entry.agent.Multiplier
	m.cost.PerTier[entry.agent.ModelTier]++
	m.mu.Unlock()

	if entry.span != nil {
		entry.span.SetAttributes(attribute.String("status", string(status)))
		if status == domain.AgentFailed || status == domain.AgentTimeout {
			entry.span.SetStatus(codes.Error, reason)
		}
		entry.span.End()
	}

	m.publishStatus(entry)
	close(entry.done)
}

// Wait blocks until agentID reaches a terminal status, or ctx is done.
func (m *Manager) Wait(ctx context.Context, agentID string) (domain.AgentStatus, error) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return "", apperrors.NotFound("agent", agentID)
	}
	select {
	case <-entry.done:
		return entry.agent.Status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// KillAll signals SIGTERM to every live child, escalating to SIGKILL
// after constants.KillGracePeriod, and awaits all of them. It is
// idempotent: agents already terminal are ignored.
func (m *Manager) KillAll() int {
	m.mu.Lock()
	var live []*agentEntry
	for _, e := range m.agents {
		if e.proc != nil && e.agent.EndedAt == nil {
			live = append(live, e)
		}
	}
	m.mu.Unlock()

	if len(live) == 0 {
		return 0
	}

	for _, e := range live {
		m.killEntry(e, syscall.SIGTERM)
	}

	grace := time.After(constants.KillGracePeriod)
	count := 0
	for _, e := range live {
		select {
		case <-e.done:
			count++
		case <-grace:
			m.killEntry(e, syscall.SIGKILL)
			<-e.done
			count++
		}
	}
	return count
}

func (m *Manager) killEntry(entry *agentEntry, sig syscall.Signal) {
	m.mu.Lock()
	if entry.agent.EndedAt != nil {
		m.mu.Unlock()
		return
	}
	entry.killed = true
	proc := entry.proc
	m.mu.Unlock()
	if proc != nil {
		_ = proc.Kill(sig)
	}
}

// SessionSnapshot returns a read-only copy of every agent record
// registered so far, each carrying a computed summary — the stored one
// if terminal, else one computed live from the current output buffer.
func (m *Manager) SessionSnapshot() map[string]*domain.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*domain.Agent, len(m.agents))
	for id, e := range m.agents {
		cp := *e.agent
		if cp.Summary == nil {
			s := Summarize(e.output)
			cp.Summary = &s
		}
		out[id] = &cp
	}
	return out
}

// PeekModel previews the model and multiplier Spawn would select for
// (tier, retryIndex) without starting anything, letting admission
// control evaluate a cost ceiling ahead of spawning.
func (m *Manager) PeekModel(tier domain.Tier, retryIndex int) (model string, multiplier float64) {
	model, _, multiplier = m.selector.Select(tier, retryIndex)
	return model, multiplier
}

// AgentSummary returns agentID's computed summary, live if still
// running, or nil if agentID is unknown.
func (m *Manager) AgentSummary(agentID string) *domain.AgentSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	if e.agent.Summary != nil {
		return e.agent.Summary
	}
	s := Summarize(e.output)
	return &s
}

// CostSummary returns a read-only copy of the running cost totals.
func (m *Manager) CostSummary() domain.CostSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.cost
	cp.PerTier = make(map[domain.Tier]int, len(m.cost.PerTier))
	for k, v := range m.cost.PerTier {
		cp.PerTier[k] = v
	}
	return cp
}

func (m *Manager) publishStatus(entry *agentEntry) {
	m.mu.Lock()
	var reason *string
	if entry.agent.Reason != "" {
		r := entry.agent.Reason
		reason = &r
	}
	payload := protocol.AgentStatusPayload{
		AgentID:    entry.agent.AgentID,
		TaskID:     entry.agent.TaskID,
		SessionID:  m.sessionID,
		Status:     string(entry.agent.Status),
		Model:      entry.agent.Model,
		ModelTier:  string(entry.agent.ModelTier),
		Multiplier: entry.agent.Multiplier,
		Reason:     reason,
	}
	m.mu.Unlock()

	env := protocol.NewEnvelope(protocol.KindAgentStatus, m.projectSlug, payload).
		WithSession(m.sessionID).WithTask(entry.agent.TaskID).WithAgent(entry.agent.AgentID)
	_ = m.bus.Broadcast(context.Background(), env)
}

func (m *Manager) publishOutput(entry *agentEntry, chunk []byte) {
	payload := protocol.AgentOutputPayload{AgentID: entry.agent.AgentID, Chunk: chunk}
	env := protocol.NewEnvelope(protocol.KindAgentOutput, m.projectSlug, payload).
		WithSession(m.sessionID).WithTask(entry.agent.TaskID).WithAgent(entry.agent.AgentID)
	_ = m.bus.Broadcast(context.Background(), env)
}
