package taskrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/core/internal/agentmanager"
	"github.com/haivemind/core/internal/backend"
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	return cfg
}

func newRunner(t *testing.T, be backend.Backend, maxConcurrency int, costCeiling float64, maxRetriesTotal int) (*Runner, *agentmanager.Manager, *eventbus.Subscriber) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	sub := bus.Subscribe(256)
	bus.SubscribeProject(sub, "proj")
	mgr := agentmanager.New("sess-1", "proj", be, bus, log, testConfig(t), domain.ProjectSettings{})
	r := New(log, mgr, bus, "proj", "sess-1", maxConcurrency, costCeiling, maxRetriesTotal, false)
	return r, mgr, sub
}

func linearPlan() *domain.Plan {
	a := &domain.Task{TaskID: "a", Label: "a", Tier: domain.TierT0}
	b := &domain.Task{TaskID: "b", Label: "b", Tier: domain.TierT0, Dependencies: []string{"a"}}
	c := &domain.Task{TaskID: "c", Label: "c", Tier: domain.TierT0, Dependencies: []string{"b"}}
	return &domain.Plan{
		Tasks: []*domain.Task{a, b, c},
		Edges: []domain.PlanEdge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}
}

func TestRunner_DrainsLinearDAGInOrder(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Output: []byte("ok\n")})
	r, _, _ := newRunner(t, be, 4, 0, 3)

	plan := linearPlan()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, result.FailedTasks)
	assert.Empty(t, result.SkippedTasks)

	for _, task := range plan.Tasks {
		assert.Equal(t, domain.TaskDone, task.Status, "task %s", task.TaskID)
	}
}

func TestRunner_RetriesThenSucceeds(t *testing.T) {
	be := backend.NewMockBackend(
		backend.MockScript{Err: assert.AnError},
		backend.MockScript{Output: []byte("ok\n")},
	)
	r, _, _ := newRunner(t, be, 1, 0, 3)

	a := &domain.Task{TaskID: "a", Label: "a", Tier: domain.TierT1}
	plan := &domain.Plan{Tasks: []*domain.Task{a}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, result.FailedTasks)
	assert.Equal(t, domain.TaskDone, a.Status)
	assert.Equal(t, 1, a.Retries)
}

func TestRunner_RetryExhaustionSkipsDescendants(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Err: assert.AnError})
	r, _, _ := newRunner(t, be, 1, 0, 2)

	plan := linearPlan()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a"}, result.FailedTasks)
	assert.ElementsMatch(t, []string{"b", "c"}, result.SkippedTasks)
}

func TestRunner_CostCeilingRejectsSpawn(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Output: []byte("ok\n")})
	r, _, sub := newRunner(t, be, 4, 0.5, 3)

	a := &domain.Task{TaskID: "a", Label: "a", Tier: domain.TierT2}
	plan := &domain.Plan{Tasks: []*domain.Task{a}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a"}, result.FailedTasks)

	sawWarning := false
	for i := 0; i < 10; i++ {
		select {
		case env := <-sub.C:
			if env.Kind == "session:warning" {
				sawWarning = true
			}
		case <-time.After(50 * time.Millisecond):
		}
		if sawWarning {
			break
		}
	}
	assert.True(t, sawWarning, "expected a session:warning event on cost ceiling rejection")
}

func TestRunner_CostCeilingExactlyEqualAdmitsSpawn(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Output: []byte("ok\n")})
	r, _, _ := newRunner(t, be, 4, 2, 3)

	a := &domain.Task{TaskID: "a", Label: "a", Tier: domain.TierT2}
	plan := &domain.Plan{Tasks: []*domain.Task{a}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)

	assert.Empty(t, result.FailedTasks)
	assert.Equal(t, domain.TaskDone, a.Status)
}

func TestRunner_CancelStopsFurtherDispatch(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Delay: time.Hour})
	r, mgr, _ := newRunner(t, be, 1, 0, 3)

	plan := linearPlan()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = r.Run(ctx, plan, t.TempDir())
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(mgr.SessionSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	r.Cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRunner_DrainsIndependentReadyTasks(t *testing.T) {
	be := backend.NewMockBackend(backend.MockScript{Output: []byte("ok\n")})
	r, _, _ := newRunner(t, be, 1, 0, 3)

	a := &domain.Task{TaskID: "a", Label: "a", Tier: domain.TierT0}
	b := &domain.Task{TaskID: "b", Label: "b", Tier: domain.TierT0}
	c := &domain.Task{TaskID: "c", Label: "c", Tier: domain.TierT0}
	plan := &domain.Plan{Tasks: []*domain.Task{a, b, c}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := r.Run(ctx, plan, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, result.FailedTasks)
	for _, task := range plan.Tasks {
		assert.Equal(t, domain.TaskDone, task.Status)
	}
}
