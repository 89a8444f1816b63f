package agentmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func TestManager_SpawnSuccessPublishesStatusAndComputesSummary(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	sub := bus.Subscribe(16)
	bus.SubscribeProject(sub, "proj")

	be := backend.NewMockBackend(backend.MockScript{Output: []byte("Creating file: main.go\ndone\n")})
	mgr := New("sess-1", "proj", be, bus, log, testConfig(t), domain.ProjectSettings{})

	task := &domain.Task{TaskID: "t1", Tier: domain.TierT1}
	agent, err := mgr.Spawn(context.Background(), task, 0, t.TempDir(), "do the thing", nil)
	require.NoError(t, err)
	require.NotNil(t, agent)

	status, err := mgr.Wait(context.Background(), agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSuccess, status)

	snap := mgr.SessionSnapshot()
	got := snap[agent.AgentID]
	require.NotNil(t, got)
	require.NotNil(t, got.Summary)
	assert.Equal(t, 1, got.Summary.FilesChanged)

	cost := mgr.CostSummary()
	assert.Equal(t, 1, cost.TotalAgents)
	assert.Equal(t, 1, cost.PerTier[domain.TierT1])

	drained := false
	for i := 0; i < 10; i++ {
		select {
		case env := <-sub.C:
			if env.Kind == "agent:status" {
				drained = true
			}
		case <-time.After(100 * time.Millisecond):
		}
		if drained {
			break
		}
	}
	assert.True(t, drained, "expected at least one agent:status event on the bus")
}

func TestManager_SpawnFailurePropagatesError(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	be := backend.NewMockBackend(backend.MockScript{Err: assert.AnError})
	mgr := New("sess-2", "proj", be, bus, log, testConfig(t), domain.ProjectSettings{})

	task := &domain.Task{TaskID: "t1", Tier: domain.TierT1}
	agent, err := mgr.Spawn(context.Background(), task, 0, t.TempDir(), "prompt", nil)
	require.NoError(t, err)

	status, err := mgr.Wait(context.Background(), agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentFailed, status)
}

func TestManager_KillAllIsIdempotentAndCountsLiveAgents(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	be := backend.NewMockBackend(backend.MockScript{Delay: time.Hour})
	mgr := New("sess-3", "proj", be, bus, log, testConfig(t), domain.ProjectSettings{})

	task := &domain.Task{TaskID: "t1", Tier: domain.TierT1}
	_, err := mgr.Spawn(context.Background(), task, 0, t.TempDir(), "prompt", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(mgr.SessionSnapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	killed := mgr.KillAll()
	assert.Equal(t, 1, killed)

	// second call has nothing live left to kill
	assert.Equal(t, 0, mgr.KillAll())
}

func TestManager_WaitUnknownAgentErrors(t *testing.T) {
	log := testLogger(t)
	bus := eventbus.NewMemoryBus(log)
	mgr := New("sess-4", "proj", backend.NewMockBackend(), bus, log, testConfig(t), domain.ProjectSettings{})
	_, err := mgr.Wait(context.Background(), "nonexistent")
	assert.Error(t, err)
}
