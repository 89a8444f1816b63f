package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func testService(t *testing.T, intervalMs int) *Service {
	t.Helper()
	cfg := &config.Config{
		Checkpoint: config.CheckpointConfig{
			Dir:        filepath.Join(t.TempDir(), "checkpoints"),
			IntervalMs: intervalMs,
		},
	}
	svc, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	return svc
}

func TestService_FlushAllWritesTrackedCheckpoints(t *testing.T) {
	svc := testService(t, 1000)
	cp := &domain.Checkpoint{SessionID: "s1", ProjectSlug: "proj"}
	svc.Update("s1", cp)

	svc.flushAll()

	data, err := os.ReadFile(svc.path("s1"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sessionId":"s1"`)
}

func TestService_StartStopFlushesOnceMoreOnStop(t *testing.T) {
	svc := testService(t, 60_000)
	cp := &domain.Checkpoint{SessionID: "s1", ProjectSlug: "proj"}
	svc.Update("s1", cp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()

	_, err := os.Stat(svc.path("s1"))
	assert.NoError(t, err)
}

func TestService_RemoveDeletesFileAndStopsTracking(t *testing.T) {
	svc := testService(t, 1000)
	cp := &domain.Checkpoint{SessionID: "s1", ProjectSlug: "proj"}
	svc.Update("s1", cp)
	svc.flushAll()

	require.NoError(t, svc.Remove("s1"))
	_, err := os.Stat(svc.path("s1"))
	assert.True(t, os.IsNotExist(err))

	// removing an already-removed session is a no-op, not an error
	assert.NoError(t, svc.Remove("s1"))
}

func TestService_RecoverySkipsFinalizedSessions(t *testing.T) {
	svc := testService(t, 1000)
	svc.Update("done-session", &domain.Checkpoint{SessionID: "done-session", ProjectSlug: "proj"})
	svc.Update("orphan-session", &domain.Checkpoint{
		SessionID:   "orphan-session",
		ProjectSlug: "proj",
		Plan: domain.Plan{
			Tasks: []*domain.Task{
				{TaskID: "t1", Status: domain.TaskDone},
				{TaskID: "t2", Status: domain.TaskRunning},
			},
		},
	})
	svc.flushAll()

	recovered, err := svc.Recover(map[string]bool{"done-session": true})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "orphan-session", recovered[0].SessionID)
	assert.Equal(t, domain.SessionInterrupted, recovered[0].Status)
	assert.ElementsMatch(t, []string{"t1"}, recovered[0].CompletedTasks)
	assert.ElementsMatch(t, []string{"t2"}, recovered[0].IncompleteTasks)

	data, err := os.ReadFile(svc.interruptedPath("orphan-session"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "orphan-session")
}

func TestService_RecoveryToleratesUnparseableFiles(t *testing.T) {
	svc := testService(t, 1000)
	require.NoError(t, os.MkdirAll(svc.dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(svc.dir, "garbage.json"), []byte("{not json"), 0o644))

	recovered, err := svc.Recover(nil)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestService_RecoveryOnMissingDirReturnsEmpty(t *testing.T) {
	cfg := &config.Config{
		Checkpoint: config.CheckpointConfig{
			Dir:        filepath.Join(t.TempDir(), "checkpoints"),
			IntervalMs: 1000,
		},
	}
	svc, err := New(cfg, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(svc.dir))

	recovered, err := svc.Recover(nil)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
