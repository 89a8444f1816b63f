package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/core/internal/backend"
	"github.com/haivemind/core/internal/checkpoint"
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/common/logger"
	"github.com/haivemind/core/internal/domain"
	"github.com/haivemind/core/internal/eventbus"
	"github.com/haivemind/core/internal/oracle"
	"github.com/haivemind/core/internal/workspacestore"
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
	cfg.Workspace.Root = t.TempDir()
	cfg.Checkpoint.Dir = t.TempDir()
	return cfg
}

type testHarness struct {
	svc   *Service
	store *workspacestore.Store
	be    *backend.Registry
}

func newHarness(t *testing.T, decomposer oracle.Decomposer, verifier oracle.Verifier, scripts ...backend.MockScript) *testHarness {
	t.Helper()
	log := testLogger(t)
	cfg := testConfig(t)
	bus := eventbus.NewMemoryBus(log)

	store, err := workspacestore.New(cfg)
	require.NoError(t, err)

	cpSvc, err := checkpoint.New(cfg, log)
	require.NoError(t, err)

	registry := backend.NewRegistry()
	registry.Register("mock", func() (backend.Backend, error) {
		return backend.NewMockBackend(scripts...), nil
	})

	svc := New(cfg, log, bus, store, workspacestore.NewStartLocks(), cpSvc, registry, decomposer, verifier, &MockSnapshotter{})
	return &testHarness{svc: svc, store: store, be: registry}
}

func TestService_StartHappyPathCompletesSession(t *testing.T) {
	decomposer := &oracle.MockDecomposer{}
	verifier := &oracle.MockVerifier{Result: &oracle.VerifyResult{Passed: true}}
	h := newHarness(t, decomposer, verifier, backend.MockScript{Output: []byte("ok\n")})

	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "build a todo app", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.Equal(t, 1, sess.CostSummary.TotalAgents)
	assert.NotEmpty(t, sess.SnapshotRef)

	persisted, err := h.store.GetSession("acme", sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, persisted.Status)
}

func TestService_StartUnknownProjectReturnsError(t *testing.T) {
	h := newHarness(t, &oracle.MockDecomposer{}, &oracle.MockVerifier{})
	_, err := h.svc.Start(context.Background(), "ghost", "prompt", StartOptions{})
	assert.Error(t, err)
}

func TestService_StartRejectsConcurrentSessionOnSameProject(t *testing.T) {
	h := newHarness(t, &oracle.MockDecomposer{}, &oracle.MockVerifier{}, backend.MockScript{Delay: 200 * time.Millisecond, Output: []byte("ok\n")})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	require.True(t, h.svc.startLocks.TryLock("acme"))
	_, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{})
	assert.Error(t, err)
	h.svc.startLocks.Unlock("acme")
}

func TestService_DecomposeFailureFinalizesAsFailed(t *testing.T) {
	decomposer := &oracle.MockDecomposer{Err: assertError("decompose boom")}
	h := newHarness(t, decomposer, &oracle.MockVerifier{})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
	assert.NotNil(t, sess.EndedAt)
}

func TestService_MockModeSkipsVerifyFixLoop(t *testing.T) {
	verifyCalled := false
	verifier := verifierFunc(func() { verifyCalled = true })
	h := newHarness(t, &oracle.MockDecomposer{}, verifier, backend.MockScript{Output: []byte("ok\n")})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{Mock: true})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.False(t, verifyCalled)
}

func TestService_EmptyPlanCompletesImmediately(t *testing.T) {
	decomposer := &oracle.MockDecomposer{Plan: &domain.Plan{}}
	h := newHarness(t, decomposer, &oracle.MockVerifier{Result: &oracle.VerifyResult{Passed: true}})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.Equal(t, 0, sess.CostSummary.TotalAgents)
}

func TestService_CyclicPlanFinalizesAsFailed(t *testing.T) {
	decomposer := &oracle.MockDecomposer{Plan: &domain.Plan{
		Tasks: []*domain.Task{
			{TaskID: "a", Dependencies: []string{"b"}},
			{TaskID: "b", Dependencies: []string{"a"}},
		},
		Edges: []domain.PlanEdge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}}
	h := newHarness(t, decomposer, &oracle.MockVerifier{})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, sess.Status)
}

func TestService_ContinueAppendsIncrementalPlan(t *testing.T) {
	decomposer := &oracle.MockDecomposer{}
	h := newHarness(t, decomposer, &oracle.MockVerifier{Result: &oracle.VerifyResult{Passed: true}}, backend.MockScript{Output: []byte("ok\n")}, backend.MockScript{Output: []byte("ok\n")})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	sess, err := h.svc.Start(context.Background(), "acme", "first prompt", StartOptions{})
	require.NoError(t, err)
	require.Len(t, sess.Plan.Tasks, 1)

	decomposer.Plan = &domain.Plan{Tasks: []*domain.Task{{TaskID: "task-2", Label: "follow up", Tier: domain.TierT1}}}
	continued, err := h.svc.Continue(context.Background(), "acme", sess.SessionID, "second prompt")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, continued.Status)
	assert.Len(t, continued.Plan.Tasks, 2)
}

func TestService_CancelUnknownSessionReturnsFalse(t *testing.T) {
	h := newHarness(t, &oracle.MockDecomposer{}, &oracle.MockVerifier{})
	assert.False(t, h.svc.Cancel("no-such-session"))
}

func TestService_FatalTaskErrorStillCompletesSession(t *testing.T) {
	decomposer := &oracle.MockDecomposer{}
	verifier := &oracle.MockVerifier{Result: &oracle.VerifyResult{Passed: true}}
	h := newHarness(t, decomposer, verifier, backend.MockScript{Err: assertError("agent exploded")})
	require.NoError(t, h.store.CreateProject(&domain.Project{Slug: "acme"}))

	cfg := h.svc.cfg
	cfg.Admission.MaxRetriesTotal = 1

	sess, err := h.svc.Start(context.Background(), "acme", "prompt", StartOptions{})
	require.NoError(t, err)
	// Fatal task error still reaches completed per the task-failure taxonomy;
	// only decomposer/snapshot/unexpected errors mark the session failed.
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	require.Len(t, sess.Plan.Tasks, 1)
	assert.Equal(t, domain.TaskFailed, sess.Plan.Tasks[0].Status)
}

type assertError string

func (e assertError) Error() string { return string(e) }

type verifierFunc func()

func (f verifierFunc) Verify(ctx context.Context, plan *domain.Plan, workDir string, skills domain.ProjectSkills) (*oracle.VerifyResult, error) {
	f()
	return &oracle.VerifyResult{Passed: true}, nil
}
