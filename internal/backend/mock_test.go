package backend

import (
	"context"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBackend_PlaysScriptsInOrder(t *testing.T) {
	b := NewMockBackend(
		MockScript{Output: []byte("first")},
		MockScript{Output: []byte("second")},
	)

	proc1, cmdLine, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{Model: "t0-mock"})
	require.NoError(t, err)
	assert.Contains(t, cmdLine, "t0-mock")
	require.NoError(t, proc1.Wait())
	out1, err := io.ReadAll(proc1.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "first", string(out1))

	proc2, _, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, proc2.Wait())
	out2, err := io.ReadAll(proc2.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "second", string(out2))

	// exhausted: repeats the last script
	proc3, _, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, proc3.Wait())
	out3, err := io.ReadAll(proc3.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "second", string(out3))
}

func TestMockBackend_KillUnblocksWaitImmediately(t *testing.T) {
	b := NewMockBackend(MockScript{Delay: time.Hour})
	proc, _, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	require.NoError(t, proc.Kill(syscall.SIGTERM))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Kill")
	}

	// killing twice must not panic
	assert.NoError(t, proc.Kill(syscall.SIGTERM))
}

func TestMockBackend_PropagatesScriptError(t *testing.T) {
	wantErr := assert.AnError
	b := NewMockBackend(MockScript{Err: wantErr})
	proc, _, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, wantErr, proc.Wait())
}

func TestMockBackend_NoScriptsSucceedsWithEmptyOutput(t *testing.T) {
	b := NewMockBackend()
	proc, _, err := b.Spawn(context.Background(), "prompt", "/tmp", SpawnOptions{})
	require.NoError(t, err)
	require.NoError(t, proc.Wait())
	out, err := io.ReadAll(proc.Stdout())
	require.NoError(t, err)
	assert.Empty(t, out)
}
