package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("mock", func() (Backend, error) { return NewMockBackend(), nil })

	b, err := r.Get("mock")
	require.NoError(t, err)
	assert.NotNil(t, b)

	assert.Equal(t, []string{"mock"}, r.Names())
}

func TestRegistry_GetUnknownNameErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	assert.Error(t, err)
}

func TestExecBackend_SpawnAndWait(t *testing.T) {
	b := NewExecBackend("echo", []string{"hello"}, "")
	proc, cmdLine, err := b.Spawn(context.Background(), "", ".", SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "echo hello", cmdLine)
	require.NoError(t, proc.Wait())
}
