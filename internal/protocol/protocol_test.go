package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(KindTaskStatus, "acme", TaskStatusPayload{TaskID: "t1", Status: "ready"})

	require.NotEmpty(t, env.ID)
	assert.Equal(t, KindTaskStatus, env.Kind)
	assert.Equal(t, "acme", env.ProjectSlug)
	assert.WithinDuration(t, env.At, env.At, 0)
	assert.Empty(t, env.SessionID)
	assert.Empty(t, env.TaskID)
}

func TestEnvelope_WithHelpers(t *testing.T) {
	env := NewEnvelope(KindAgentStatus, "acme", nil).
		WithSession("s1").
		WithTask("t1").
		WithAgent("a1")

	assert.Equal(t, "s1", env.SessionID)
	assert.Equal(t, "t1", env.TaskID)
	assert.Equal(t, "a1", env.AgentID)
}

func TestKind_IsGlobal(t *testing.T) {
	assert.True(t, KindShutdownWarning.IsGlobal())
	assert.False(t, KindTaskStatus.IsGlobal())
}
