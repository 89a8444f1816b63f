package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Admission.MaxConcurrency)
	assert.Equal(t, 3, cfg.Admission.MaxRetriesTotal)
	assert.Equal(t, 0, cfg.Admission.CostCeiling)
	assert.Equal(t, ".haivemind-workspace", cfg.Workspace.Root)
	assert.Equal(t, 300_000, cfg.Timeouts.AgentTimeoutMs)
	assert.Equal(t, 10_000, cfg.Checkpoint.IntervalMs)
	assert.Empty(t, cfg.Events.NATS.URL)
}

func TestModelTiersConfig_ModelFor(t *testing.T) {
	tiers := ModelTiersConfig{Models: map[string][]string{
		"T1": {"model-a", "model-b"},
	}}

	model, ok := tiers.ModelFor("T1", 0)
	require.True(t, ok)
	assert.Equal(t, "model-a", model)

	model, ok = tiers.ModelFor("T1", 1)
	require.True(t, ok)
	assert.Equal(t, "model-b", model)

	// retry indices beyond the table clamp to the last configured model.
	model, ok = tiers.ModelFor("T1", 5)
	require.True(t, ok)
	assert.Equal(t, "model-b", model)

	_, ok = tiers.ModelFor("T9", 0)
	assert.False(t, ok)
}

func TestValidate_RejectsBadAdmission(t *testing.T) {
	cfg := &Config{
		Server:     ServerConfig{Port: 8080},
		Admission:  AdmissionConfig{MaxConcurrency: 0, MaxRetriesTotal: 3},
		Timeouts:   TimeoutsConfig{AgentTimeoutMs: 1000, OrchestratorTimeoutMs: 1000},
		Checkpoint: CheckpointConfig{IntervalMs: 1000},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}

	err := validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "maxConcurrency")
}
