package agentmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/domain"
)

func TestSelector_SelectWithinTableUsesConfiguredModel(t *testing.T) {
	cfg, err := config.LoadWithPath(t.TempDir())
	require.NoError(t, err)
	s := newSelector(cfg.ModelTiers, nil)

	model, tier, _ := s.Select(domain.TierT1, 0)
	assert.NotEmpty(t, model)
	assert.Equal(t, domain.TierT1, tier)
}

func TestSelector_EscalatesTierWhenTableExhausted(t *testing.T) {
	tiers := config.ModelTiersConfig{Models: map[string][]string{
		"T1": {"t1-model-a"},
		"T2": {"t2-model-a"},
	}}
	s := newSelector(tiers, nil)

	model, tier, _ := s.Select(domain.TierT1, 5)
	assert.Equal(t, "t2-model-a", model)
	assert.Equal(t, domain.TierT2, tier)
}

func TestSelector_ProjectEscalationOverridesGlobalTable(t *testing.T) {
	tiers := config.ModelTiersConfig{Models: map[string][]string{"T1": {"global-model"}}}
	override := map[domain.Tier][]domain.ModelChoice{
		domain.TierT1: {{Model: "override-model", Multiplier: 2}},
	}
	s := newSelector(tiers, override)

	model, tier, multiplier := s.Select(domain.TierT1, 0)
	assert.Equal(t, "override-model", model)
	assert.Equal(t, domain.TierT1, tier)
	assert.Equal(t, 2.0, multiplier)
}

func TestSelector_CeilingAtT3StopsEscalating(t *testing.T) {
	tiers := config.ModelTiersConfig{Models: map[string][]string{
		"T3": {"t3-model"},
	}}
	s := newSelector(tiers, nil)

	model, tier, _ := s.Select(domain.TierT3, 99)
	assert.Equal(t, "t3-model", model)
	assert.Equal(t, domain.TierT3, tier)
}
