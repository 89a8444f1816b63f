package agentmanager

import (
	"github.com/haivemind/core/internal/common/config"
	"github.com/haivemind/core/internal/domain"
)

// defaultMultipliers assigns a premium-request multiplier per tier when
// a project carries no ProjectSettings.Escalation override for that
// tier. T0 models are assumed local/free; each tier up doubles cost.
var defaultMultipliers = map[domain.Tier]float64{
	domain.TierT0: 0,
	domain.TierT1: 1,
	domain.TierT2: 2,
	domain.TierT3: 4,
}

// selector resolves (tier, retryIndex) pairs to a concrete model choice,
// consulting a project's escalation override table ahead of the
// process-wide tier table, and escalating tiers once a table is
// exhausted, per spec.md §4.2's "tier escalation policy."
type selector struct {
	tiers      config.ModelTiersConfig
	escalation map[domain.Tier][]domain.ModelChoice
}

func newSelector(tiers config.ModelTiersConfig, escalation map[domain.Tier][]domain.ModelChoice) *selector {
	return &selector{tiers: tiers, escalation: escalation}
}

// Select returns the model, the tier it was ultimately drawn from
// (which may have escalated past tier), and its cost multiplier. A
// tier's table is considered exhausted once retryIndex reaches its
// length, at which point selection escalates to the next tier at
// retryIndex 0; at the T3 ceiling the last configured model repeats.
func (s *selector) Select(tier domain.Tier, retryIndex int) (model string, resolvedTier domain.Tier, multiplier float64) {
	t := tier
	idx := retryIndex
	for {
		if choices, ok := s.escalation[t]; ok && len(choices) > 0 {
			if idx < len(choices) {
				c := choices[idx]
				return c.Model, t, c.Multiplier
			}
		} else if models, ok := s.tiers.Models[string(t)]; ok && len(models) > 0 && idx < len(models) {
			return models[idx], t, defaultMultipliers[t]
		}

		next, atCeiling := t.Next()
		if atCeiling {
			if choices, ok := s.escalation[t]; ok && len(choices) > 0 {
				c := clampChoice(choices, idx)
				return c.Model, t, c.Multiplier
			}
			name, _ := s.tiers.ModelFor(string(t), idx)
			return name, t, defaultMultipliers[t]
		}
		t = next
		idx = 0
	}
}

func clampChoice(choices []domain.ModelChoice, idx int) domain.ModelChoice {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(choices) {
		idx = len(choices) - 1
	}
	return choices[idx]
}
