package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTier_Next(t *testing.T) {
	cases := []struct {
		from      Tier
		wantNext  Tier
		wantAtCap bool
	}{
		{TierT0, TierT1, false},
		{TierT1, TierT2, false},
		{TierT2, TierT3, false},
		{TierT3, TierT3, true},
	}
	for _, c := range cases {
		next, atCap := c.from.Next()
		assert.Equal(t, c.wantNext, next)
		assert.Equal(t, c.wantAtCap, atCap)
	}
}

func TestNewCostSummary(t *testing.T) {
	cs := NewCostSummary()
	assert.Equal(t, 0, cs.TotalAgents)
	assert.Len(t, cs.PerTier, 4)
	for _, tier := range []Tier{TierT0, TierT1, TierT2, TierT3} {
		assert.Equal(t, 0, cs.PerTier[tier])
	}
}
