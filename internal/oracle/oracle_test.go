package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/haivemind/core/internal/domain"
)

func TestWithTimeout_ReturnsFnResultWhenFast(t *testing.T) {
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestWithTimeout_PropagatesFnError(t *testing.T) {
	boom := errors.New("boom")
	err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestWithTimeout_DeadlineExceededOnSlowFn(t *testing.T) {
	err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockDecomposer_SynthesizesSingleTaskPlan(t *testing.T) {
	d := &MockDecomposer{}
	plan, err := d.Decompose(context.Background(), "build a thing", "/tmp", domain.ProjectSkills{})
	assert.NoError(t, err)
	assert.Len(t, plan.Tasks, 1)
	assert.Equal(t, "build a thing", plan.Tasks[0].Label)
}

func TestMockVerifier_DefaultsToPassed(t *testing.T) {
	v := &MockVerifier{}
	result, err := v.Verify(context.Background(), nil, "/tmp", domain.ProjectSkills{})
	assert.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestMockPlanner_DefaultsToStop(t *testing.T) {
	p := &MockPlanner{}
	decision, err := p.ProposeFollowUp(context.Background(), &domain.Project{Slug: "proj"}, nil)
	assert.NoError(t, err)
	assert.True(t, decision.Stop)
}
