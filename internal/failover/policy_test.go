package failover

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBudgetPolicyDecisions(t *testing.T) {
	tests := []struct {
		name                 string
		maxAttempts          int
		maxAttemptsPerRegion int
		ctx                  Context
		wantRetrySame        bool
		wantAdvance          bool
		wantExhausted        bool
	}{
		{
			name:        "全局预算耗尽立即终止",
			maxAttempts: 3, maxAttemptsPerRegion: 1,
			ctx:           Context{RegionAttempt: 1, BudgetUsed: 3, RegionsLeft: 5},
			wantExhausted: true,
		},
		{
			name:        "子预算未用完继续同区域",
			maxAttempts: 5, maxAttemptsPerRegion: 2,
			ctx:           Context{RegionAttempt: 1, BudgetUsed: 1, RegionsLeft: 2},
			wantRetrySame: true,
		},
		{
			name:        "子预算用完切换下一区域",
			maxAttempts: 5, maxAttemptsPerRegion: 1,
			ctx:         Context{RegionAttempt: 1, BudgetUsed: 1, RegionsLeft: 2},
			wantAdvance: true,
		},
		{
			name:        "子预算用完且无候选则终止",
			maxAttempts: 5, maxAttemptsPerRegion: 1,
			ctx:           Context{RegionAttempt: 1, BudgetUsed: 1, RegionsLeft: 0},
			wantExhausted: true,
		},
		{
			name:        "全局预算优先于子预算",
			maxAttempts: 2, maxAttemptsPerRegion: 3,
			ctx:           Context{RegionAttempt: 1, BudgetUsed: 2, RegionsLeft: 1},
			wantExhausted: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := NewBudgetPolicy(tt.maxAttempts, tt.maxAttemptsPerRegion)
			decision := policy.Decide(tt.ctx)

			assert.Equal(t, tt.wantRetrySame, decision.RetrySameRegion)
			assert.Equal(t, tt.wantAdvance, decision.AdvanceRegion)
			assert.Equal(t, tt.wantExhausted, decision.Exhausted)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestBudgetPolicyCoercesLimits(t *testing.T) {
	// 非法限额被提升到最小合法值
	policy := NewBudgetPolicy(0, 0)
	decision := policy.Decide(Context{RegionAttempt: 1, BudgetUsed: 1, RegionsLeft: 3})
	assert.True(t, decision.Exhausted, "maxAttempts被提升为1后预算立即耗尽")

	// 子预算不得超过全局预算
	policy = NewBudgetPolicy(2, 10)
	decision = policy.Decide(Context{RegionAttempt: 2, BudgetUsed: 1, RegionsLeft: 1})
	assert.True(t, decision.AdvanceRegion, "子预算被截断为全局预算上限")
}
