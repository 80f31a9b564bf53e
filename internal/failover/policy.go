package failover

// Context 重试决策上下文
type Context struct {
	SessionID     string // 会话ID
	Region        string // 当前区域
	RegionAttempt int    // 当前区域内已用的子尝试次数（从1开始）
	BudgetUsed    int    // 全局已消耗的预算
	RegionsLeft   int    // 本区域之后剩余的候选区域数
	Err           error  // 本次尝试的错误
}

// Policy 重试策略接口
// 负责根据预算与子预算的消耗情况做出重试决策
type Policy interface {
	Decide(ctx Context) Decision
}

// BudgetPolicy 预算型重试策略
// 全局预算封顶所有区域的尝试总数；每个区域另有子预算。
// 每次失败都消耗一个全局预算单位，无论由哪个子预算触发。
type BudgetPolicy struct {
	maxAttempts          int // 全局预算
	maxAttemptsPerRegion int // 每区域子预算
}

// NewBudgetPolicy 创建预算型策略
func NewBudgetPolicy(maxAttempts, maxAttemptsPerRegion int) *BudgetPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if maxAttemptsPerRegion < 1 {
		maxAttemptsPerRegion = 1
	}
	if maxAttemptsPerRegion > maxAttempts {
		maxAttemptsPerRegion = maxAttempts
	}
	return &BudgetPolicy{
		maxAttempts:          maxAttempts,
		maxAttemptsPerRegion: maxAttemptsPerRegion,
	}
}

// Decide 实现重试决策逻辑
func (p *BudgetPolicy) Decide(ctx Context) Decision {
	// 全局预算耗尽，立即终止
	if ctx.BudgetUsed >= p.maxAttempts {
		return Decision{
			Exhausted: true,
			Reason:    "全局重试预算已耗尽",
		}
	}

	// 区域子预算未用完，继续在同一区域重试
	if ctx.RegionAttempt < p.maxAttemptsPerRegion {
		return Decision{
			RetrySameRegion: true,
			Reason:          "区域子预算未用完，在同一区域重试",
		}
	}

	// 子预算用完且还有候选区域，切换
	if ctx.RegionsLeft > 0 {
		return Decision{
			AdvanceRegion: true,
			Reason:        "区域子预算已用完，切换到下一区域",
		}
	}

	return Decision{
		Exhausted: true,
		Reason:    "候选区域已全部尝试",
	}
}
