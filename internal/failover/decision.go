package failover

// Decision 重试决策结果
// 会话状态机在每次评估(Evaluating)后恰好进入其中一个分支。
type Decision struct {
	RetrySameRegion bool   // 继续在当前区域重试
	AdvanceRegion   bool   // 切换到下一候选区域
	Exhausted       bool   // 预算或候选耗尽，终止会话
	Reason          string // 决策原因（用于日志）
}
