package failover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bedrock-failover/internal/endpoint"
	"bedrock-failover/internal/monitor"
	"bedrock-failover/internal/tracking"
	"bedrock-failover/internal/transport"
	"bedrock-failover/internal/utils"
)

// session 单次逻辑调用的重试会话
// 状态机：Selecting → Invoking → Evaluating → {Success, RetrySameRegion,
// AdvanceRegion, Exhausted}。会话结束后剩余预算作废，不跨会话结转。
type session struct {
	id         string
	candidates []string
	snapshot   endpoint.Snapshot

	policy  Policy
	invoker transport.Invoker
	tracker *endpoint.FailureTracker
	metrics *monitor.Metrics
	usage   *tracking.Tracker
	logger  *slog.Logger

	crossRegion bool

	budgetUsed    int
	errorLog      []string
	failedRegions []string // 本会话内失败的区域，按首次出现顺序，每区域至多一次
}

// run walks the candidate regions until success, exhaustion, or
// cancellation.
func (s *session) run(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	start := time.Now()

	for i, region := range s.candidates {
		modelID := s.resolveModelID(req.ModelID, region)
		regionsLeft := len(s.candidates) - i - 1

		regionReq := *req
		regionReq.ModelID = modelID

		s.logger.Info("🎯 尝试区域",
			"session_id", s.id,
			"region", region,
			"model_id", modelID,
			"shape", req.Shape.String(),
			"budget_used", s.budgetUsed)

		for attempt := 1; ; attempt++ {
			if ctx.Err() != nil {
				s.recordError(fmt.Sprintf("session canceled at %s: %v", region, ctx.Err()))
				return nil, ctx.Err()
			}

			attemptStart := time.Now()
			resp, err := s.invoker.Invoke(ctx, region, &regionReq)
			attemptDuration := time.Since(attemptStart)

			if err == nil {
				s.metrics.RecordAttempt(region, "success")
				s.usage.RecordAttempt(s.id, region, attempt, "success", "", attemptDuration)
				s.metrics.RecordSession("success", time.Since(start))
				s.usage.RecordSessionComplete(s.id, "success", s.budgetUsed+1, s.failedRegions, time.Since(start))
				s.logger.Info("✅ 调用成功",
					"session_id", s.id,
					"region", region,
					"attempt", attempt,
					"duration", utils.FormatResponseTime(attemptDuration))
				return resp, nil
			}

			if ctx.Err() != nil {
				// 调用方取消不计入端点失败
				s.recordError(fmt.Sprintf("session canceled at %s: %v", region, ctx.Err()))
				return nil, ctx.Err()
			}

			// 每次失败消耗一个全局预算单位，无论错误类别
			s.budgetUsed++
			s.recordError(fmt.Sprintf("ERROR: invoke %q via %s failed: %v", modelID, region, err))

			if transport.IsValidation(err) {
				// 校验类错误是调用方的问题，不污染共享失败集合
				s.metrics.RecordAttempt(region, "validation_error")
				s.usage.RecordAttempt(s.id, region, attempt, "validation_error", err.Error(), attemptDuration)
				s.logger.Warn("⚠️ 校验类错误（不标记区域失败）",
					"session_id", s.id,
					"region", region,
					"attempt", attempt,
					"error", err)
			} else {
				s.metrics.RecordAttempt(region, "transport_error")
				s.usage.RecordAttempt(s.id, region, attempt, "transport_error", err.Error(), attemptDuration)
				// 只在区域的首个失败子尝试标记失败，每会话每区域至多一次
				if attempt == 1 {
					s.markRegionFailed(region)
				}
				s.logger.Warn("❌ 传输类错误，区域计入失败集合",
					"session_id", s.id,
					"region", region,
					"attempt", attempt,
					"error", err)
			}

			decision := s.policy.Decide(Context{
				SessionID:     s.id,
				Region:        region,
				RegionAttempt: attempt,
				BudgetUsed:    s.budgetUsed,
				RegionsLeft:   regionsLeft,
				Err:           err,
			})
			s.logDecision(decision, region, attempt)

			if decision.RetrySameRegion {
				continue
			}
			if decision.AdvanceRegion {
				break
			}
			// Exhausted
			return nil, s.exhausted(start)
		}
	}

	return nil, s.exhausted(start)
}

// resolveModelID builds the cross-region inference profile ID when
// enabled and the region carries a prefix.
func (s *session) resolveModelID(modelID, region string) string {
	if !s.crossRegion {
		return modelID
	}
	prefix := s.snapshot.ProfilePrefix(region)
	if prefix == "" {
		s.logger.Debug("跨区域推理档案前缀缺失，使用原始模型ID",
			"session_id", s.id, "region", region)
		return modelID
	}
	return prefix + "." + modelID
}

// markRegionFailed adds the region to both the session-scoped list and
// the engine-lifetime tracker.
func (s *session) markRegionFailed(region string) {
	for _, r := range s.failedRegions {
		if r == region {
			return
		}
	}
	s.failedRegions = append(s.failedRegions, region)
	s.tracker.Record(region)
}

func (s *session) recordError(msg string) {
	s.errorLog = append(s.errorLog, msg)
}

func (s *session) exhausted(start time.Time) error {
	s.metrics.RecordSession("exhausted", time.Since(start))
	s.usage.RecordSessionComplete(s.id, "exhausted", s.budgetUsed, s.failedRegions, time.Since(start))
	s.logger.Error("🛑 会话耗尽",
		"session_id", s.id,
		"attempts", s.budgetUsed,
		"failed_regions", s.failedRegions)
	return &ExhaustedError{
		SessionID:     s.id,
		Attempts:      s.budgetUsed,
		FailedRegions: append([]string(nil), s.failedRegions...),
		ErrorLog:      append([]string(nil), s.errorLog...),
	}
}

// logDecision 记录重试决策日志
func (s *session) logDecision(decision Decision, region string, attempt int) {
	switch {
	case decision.RetrySameRegion:
		s.logger.Info("🔄 [重试决策] 在同一区域重试",
			"session_id", s.id,
			"region", region,
			"attempt", attempt,
			"reason", decision.Reason)
	case decision.AdvanceRegion:
		s.logger.Info("🔀 [重试决策] 切换到下一区域",
			"session_id", s.id,
			"region", region,
			"attempt", attempt,
			"reason", decision.Reason)
	default:
		s.logger.Info("❌ [重试决策] 终止会话",
			"session_id", s.id,
			"region", region,
			"attempt", attempt,
			"reason", decision.Reason)
	}
}
