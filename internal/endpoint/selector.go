package endpoint

import (
	"log/slog"
	"math/rand"
)

// Selector 区域候选选择器
// 从端点快照和当前时间推导本次会话可用的区域顺序：
// 过滤掉仍在冷却期的端点，主区域优先并随机选出一个领跑，
// 其余保持快照原始顺序。
type Selector struct {
	primaryPreference bool
	randIntN          func(n int) int
	logger            *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRandIntN replaces the random source; tests inject a
// deterministic one.
func WithRandIntN(fn func(n int) int) SelectorOption {
	return func(s *Selector) { s.randIntN = fn }
}

// NewSelector creates a selector. primaryPreference enables the
// primary-partition-with-random-lead ordering; when disabled, eligible
// regions keep their snapshot order with no partitioning.
func NewSelector(primaryPreference bool, logger *slog.Logger, opts ...SelectorOption) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Selector{
		primaryPreference: primaryPreference,
		randIntN:          rand.Intn,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the ordered candidate region list for the given
// snapshot and timestamp. A record is eligible when its
// NextAvailableTime is not after now. An empty result is a valid
// terminal state meaning "no endpoint available", not an error.
func (s *Selector) Select(records Snapshot, now int64) []string {
	var primary []string
	var other []string

	for _, rec := range records {
		if rec.NextAvailableTime > now {
			s.logger.Debug("⏳ 端点冷却中，跳过",
				"region", rec.Region,
				"next_available_time", rec.NextAvailableTime,
				"now", now)
			continue
		}
		if s.primaryPreference && rec.Primary {
			primary = append(primary, rec.Region)
		} else {
			other = append(other, rec.Region)
		}
	}

	if !s.primaryPreference {
		return other
	}
	if len(primary) == 0 {
		return other
	}

	// 从主区域中均匀随机抽出一个放到队首，其余保持稳定顺序
	if len(primary) > 1 {
		lead := s.randIntN(len(primary))
		leadRegion := primary[lead]
		primary = append(primary[:lead], primary[lead+1:]...)
		primary = append([]string{leadRegion}, primary...)
	}

	return append(primary, other...)
}
