package endpoint

import (
	"sync"
)

// FailureTracker 失败区域跟踪器
// 记录会话期间失败的区域并为持久化计算冷却更新。
//
// 失败集合在跟踪器的生命周期内持续累积（跨多次调用），直到调用者
// 显式 Reset 或持久化后重置，这与"同一引擎实例上独立调用间是否
// 重置"的取舍一致：累积是默认行为。
type FailureTracker struct {
	mu     sync.Mutex
	failed []string
	seen   map[string]struct{}
}

// NewFailureTracker creates an empty tracker.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{seen: make(map[string]struct{})}
}

// Record adds a region to the failed set. Idempotent: a region is kept
// at most once, in first-seen order.
func (t *FailureTracker) Record(region string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[region]; ok {
		return
	}
	t.seen[region] = struct{}{}
	t.failed = append(t.failed, region)
}

// Failed returns the failed regions in first-seen order.
func (t *FailureTracker) Failed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.failed))
	copy(out, t.failed)
	return out
}

// Has reports whether the region is in the failed set.
func (t *FailureTracker) Has(region string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[region]
	return ok
}

// Reset clears the accumulated failed set.
func (t *FailureTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed = nil
	t.seen = make(map[string]struct{})
}

// ComputeDisableUpdates returns a copy of the snapshot with
// NextAvailableTime pushed to now+window for every record whose region
// is in failedRegions; other records pass through unchanged. Returns
// nil when failedRegions is empty — nothing to persist, not an error.
//
// The update never lowers an existing NextAvailableTime, so repeated
// disables within one session keep the timestamp monotonic and the
// operation idempotent for fixed inputs.
func ComputeDisableUpdates(snapshot Snapshot, failedRegions []string, now int64, window int64) Snapshot {
	if len(failedRegions) == 0 {
		return nil
	}

	failed := make(map[string]struct{}, len(failedRegions))
	for _, region := range failedRegions {
		failed[region] = struct{}{}
	}

	next := now + window
	updated := snapshot.Clone()
	for i := range updated {
		if _, ok := failed[updated[i].Region]; !ok {
			continue
		}
		if updated[i].NextAvailableTime < next {
			updated[i].NextAvailableTime = next
		}
	}
	return updated
}
