package failover

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"bedrock-failover/internal/endpoint"
	"bedrock-failover/internal/monitor"
	"bedrock-failover/internal/tracking"
	"bedrock-failover/internal/transport"
)

// Config 引擎配置
// 构造时传入并固化：引擎实例之间不共享任何可变的默认限额。
type Config struct {
	EndpointsFile        string        // 端点状态文件路径
	MaxAttempts          int           // 全局重试预算（整个会话所有区域合计）
	MaxAttemptsPerRegion int           // 每区域子预算
	CooldownWindow       time.Duration // 失败区域的冷却窗口
	PrimaryPreference    bool          // 主区域优先并随机领跑
	CrossRegionInference bool          // 启用跨区域推理档案ID
}

// Engine 多区域故障转移引擎
// 持有端点快照、会话期失败跟踪与注入的传输实现。每次 Invoke 构建
// 一个独立的重试会话；会话之间只共享失败区域集合（生命周期累积，
// 直到显式持久化或 Reset）。
//
// 持久化是显式的 PersistFailures 调用——不存在析构式的隐式落盘，
// 写入失败对调用方可见。
type Engine struct {
	cfg      Config
	store    *endpoint.Store
	selector *endpoint.Selector
	tracker  *endpoint.FailureTracker
	invoker  transport.Invoker
	metrics  *monitor.Metrics
	usage    *tracking.Tracker
	logger   *slog.Logger

	mu          sync.RWMutex
	snapshot    endpoint.Snapshot
	crossRegion bool
	errorLog    []string
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithMetrics wires Prometheus metrics.
func WithMetrics(m *monitor.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithUsageTracker wires the session tracking database.
func WithUsageTracker(t *tracking.Tracker) Option {
	return func(e *Engine) { e.usage = t }
}

// WithSelector replaces the default selector (tests inject a
// deterministic random source through it).
func WithSelector(s *endpoint.Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// New creates an engine and loads the initial endpoint snapshot. A
// failed load is recoverable: the engine starts with an empty list,
// the error is logged and appended to the error log, and construction
// succeeds.
func New(cfg Config, store *endpoint.Store, invoker transport.Invoker, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxAttemptsPerRegion < 1 {
		cfg.MaxAttemptsPerRegion = 1
	}
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = time.Hour
	}

	e := &Engine{
		cfg:         cfg,
		store:       store,
		tracker:     endpoint.NewFailureTracker(),
		invoker:     invoker,
		logger:      logger,
		crossRegion: cfg.CrossRegionInference,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.selector == nil {
		e.selector = endpoint.NewSelector(cfg.PrimaryPreference, logger)
	}

	if cfg.EndpointsFile != "" {
		if err := e.Reload(cfg.EndpointsFile); err != nil {
			logger.Warn(fmt.Sprintf("⚠️ 初始端点状态加载失败，以空端点列表启动: %v", err))
		}
	}

	return e
}

// Reload re-reads the endpoints file into a fresh snapshot. On
// failure the previous snapshot is kept and the error is reported.
func (e *Engine) Reload(path string) error {
	if path == "" {
		path = e.cfg.EndpointsFile
	}

	snapshot, err := e.store.Load(path)
	if err != nil {
		e.appendError(err.Error())
		return err
	}

	e.mu.Lock()
	e.snapshot = snapshot
	e.cfg.EndpointsFile = path
	e.mu.Unlock()

	e.logger.Info("📡 端点快照已刷新", "path", path, "count", len(snapshot))
	return nil
}

// SetCrossRegionInference toggles cross-region inference profile IDs.
func (e *Engine) SetCrossRegionInference(enabled bool) {
	e.mu.Lock()
	e.crossRegion = enabled
	e.mu.Unlock()
}

// Snapshot returns a copy of the current endpoint snapshot.
func (e *Engine) Snapshot() endpoint.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Clone()
}

// FailedRegions returns the accumulated failed regions in first-seen
// order.
func (e *Engine) FailedRegions() []string {
	return e.tracker.Failed()
}

// ResetFailures clears the accumulated failed-region set without
// persisting it.
func (e *Engine) ResetFailures() {
	e.tracker.Reset()
}

// ErrorLog returns the accumulated per-attempt diagnostic messages.
func (e *Engine) ErrorLog() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.errorLog...)
}

// Invoke runs one failover session: select candidate regions, walk
// them under the retry budget, return the first successful response.
// Failure values are typed: *InvalidRequestError for an empty payload
// or no eligible endpoint (zero budget consumed), *ExhaustedError when
// budget and candidates run out.
func (e *Engine) Invoke(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req.Empty() {
		err := &InvalidRequestError{Reason: "request payload is empty"}
		e.appendError(err.Error())
		e.metrics.RecordSession("invalid_request", 0)
		return nil, err
	}

	e.mu.RLock()
	snapshot := e.snapshot
	crossRegion := e.crossRegion
	e.mu.RUnlock()

	now := time.Now().Unix()
	candidates := e.selector.Select(snapshot, now)
	e.metrics.SetEligibleRegions(len(candidates))

	if len(candidates) == 0 {
		err := &InvalidRequestError{Reason: "no available endpoint"}
		e.appendError(err.Error())
		e.metrics.RecordSession("invalid_request", 0)
		return nil, err
	}

	sess := &session{
		id:          uuid.NewString(),
		candidates:  candidates,
		snapshot:    snapshot,
		policy:      NewBudgetPolicy(e.cfg.MaxAttempts, e.cfg.MaxAttemptsPerRegion),
		invoker:     e.invoker,
		tracker:     e.tracker,
		metrics:     e.metrics,
		usage:       e.usage,
		logger:      e.logger,
		crossRegion: crossRegion,
	}

	e.usage.RecordSessionStart(sess.id, req.ModelID, req.Shape.String())
	e.logger.Info("🚀 故障转移会话开始",
		"session_id", sess.id,
		"candidates", candidates,
		"max_attempts", e.cfg.MaxAttempts,
		"max_attempts_per_region", e.cfg.MaxAttemptsPerRegion)

	resp, err := sess.run(ctx, req)
	if len(sess.errorLog) > 0 {
		e.appendErrors(sess.errorLog)
	}
	return resp, err
}

// InvokeText runs Invoke and extracts the normalized text content of a
// non-streaming response.
func (e *Engine) InvokeText(ctx context.Context, req *transport.Request) (string, error) {
	resp, err := e.Invoke(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.TextContent(), nil
}

// PersistFailures merges the accumulated failed regions into the
// durable endpoint state and writes it back under the exclusive file
// lock. Returns (false, nil) when the failed set is empty. On a
// successful write the failed set is reset; on failure it is kept so
// the caller can retry persistence.
func (e *Engine) PersistFailures() (bool, error) {
	failed := e.tracker.Failed()
	if len(failed) == 0 {
		e.logger.Debug("没有失败区域需要持久化")
		return false, nil
	}

	e.mu.RLock()
	snapshot := e.snapshot
	path := e.cfg.EndpointsFile
	e.mu.RUnlock()

	now := time.Now().Unix()
	updated := endpoint.ComputeDisableUpdates(snapshot, failed, now, int64(e.cfg.CooldownWindow.Seconds()))

	written, err := e.store.Persist(path, updated)
	if err != nil {
		e.appendError(err.Error())
		return false, err
	}

	for _, region := range failed {
		e.metrics.RecordRegionDisabled(region)
	}
	e.logger.Info("💾 失败区域已写入冷却",
		"regions", failed,
		"cooldown", e.cfg.CooldownWindow,
		"next_available_time", now+int64(e.cfg.CooldownWindow.Seconds()))

	// 更新内存快照，后续会话立即避开冷却区域
	e.mu.Lock()
	e.snapshot = updated
	e.mu.Unlock()
	e.tracker.Reset()

	return written, nil
}

func (e *Engine) appendError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorLog = append(e.errorLog, msg)
}

func (e *Engine) appendErrors(msgs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorLog = append(e.errorLog, msgs...)
}
