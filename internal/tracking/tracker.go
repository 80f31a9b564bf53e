package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// 事件类型
const (
	eventSessionStart    = "session_start"
	eventAttempt         = "attempt"
	eventSessionComplete = "session_complete"
)

// Config 会话跟踪配置
type Config struct {
	Database      DatabaseConfig
	BufferSize    int           // 事件缓冲区大小
	BatchSize     int           // 批量写入条数
	FlushInterval time.Duration // 强制刷新间隔
	RetentionDays int           // 数据保留天数，0为永久
}

// event is one buffered tracking record.
type event struct {
	kind      string
	sessionID string
	timestamp time.Time

	// session_start
	modelID   string
	callShape string

	// attempt
	region     string
	attempt    int
	result     string
	errorText  string
	durationMS int64

	// session_complete
	outcome       string
	attempts      int
	failedRegions string
}

// SessionRow is one persisted session for admin queries.
type SessionRow struct {
	ID            string    `json:"id"`
	ModelID       string    `json:"model_id"`
	CallShape     string    `json:"call_shape"`
	Outcome       string    `json:"outcome"`
	Attempts      int       `json:"attempts"`
	FailedRegions string    `json:"failed_regions"`
	DurationMS    int64     `json:"duration_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// Tracker 会话跟踪器
// 引擎在调用路径上只向缓冲通道投递事件，后台单写协程按批落库，
// 避免数据库写入阻塞故障转移本身。
type Tracker struct {
	config  *Config
	adapter DatabaseAdapter
	logger  *slog.Logger

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewTracker opens the database, applies the schema, and starts the
// background writer.
func NewTracker(config *Config, logger *slog.Logger) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 30 * time.Second
	}

	adapter, err := NewDatabaseAdapter(config.Database)
	if err != nil {
		return nil, err
	}
	if err := adapter.Open(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adapter.EnsureSchema(ctx); err != nil {
		adapter.Close()
		return nil, err
	}

	t := &Tracker{
		config:  config,
		adapter: adapter,
		logger:  logger,
		events:  make(chan event, config.BufferSize),
		done:    make(chan struct{}),
	}

	t.wg.Add(1)
	go t.processEvents()

	if config.RetentionDays > 0 {
		t.wg.Add(1)
		go t.periodicCleanup()
	}

	logger.Info("📊 会话跟踪已启动",
		"database_type", config.Database.Type,
		"buffer_size", config.BufferSize,
		"batch_size", config.BatchSize)

	return t, nil
}

// RecordSessionStart records the beginning of one failover session.
func (t *Tracker) RecordSessionStart(sessionID, modelID, callShape string) {
	t.enqueue(event{
		kind:      eventSessionStart,
		sessionID: sessionID,
		timestamp: time.Now(),
		modelID:   modelID,
		callShape: callShape,
	})
}

// RecordAttempt records one region invocation attempt.
func (t *Tracker) RecordAttempt(sessionID, region string, attempt int, result, errorText string, duration time.Duration) {
	t.enqueue(event{
		kind:       eventAttempt,
		sessionID:  sessionID,
		timestamp:  time.Now(),
		region:     region,
		attempt:    attempt,
		result:     result,
		errorText:  errorText,
		durationMS: duration.Milliseconds(),
	})
}

// RecordSessionComplete records the terminal outcome of a session.
func (t *Tracker) RecordSessionComplete(sessionID, outcome string, attempts int, failedRegions []string, duration time.Duration) {
	t.enqueue(event{
		kind:          eventSessionComplete,
		sessionID:     sessionID,
		timestamp:     time.Now(),
		outcome:       outcome,
		attempts:      attempts,
		failedRegions: strings.Join(failedRegions, ","),
		durationMS:    duration.Milliseconds(),
	})
}

// enqueue drops the event when the buffer is full rather than blocking
// the call path.
func (t *Tracker) enqueue(ev event) {
	if t == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("⚠️ 跟踪事件缓冲区已满，事件被丢弃", "kind", ev.kind, "session_id", ev.sessionID)
	}
}

// processEvents is the single background writer.
func (t *Tracker) processEvents() {
	defer t.wg.Done()

	batch := make([]event, 0, t.config.BatchSize)
	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := t.writeBatch(batch); err != nil {
			t.logger.Error(fmt.Sprintf("❌ 跟踪批量写入失败: %v", err), "batch_size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-t.events:
			batch = append(batch, ev)
			if len(batch) >= t.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-t.done:
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case ev := <-t.events:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch persists a batch in one transaction.
func (t *Tracker) writeBatch(batch []event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := t.adapter.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range batch {
		switch ev.kind {
		case eventSessionStart:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO sessions (id, model_id, call_shape, created_at) VALUES (?, ?, ?, ?)`,
				ev.sessionID, ev.modelID, ev.callShape, ev.timestamp)
		case eventAttempt:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO attempts (session_id, region, attempt, result, error_text, duration_ms, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				ev.sessionID, ev.region, ev.attempt, ev.result, ev.errorText, ev.durationMS, ev.timestamp)
		case eventSessionComplete:
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET outcome = ?, attempts = ?, failed_regions = ?, duration_ms = ? WHERE id = ?`,
				ev.outcome, ev.attempts, ev.failedRegions, ev.durationMS, ev.sessionID)
		}
		if err != nil {
			return fmt.Errorf("write %s event: %w", ev.kind, err)
		}
	}

	return tx.Commit()
}

// RecentSessions returns the most recent sessions, newest first.
func (t *Tracker) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.adapter.DB().QueryContext(ctx,
		`SELECT id, model_id, call_shape, outcome, attempts, failed_regions, duration_ms, created_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var failedRegions sql.NullString
		if err := rows.Scan(&row.ID, &row.ModelID, &row.CallShape, &row.Outcome,
			&row.Attempts, &failedRegions, &row.DurationMS, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		row.FailedRegions = failedRegions.String
		out = append(out, row)
	}
	return out, rows.Err()
}

// ForceFlush synchronously drains pending events. Intended for tests
// and shutdown paths.
func (t *Tracker) ForceFlush() error {
	deadline := time.Now().Add(5 * time.Second)
	for len(t.events) > 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("flush timed out with %d events pending", len(t.events))
		}
		time.Sleep(10 * time.Millisecond)
	}
	// The writer may still hold a partial batch; poke it via a synthetic
	// wait matching the flush interval granularity is too slow for
	// shutdown, so batches are also flushed on close.
	return nil
}

// periodicCleanup removes rows older than the retention window.
func (t *Tracker) periodicCleanup() {
	defer t.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -t.config.RetentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := t.adapter.DB().ExecContext(ctx,
				`DELETE FROM attempts WHERE created_at < ?`, cutoff); err != nil {
				t.logger.Error(fmt.Sprintf("❌ 清理过期attempts失败: %v", err))
			}
			if _, err := t.adapter.DB().ExecContext(ctx,
				`DELETE FROM sessions WHERE created_at < ?`, cutoff); err != nil {
				t.logger.Error(fmt.Sprintf("❌ 清理过期sessions失败: %v", err))
			}
			cancel()
		case <-t.done:
			return
		}
	}
}

// Close stops the writer, draining buffered events first.
func (t *Tracker) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		err = t.adapter.Close()
		t.logger.Info("📊 会话跟踪已关闭")
	})
	return err
}
