package endpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// Store loads and persists the durable endpoint list shared between
// cooperating processes. Reads take a full-file snapshot; writes hold
// an exclusive flock for the whole write so no reader ever observes a
// half-written file and no two writers interleave.
type Store struct {
	logger *slog.Logger
}

// NewStore creates an endpoint store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// Load reads the endpoints file (a JSON array of records) in full and
// returns the parsed snapshot. On any read or parse failure it returns
// a ConfigLoadError and no partial result; the caller keeps whatever
// list it had before.
func (s *Store) Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️ 端点状态文件读取失败 - 文件: %s, 错误: %v", path, err))
		return nil, &ConfigLoadError{Path: path, Err: err}
	}

	var records Snapshot
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn(fmt.Sprintf("⚠️ 端点状态文件解析失败 - 文件: %s, 错误: %v", path, err))
		return nil, &ConfigLoadError{Path: path, Err: err}
	}

	s.logger.Debug("📡 端点状态已加载", "path", path, "count", len(records))
	return records, nil
}

// Persist overwrites the endpoints file with the full record array
// under an exclusive lock: acquire flock, write full content, flush,
// release. It returns false with no error when given an empty payload
// (nothing to persist). The previous file content is replaced
// entirely; merging failure updates into the full set is the caller's
// job.
func (s *Store) Persist(path string, records Snapshot) (bool, error) {
	if len(records) == 0 {
		s.logger.Debug("端点状态无需更新，跳过写入", "path", path)
		return false, nil
	}

	data, err := json.Marshal(records)
	if err != nil {
		return false, &PersistError{Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return false, &PersistError{Path: path, Err: err}
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return false, &PersistError{Path: path, Err: fmt.Errorf("acquire lock: %w", err)}
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	// Truncate only after the lock is held so concurrent readers never
	// observe an empty file.
	if err := f.Truncate(0); err != nil {
		return false, &PersistError{Path: path, Err: err}
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return false, &PersistError{Path: path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return false, &PersistError{Path: path, Err: err}
	}

	s.logger.Info("💾 端点状态已持久化", "path", path, "count", len(records))
	return true, nil
}

// ConfigLoadError reports a failed endpoints-file load. Recoverable:
// construction continues with the previous (possibly empty) list.
type ConfigLoadError struct {
	Path string
	Err  error
}

func (e *ConfigLoadError) Error() string {
	return fmt.Sprintf("load endpoints file %s: %v", e.Path, e.Err)
}

func (e *ConfigLoadError) Unwrap() error { return e.Err }

// PersistError reports a failed endpoints-file write. The previous
// durable state is untouched since persist is all-or-nothing.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist endpoints file %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
