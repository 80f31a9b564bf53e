package endpoint

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher watches the durable endpoints file and notifies a
// callback when another process rewrites it, so long-lived engines can
// refresh their snapshot without polling.
type FileWatcher struct {
	path          string
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	onChange      func()
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewFileWatcher starts watching path; onChange fires (debounced)
// after each observed rewrite.
func NewFileWatcher(path string, logger *slog.Logger, onChange func()) (*FileWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat endpoints file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	fw := &FileWatcher{
		path:        path,
		watcher:     watcher,
		logger:      logger,
		onChange:    onChange,
		lastModTime: info.ModTime(),
	}

	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch endpoints file: %w", err)
	}

	go fw.watchLoop()

	return fw, nil
}

func (fw *FileWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				info, err := os.Stat(fw.path)
				if err != nil {
					continue
				}
				if !info.ModTime().After(fw.lastModTime) {
					continue
				}
				fw.lastModTime = info.ModTime()

				// Debounce: a flock-protected rewrite may surface as
				// several write events.
				if fw.debounceTimer != nil {
					fw.debounceTimer.Stop()
				}
				fw.debounceTimer = time.AfterFunc(200*time.Millisecond, func() {
					fw.logger.Info(fmt.Sprintf("🔄 检测到端点状态文件变更 - 文件: %s", fw.path))
					fw.onChange()
				})
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond)
				if _, err := os.Stat(fw.path); err == nil {
					fw.watcher.Add(fw.path)
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error(fmt.Sprintf("⚠️ 端点状态文件监听错误: %v", err))
		}
	}
}

// Close stops the watcher.
func (fw *FileWatcher) Close() error {
	if fw.debounceTimer != nil {
		fw.debounceTimer.Stop()
	}
	return fw.watcher.Close()
}
