package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Auth      AuthConfig      `yaml:"auth"`
	Web       WebConfig       `yaml:"web"`
	TUI       TUIConfig       `yaml:"tui"`
}

// EngineConfig 故障转移引擎配置
// 所有限额在构造引擎时固化为不可变配置，运行期不共享可变全局状态
type EngineConfig struct {
	EndpointsFile        string        `yaml:"endpoints_file"`          // Durable endpoint state file (JSON array)
	MaxAttempts          int           `yaml:"max_attempts"`            // Global retry budget per call, default: 5
	MaxAttemptsPerRegion int           `yaml:"max_attempts_per_region"` // Sub-budget per region, default: 1
	CooldownWindow       time.Duration `yaml:"cooldown_window"`         // Disable window for failed regions, default: 1h
	PrimaryPreference    bool          `yaml:"primary_preference"`      // Prefer primary regions with random lead, default: true
	CrossRegionInference bool          `yaml:"cross_region_inference"`  // Build region-profile model IDs, default: false
	WatchEndpointsFile   bool          `yaml:"watch_endpoints_file"`    // Reload snapshot when the file changes, default: false
}

type TransportConfig struct {
	URLTemplate    string        `yaml:"url_template"`    // Regional base URL, %s replaced by region
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // Dial timeout, default: 5s
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // Full response timeout, default: 5s
	ClientReuse    string        `yaml:"client_reuse"`    // "pooled" or "per_call", default: pooled
	AuthMode       string        `yaml:"auth_mode"`       // "sigv4" or "token", default: sigv4
	Token          string        `yaml:"token,omitempty"` // Bearer token when auth_mode is "token"
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

type TrackingConfig struct {
	Enabled       bool                   `yaml:"enabled"` // Enable session tracking, default: false
	Database      *DatabaseBackendConfig `yaml:"database,omitempty"`
	BufferSize    int                    `yaml:"buffer_size"`    // Event buffer size, default: 1000
	BatchSize     int                    `yaml:"batch_size"`     // Batch write size, default: 100
	FlushInterval time.Duration          `yaml:"flush_interval"` // Force flush interval, default: 30s
	RetentionDays int                    `yaml:"retention_days"` // Data retention days (0=permanent), default: 90
}

// DatabaseBackendConfig 数据库后端配置
type DatabaseBackendConfig struct {
	Type string `yaml:"type"` // "sqlite" | "mysql"

	// SQLite配置
	Path string `yaml:"path,omitempty"`

	// MySQL配置
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Database string `yaml:"database,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// 连接池配置
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Type     string `yaml:"type"`     // "http", "https", "socks5"
	URL      string `yaml:"url"`      // Complete proxy URL
	Host     string `yaml:"host"`     // Proxy host
	Port     int    `yaml:"port"`     // Proxy port
	Username string `yaml:"username"` // Optional auth username
	Password string `yaml:"password"` // Optional auth password
}

type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`         // Protect the admin API, default: false
	Token   string `yaml:"token,omitempty"` // Bearer token for the admin API
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"` // Enable the admin HTTP API, default: false
	Host    string `yaml:"host"`    // default: localhost
	Port    int    `yaml:"port"`    // default: 8089
}

type TUIConfig struct {
	Enabled        bool          `yaml:"enabled"`         // Enable TUI status view, default: false
	UpdateInterval time.Duration `yaml:"update_interval"` // Refresh interval, default: 2s
}

// LoadConfig loads configuration from file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Engine.EndpointsFile == "" {
		c.Engine.EndpointsFile = "config/endpoints.json"
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = 5
	}
	if c.Engine.MaxAttemptsPerRegion == 0 {
		c.Engine.MaxAttemptsPerRegion = 1
	}
	if c.Engine.CooldownWindow == 0 {
		c.Engine.CooldownWindow = time.Hour
	}

	if c.Transport.URLTemplate == "" {
		c.Transport.URLTemplate = "https://bedrock-runtime.%s.amazonaws.com"
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = 5 * time.Second
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = 5 * time.Second
	}
	if c.Transport.ClientReuse == "" {
		c.Transport.ClientReuse = "pooled"
	}
	if c.Transport.AuthMode == "" {
		c.Transport.AuthMode = "sigv4"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Tracking.Database == nil {
		c.Tracking.Database = &DatabaseBackendConfig{Type: "sqlite", Path: "data/sessions.db"}
	}
	if c.Tracking.Database.Type == "" {
		c.Tracking.Database.Type = "sqlite"
	}
	if c.Tracking.Database.Type == "sqlite" && c.Tracking.Database.Path == "" {
		c.Tracking.Database.Path = "data/sessions.db"
	}
	if c.Tracking.BufferSize == 0 {
		c.Tracking.BufferSize = 1000
	}
	if c.Tracking.BatchSize == 0 {
		c.Tracking.BatchSize = 100
	}
	if c.Tracking.FlushInterval == 0 {
		c.Tracking.FlushInterval = 30 * time.Second
	}
	if c.Tracking.RetentionDays == 0 {
		c.Tracking.RetentionDays = 90
	}

	if c.Web.Host == "" {
		c.Web.Host = "localhost"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8089
	}

	if c.TUI.UpdateInterval == 0 {
		c.TUI.UpdateInterval = 2 * time.Second
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine max_attempts must be at least 1")
	}
	if c.Engine.MaxAttemptsPerRegion < 1 {
		return fmt.Errorf("engine max_attempts_per_region must be at least 1")
	}
	if c.Engine.MaxAttemptsPerRegion > c.Engine.MaxAttempts {
		return fmt.Errorf("engine max_attempts_per_region cannot exceed max_attempts")
	}
	if c.Engine.CooldownWindow < 0 {
		return fmt.Errorf("engine cooldown_window cannot be negative")
	}

	if c.Transport.ClientReuse != "pooled" && c.Transport.ClientReuse != "per_call" {
		return fmt.Errorf("transport client_reuse must be 'pooled' or 'per_call'")
	}
	if c.Transport.AuthMode != "sigv4" && c.Transport.AuthMode != "token" {
		return fmt.Errorf("transport auth_mode must be 'sigv4' or 'token'")
	}
	if c.Transport.AuthMode == "token" && c.Transport.Token == "" {
		return fmt.Errorf("transport token is required when auth_mode is 'token'")
	}

	// Validate proxy configuration
	if c.Proxy.Enabled {
		if c.Proxy.Type == "" {
			return fmt.Errorf("proxy type is required when proxy is enabled")
		}
		if c.Proxy.Type != "http" && c.Proxy.Type != "https" && c.Proxy.Type != "socks5" {
			return fmt.Errorf("proxy type must be 'http', 'https', or 'socks5'")
		}
		if c.Proxy.URL == "" && (c.Proxy.Host == "" || c.Proxy.Port == 0) {
			return fmt.Errorf("proxy URL or host:port must be specified when proxy is enabled")
		}
	}

	// Validate tracking configuration
	if c.Tracking.Enabled {
		db := c.Tracking.Database
		if db.Type != "sqlite" && db.Type != "mysql" {
			return fmt.Errorf("tracking database type must be 'sqlite' or 'mysql'")
		}
		if db.Type == "sqlite" && db.Path == "" {
			return fmt.Errorf("database path is required for sqlite tracking")
		}
		if db.Type == "mysql" && (db.Host == "" || db.Database == "") {
			return fmt.Errorf("database host and name are required for mysql tracking")
		}
		if c.Tracking.BatchSize > c.Tracking.BufferSize {
			return fmt.Errorf("batch size cannot be larger than buffer size")
		}
	}

	if c.Auth.Enabled && c.Auth.Token == "" {
		return fmt.Errorf("auth token is required when auth is enabled")
	}

	return nil
}

// ConfigWatcher handles automatic configuration reloading
type ConfigWatcher struct {
	configPath    string
	config        *Config
	mutex         sync.RWMutex
	watcher       *fsnotify.Watcher
	logger        *slog.Logger
	callbacks     []func(*Config)
	lastModTime   time.Time
	debounceTimer *time.Timer
}

// NewConfigWatcher creates a new configuration watcher
func NewConfigWatcher(configPath string, logger *slog.Logger) (*ConfigWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Load initial configuration
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	// Get initial modification time
	fileInfo, err := os.Stat(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  configPath,
		config:      config,
		watcher:     watcher,
		logger:      logger,
		callbacks:   make([]func(*Config), 0),
		lastModTime: fileInfo.ModTime(),
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}

	go cw.watchLoop()

	return cw, nil
}

// GetConfig returns the current configuration (thread-safe)
func (cw *ConfigWatcher) GetConfig() *Config {
	cw.mutex.RLock()
	defer cw.mutex.RUnlock()
	return cw.config
}

// AddReloadCallback adds a callback function that will be called when config is reloaded
func (cw *ConfigWatcher) AddReloadCallback(callback func(*Config)) {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// watchLoop monitors the config file for changes
func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Write) {
				// Check if file was actually modified by comparing modification time
				fileInfo, err := os.Stat(cw.configPath)
				if err != nil {
					cw.logger.Warn(fmt.Sprintf("⚠️ 无法获取配置文件信息: %v", err))
					continue
				}

				if !fileInfo.ModTime().After(cw.lastModTime) {
					continue
				}

				cw.lastModTime = fileInfo.ModTime()

				// Debounce to avoid multiple rapid reloads
				if cw.debounceTimer != nil {
					cw.debounceTimer.Stop()
				}
				cw.debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					cw.logger.Info(fmt.Sprintf("🔄 检测到配置文件变更，正在重新加载... - 文件: %s", event.Name))
					if err := cw.reloadConfig(); err != nil {
						cw.logger.Error(fmt.Sprintf("❌ 配置文件重新加载失败: %v", err))
					} else {
						cw.logger.Info("✅ 配置文件重新加载成功")
					}
				})
			}

			// Some editors rename files during save
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				time.Sleep(100 * time.Millisecond) // Give time for the file to be recreated
				if _, err := os.Stat(cw.configPath); err == nil {
					cw.watcher.Add(cw.configPath)
					cw.logger.Info(fmt.Sprintf("🔄 重新监听配置文件: %s", cw.configPath))
				}
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error(fmt.Sprintf("⚠️ 配置文件监听错误: %v", err))
		}
	}
}

// reloadConfig reloads the configuration from file
func (cw *ConfigWatcher) reloadConfig() error {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mutex.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	callbacks := make([]func(*Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mutex.Unlock()

	for _, callback := range callbacks {
		callback(newConfig)
	}

	cw.logConfigChanges(oldConfig, newConfig)

	return nil
}

// logConfigChanges logs the key differences between old and new configurations
func (cw *ConfigWatcher) logConfigChanges(oldConfig, newConfig *Config) {
	if oldConfig.Engine.MaxAttempts != newConfig.Engine.MaxAttempts {
		cw.logger.Info("🎯 全局重试预算变更",
			"old_max_attempts", oldConfig.Engine.MaxAttempts,
			"new_max_attempts", newConfig.Engine.MaxAttempts)
	}

	if oldConfig.Engine.CooldownWindow != newConfig.Engine.CooldownWindow {
		cw.logger.Info("⏳ 端点冷却窗口变更",
			"old_cooldown", oldConfig.Engine.CooldownWindow,
			"new_cooldown", newConfig.Engine.CooldownWindow)
	}

	if oldConfig.Engine.EndpointsFile != newConfig.Engine.EndpointsFile {
		cw.logger.Info("📡 端点状态文件变更",
			"old_file", oldConfig.Engine.EndpointsFile,
			"new_file", newConfig.Engine.EndpointsFile)
	}

	if oldConfig.Web.Enabled != newConfig.Web.Enabled {
		cw.logger.Info("🌐 Web管理接口状态变更",
			"old_enabled", oldConfig.Web.Enabled,
			"new_enabled", newConfig.Web.Enabled)
	}

	if oldConfig.Tracking.Enabled != newConfig.Tracking.Enabled {
		cw.logger.Info("📊 会话跟踪状态变更",
			"old_enabled", oldConfig.Tracking.Enabled,
			"new_enabled", newConfig.Tracking.Enabled)
	}

	if oldConfig.Auth.Enabled != newConfig.Auth.Enabled {
		cw.logger.Info("🔐 鉴权状态变更",
			"old_enabled", oldConfig.Auth.Enabled,
			"new_enabled", newConfig.Auth.Enabled)
	}
}

// Close stops the configuration watcher
func (cw *ConfigWatcher) Close() error {
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	return cw.watcher.Close()
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
