package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"bedrock-failover/config"
	"bedrock-failover/internal/endpoint"
	"bedrock-failover/internal/failover"
	"bedrock-failover/internal/monitor"
	"bedrock-failover/internal/tracking"
	"bedrock-failover/internal/transport"
	"bedrock-failover/internal/tui"
	"bedrock-failover/internal/web"
)

var (
	configPath  = flag.String("config", "config/example.yaml", "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	enableTUI   = flag.Bool("tui", false, "Enable TUI status view")
	disableTUI  = flag.Bool("no-tui", false, "Disable TUI status view")
	enableWeb   = flag.Bool("web", false, "Enable admin HTTP API")
	webPort     = flag.Int("web-port", 8089, "Admin HTTP API port (default: 8089)")

	// Build-time variables (set via ldflags)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Bedrock Failover\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	// .env 仅用于本地开发注入AWS凭证，不存在时忽略
	_ = godotenv.Load()

	// Setup initial logger (will be updated when config is loaded)
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"})
	slog.SetDefault(logger)

	configWatcher, err := config.NewConfigWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create configuration watcher: %v\n", err)
		os.Exit(1)
	}
	defer configWatcher.Close()

	cfg := configWatcher.GetConfig()

	// Command line flags override config file
	if *enableWeb {
		cfg.Web.Enabled = true
	}
	if *webPort != 8089 {
		cfg.Web.Port = *webPort
	}
	tuiEnabled := cfg.TUI.Enabled
	if *enableTUI {
		tuiEnabled = true
	}
	if *disableTUI {
		tuiEnabled = false
	}

	logger = setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	if !tuiEnabled {
		logger.Info("🚀 Bedrock Failover 启动中...",
			"version", version,
			"commit", commit,
			"build_date", date,
			"config_file", *configPath,
			"endpoints_file", cfg.Engine.EndpointsFile,
			"max_attempts", cfg.Engine.MaxAttempts)

		if cfg.Proxy.Enabled {
			logger.Info("🔗 " + transport.GetProxyInfo(cfg))
		} else {
			logger.Info("🔗 代理未启用，将直接连接Bedrock运行时端点")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize usage tracker (optional)
	var usageTracker *tracking.Tracker
	if cfg.Tracking.Enabled && cfg.Tracking.Database != nil {
		trackingConfig := &tracking.Config{
			Database: tracking.DatabaseConfig{
				Type:            cfg.Tracking.Database.Type,
				Path:            cfg.Tracking.Database.Path,
				Host:            cfg.Tracking.Database.Host,
				Port:            cfg.Tracking.Database.Port,
				Database:        cfg.Tracking.Database.Database,
				Username:        cfg.Tracking.Database.Username,
				Password:        cfg.Tracking.Database.Password,
				MaxOpenConns:    cfg.Tracking.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Tracking.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Tracking.Database.ConnMaxLifetime,
			},
			BufferSize:    cfg.Tracking.BufferSize,
			BatchSize:     cfg.Tracking.BatchSize,
			FlushInterval: cfg.Tracking.FlushInterval,
			RetentionDays: cfg.Tracking.RetentionDays,
		}

		usageTracker, err = tracking.NewTracker(trackingConfig, logger)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ 会话跟踪器初始化失败: %v", err))
			os.Exit(1)
		}
		defer func() {
			if err := usageTracker.Close(); err != nil {
				logger.Error(fmt.Sprintf("❌ 会话跟踪器关闭失败: %v", err))
			}
		}()
	}

	metrics := monitor.NewMetrics()

	// Create transport client (SigV4 or Bearer token per config)
	client, err := transport.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ 传输客户端初始化失败: %v", err))
		os.Exit(1)
	}

	// Create failover engine
	store := endpoint.NewStore(logger)
	engine := failover.New(failover.Config{
		EndpointsFile:        cfg.Engine.EndpointsFile,
		MaxAttempts:          cfg.Engine.MaxAttempts,
		MaxAttemptsPerRegion: cfg.Engine.MaxAttemptsPerRegion,
		CooldownWindow:       cfg.Engine.CooldownWindow,
		PrimaryPreference:    cfg.Engine.PrimaryPreference,
		CrossRegionInference: cfg.Engine.CrossRegionInference,
	}, store, client, logger,
		failover.WithMetrics(metrics),
		failover.WithUsageTracker(usageTracker),
	)

	// Watch endpoints file for external edits
	var fileWatcher *endpoint.FileWatcher
	if cfg.Engine.WatchEndpointsFile {
		fileWatcher, err = endpoint.NewFileWatcher(cfg.Engine.EndpointsFile, logger, func() {
			if err := engine.Reload(""); err != nil {
				logger.Warn(fmt.Sprintf("⚠️ 端点文件变更后重载失败: %v", err))
			}
		})
		if err != nil {
			logger.Warn(fmt.Sprintf("⚠️ 端点文件监控启动失败: %v", err))
		} else {
			defer fileWatcher.Close()
		}
	}

	// Configuration hot reload: engine limits are fixed at construction,
	// only the endpoints file path and cross-region switch follow reloads
	configWatcher.AddReloadCallback(func(newCfg *config.Config) {
		newLogger := setupLogger(newCfg.Logging)
		slog.SetDefault(newLogger)

		engine.SetCrossRegionInference(newCfg.Engine.CrossRegionInference)
		if newCfg.Engine.EndpointsFile != cfg.Engine.EndpointsFile {
			if err := engine.Reload(newCfg.Engine.EndpointsFile); err != nil {
				newLogger.Warn(fmt.Sprintf("⚠️ 新端点文件加载失败: %v", err))
			}
		}

		if !tuiEnabled {
			newLogger.Info("🔄 配置已重载")
		}
	})

	// Start admin API if enabled
	var webServer *web.Server
	if cfg.Web.Enabled {
		webServer = web.NewServer(cfg, engine, metrics, usageTracker, logger)
		if err := webServer.Start(); err != nil {
			logger.Error(fmt.Sprintf("❌ 管理API启动失败: %v", err))
			os.Exit(1)
		}
		if !tuiEnabled {
			logger.Info("🌐 管理API已启动",
				"address", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
				"auth", cfg.Auth.Enabled)
			if !cfg.Auth.Enabled && cfg.Web.Host != "127.0.0.1" && cfg.Web.Host != "localhost" && cfg.Web.Host != "::1" {
				logger.Warn("⚠️  管理API绑定到非本地地址但未启用鉴权，请确保网络环境安全")
			}
		}
	}

	if tuiEnabled {
		tuiApp := tui.NewApp(cfg, engine, logger)

		tuiErr := make(chan error, 1)
		go func() {
			tuiErr <- tuiApp.Run()
		}()

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-tuiErr:
			if err != nil {
				logger.Error(fmt.Sprintf("TUI运行错误: %v", err))
			}
		case sig := <-interrupt:
			logger.Info(fmt.Sprintf("📡 收到终止信号: %v", sig))
			tuiApp.Stop()
			<-tuiErr
		}
	} else {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		sig := <-interrupt
		logger.Info(fmt.Sprintf("📡 收到终止信号，开始优雅关闭... - 信号: %v", sig))
	}

	shutdown(engine, webServer, logger)
}

// shutdown 持久化失败状态并停止对外组件
func shutdown(engine *failover.Engine, webServer *web.Server, logger *slog.Logger) {
	logger.Info("🛑 正在关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if webServer != nil {
		if err := webServer.Stop(ctx); err != nil {
			logger.Error(fmt.Sprintf("❌ 管理API关闭失败: %v", err))
		}
	}

	// 失败状态只在显式调用时落盘，退出前主动写一次
	failed := engine.FailedRegions()
	written, err := engine.PersistFailures()
	switch {
	case err != nil:
		logger.Error(fmt.Sprintf("❌ 失败状态持久化失败: %v", err))
	case written:
		logger.Info("💾 失败状态已持久化", "regions", failed)
	default:
		logger.Info("✅ 无失败区域需要持久化")
	}

	logger.Info("✅ 已安全关闭")
}

// setupLogger configures the structured logger per the logging config.
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: "2006-01-02 15:04:05.000",
		})
	}
	return slog.New(handler)
}
