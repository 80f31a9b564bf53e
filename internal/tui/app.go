// Package tui 提供终端状态视图
// 展示端点快照、冷却状态与本次生命周期内累计的失败区域
package tui

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"bedrock-failover/config"
	"bedrock-failover/internal/failover"
	"bedrock-failover/internal/utils"
)

// App 终端界面应用
type App struct {
	cfg    *config.Config
	engine *failover.Engine
	logger *slog.Logger

	app      *tview.Application
	table    *tview.Table
	failures *tview.TextView
	footer   *tview.TextView

	stopCh chan struct{}
}

// NewApp 创建TUI应用
func NewApp(cfg *config.Config, engine *failover.Engine, logger *slog.Logger) *App {
	a := &App{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		app:    tview.NewApplication(),
		stopCh: make(chan struct{}),
	}
	a.build()
	return a
}

func (a *App) build() {
	a.table = tview.NewTable().SetBorders(false).SetFixed(1, 0)
	a.table.SetBorder(true).SetTitle(" 端点状态 Endpoints ")

	a.failures = tview.NewTextView().SetDynamicColors(true)
	a.failures.SetBorder(true).SetTitle(" 失败区域 Failed Regions ")

	a.footer = tview.NewTextView().SetDynamicColors(true)
	a.footer.SetText("[gray]q 退出  r 重载端点  p 持久化失败状态")

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.table, 0, 3, true).
		AddItem(a.failures, 0, 1, false).
		AddItem(a.footer, 1, 0, false)

	a.app.SetRoot(flex, true)

	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Rune() {
		case 'q':
			a.Stop()
			return nil
		case 'r':
			if err := a.engine.Reload(""); err != nil {
				a.logger.Warn(fmt.Sprintf("⚠️ TUI触发端点重载失败: %v", err))
			}
			a.refresh()
			return nil
		case 'p':
			written, err := a.engine.PersistFailures()
			if err != nil {
				a.logger.Warn(fmt.Sprintf("⚠️ TUI触发持久化失败: %v", err))
			} else if written {
				a.logger.Info("💾 TUI触发失败状态持久化完成")
			}
			a.refresh()
			return nil
		}
		return ev
	})
}

// Run 启动界面并阻塞到退出
func (a *App) Run() error {
	go a.refreshLoop()
	a.refresh()
	return a.app.Run()
}

// Stop 停止界面
func (a *App) Stop() {
	select {
	case <-a.stopCh:
	default:
		close(a.stopCh)
	}
	a.app.Stop()
}

func (a *App) refreshLoop() {
	interval := a.cfg.TUI.UpdateInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refresh)
		}
	}
}

func (a *App) refresh() {
	now := time.Now().Unix()
	snapshot := a.engine.Snapshot()

	a.table.Clear()
	headers := []string{"区域", "主区域", "状态", "冷却剩余", "推理前缀"}
	for col, h := range headers {
		cell := tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1)
		a.table.SetCell(0, col, cell)
	}

	for row, rec := range snapshot {
		state := "[green]可用"
		until := "-"
		if rec.NextAvailableTime > now {
			state = "[red]冷却中"
			until = utils.FormatCooldownRemaining(rec.NextAvailableTime, now)
		}
		primary := ""
		if rec.Primary {
			primary = "★"
		}

		cells := []string{rec.Region, primary, state, until, rec.RegionProfilePrefix}
		for col, text := range cells {
			a.table.SetCell(row+1, col, tview.NewTableCell(text).SetExpansion(1))
		}
	}

	failed := a.engine.FailedRegions()
	if len(failed) == 0 {
		a.failures.SetText("[green]本次生命周期内暂无失败区域")
	} else {
		text := ""
		for i, region := range failed {
			if i > 0 {
				text += "  "
			}
			text += fmt.Sprintf("[red]%s[white]", region)
		}
		a.failures.SetText(text)
	}
}
