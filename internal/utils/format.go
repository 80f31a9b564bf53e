// Package utils 提供通用的格式化工具函数
package utils

import (
	"fmt"
	"time"
)

// FormatResponseTime 友好格式化单次调用耗时
// 用法: utils.FormatResponseTime(duration)
func FormatResponseTime(duration time.Duration) string {
	if duration == 0 {
		return "0ms"
	}

	ms := float64(duration.Nanoseconds()) / 1e6

	switch {
	case ms < 1:
		us := float64(duration.Nanoseconds()) / 1e3
		if us < 1 {
			return "< 1μs"
		}
		return fmt.Sprintf("%.0fμs", us)
	case ms < 1000:
		return fmt.Sprintf("%.0fms", ms)
	case ms < 60000:
		seconds := ms / 1000
		if seconds < 10 {
			return fmt.Sprintf("%.1fs", seconds)
		}
		return fmt.Sprintf("%.0fs", seconds)
	default:
		minutes := int(ms / 60000)
		seconds := (ms - float64(minutes*60000)) / 1000
		return fmt.Sprintf("%dm%.0fs", minutes, seconds)
	}
}

// FormatCooldownRemaining 格式化区域冷却剩余时间
// until 为 Unix 秒级时间戳，已过期返回空串
func FormatCooldownRemaining(until, now int64) string {
	if until <= now {
		return ""
	}
	remaining := time.Duration(until-now) * time.Second
	if remaining < time.Minute {
		return fmt.Sprintf("%ds", int(remaining.Seconds()))
	}
	if remaining < time.Hour {
		return fmt.Sprintf("%dm%ds", int(remaining.Minutes()), int(remaining.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(remaining.Hours()), int(remaining.Minutes())%60)
}
