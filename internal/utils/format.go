// Package utils 提供Web接口展示用的格式化函数
package utils

import (
	"fmt"
	"time"
)

// FormatResponseTime 把耗时格式化为人类可读的字符串
// 单位随数量级切换: μs → ms → s → m
func FormatResponseTime(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}

	ms := float64(d.Nanoseconds()) / 1e6
	switch {
	case ms < 1:
		us := float64(d.Nanoseconds()) / 1e3
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

// FormatPercentage 格式化占比显示，total为0时返回0.0%
func FormatPercentage(value, total int64) string {
	if total == 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(value)/float64(total)*100)
}
