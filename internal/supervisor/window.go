package supervisor

import (
	"time"

	"wisefido-vision/internal/config"
)

// WindowEvaluator 滑动窗口重启条件
// 指标值连续超过阈值达 window_sec 才触发；一旦回落立即复位
type WindowEvaluator struct {
	condition  config.RestartCondition
	window     time.Duration
	breachedAt time.Time
	breaching  bool
}

// NewWindowEvaluator 创建窗口评估器
func NewWindowEvaluator(cond config.RestartCondition) *WindowEvaluator {
	return &WindowEvaluator{
		condition: cond,
		window:    time.Duration(cond.WindowSec) * time.Second,
	}
}

// Metric 条件监视的指标名
func (w *WindowEvaluator) Metric() string {
	return w.condition.Metric
}

// Observe 记录一次观测；返回 true 表示条件触发
// 触发后复位，等待下一次完整窗口
func (w *WindowEvaluator) Observe(now time.Time, value float64) bool {
	if value < w.condition.Threshold {
		w.breaching = false
		return false
	}

	if !w.breaching {
		w.breaching = true
		w.breachedAt = now
		return w.window == 0
	}

	if now.Sub(w.breachedAt) >= w.window {
		w.breaching = false
		return true
	}
	return false
}
