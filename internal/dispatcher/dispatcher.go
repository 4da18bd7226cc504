package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// Dispatcher 告警派发器
// 对 CONFIRMED 违规按 (track_id, 缺失集) 去重并施加冷却期，
// 然后并行扇出到所有启用的通道；通道故障彼此隔离，绝不中止流水线
type Dispatcher struct {
	channels   []Channel
	cooldown   time.Duration
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger

	mu             sync.Mutex
	lastDispatched map[string]time.Time
	failures       map[string]int64

	now func() time.Time
}

// New 创建派发器；channels 应只包含已启用的通道
func New(cfg *config.AlertConfig, channels []Channel, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		channels:       channels,
		cooldown:       time.Duration(cfg.ViolationCooldownSec * float64(time.Second)),
		retryCount:     cfg.RetryCount,
		retryDelay:     time.Duration(cfg.RetryDelayMS) * time.Millisecond,
		logger:         logger,
		lastDispatched: make(map[string]time.Time),
		failures:       make(map[string]int64),
		now:            time.Now,
	}
}

// Notify 为一次 CONFIRMED 违规派发告警
// 冷却期内的重复违规返回 Suppressed 告警且不触达任何通道
func (d *Dispatcher) Notify(ctx context.Context, violation *models.Violation) *models.Alert {
	now := d.now()
	alert := &models.Alert{
		ID:           uuid.New().String(),
		ViolationID:  violation.ID,
		TrackID:      violation.TrackID,
		CameraID:     violation.CameraID,
		Missing:      append([]models.Class(nil), violation.Missing...),
		DispatchedAt: now,
	}

	key := violation.DedupKey()
	d.mu.Lock()
	last, seen := d.lastDispatched[key]
	if seen && now.Sub(last) < d.cooldown {
		d.mu.Unlock()
		alert.Suppressed = true
		d.logger.Debug("Alert suppressed by cooldown",
			zap.String("camera_id", violation.CameraID),
			zap.String("dedup_key", key),
			zap.Duration("since_last", now.Sub(last)),
		)
		return alert
	}
	d.lastDispatched[key] = now
	d.mu.Unlock()

	delivered := d.fanOut(ctx, alert)

	alert.Channels = delivered
	alert.PartiallyDelivered = len(delivered) < len(d.channels)

	d.logger.Info("Alert dispatched",
		zap.String("alert_id", alert.ID),
		zap.String("violation_id", violation.ID),
		zap.String("camera_id", violation.CameraID),
		zap.Strings("channels", delivered),
		zap.Bool("partially_delivered", alert.PartiallyDelivered),
	)
	return alert
}

// fanOut 并行向所有通道发送，返回成功触达的通道名
func (d *Dispatcher) fanOut(ctx context.Context, alert *models.Alert) []string {
	if len(d.channels) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	results := make([]bool, len(d.channels))
	for i, ch := range d.channels {
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.sendWithRetry(ctx, ch, alert)
		}(i, ch)
	}
	wg.Wait()

	delivered := make([]string, 0, len(d.channels))
	for i, ok := range results {
		if ok {
			delivered = append(delivered, d.channels[i].Name())
		}
	}
	return delivered
}

// sendWithRetry 有界重试；重试间隔固定，耗尽后放弃该通道
func (d *Dispatcher) sendWithRetry(ctx context.Context, ch Channel, alert *models.Alert) bool {
	var lastErr error
	for attempt := 0; attempt <= d.retryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				d.logger.Warn("Alert delivery cancelled",
					zap.String("channel", ch.Name()),
					zap.String("alert_id", alert.ID),
				)
				return false
			case <-time.After(d.retryDelay):
			}
		}
		if lastErr = ch.Send(ctx, alert); lastErr == nil {
			return true
		}
	}
	d.mu.Lock()
	d.failures[ch.Name()]++
	d.mu.Unlock()

	d.logger.Error("Alert delivery failed after retries",
		zap.String("channel", ch.Name()),
		zap.String("alert_id", alert.ID),
		zap.Int("attempts", d.retryCount+1),
		zap.Error(lastErr),
	)
	return false
}

// Failures 各通道累计派发失败次数
func (d *Dispatcher) Failures() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.failures))
	for name, n := range d.failures {
		out[name] = n
	}
	return out
}
