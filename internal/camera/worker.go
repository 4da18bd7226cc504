package camera

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/evaluator"
	"wisefido-vision/internal/models"
	"wisefido-vision/internal/tracker"
)

// Detector 检测器适配层（逐帧推理）
type Detector interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

// EventSink 违规事件的下游（持久化、事件流、告警派发）
// 同一摄像头的事件按产生顺序交付
type EventSink interface {
	HandleEvents(ctx context.Context, events []evaluator.Event)
}

// fpsMeter 滑动窗口帧率统计
type fpsMeter struct {
	windowStart time.Time
	count       int
	fps         float64
}

func (m *fpsMeter) observe(now time.Time) float64 {
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.count++
	if elapsed := now.Sub(m.windowStart); elapsed >= 5*time.Second {
		m.fps = float64(m.count) / elapsed.Seconds()
		m.windowStart = now
		m.count = 0
	}
	return m.fps
}

// Worker 单摄像头工作器
// 独占一条 捕帧 → 检测 → 跟踪 → 合规评估 管线；
// 帧处理严格串行，连接管理与帧泵并发执行
type Worker struct {
	cfg       config.CameraConfig
	source    StreamSource
	detector  Detector
	tracker   *tracker.Tracker
	evaluator *evaluator.Evaluator
	sink      EventSink
	logger    *zap.Logger

	connTimeout    time.Duration
	reconnectDelay time.Duration
	idleRetry      time.Duration
	procTimeout    time.Duration

	mu      sync.Mutex
	health  models.CameraHealth
	metrics models.PipelineMetrics
	meter   fpsMeter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker 创建摄像头工作器
func NewWorker(
	cfg config.CameraConfig,
	detectorCfg *config.DetectorConfig,
	source StreamSource,
	det Detector,
	trk *tracker.Tracker,
	eval *evaluator.Evaluator,
	sink EventSink,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		cfg:            cfg,
		source:         source,
		detector:       det,
		tracker:        trk,
		evaluator:      eval,
		sink:           sink,
		logger:         logger,
		connTimeout:    time.Duration(cfg.ConnectionTimeoutSec) * time.Second,
		reconnectDelay: time.Duration(cfg.ReconnectDelaySec) * time.Second,
		idleRetry:      time.Duration(cfg.IdleRetryIntervalSec) * time.Second,
		procTimeout:    time.Duration(detectorCfg.ProcessingTimeoutMS) * time.Millisecond,
		health: models.CameraHealth{
			CameraID: cfg.ID,
			State:    models.CameraReconnecting,
		},
		metrics: models.PipelineMetrics{CameraID: cfg.ID},
		done:    make(chan struct{}),
	}
}

// Start 启动工作器（非阻塞）
func (w *Worker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)

	w.logger.Info("Camera worker started",
		zap.String("camera_id", w.cfg.ID),
		zap.String("zone", w.cfg.Zone),
		zap.String("priority", w.cfg.Priority),
	)
}

// Stop 停止工作器并收尾：存活 Track 全部销毁，已确认违规补发 RESOLVED
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now()
	var events []evaluator.Event
	for _, track := range w.tracker.Flush() {
		events = append(events, w.evaluator.TrackRemoved(now, track.ID)...)
	}
	if len(events) > 0 {
		w.sink.HandleEvents(flushCtx, events)
	}

	w.logger.Info("Camera worker stopped",
		zap.String("camera_id", w.cfg.ID),
	)
}

// Health 当前健康快照
func (w *Worker) Health() models.CameraHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.health
}

// Metrics 当前指标快照
func (w *Worker) Metrics() models.PipelineMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	m := w.metrics
	m.ActiveTracks = w.tracker.ActiveCount()
	return m
}

// run 连接管理主循环
// 初次尝试加 MaxReconnectAttempts 次重试全部失败后转 OFFLINE，
// 之后按慢速间隔持续重试，绝不退出
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		connectCtx, cancel := context.WithTimeout(ctx, w.connTimeout)
		frames, err := w.source.Open(connectCtx)
		cancel()

		if err != nil {
			failures++
			w.noteConnectFailure(failures, err)

			// 首次尝试不计入重试限额：初次 + MaxReconnectAttempts 次重试后才转 OFFLINE
			var delay time.Duration
			if failures > w.cfg.MaxReconnectAttempts {
				w.setState(models.CameraOffline)
				delay = w.idleRetry
			} else {
				delay = w.reconnectDelay
			}
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		w.setState(models.CameraConnected)
		w.logger.Info("Camera connected",
			zap.String("camera_id", w.cfg.ID),
		)

		w.consume(ctx, frames)
		w.source.Close()

		if ctx.Err() != nil {
			return
		}
		w.setState(models.CameraReconnecting)
		w.logger.Warn("Camera stream lost, reconnecting",
			zap.String("camera_id", w.cfg.ID),
		)
	}
}

// consume 帧泵 + 串行处理
// 有界缓冲，满时丢最旧帧（latest-wins），丢弃计入指标
func (w *Worker) consume(ctx context.Context, frames <-chan models.Frame) {
	bufSize := w.cfg.FrameBufferSize
	if bufSize <= 0 {
		bufSize = 1
	}
	buf := make(chan models.Frame, bufSize)

	go func() {
		defer close(buf)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				select {
				case buf <- frame:
				default:
					select {
					case <-buf:
						w.noteDropped()
					default:
					}
					select {
					case buf <- frame:
					default:
						w.noteDropped()
					}
				}
			}
		}
	}()

	frameIdx := 0
	for frame := range buf {
		if ctx.Err() != nil {
			// 排空泵协程
			continue
		}
		if w.cfg.FrameSkip > 1 && frameIdx%w.cfg.FrameSkip != 0 {
			frameIdx++
			w.noteSkipped()
			continue
		}
		frameIdx++
		w.processFrame(ctx, &frame)
	}
}

// processFrame 检测 → 跟踪 → 合规评估，事件按序交给下游
// 检测失败不阻断：当帧按零检测处理，现有 Track 照常老化
func (w *Worker) processFrame(ctx context.Context, frame *models.Frame) {
	procCtx, cancel := context.WithTimeout(ctx, w.procTimeout)
	detections, err := w.detector.Detect(procCtx, frame)
	cancel()

	if err != nil {
		w.noteDetectorError()
		w.logger.Warn("Detector failed, aging tracks without detections",
			zap.String("camera_id", w.cfg.ID),
			zap.Uint64("frame_seq", frame.Seq),
			zap.Error(err),
		)
		detections = nil
	}

	now := frame.CapturedAt
	result := w.tracker.Update(now, detections)

	var events []evaluator.Event
	for _, track := range result.Removed {
		events = append(events, w.evaluator.TrackRemoved(now, track.ID)...)
	}
	for _, track := range result.Active {
		events = append(events, w.evaluator.Evaluate(now, track, result.Equipped[track.ID])...)
	}

	if len(events) > 0 {
		w.sink.HandleEvents(ctx, events)
	}

	w.noteProcessed(now)
}

// ============================================
// 健康与指标
// ============================================

func (w *Worker) setState(state models.CameraState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.State = state
	if state == models.CameraConnected {
		w.health.ConsecutiveFailures = 0
	}
}

func (w *Worker) noteConnectFailure(failures int, err error) {
	w.mu.Lock()
	w.health.ConsecutiveFailures = failures
	if w.health.State == models.CameraConnected {
		w.health.State = models.CameraReconnecting
	}
	w.mu.Unlock()

	w.logger.Warn("Camera connect attempt failed",
		zap.String("camera_id", w.cfg.ID),
		zap.Int("consecutive_failures", failures),
		zap.Int("max_attempts", w.cfg.MaxReconnectAttempts),
		zap.Error(err),
	)
}

func (w *Worker) noteProcessed(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.FramesProcessed++
	w.health.LastFrameAt = now
	fps := w.meter.observe(now)
	w.health.ObservedFPS = fps
	w.metrics.ObservedFPS = fps
}

func (w *Worker) noteDropped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.FramesDropped++
}

func (w *Worker) noteSkipped() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.FramesSkipped++
}

func (w *Worker) noteDetectorError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.DetectorErrors++
}

// sleepCtx 可取消的等待；返回 false 表示 ctx 已取消
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		// 让出调度，避免零延迟下忙转
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
