package supervisor

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// CameraWorker 受监管的单摄像头工作器
type CameraWorker interface {
	Start(ctx context.Context)
	Stop()
	Health() models.CameraHealth
	Metrics() models.PipelineMetrics
}

// WorkerFactory 按摄像头配置创建工作器
type WorkerFactory func(cam config.CameraConfig) (CameraWorker, error)

// SnapshotPublisher 健康与指标快照的发布端
type SnapshotPublisher interface {
	PublishHealth(ctx context.Context, health models.CameraHealth) error
	PublishMetrics(ctx context.Context, metrics models.PipelineMetrics) error
}

// Supervisor 跨摄像头监督器
// 启动/停止工作器，聚合健康快照，评估重启条件；
// 工作器崩溃互相隔离，重启决策只在此处做出
type Supervisor struct {
	healthCfg  config.HealthConfig
	factory    WorkerFactory
	publisher  SnapshotPublisher
	stats      ResourceStats
	logger     *zap.Logger
	interval   time.Duration
	conditions []*WindowEvaluator

	mu      sync.Mutex
	cameras map[string]config.CameraConfig
	workers map[string]CameraWorker

	// critical 摄像头离线起始时间
	offlineSince map[string]time.Time

	restarts int64

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New 创建监督器
func New(healthCfg config.HealthConfig, factory WorkerFactory, publisher SnapshotPublisher, stats ResourceStats, logger *zap.Logger) *Supervisor {
	interval := time.Duration(healthCfg.SnapshotIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}

	conditions := make([]*WindowEvaluator, 0, len(healthCfg.RestartConditions))
	for _, cond := range healthCfg.RestartConditions {
		conditions = append(conditions, NewWindowEvaluator(cond))
	}

	return &Supervisor{
		healthCfg:    healthCfg,
		factory:      factory,
		publisher:    publisher,
		stats:        stats,
		logger:       logger,
		interval:     interval,
		conditions:   conditions,
		cameras:      make(map[string]config.CameraConfig),
		workers:      make(map[string]CameraWorker),
		offlineSince: make(map[string]time.Time),
		done:         make(chan struct{}),
	}
}

// Start 启动所有 enabled 摄像头和监控循环
func (s *Supervisor) Start(ctx context.Context, cameras []config.CameraConfig) error {
	s.runCtx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	for _, cam := range cameras {
		if !cam.Enabled {
			s.logger.Info("Camera disabled, skipping",
				zap.String("camera_id", cam.ID),
			)
			continue
		}
		worker, err := s.factory(cam)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.cameras[cam.ID] = cam
		s.workers[cam.ID] = worker
		worker.Start(s.runCtx)
	}
	count := len(s.workers)
	s.mu.Unlock()

	go s.monitor(s.runCtx)

	s.logger.Info("Supervisor started",
		zap.Int("cameras", count),
	)
	return nil
}

// Stop 停止监控循环和所有工作器
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done

	s.mu.Lock()
	workers := make([]CameraWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]CameraWorker)
	s.mu.Unlock()

	// 并行收尾，单个卡死的工作器不拖住整体
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w CameraWorker) {
			defer wg.Done()
			w.Stop()
		}(w)
	}

	drained := make(chan struct{})
	go func() { wg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(15 * time.Second):
		s.logger.Warn("Worker drain timeout during supervisor stop")
	}

	s.logger.Info("Supervisor stopped",
		zap.Int64("restarts", s.Restarts()),
	)
}

// Restarts 累计整体重启次数
func (s *Supervisor) Restarts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// HealthSnapshot 全部受监管摄像头的健康快照
func (s *Supervisor) HealthSnapshot() []models.CameraHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CameraHealth, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Health())
	}
	return out
}

// Reload 按新拓扑差量更新工作器：停掉删除的、启动新增的、重建变更的
func (s *Supervisor) Reload(cameras []config.CameraConfig) error {
	incoming := make(map[string]config.CameraConfig)
	for _, cam := range cameras {
		if cam.Enabled {
			incoming[cam.ID] = cam
		}
	}

	s.mu.Lock()
	var toStop []CameraWorker
	for id, existing := range s.cameras {
		next, keep := incoming[id]
		if keep && reflect.DeepEqual(existing, next) {
			delete(incoming, id)
			continue
		}
		toStop = append(toStop, s.workers[id])
		delete(s.workers, id)
		delete(s.cameras, id)
		delete(s.offlineSince, id)
		if keep {
			s.logger.Info("Camera config changed, rebuilding worker",
				zap.String("camera_id", id),
			)
		} else {
			s.logger.Info("Camera removed from topology",
				zap.String("camera_id", id),
			)
		}
	}
	s.mu.Unlock()

	// 收尾在锁外进行，排空期间不阻塞监控循环
	for _, w := range toStop {
		w.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cam := range incoming {
		worker, err := s.factory(cam)
		if err != nil {
			return err
		}
		s.cameras[id] = cam
		s.workers[id] = worker
		worker.Start(s.runCtx)
		s.logger.Info("Camera added to topology",
			zap.String("camera_id", id),
		)
	}

	return nil
}

// monitor 健康聚合与重启条件评估循环
func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.publishSnapshots(ctx)
			s.checkOfflineAlerts(now)
			if s.evaluateRestartConditions(now) {
				s.restartAll(ctx)
			}
		}
	}
}

// publishSnapshots 发布每个摄像头的健康与指标快照
func (s *Supervisor) publishSnapshots(ctx context.Context) {
	s.mu.Lock()
	workers := make(map[string]CameraWorker, len(s.workers))
	for id, w := range s.workers {
		workers[id] = w
	}
	s.mu.Unlock()

	for id, w := range workers {
		if err := s.publisher.PublishHealth(ctx, w.Health()); err != nil {
			s.logger.Warn("Failed to publish health snapshot",
				zap.String("camera_id", id),
				zap.Error(err),
			)
		}
		if err := s.publisher.PublishMetrics(ctx, w.Metrics()); err != nil {
			s.logger.Warn("Failed to publish metrics snapshot",
				zap.String("camera_id", id),
				zap.Error(err),
			)
		}
	}
}

// checkOfflineAlerts 离线占比与 critical 摄像头离线告警
func (s *Supervisor) checkOfflineAlerts(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workers) == 0 {
		return
	}

	// 已连接但长时间无新帧视为疑似卡死
	stallAfter := 3 * s.interval

	offline := 0
	for id, w := range s.workers {
		health := w.Health()
		if health.State != models.CameraOffline {
			delete(s.offlineSince, id)
			if health.State == models.CameraConnected && !health.LastFrameAt.IsZero() &&
				now.Sub(health.LastFrameAt) >= stallAfter {
				s.logger.Warn("Camera connected but no frames received",
					zap.String("camera_id", id),
					zap.Duration("stalled_for", now.Sub(health.LastFrameAt)),
				)
			}
			continue
		}
		offline++

		since, ok := s.offlineSince[id]
		if !ok {
			s.offlineSince[id] = now
			continue
		}

		cam := s.cameras[id]
		criticalAfter := time.Duration(s.healthCfg.CriticalOfflineSec) * time.Second
		if cam.Priority == "critical" && now.Sub(since) >= criticalAfter {
			s.logger.Error("Critical camera offline",
				zap.String("camera_id", id),
				zap.String("zone", cam.Zone),
				zap.Duration("offline_for", now.Sub(since)),
			)
		}
	}

	fraction := float64(offline) / float64(len(s.workers))
	if s.healthCfg.OfflineFraction > 0 && fraction >= s.healthCfg.OfflineFraction {
		s.logger.Error("Offline camera fraction exceeds threshold",
			zap.Int("offline", offline),
			zap.Int("total", len(s.workers)),
			zap.Float64("fraction", fraction),
			zap.Float64("threshold", s.healthCfg.OfflineFraction),
		)
	}
}

// evaluateRestartConditions 采样指标并推进各窗口评估器
func (s *Supervisor) evaluateRestartConditions(now time.Time) bool {
	triggered := false
	for _, cond := range s.conditions {
		value, ok := s.metricValue(cond.Metric())
		if !ok {
			continue
		}
		if cond.Observe(now, value) {
			s.logger.Error("Restart condition triggered",
				zap.String("metric", cond.Metric()),
				zap.Float64("value", value),
			)
			triggered = true
		}
	}
	return triggered
}

// metricValue 解析重启条件指标
func (s *Supervisor) metricValue(metric string) (float64, bool) {
	switch metric {
	case "cpu_usage":
		return s.stats.CPUUsage(), true
	case "memory_usage":
		return s.stats.MemoryUsageMB(), true
	case "no_active_camera":
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, w := range s.workers {
			if w.Health().State == models.CameraConnected {
				return 0, true
			}
		}
		return 1, true
	default:
		return 0, false
	}
}

// restartAll 整体重启：停掉所有工作器后按当前拓扑重建
func (s *Supervisor) restartAll(ctx context.Context) {
	s.mu.Lock()
	old := s.workers
	cameras := make([]config.CameraConfig, 0, len(s.cameras))
	for _, cam := range s.cameras {
		cameras = append(cameras, cam)
	}
	s.workers = make(map[string]CameraWorker)
	s.offlineSince = make(map[string]time.Time)
	s.restarts++
	restarts := s.restarts
	s.mu.Unlock()

	s.logger.Warn("Restarting all camera workers",
		zap.Int("cameras", len(cameras)),
		zap.Int64("restart_count", restarts),
	)

	for _, w := range old {
		w.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cam := range cameras {
		worker, err := s.factory(cam)
		if err != nil {
			s.logger.Error("Failed to rebuild worker after restart",
				zap.String("camera_id", cam.ID),
				zap.Error(err),
			)
			delete(s.cameras, cam.ID)
			continue
		}
		s.workers[cam.ID] = worker
		worker.Start(ctx)
	}
}
