package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"wisefido-vision/internal/cache"
	"wisefido-vision/internal/camera"
	"wisefido-vision/internal/config"
	"wisefido-vision/internal/detector"
	"wisefido-vision/internal/dispatcher"
	"wisefido-vision/internal/evaluator"
	"wisefido-vision/internal/mqtt"
	"wisefido-vision/internal/repository"
	"wisefido-vision/internal/supervisor"
	"wisefido-vision/internal/tracker"
)

// VisionService 视觉合规服务（整合各层）
type VisionService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client
	logger      *zap.Logger

	// 各层组件
	violationRepo *repository.ViolationEventsRepository
	snapshots     *cache.SnapshotManager
	dispatcher    *dispatcher.Dispatcher
	detector      *detector.Adapter
	supervisor    *supervisor.Supervisor
	sourceFactory camera.SourceFactory
}

// NewVisionService 创建视觉合规服务
func NewVisionService(cfg *config.Config, logger *zap.Logger) (*VisionService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := cache.NewRedisClient(&cfg.Redis)
	if err := cache.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 按需连接 MQTT（仅当存在启用的 mqtt 通道）
	var mqttClient *mqtt.Client
	if hasEnabledChannel(cfg.Topology.Alert.Channels, "mqtt") {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mqtt: %w", err)
		}
	}

	// 4. Repository 与快照层
	violationRepo := repository.NewViolationEventsRepository(db, logger)
	snapshots := cache.NewSnapshotManager(cfg, redisClient, logger)

	// 5. 告警派发层
	channels, err := buildChannels(cfg, mqttClient, redisClient)
	if err != nil {
		return nil, err
	}
	disp := dispatcher.New(&cfg.Topology.Alert, channels, logger)

	// 6. 检测器适配层（所有摄像头共享同一推理后端）
	detectorCfg := &cfg.Topology.Detector
	backend := detector.NewHTTPBackend(
		detectorCfg.Endpoint,
		time.Duration(detectorCfg.ProcessingTimeoutMS)*time.Millisecond,
		logger,
	)
	det := detector.NewAdapter(detectorCfg, backend, logger)

	s := &VisionService{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		mqttClient:    mqttClient,
		logger:        logger,
		violationRepo: violationRepo,
		snapshots:     snapshots,
		dispatcher:    disp,
		detector:      det,
		sourceFactory: camera.NewRTSPSourceFactory(logger),
	}

	// 7. 监督器：工作器工厂闭包持有服务依赖
	s.supervisor = supervisor.New(
		cfg.Topology.Health,
		s.buildWorker,
		snapshots,
		supervisor.NewProcessStats(),
		logger,
	)

	return s, nil
}

// Start 启动服务
func (s *VisionService) Start(ctx context.Context) error {
	s.logger.Info("Starting vision service",
		zap.Int("cameras", len(s.config.Topology.Cameras)),
		zap.String("detector_endpoint", s.config.Topology.Detector.Endpoint),
	)
	return s.supervisor.Start(ctx, s.config.Topology.Cameras)
}

// Stop 停止服务：先收尾工作器，再断开外部连接
func (s *VisionService) Stop() error {
	s.logger.Info("Stopping vision service")

	s.supervisor.Stop()

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}
	return nil
}

// Reload 重新加载拓扑文件并差量更新摄像头
// 检测器与跟踪器的全局配置变更需要重启进程才生效
func (s *VisionService) Reload() error {
	topology, err := config.LoadTopology(s.config.TopologyPath)
	if err != nil {
		return fmt.Errorf("failed to reload topology: %w", err)
	}

	s.config.Topology.Cameras = topology.Cameras
	if err := s.supervisor.Reload(topology.Cameras); err != nil {
		return fmt.Errorf("failed to apply topology: %w", err)
	}

	s.logger.Info("Topology reloaded",
		zap.String("path", s.config.TopologyPath),
		zap.Int("cameras", len(topology.Cameras)),
	)
	return nil
}

// buildWorker 按摄像头配置组装一条完整管线
func (s *VisionService) buildWorker(cam config.CameraConfig) (supervisor.CameraWorker, error) {
	trackingCfg := s.config.Topology.Tracking
	if !trackingCfg.Enabled {
		// 跟踪关闭时退化为逐帧模式：Track 当帧确认、一帧未见即销毁
		trackingCfg.Algorithm = "iou"
		trackingCfg.MinHits = 1
		trackingCfg.MaxAge = 1
	}

	assoc, err := tracker.NewAssociator(&trackingCfg)
	if err != nil {
		return nil, fmt.Errorf("camera %s: %w", cam.ID, err)
	}
	trk := tracker.New(cam.ID, &trackingCfg, assoc, s.logger)

	violationDuration := time.Duration(s.config.Topology.Alert.ViolationDurationSec * float64(time.Second))
	eval := evaluator.New(cam.ID, cam.RequiredPPE, violationDuration, s.logger)

	source := s.sourceFactory(cam.ID, cam.URL, cam.Width, cam.Height, cam.FPS)

	sink := &violationSink{service: s}
	return camera.NewWorker(cam, &s.config.Topology.Detector, source, s.detector, trk, eval, sink, s.logger), nil
}

// violationSink 违规事件下游：持久化 + 事件流 + 告警派发
// 任何一路失败都不阻断管线
type violationSink struct {
	service *VisionService
}

func (v *violationSink) HandleEvents(ctx context.Context, events []evaluator.Event) {
	s := v.service
	for _, ev := range events {
		record, err := repository.NewViolationEventFromSnapshot(uuid.New().String(), string(ev.Type), &ev.Violation)
		if err != nil {
			s.logger.Error("Failed to build violation event record",
				zap.String("violation_id", ev.Violation.ID),
				zap.Error(err),
			)
		} else if err := s.violationRepo.CreateViolationEvent(ctx, record); err != nil {
			s.logger.Error("Failed to persist violation event",
				zap.String("violation_id", ev.Violation.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err),
			)
		}

		if err := s.snapshots.PublishViolationEvent(ctx, string(ev.Type), ev.Violation); err != nil {
			s.logger.Error("Failed to publish violation event",
				zap.String("violation_id", ev.Violation.ID),
				zap.Error(err),
			)
		}

		if ev.Type == evaluator.EventConfirmed {
			s.dispatcher.Notify(ctx, &ev.Violation)
		}
	}
}

// buildChannels 按配置组装启用的告警通道
func buildChannels(cfg *config.Config, mqttClient *mqtt.Client, redisClient *redis.Client) ([]dispatcher.Channel, error) {
	var channels []dispatcher.Channel
	for _, ch := range cfg.Topology.Alert.Channels {
		if !ch.Enabled {
			continue
		}
		switch ch.Type {
		case "webhook":
			channels = append(channels, dispatcher.NewWebhookChannel(ch))
		case "mqtt":
			channels = append(channels, dispatcher.NewMQTTChannel(ch, cfg.MQTT.QoS, mqttClient))
		case "stream":
			channels = append(channels, dispatcher.NewStreamChannel(ch, redisClient))
		default:
			return nil, &config.ConfigError{
				Field:  "alert.channels." + ch.Name,
				Reason: fmt.Sprintf("unknown channel type: %s", ch.Type),
			}
		}
	}
	return channels, nil
}

func hasEnabledChannel(channels []config.ChannelConfig, channelType string) bool {
	for _, ch := range channels {
		if ch.Enabled && ch.Type == channelType {
			return true
		}
	}
	return false
}
