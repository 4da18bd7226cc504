package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// SnapshotManager 健康与指标快照管理器
// 摄像头健康、管线指标写入 Redis（带 TTL），违规生命周期事件发布到 Stream
type SnapshotManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewSnapshotManager 创建快照管理器
func NewSnapshotManager(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *SnapshotManager {
	return &SnapshotManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// healthKey 构建健康快照键
func (m *SnapshotManager) healthKey(cameraID string) string {
	return fmt.Sprintf("%s%s:health", m.config.Events.HealthKeyPrefix, cameraID)
}

// metricsKey 构建指标快照键
func (m *SnapshotManager) metricsKey(cameraID string) string {
	return fmt.Sprintf("%s%s:metrics", m.config.Events.HealthKeyPrefix, cameraID)
}

// PublishHealth 写入摄像头健康快照
func (m *SnapshotManager) PublishHealth(ctx context.Context, health models.CameraHealth) error {
	jsonData, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("failed to marshal health: %w", err)
	}

	ttl := time.Duration(m.config.Events.HealthTTL) * time.Second
	if err := m.redisClient.Set(ctx, m.healthKey(health.CameraID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set health snapshot: %w", err)
	}
	return nil
}

// GetHealth 读取摄像头健康快照
func (m *SnapshotManager) GetHealth(ctx context.Context, cameraID string) (*models.CameraHealth, error) {
	val, err := m.redisClient.Get(ctx, m.healthKey(cameraID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("health snapshot not found: %s", cameraID)
		}
		return nil, fmt.Errorf("failed to get health snapshot: %w", err)
	}

	var health models.CameraHealth
	if err := json.Unmarshal([]byte(val), &health); err != nil {
		return nil, fmt.Errorf("failed to unmarshal health: %w", err)
	}
	return &health, nil
}

// PublishMetrics 写入管线指标快照
func (m *SnapshotManager) PublishMetrics(ctx context.Context, metrics models.PipelineMetrics) error {
	jsonData, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}

	ttl := time.Duration(m.config.Events.HealthTTL) * time.Second
	if err := m.redisClient.Set(ctx, m.metricsKey(metrics.CameraID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set metrics snapshot: %w", err)
	}
	return nil
}

// ViolationEventRecord 发布到 Stream 的违规生命周期事件
type ViolationEventRecord struct {
	EventType string           `json:"event_type"` // OPEN / CONFIRMED / RESOLVED
	Violation models.Violation `json:"violation"`
}

// PublishViolationEvent 发布违规生命周期事件（供持久化/看板消费）
func (m *SnapshotManager) PublishViolationEvent(ctx context.Context, eventType string, v models.Violation) error {
	record := ViolationEventRecord{EventType: eventType, Violation: v}

	id, err := PublishJSONToStream(ctx, m.redisClient, m.config.Events.ViolationStream, record)
	if err != nil {
		return fmt.Errorf("failed to publish violation event: %w", err)
	}

	m.logger.Debug("Violation event published",
		zap.String("stream", m.config.Events.ViolationStream),
		zap.String("message_id", id),
		zap.String("event_type", eventType),
		zap.String("violation_id", v.ID),
	)
	return nil
}
