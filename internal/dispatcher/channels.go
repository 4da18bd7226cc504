package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"

	"wisefido-vision/internal/cache"
	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
	"wisefido-vision/internal/mqtt"
)

// Channel 告警通道
// Send 必须在 ctx 取消或超时后尽快返回
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// WebhookChannel 通过 HTTP POST 推送告警
type WebhookChannel struct {
	name     string
	endpoint string
	client   *resty.Client
}

func NewWebhookChannel(cfg config.ChannelConfig) *WebhookChannel {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	return &WebhookChannel{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		client:   client,
	}
}

func (c *WebhookChannel) Name() string {
	return c.name
}

func (c *WebhookChannel) Send(ctx context.Context, alert *models.Alert) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(alert).
		Post(c.endpoint)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// MQTTChannel 将告警发布到 MQTT 主题
type MQTTChannel struct {
	name   string
	topic  string
	qos    byte
	client *mqtt.Client
}

func NewMQTTChannel(cfg config.ChannelConfig, qos byte, client *mqtt.Client) *MQTTChannel {
	return &MQTTChannel{
		name:   cfg.Name,
		topic:  cfg.Endpoint,
		qos:    qos,
		client: client,
	}
}

func (c *MQTTChannel) Name() string {
	return c.name
}

func (c *MQTTChannel) Send(_ context.Context, alert *models.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := c.client.Publish(c.topic, c.qos, false, payload); err != nil {
		return fmt.Errorf("mqtt publish failed: %w", err)
	}
	return nil
}

// StreamChannel 将告警写入 Redis Stream
type StreamChannel struct {
	name   string
	stream string
	client *redis.Client
}

func NewStreamChannel(cfg config.ChannelConfig, client *redis.Client) *StreamChannel {
	return &StreamChannel{
		name:   cfg.Name,
		stream: cfg.Endpoint,
		client: client,
	}
}

func (c *StreamChannel) Name() string {
	return c.name
}

func (c *StreamChannel) Send(ctx context.Context, alert *models.Alert) error {
	if _, err := cache.PublishJSONToStream(ctx, c.client, c.stream, alert); err != nil {
		return fmt.Errorf("stream publish failed: %w", err)
	}
	return nil
}
