package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"wisefido-vision/internal/models"
)

// ConfigError 配置错误（启动时致命，不允许静默回退到不安全的默认值）
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// DetectorConfig 检测器适配层配置
type DetectorConfig struct {
	Endpoint            string             `yaml:"endpoint"`
	ConfidenceThreshold float64            `yaml:"confidence_threshold"`
	IoUThreshold        float64            `yaml:"iou_threshold"`
	MaxDetections       int                `yaml:"max_detections"`
	ProcessingTimeoutMS int                `yaml:"processing_timeout_ms"`
	ClassThresholds     map[string]float64 `yaml:"class_thresholds"` // 按类别覆盖全局阈值（最具体作用域优先）
}

// TrackingConfig 跟踪器配置
type TrackingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Algorithm    string  `yaml:"algorithm"` // iou / centroid / kalman
	IoUThreshold float64 `yaml:"iou_threshold"`
	MinHits      int     `yaml:"min_hits"`
	MaxAge       int     `yaml:"max_age"`
}

// ChannelConfig 告警通道配置
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"` // webhook / mqtt / stream
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // webhook URL / MQTT 主题 / Stream 键
}

// AlertConfig 告警配置
type AlertConfig struct {
	ViolationDurationSec float64         `yaml:"violation_duration_sec"`
	ViolationCooldownSec float64         `yaml:"violation_cooldown_sec"`
	RetryCount           int             `yaml:"retry_count"`
	RetryDelayMS         int             `yaml:"retry_delay_ms"`
	Channels             []ChannelConfig `yaml:"channels"`
}

// RestartCondition 自动重启条件（滑动窗口阈值）
type RestartCondition struct {
	Metric    string  `yaml:"metric"` // cpu_usage / memory_usage / no_active_camera
	Threshold float64 `yaml:"threshold"`
	WindowSec int     `yaml:"window_sec"`
}

// HealthConfig 健康检查与自动重启配置
type HealthConfig struct {
	SnapshotIntervalSec int                `yaml:"snapshot_interval_sec"`
	OfflineFraction     float64            `yaml:"offline_fraction"`     // 离线摄像头占比告警阈值
	CriticalOfflineSec  int                `yaml:"critical_offline_sec"` // Critical 摄像头离线时长告警阈值
	RestartConditions   []RestartCondition `yaml:"restart_conditions"`
}

// CameraConfig 单摄像头拓扑配置
type CameraConfig struct {
	ID                   string         `yaml:"id"`
	Name                 string         `yaml:"name"`
	URL                  string         `yaml:"url"`
	Width                int            `yaml:"width"`
	Height               int            `yaml:"height"`
	FPS                  int            `yaml:"fps"`
	Priority             string         `yaml:"priority"` // normal / critical
	Enabled              bool           `yaml:"enabled"`
	FrameSkip            int            `yaml:"frame_skip"`
	FrameBufferSize      int            `yaml:"frame_buffer_size"`
	ConnectionTimeoutSec int            `yaml:"connection_timeout_sec"`
	MaxReconnectAttempts int            `yaml:"max_reconnect_attempts"`
	ReconnectDelaySec    int            `yaml:"reconnect_delay_sec"`
	IdleRetryIntervalSec int            `yaml:"idle_retry_interval_sec"` // 重连耗尽后的慢速重试间隔
	Zone                 string         `yaml:"zone"`
	RequiredPPE          []models.Class `yaml:"required_ppe"` // 该区域强制要求的 PPE 类别
}

// Topology YAML 拓扑文件结构
type Topology struct {
	Detector DetectorConfig `yaml:"detector"`
	Tracking TrackingConfig `yaml:"tracking"`
	Alert    AlertConfig    `yaml:"alert"`
	Health   HealthConfig   `yaml:"health"`
	Cameras  []CameraConfig `yaml:"cameras"`
}

// Config 视觉合规服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	TopologyPath string
	Topology     Topology

	// 事件流配置
	Events struct {
		ViolationStream string // 违规生命周期事件流
		HealthKeyPrefix string // 健康快照键前缀
		HealthTTL       int    // 健康快照 TTL（秒）
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置（环境变量 + YAML 拓扑文件）
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "visiond")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-vision")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Events.ViolationStream = getEnv("EVENTS_VIOLATION_STREAM", "vision:events:violations")
	cfg.Events.HealthKeyPrefix = getEnv("EVENTS_HEALTH_PREFIX", "vision:camera:")
	cfg.Events.HealthTTL = getEnvInt("EVENTS_HEALTH_TTL", 30)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	cfg.TopologyPath = getEnv("TOPOLOGY_PATH", "configs/topology.yaml")

	topo, err := LoadTopology(cfg.TopologyPath)
	if err != nil {
		return nil, err
	}
	cfg.Topology = *topo

	return cfg, nil
}

// LoadTopology 读取并校验 YAML 拓扑文件
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "topology", Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	topo := defaultTopology()
	if err := yaml.Unmarshal(data, topo); err != nil {
		return nil, &ConfigError{Field: "topology", Reason: fmt.Sprintf("invalid yaml: %v", err)}
	}

	if err := topo.Validate(); err != nil {
		return nil, err
	}

	return topo, nil
}

// defaultTopology 拓扑默认值（仅对非安全相关字段生效）
func defaultTopology() *Topology {
	t := &Topology{}
	t.Detector.ConfidenceThreshold = 0.5
	t.Detector.IoUThreshold = 0.45
	t.Detector.MaxDetections = 100
	t.Detector.ProcessingTimeoutMS = 2000
	t.Tracking.Enabled = true
	t.Tracking.Algorithm = "iou"
	t.Tracking.IoUThreshold = 0.3
	t.Tracking.MinHits = 3
	t.Tracking.MaxAge = 30
	t.Alert.RetryCount = 3
	t.Alert.RetryDelayMS = 1000
	t.Health.SnapshotIntervalSec = 10
	t.Health.OfflineFraction = 0.5
	t.Health.CriticalOfflineSec = 60
	return t
}

// Validate 校验拓扑：安全相关参数非法时直接失败
func (t *Topology) Validate() error {
	if t.Detector.Endpoint == "" {
		return &ConfigError{Field: "detector.endpoint", Reason: "is required"}
	}
	if t.Detector.ConfidenceThreshold < 0 || t.Detector.ConfidenceThreshold > 1 {
		return &ConfigError{Field: "detector.confidence_threshold", Reason: "must be in [0,1]"}
	}
	if t.Detector.IoUThreshold <= 0 || t.Detector.IoUThreshold > 1 {
		return &ConfigError{Field: "detector.iou_threshold", Reason: "must be in (0,1]"}
	}
	if t.Detector.MaxDetections <= 0 {
		return &ConfigError{Field: "detector.max_detections", Reason: "must be positive"}
	}
	for class, threshold := range t.Detector.ClassThresholds {
		if !models.Class(class).Valid() {
			return &ConfigError{Field: "detector.class_thresholds", Reason: fmt.Sprintf("unknown class %q", class)}
		}
		if threshold < 0 || threshold > 1 {
			return &ConfigError{Field: "detector.class_thresholds", Reason: fmt.Sprintf("threshold for %q must be in [0,1]", class)}
		}
	}

	switch t.Tracking.Algorithm {
	case "iou", "centroid", "kalman":
	default:
		// 未知算法不回退，直接报错
		return &ConfigError{Field: "tracking.algorithm", Reason: fmt.Sprintf("unknown algorithm %q", t.Tracking.Algorithm)}
	}
	if t.Tracking.IoUThreshold <= 0 || t.Tracking.IoUThreshold > 1 {
		return &ConfigError{Field: "tracking.iou_threshold", Reason: "must be in (0,1]"}
	}
	if t.Tracking.MinHits < 1 {
		return &ConfigError{Field: "tracking.min_hits", Reason: "must be >= 1"}
	}
	if t.Tracking.MaxAge < 1 {
		return &ConfigError{Field: "tracking.max_age", Reason: "must be >= 1"}
	}

	if t.Alert.ViolationDurationSec <= 0 {
		return &ConfigError{Field: "alert.violation_duration_sec", Reason: "must be positive"}
	}
	if t.Alert.ViolationCooldownSec < 0 {
		return &ConfigError{Field: "alert.violation_cooldown_sec", Reason: "must be >= 0"}
	}
	for i, ch := range t.Alert.Channels {
		if ch.Name == "" {
			return &ConfigError{Field: fmt.Sprintf("alert.channels[%d].name", i), Reason: "is required"}
		}
		switch ch.Type {
		case "webhook", "mqtt", "stream":
		default:
			return &ConfigError{Field: fmt.Sprintf("alert.channels[%d].type", i), Reason: fmt.Sprintf("unknown type %q", ch.Type)}
		}
		if ch.Enabled && ch.Endpoint == "" {
			return &ConfigError{Field: fmt.Sprintf("alert.channels[%d].endpoint", i), Reason: "is required for enabled channel"}
		}
	}

	if t.Health.OfflineFraction <= 0 || t.Health.OfflineFraction > 1 {
		return &ConfigError{Field: "health.offline_fraction", Reason: "must be in (0,1]"}
	}
	for i, cond := range t.Health.RestartConditions {
		switch cond.Metric {
		case "cpu_usage", "memory_usage", "no_active_camera":
		default:
			return &ConfigError{Field: fmt.Sprintf("health.restart_conditions[%d].metric", i), Reason: fmt.Sprintf("unknown metric %q", cond.Metric)}
		}
		if cond.WindowSec <= 0 {
			return &ConfigError{Field: fmt.Sprintf("health.restart_conditions[%d].window_sec", i), Reason: "must be positive"}
		}
	}

	if len(t.Cameras) == 0 {
		return &ConfigError{Field: "cameras", Reason: "at least one camera is required"}
	}
	seen := make(map[string]bool, len(t.Cameras))
	for i, cam := range t.Cameras {
		if cam.ID == "" {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].id", i), Reason: "is required"}
		}
		if seen[cam.ID] {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].id", i), Reason: fmt.Sprintf("duplicate camera id %q", cam.ID)}
		}
		seen[cam.ID] = true

		if cam.Enabled && cam.URL == "" {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].url", i), Reason: "is required for enabled camera"}
		}
		if cam.FPS <= 0 {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].fps", i), Reason: "must be positive"}
		}
		if cam.FrameBufferSize <= 0 {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].frame_buffer_size", i), Reason: "must be positive"}
		}
		if cam.FrameSkip < 1 {
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].frame_skip", i), Reason: "must be >= 1"}
		}
		switch cam.Priority {
		case "", "normal", "critical":
		default:
			return &ConfigError{Field: fmt.Sprintf("cameras[%d].priority", i), Reason: fmt.Sprintf("unknown priority %q", cam.Priority)}
		}
		for _, class := range cam.RequiredPPE {
			if !class.IsPPE() {
				return &ConfigError{Field: fmt.Sprintf("cameras[%d].required_ppe", i), Reason: fmt.Sprintf("%q is not a PPE class", class)}
			}
		}
	}

	return nil
}

// ClassThreshold 返回类别生效的置信度阈值
// 优先级：按类别阈值 > 全局阈值（最具体作用域优先）
func (d *DetectorConfig) ClassThreshold(class models.Class) float64 {
	if threshold, ok := d.ClassThresholds[string(class)]; ok {
		return threshold
	}
	return d.ConfidenceThreshold
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
