package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-vision/internal/models"
)

const validTopologyYAML = `
detector:
  endpoint: "http://localhost:8500/detect"
  confidence_threshold: 0.5
  iou_threshold: 0.45
  max_detections: 50
  class_thresholds:
    helmet: 0.35
tracking:
  enabled: true
  algorithm: iou
  iou_threshold: 0.3
  min_hits: 3
  max_age: 30
alert:
  violation_duration_sec: 5.0
  violation_cooldown_sec: 10.0
  channels:
    - name: ops-webhook
      type: webhook
      enabled: true
      endpoint: "http://localhost:9000/hooks/ppe"
health:
  offline_fraction: 0.5
  critical_offline_sec: 60
  restart_conditions:
    - metric: cpu_usage
      threshold: 95
      window_sec: 300
cameras:
  - id: cam-entrance
    url: "rtsp://10.0.0.11/stream1"
    fps: 10
    priority: critical
    enabled: true
    frame_skip: 2
    frame_buffer_size: 5
    connection_timeout_sec: 10
    max_reconnect_attempts: 3
    reconnect_delay_sec: 5
    zone: loading-dock
    required_ppe: [helmet, vest]
`

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	os.Clearenv()
	os.Setenv("TOPOLOGY_PATH", writeTopology(t, validTopologyYAML))
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// 验证默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "visiond", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, "wisefido-vision", cfg.MQTT.ClientID)

	assert.Equal(t, "vision:events:violations", cfg.Events.ViolationStream)
	assert.Equal(t, "vision:camera:", cfg.Events.HealthKeyPrefix)
	assert.Equal(t, 30, cfg.Events.HealthTTL)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	os.Clearenv()
	os.Setenv("DB_HOST", "test-host")
	os.Setenv("DB_USER", "test-user")
	os.Setenv("REDIS_ADDR", "test-redis:6380")
	os.Setenv("MQTT_BROKER", "tcp://broker:1883")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("TOPOLOGY_PATH", writeTopology(t, validTopologyYAML))
	defer os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, "test-user", cfg.Database.User)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadTopology_Valid(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, validTopologyYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8500/detect", topo.Detector.Endpoint)
	assert.Equal(t, 0.5, topo.Detector.ConfidenceThreshold)
	assert.Equal(t, 50, topo.Detector.MaxDetections)
	// 未显式配置的字段保持默认值
	assert.Equal(t, 2000, topo.Detector.ProcessingTimeoutMS)

	assert.Equal(t, "iou", topo.Tracking.Algorithm)
	assert.Equal(t, 3, topo.Tracking.MinHits)
	assert.Equal(t, 30, topo.Tracking.MaxAge)

	assert.Equal(t, 5.0, topo.Alert.ViolationDurationSec)
	assert.Equal(t, 10.0, topo.Alert.ViolationCooldownSec)
	require.Len(t, topo.Alert.Channels, 1)
	assert.Equal(t, "webhook", topo.Alert.Channels[0].Type)

	require.Len(t, topo.Cameras, 1)
	cam := topo.Cameras[0]
	assert.Equal(t, "cam-entrance", cam.ID)
	assert.Equal(t, "critical", cam.Priority)
	assert.Equal(t, []models.Class{models.ClassHelmet, models.ClassVest}, cam.RequiredPPE)
}

func TestLoadTopology_FileMissing(t *testing.T) {
	_, err := LoadTopology("/nonexistent/topology.yaml")

	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "topology", cfgErr.Field)
}

func TestValidate_MissingDetectorEndpoint(t *testing.T) {
	topo := defaultTopology()
	topo.Alert.ViolationDurationSec = 5
	topo.Cameras = []CameraConfig{{ID: "cam-1", FPS: 10, FrameSkip: 1, FrameBufferSize: 5}}

	err := topo.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "detector.endpoint")
}

func TestValidate_UnknownTrackerAlgorithm(t *testing.T) {
	path := writeTopology(t, validTopologyYAML)
	topo, err := LoadTopology(path)
	require.NoError(t, err)

	topo.Tracking.Algorithm = "deepsort-v9"
	err = topo.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown algorithm")
}

func TestValidate_DuplicateCameraID(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, validTopologyYAML))
	require.NoError(t, err)

	topo.Cameras = append(topo.Cameras, topo.Cameras[0])
	err = topo.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate camera id")
}

func TestValidate_RequiredPPEMustBePPEClass(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, validTopologyYAML))
	require.NoError(t, err)

	topo.Cameras[0].RequiredPPE = []models.Class{models.ClassPerson}
	err = topo.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a PPE class")
}

func TestValidate_UnknownRestartMetric(t *testing.T) {
	topo, err := LoadTopology(writeTopology(t, validTopologyYAML))
	require.NoError(t, err)

	topo.Health.RestartConditions[0].Metric = "disk_usage"
	err = topo.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown metric")
}

func TestClassThreshold_MostSpecificWins(t *testing.T) {
	d := &DetectorConfig{
		ConfidenceThreshold: 0.5,
		ClassThresholds:     map[string]float64{"helmet": 0.35},
	}

	assert.Equal(t, 0.35, d.ClassThreshold(models.ClassHelmet))
	assert.Equal(t, 0.5, d.ClassThreshold(models.ClassVest))
}

func TestGetEnv(t *testing.T) {
	os.Clearenv()
	value := getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "default-value", value)

	os.Setenv("TEST_KEY", "env-value")
	value = getEnv("TEST_KEY", "default-value")
	assert.Equal(t, "env-value", value)

	os.Unsetenv("TEST_KEY")
}
