package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// fakeBackend 返回预置结果的后端
type fakeBackend struct {
	raws []RawDetection
	err  error
}

func (f *fakeBackend) Infer(_ context.Context, _ *models.Frame) ([]RawDetection, error) {
	return f.raws, f.err
}

func testConfig() *config.DetectorConfig {
	return &config.DetectorConfig{
		Endpoint:            "http://localhost:8500/detect",
		ConfidenceThreshold: 0.5,
		IoUThreshold:        0.5,
		MaxDetections:       10,
	}
}

func testFrame() *models.Frame {
	return &models.Frame{
		CameraID:   "cam-1",
		Seq:        42,
		CapturedAt: time.Now(),
		Width:      640,
		Height:     480,
		Data:       []byte{0x01},
	}
}

func TestDetect_FiltersByConfidenceThreshold(t *testing.T) {
	backend := &fakeBackend{raws: []RawDetection{
		{Class: "person", Confidence: 0.9, Box: models.BBox{X: 0, Y: 0, W: 100, H: 200}},
		{Class: "person", Confidence: 0.4, Box: models.BBox{X: 300, Y: 0, W: 100, H: 200}},
	}}
	adapter := NewAdapter(testConfig(), backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, 0.9, detections[0].Confidence)
}

func TestDetect_PerClassThresholdWins(t *testing.T) {
	cfg := testConfig()
	cfg.ClassThresholds = map[string]float64{"helmet": 0.3}
	backend := &fakeBackend{raws: []RawDetection{
		{Class: "helmet", Confidence: 0.35, Box: models.BBox{X: 0, Y: 0, W: 50, H: 50}},
		{Class: "vest", Confidence: 0.35, Box: models.BBox{X: 100, Y: 0, W: 50, H: 50}},
	}}
	adapter := NewAdapter(cfg, backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	// helmet 走按类别阈值（0.3），vest 走全局阈值（0.5）
	require.Len(t, detections, 1)
	assert.Equal(t, models.ClassHelmet, detections[0].Class)
}

func TestDetect_SuppressesOverlappingSameClass(t *testing.T) {
	backend := &fakeBackend{raws: []RawDetection{
		{Class: "person", Confidence: 0.8, Box: models.BBox{X: 0, Y: 0, W: 100, H: 200}},
		{Class: "person", Confidence: 0.95, Box: models.BBox{X: 5, Y: 5, W: 100, H: 200}},
		// 不同类别的重叠框不受同类 NMS 影响
		{Class: "helmet", Confidence: 0.7, Box: models.BBox{X: 0, Y: 0, W: 100, H: 200}},
	}}
	adapter := NewAdapter(testConfig(), backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	require.Len(t, detections, 2)
	assert.Equal(t, models.ClassPerson, detections[0].Class)
	assert.Equal(t, 0.95, detections[0].Confidence)
	assert.Equal(t, models.ClassHelmet, detections[1].Class)
}

func TestDetect_SortedByDescendingConfidence(t *testing.T) {
	backend := &fakeBackend{raws: []RawDetection{
		{Class: "helmet", Confidence: 0.6, Box: models.BBox{X: 0, Y: 0, W: 10, H: 10}},
		{Class: "person", Confidence: 0.9, Box: models.BBox{X: 50, Y: 0, W: 10, H: 10}},
		{Class: "vest", Confidence: 0.7, Box: models.BBox{X: 100, Y: 0, W: 10, H: 10}},
	}}
	adapter := NewAdapter(testConfig(), backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	require.Len(t, detections, 3)
	assert.Equal(t, 0.9, detections[0].Confidence)
	assert.Equal(t, 0.7, detections[1].Confidence)
	assert.Equal(t, 0.6, detections[2].Confidence)
}

func TestDetect_CapsAtMaxDetections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDetections = 2
	raws := make([]RawDetection, 5)
	for i := range raws {
		raws[i] = RawDetection{
			Class:      "person",
			Confidence: 0.6 + float64(i)*0.05,
			Box:        models.BBox{X: float64(i) * 200, Y: 0, W: 100, H: 100},
		}
	}
	adapter := NewAdapter(cfg, &fakeBackend{raws: raws}, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	assert.Len(t, detections, 2)
}

func TestDetect_UnknownClassDropped(t *testing.T) {
	backend := &fakeBackend{raws: []RawDetection{
		{Class: "forklift", Confidence: 0.99, Box: models.BBox{X: 0, Y: 0, W: 10, H: 10}},
	}}
	adapter := NewAdapter(testConfig(), backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	require.NoError(t, err)
	assert.Empty(t, detections)
}

func TestDetect_BackendFailureReturnsDetectorError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	adapter := NewAdapter(testConfig(), backend, zap.NewNop())

	detections, err := adapter.Detect(context.Background(), testFrame())

	assert.Nil(t, detections)
	var detErr *DetectorError
	require.ErrorAs(t, err, &detErr)
	assert.Equal(t, "cam-1", detErr.CameraID)
	assert.Equal(t, uint64(42), detErr.FrameSeq)
}

func TestDetect_EmptyFrameReturnsDetectorError(t *testing.T) {
	adapter := NewAdapter(testConfig(), &fakeBackend{}, zap.NewNop())

	frame := testFrame()
	frame.Data = nil
	_, err := adapter.Detect(context.Background(), frame)

	var detErr *DetectorError
	require.ErrorAs(t, err, &detErr)
}
