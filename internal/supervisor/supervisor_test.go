package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// fakeWorker 可控状态的工作器
type fakeWorker struct {
	mu       sync.Mutex
	id       string
	state    models.CameraState
	started  int
	stopped  int
	stopping int
	stopGate chan struct{}
}

func (f *fakeWorker) Start(_ context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
}

func (f *fakeWorker) Stop() {
	f.mu.Lock()
	f.stopping++
	gate := f.stopGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeWorker) Health() models.CameraHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.CameraHealth{CameraID: f.id, State: f.state}
}

func (f *fakeWorker) Metrics() models.PipelineMetrics {
	return models.PipelineMetrics{CameraID: f.id}
}

func (f *fakeWorker) setState(state models.CameraState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *fakeWorker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func (f *fakeWorker) setStopGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopGate = gate
}

func (f *fakeWorker) stoppingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

// fakeFactory 记录创建的工作器
type fakeFactory struct {
	mu      sync.Mutex
	state   models.CameraState
	workers map[string][]*fakeWorker
}

func newFakeFactory(state models.CameraState) *fakeFactory {
	return &fakeFactory{state: state, workers: make(map[string][]*fakeWorker)}
}

func (f *fakeFactory) build(cam config.CameraConfig) (CameraWorker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWorker{id: cam.ID, state: f.state}
	f.workers[cam.ID] = append(f.workers[cam.ID], w)
	return w, nil
}

func (f *fakeFactory) created(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers[id])
}

func (f *fakeFactory) at(id string, i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[id][i]
}

func (f *fakeFactory) latest(id string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws := f.workers[id]
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

// fakePublisher 收集快照
type fakePublisher struct {
	mu      sync.Mutex
	health  []models.CameraHealth
	metrics []models.PipelineMetrics
}

func (p *fakePublisher) PublishHealth(_ context.Context, h models.CameraHealth) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health = append(p.health, h)
	return nil
}

func (p *fakePublisher) PublishMetrics(_ context.Context, m models.PipelineMetrics) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = append(p.metrics, m)
	return nil
}

func (p *fakePublisher) healthCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.health)
}

// fixedStats 固定读数的资源采样
type fixedStats struct {
	cpu float64
	mem float64
}

func (f fixedStats) CPUUsage() float64      { return f.cpu }
func (f fixedStats) MemoryUsageMB() float64 { return f.mem }

func testCamera(id string, enabled bool) config.CameraConfig {
	return config.CameraConfig{
		ID:       id,
		Name:     id,
		URL:      "rtsp://test/" + id,
		Enabled:  enabled,
		Priority: "normal",
		Zone:     "zone-a",
	}
}

// ============================================
// 窗口评估器测试
// ============================================

func TestWindowEvaluator_TriggersAfterSustainedBreach(t *testing.T) {
	eval := NewWindowEvaluator(config.RestartCondition{
		Metric: "cpu_usage", Threshold: 80, WindowSec: 30,
	})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	assert.False(t, eval.Observe(base, 85))
	assert.False(t, eval.Observe(base.Add(15*time.Second), 90))
	assert.True(t, eval.Observe(base.Add(30*time.Second), 85))

	// 触发后复位：需要重新满足完整窗口
	assert.False(t, eval.Observe(base.Add(31*time.Second), 85))
}

func TestWindowEvaluator_ResetsWhenValueDips(t *testing.T) {
	eval := NewWindowEvaluator(config.RestartCondition{
		Metric: "memory_usage", Threshold: 500, WindowSec: 30,
	})
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	assert.False(t, eval.Observe(base, 600))
	assert.False(t, eval.Observe(base.Add(20*time.Second), 400)) // 回落复位
	assert.False(t, eval.Observe(base.Add(25*time.Second), 600))
	assert.False(t, eval.Observe(base.Add(40*time.Second), 600)) // 新窗口仅 15s
	assert.True(t, eval.Observe(base.Add(55*time.Second), 600))
}

func TestWindowEvaluator_BelowThresholdNeverTriggers(t *testing.T) {
	eval := NewWindowEvaluator(config.RestartCondition{
		Metric: "cpu_usage", Threshold: 80, WindowSec: 0,
	})
	base := time.Now()
	for i := 0; i < 10; i++ {
		assert.False(t, eval.Observe(base.Add(time.Duration(i)*time.Second), 79.9))
	}
}

// ============================================
// 监督器测试
// ============================================

func TestSupervisor_StartsOnlyEnabledCameras(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	s := New(config.HealthConfig{SnapshotIntervalSec: 3600}, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())

	cameras := []config.CameraConfig{
		testCamera("cam-a", true),
		testCamera("cam-b", false),
		testCamera("cam-c", true),
	}
	require.NoError(t, s.Start(context.Background(), cameras))
	defer s.Stop()

	assert.Equal(t, 1, factory.created("cam-a"))
	assert.Equal(t, 0, factory.created("cam-b"))
	assert.Equal(t, 1, factory.created("cam-c"))

	started, _ := factory.latest("cam-a").counts()
	assert.Equal(t, 1, started)
	assert.Len(t, s.HealthSnapshot(), 2)
}

func TestSupervisor_PublishesSnapshotsPeriodically(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	publisher := &fakePublisher{}
	s := New(config.HealthConfig{}, factory.build, publisher, fixedStats{}, zap.NewNop())
	s.interval = 5 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{testCamera("cam-a", true)}))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return publisher.healthCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_RestartsWhenNoActiveCamera(t *testing.T) {
	factory := newFakeFactory(models.CameraOffline)
	cfg := config.HealthConfig{
		RestartConditions: []config.RestartCondition{
			{Metric: "no_active_camera", Threshold: 1, WindowSec: 0},
		},
	}
	s := New(cfg, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())
	s.interval = 5 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{testCamera("cam-a", true)}))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Restarts() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// 工作器被重建
	require.Eventually(t, func() bool {
		return factory.created("cam-a") >= 2
	}, 2*time.Second, 5*time.Millisecond)

	_, stopped := factory.at("cam-a", 0).counts()
	assert.Equal(t, 1, stopped)
}

func TestSupervisor_NoRestartWhileCameraActive(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	cfg := config.HealthConfig{
		RestartConditions: []config.RestartCondition{
			{Metric: "no_active_camera", Threshold: 1, WindowSec: 0},
		},
	}
	s := New(cfg, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())
	s.interval = 5 * time.Millisecond

	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{testCamera("cam-a", true)}))
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), s.Restarts())
	assert.Equal(t, 1, factory.created("cam-a"))
}

func TestSupervisor_ReloadAppliesTopologyDiff(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	s := New(config.HealthConfig{SnapshotIntervalSec: 3600}, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())

	camA := testCamera("cam-a", true)
	camB := testCamera("cam-b", true)
	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{camA, camB}))
	defer s.Stop()

	// cam-a 删除，cam-b URL 变更，cam-c 新增
	camBChanged := camB
	camBChanged.URL = "rtsp://test/cam-b-new"
	camC := testCamera("cam-c", true)
	require.NoError(t, s.Reload([]config.CameraConfig{camBChanged, camC}))

	_, stoppedA := factory.latest("cam-a").counts()
	assert.Equal(t, 1, stoppedA)

	assert.Equal(t, 2, factory.created("cam-b"))
	assert.Equal(t, 1, factory.created("cam-c"))
	assert.Len(t, s.HealthSnapshot(), 2)
}

func TestSupervisor_ReloadDrainDoesNotBlockHealthSnapshot(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	s := New(config.HealthConfig{SnapshotIntervalSec: 3600}, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())

	camA := testCamera("cam-a", true)
	camB := testCamera("cam-b", true)
	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{camA, camB}))
	defer s.Stop()

	// cam-a 的 Stop 卡在闸门上，模拟收尾排空耗时
	gate := make(chan struct{})
	factory.latest("cam-a").setStopGate(gate)

	reloadDone := make(chan error, 1)
	go func() { reloadDone <- s.Reload([]config.CameraConfig{camB}) }()

	require.Eventually(t, func() bool {
		return factory.latest("cam-a").stoppingCount() == 1
	}, 2*time.Second, time.Millisecond)

	// 排空期间健康快照仍可读取，且已移除的摄像头不在其中
	snapDone := make(chan int, 1)
	go func() { snapDone <- len(s.HealthSnapshot()) }()
	select {
	case n := <-snapDone:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("health snapshot blocked while reload was draining a worker")
	}

	close(gate)
	require.NoError(t, <-reloadDone)
	_, stopped := factory.latest("cam-a").counts()
	assert.Equal(t, 1, stopped)
}

func TestSupervisor_ReloadUnchangedCameraUntouched(t *testing.T) {
	factory := newFakeFactory(models.CameraConnected)
	s := New(config.HealthConfig{SnapshotIntervalSec: 3600}, factory.build, &fakePublisher{}, fixedStats{}, zap.NewNop())

	camA := testCamera("cam-a", true)
	require.NoError(t, s.Start(context.Background(), []config.CameraConfig{camA}))
	defer s.Stop()

	require.NoError(t, s.Reload([]config.CameraConfig{camA}))

	assert.Equal(t, 1, factory.created("cam-a"))
	started, stopped := factory.latest("cam-a").counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, stopped)
}
