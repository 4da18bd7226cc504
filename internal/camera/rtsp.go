package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"go.uber.org/zap"

	"wisefido-vision/internal/models"
)

var gstInitOnce sync.Once

// RTSPSource 基于 GStreamer 的 RTSP 流源
// 管线：rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale
//       → videorate → capsfilter(RGB/分辨率/帧率) → appsink
type RTSPSource struct {
	cameraID string
	url      string
	width    int
	height   int
	fps      int
	logger   *zap.Logger

	mu       sync.Mutex
	pipeline *gst.Pipeline
	frames   chan models.Frame
	cancel   context.CancelFunc
	done     chan struct{}

	frameSeq uint64 // 跨重连单调递增
}

// NewRTSPSource 创建 RTSP 流源
func NewRTSPSource(cameraID, url string, width, height, fps int, logger *zap.Logger) *RTSPSource {
	return &RTSPSource{
		cameraID: cameraID,
		url:      url,
		width:    width,
		height:   height,
		fps:      fps,
		logger:   logger,
	}
}

// NewRTSPSourceFactory 返回创建 RTSP 源的工厂
func NewRTSPSourceFactory(logger *zap.Logger) SourceFactory {
	return func(cameraID, url string, width, height, fps int) StreamSource {
		return NewRTSPSource(cameraID, url, width, height, fps, logger)
	}
}

// Open 建立一次 RTSP 连接
// 返回的通道在流中断或 Close 时关闭
func (s *RTSPSource) Open(ctx context.Context) (<-chan models.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline != nil {
		return nil, fmt.Errorf("rtsp source already open: %s", s.cameraID)
	}

	gstInitOnce.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", s.url)
	rtspsrc.SetProperty("protocols", 4) // TCP
	rtspsrc.SetProperty("latency", 200)

	rtph264depay, _ := gst.NewElement("rtph264depay")
	avdecH264, _ := gst.NewElement("avdec_h264")
	videoconvert, _ := gst.NewElement("videoconvert")
	videoscale, _ := gst.NewElement("videoscale")

	videorate, _ := gst.NewElement("videorate")
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, _ := gst.NewElement("capsfilter")
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1",
		s.width, s.height, s.fps,
	)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	frames := make(chan models.Frame, 1)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, frames)
		},
	})

	pipeline.AddMany(rtspsrc, rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)
	gst.ElementLinkMany(rtph264depay, avdecH264, videoconvert, videoscale, videorate, capsfilter, appsink.Element)

	// rtspsrc 动态 pad：SDP 协商后才能链接
	rtspsrc.Connect("pad-added", func(_ *gst.Element, srcPad *gst.Pad) {
		sinkPad := rtph264depay.GetStaticPad("sink")
		if sinkPad != nil {
			srcPad.Link(sinkPad)
		}
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("failed to start pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.pipeline = pipeline
	s.frames = frames
	s.cancel = cancel
	s.done = make(chan struct{})

	// 等待首帧或总线错误，受调用方的连接超时约束
	if err := s.waitConnected(ctx, pipeline); err != nil {
		pipeline.SetState(gst.StateNull)
		s.pipeline = nil
		s.cancel = nil
		cancel()
		close(frames)
		return nil, err
	}

	go s.watchBus(runCtx, pipeline, frames)

	s.logger.Info("RTSP stream connected",
		zap.String("camera_id", s.cameraID),
		zap.String("url", s.url),
		zap.String("resolution", fmt.Sprintf("%dx%d", s.width, s.height)),
		zap.Int("fps", s.fps),
	)
	return frames, nil
}

// waitConnected 阻塞到管线进入 PLAYING 或出错
func (s *RTSPSource) waitConnected(ctx context.Context, pipeline *gst.Pipeline) error {
	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("rtsp connect timeout: %w", ctx.Err())
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("rtsp connect failed: %s", gerr.Error())
		case gst.MessageEOS:
			return fmt.Errorf("rtsp stream ended during connect")
		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				_, current := msg.ParseStateChanged()
				if current == gst.StatePlaying {
					return nil
				}
			}
		}
	}
}

// watchBus 监视总线直到流中断；退出时关闭帧通道
func (s *RTSPSource) watchBus(ctx context.Context, pipeline *gst.Pipeline, frames chan models.Frame) {
	defer close(s.done)
	defer close(frames)
	defer pipeline.SetState(gst.StateNull)

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.logger.Warn("RTSP stream ended",
				zap.String("camera_id", s.cameraID),
			)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Error("RTSP pipeline error",
				zap.String("camera_id", s.cameraID),
				zap.String("error", gerr.Error()),
				zap.String("debug", gerr.DebugString()),
			)
			return
		}
	}
}

// onNewSample appsink 回调：拷贝像素数据并递交
func (s *RTSPSource) onNewSample(sink *app.Sink, frames chan models.Frame) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) == 0 {
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := models.Frame{
		CameraID:   s.cameraID,
		Seq:        atomic.AddUint64(&s.frameSeq, 1),
		CapturedAt: time.Now(),
		Width:      s.width,
		Height:     s.height,
		Data:       frameData,
	}

	// 非阻塞递交；下游缓冲策略由 worker 负责
	select {
	case frames <- frame:
	default:
	}
	return gst.FlowOK
}

// Close 停止管线
func (s *RTSPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipeline == nil {
		return nil
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		s.logger.Warn("RTSP pipeline stop timeout",
			zap.String("camera_id", s.cameraID),
		)
	}

	s.pipeline = nil
	s.frames = nil
	s.cancel = nil
	return nil
}
