package detector

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// DetectorError 帧级检测错误
// 该帧被丢弃并按一次未命中处理，不影响摄像头健康状态
type DetectorError struct {
	CameraID string
	FrameSeq uint64
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector error: camera=%s seq=%d: %v", e.CameraID, e.FrameSeq, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}

// RawDetection 后端原始输出（归一化前）
type RawDetection struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        models.BBox `json:"box"`
}

// Backend 不透明检测后端：帧进，框+分数+类别出
type Backend interface {
	Infer(ctx context.Context, frame *models.Frame) ([]RawDetection, error)
}

// Adapter 检测器适配层
// 归一化后端输出：按置信度过滤、同类 NMS、截断，并按置信度降序排序
type Adapter struct {
	config  *config.DetectorConfig
	backend Backend
	logger  *zap.Logger
}

// NewAdapter 创建检测器适配层
func NewAdapter(cfg *config.DetectorConfig, backend Backend, logger *zap.Logger) *Adapter {
	return &Adapter{
		config:  cfg,
		backend: backend,
		logger:  logger,
	}
}

// Detect 对单帧执行检测
// 任何后端失败都以 DetectorError 返回空结果，绝不 panic
func (a *Adapter) Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, &DetectorError{
			CameraID: cameraID(frame),
			FrameSeq: frameSeq(frame),
			Err:      fmt.Errorf("empty frame"),
		}
	}

	raws, err := a.backend.Infer(ctx, frame)
	if err != nil {
		return nil, &DetectorError{CameraID: frame.CameraID, FrameSeq: frame.Seq, Err: err}
	}

	detections := a.normalize(frame, raws)
	detections = suppressOverlaps(detections, a.config.IoUThreshold)

	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	if len(detections) > a.config.MaxDetections {
		detections = detections[:a.config.MaxDetections]
	}

	return detections, nil
}

// normalize 过滤未知类别与低置信度检测
func (a *Adapter) normalize(frame *models.Frame, raws []RawDetection) []models.Detection {
	detections := make([]models.Detection, 0, len(raws))
	for _, raw := range raws {
		class := models.Class(raw.Class)
		if !class.Valid() {
			a.logger.Debug("Dropping detection with unknown class",
				zap.String("camera_id", frame.CameraID),
				zap.String("class", raw.Class),
			)
			continue
		}
		if raw.Confidence < a.config.ClassThreshold(class) {
			continue
		}
		detections = append(detections, models.Detection{
			Class:      class,
			Confidence: raw.Confidence,
			Box:        raw.Box,
			CameraID:   frame.CameraID,
			FrameSeq:   frame.Seq,
		})
	}
	return detections
}

// suppressOverlaps 同类非极大值抑制
// IoU >= 阈值时保留置信度更高的框
func suppressOverlaps(detections []models.Detection, iouThreshold float64) []models.Detection {
	byClass := make(map[models.Class][]models.Detection)
	for _, det := range detections {
		byClass[det.Class] = append(byClass[det.Class], det)
	}

	var kept []models.Detection
	for _, group := range byClass {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})
		var survivors []models.Detection
		for _, candidate := range group {
			suppressed := false
			for _, winner := range survivors {
				if candidate.Box.IoU(winner.Box) >= iouThreshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				survivors = append(survivors, candidate)
			}
		}
		kept = append(kept, survivors...)
	}
	return kept
}

func cameraID(frame *models.Frame) string {
	if frame == nil {
		return ""
	}
	return frame.CameraID
}

func frameSeq(frame *models.Frame) uint64 {
	if frame == nil {
		return 0
	}
	return frame.Seq
}
