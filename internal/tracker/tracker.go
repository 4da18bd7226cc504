package tracker

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// Result 单帧跟踪结果
type Result struct {
	Active   []*models.Track            // 本帧存活且已确认的 Track
	Removed  []*models.Track            // 本帧销毁的 Track
	Equipped map[string]models.ClassSet // 已确认 Track 的当帧装备集（track_id → PPE 类别）
}

// Tracker 单摄像头多目标跟踪器
// Track 集合由本跟踪器独占，检测与跟踪在同一摄像头内严格串行
type Tracker struct {
	cameraID string
	assoc    Associator
	minHits  int
	maxAge   int
	tracks   []*models.Track
	logger   *zap.Logger
}

// New 创建跟踪器
func New(cameraID string, cfg *config.TrackingConfig, assoc Associator, logger *zap.Logger) *Tracker {
	return &Tracker{
		cameraID: cameraID,
		assoc:    assoc,
		minHits:  cfg.MinHits,
		maxAge:   cfg.MaxAge,
		logger:   logger,
	}
}

// ActiveCount 已确认 Track 数（指标用）
func (t *Tracker) ActiveCount() int {
	count := 0
	for _, track := range t.tracks {
		if track.Confirmed {
			count++
		}
	}
	return count
}

// Update 处理一帧检测结果
// person 检测参与身份关联；PPE 检测只做框归属，构成装备集
func (t *Tracker) Update(now time.Time, detections []models.Detection) Result {
	var persons []models.Detection
	var ppe []models.Detection
	for _, det := range detections {
		if det.Class == models.ClassPerson {
			persons = append(persons, det)
		} else {
			ppe = append(ppe, det)
		}
	}

	assignments := t.assoc.Associate(t.tracks, persons)

	matchedTracks := make(map[int]bool, len(assignments))
	matchedDets := make(map[int]bool, len(assignments))
	for _, as := range assignments {
		matchedTracks[as.TrackIndex] = true
		matchedDets[as.DetectionIndex] = true

		track := t.tracks[as.TrackIndex]
		track.Observe(persons[as.DetectionIndex], now)
		if !track.Confirmed && track.Hits >= t.minHits {
			track.Confirmed = true
			t.logger.Debug("Track confirmed",
				zap.String("camera_id", t.cameraID),
				zap.String("track_id", track.ID),
				zap.Int("hits", track.Hits),
			)
		}
	}

	var result Result

	// 未匹配的 Track 记一次未命中，超过 max_age 即销毁
	survivors := t.tracks[:0]
	for i, track := range t.tracks {
		track.Age++
		if !matchedTracks[i] {
			track.Miss()
		}
		if track.Misses >= t.maxAge {
			result.Removed = append(result.Removed, track)
			t.logger.Debug("Track destroyed",
				zap.String("camera_id", t.cameraID),
				zap.String("track_id", track.ID),
				zap.Int("misses", track.Misses),
			)
			continue
		}
		survivors = append(survivors, track)
	}
	t.tracks = survivors

	// 未匹配的 person 检测生成临时 Track
	for di, det := range persons {
		if matchedDets[di] {
			continue
		}
		track := &models.Track{
			ID:         uuid.New().String(),
			CameraID:   t.cameraID,
			Box:        det.Box,
			LastSeenAt: now,
			Age:        1,
			Hits:       1,
			Confirmed:  t.minHits <= 1,
		}
		track.History = append(track.History, det)
		t.tracks = append(t.tracks, track)
	}

	result.Equipped = make(map[string]models.ClassSet)
	for _, track := range t.tracks {
		if track.Confirmed {
			result.Active = append(result.Active, track)
			result.Equipped[track.ID] = models.NewClassSet()
		}
	}

	// PPE 检测归属：最大 IoU 优先，无重叠时退回中心点包含
	for _, det := range ppe {
		if owner := t.ownerOf(det); owner != nil {
			result.Equipped[owner.ID].Add(det.Class)
		}
	}

	return result
}

// ownerOf 找到 PPE 检测所属的已确认 person Track
func (t *Tracker) ownerOf(det models.Detection) *models.Track {
	var best *models.Track
	bestIoU := 0.0
	cx, cy := det.Box.Center()

	for _, track := range t.tracks {
		if !track.Confirmed {
			continue
		}
		iou := track.Box.IoU(det.Box)
		if iou > bestIoU {
			best = track
			bestIoU = iou
			continue
		}
		if best == nil && track.Box.Contains(cx, cy) {
			best = track
		}
	}
	return best
}

// Flush 清空所有 Track 并返回（摄像头停止时让评估器收尾）
func (t *Tracker) Flush() []*models.Track {
	removed := t.tracks
	t.tracks = nil
	return removed
}
