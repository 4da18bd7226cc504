package tracker

import (
	"math"
	"sort"

	"wisefido-vision/internal/config"
	"wisefido-vision/internal/models"
)

// Assignment 一次 Track-Detection 关联
type Assignment struct {
	TrackIndex     int
	DetectionIndex int
	Score          float64
}

// Associator 关联策略（iou / centroid / kalman，由配置选择）
type Associator interface {
	Associate(tracks []*models.Track, detections []models.Detection) []Assignment
}

// NewAssociator 按配置创建关联器
func NewAssociator(cfg *config.TrackingConfig) (Associator, error) {
	switch cfg.Algorithm {
	case "iou":
		return &IoUAssociator{MinIoU: cfg.IoUThreshold}, nil
	case "centroid":
		return &CentroidAssociator{MaxDistanceRatio: 1.0}, nil
	case "kalman":
		return NewKalmanAssociator(cfg.IoUThreshold), nil
	default:
		return nil, &config.ConfigError{Field: "tracking.algorithm", Reason: "unknown algorithm " + cfg.Algorithm}
	}
}

// candidate 候选配对
type candidate struct {
	trackIdx int
	detIdx   int
	score    float64 // 越大越好
}

// greedyMatch 贪心匹配：按得分从高到低，两边都未占用才配对
func greedyMatch(candidates []candidate, trackCount, detCount int) []Assignment {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	usedTracks := make([]bool, trackCount)
	usedDets := make([]bool, detCount)

	var assignments []Assignment
	for _, c := range candidates {
		if usedTracks[c.trackIdx] || usedDets[c.detIdx] {
			continue
		}
		usedTracks[c.trackIdx] = true
		usedDets[c.detIdx] = true
		assignments = append(assignments, Assignment{
			TrackIndex:     c.trackIdx,
			DetectionIndex: c.detIdx,
			Score:          c.score,
		})
	}
	return assignments
}

// IoUAssociator IoU 贪心关联：最高 IoU 优先，低于 MinIoU 的配对不成立
type IoUAssociator struct {
	MinIoU float64
}

// Associate 计算所有 Track×Detection 的 IoU 并贪心匹配
func (a *IoUAssociator) Associate(tracks []*models.Track, detections []models.Detection) []Assignment {
	var candidates []candidate
	for ti, track := range tracks {
		for di, det := range detections {
			iou := track.Box.IoU(det.Box)
			if iou >= a.MinIoU {
				candidates = append(candidates, candidate{trackIdx: ti, detIdx: di, score: iou})
			}
		}
	}
	return greedyMatch(candidates, len(tracks), len(detections))
}

// CentroidAssociator 中心距离关联（外观距离策略的几何近似）
// 距离超过 Track 框对角线 × MaxDistanceRatio 的配对不成立
type CentroidAssociator struct {
	MaxDistanceRatio float64
}

// Associate 按归一化中心距离贪心匹配（距离越近得分越高）
func (a *CentroidAssociator) Associate(tracks []*models.Track, detections []models.Detection) []Assignment {
	var candidates []candidate
	for ti, track := range tracks {
		diag := math.Hypot(track.Box.W, track.Box.H)
		if diag <= 0 {
			continue
		}
		tx, ty := track.Box.Center()
		for di, det := range detections {
			dx, dy := det.Box.Center()
			dist := math.Hypot(tx-dx, ty-dy)
			if dist <= diag*a.MaxDistanceRatio {
				candidates = append(candidates, candidate{trackIdx: ti, detIdx: di, score: 1.0 / (1.0 + dist)})
			}
		}
	}
	return greedyMatch(candidates, len(tracks), len(detections))
}
