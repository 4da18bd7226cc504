package tracker

import (
	"wisefido-vision/internal/models"
)

// motionState 单 Track 的恒速运动状态（alpha-beta 滤波）
type motionState struct {
	cx, cy float64 // 中心位置
	vx, vy float64 // 帧间速度
	w, h   float64 // 框尺寸
}

// 滤波增益：位置修正 0.5，速度修正 0.2
const (
	gainPosition = 0.5
	gainVelocity = 0.2
)

// predictedBox 预测下一帧的框位置
func (m *motionState) predictedBox() models.BBox {
	px := m.cx + m.vx
	py := m.cy + m.vy
	return models.BBox{X: px - m.w/2, Y: py - m.h/2, W: m.w, H: m.h}
}

// observe 用量测修正位置与速度
func (m *motionState) observe(box models.BBox) {
	zx, zy := box.Center()
	px := m.cx + m.vx
	py := m.cy + m.vy

	rx := zx - px
	ry := zy - py

	m.cx = px + gainPosition*rx
	m.cy = py + gainPosition*ry
	m.vx += gainVelocity * rx
	m.vy += gainVelocity * ry
	m.w = box.W
	m.h = box.H
}

// KalmanAssociator 预测式关联：用恒速模型外推 Track 框，再按 IoU 贪心匹配
// 对移动中的人员比纯 IoU 更稳，尤其在低帧率下
type KalmanAssociator struct {
	MinIoU float64
	states map[string]*motionState
}

// NewKalmanAssociator 创建预测式关联器
func NewKalmanAssociator(minIoU float64) *KalmanAssociator {
	return &KalmanAssociator{
		MinIoU: minIoU,
		states: make(map[string]*motionState),
	}
}

// Associate 基于预测框的 IoU 贪心匹配，并在匹配后更新运动状态
func (a *KalmanAssociator) Associate(tracks []*models.Track, detections []models.Detection) []Assignment {
	var candidates []candidate
	for ti, track := range tracks {
		state := a.states[track.ID]
		predicted := track.Box
		if state != nil {
			predicted = state.predictedBox()
		}
		for di, det := range detections {
			iou := predicted.IoU(det.Box)
			if iou >= a.MinIoU {
				candidates = append(candidates, candidate{trackIdx: ti, detIdx: di, score: iou})
			}
		}
	}

	assignments := greedyMatch(candidates, len(tracks), len(detections))

	// 匹配成功的 Track 更新滤波状态，新 Track 初始化
	for _, as := range assignments {
		track := tracks[as.TrackIndex]
		box := detections[as.DetectionIndex].Box
		state := a.states[track.ID]
		if state == nil {
			cx, cy := box.Center()
			a.states[track.ID] = &motionState{cx: cx, cy: cy, w: box.W, h: box.H}
			continue
		}
		state.observe(box)
	}

	// 清理已消失 Track 的状态
	alive := make(map[string]bool, len(tracks))
	for _, track := range tracks {
		alive[track.ID] = true
	}
	for id := range a.states {
		if !alive[id] {
			delete(a.states, id)
		}
	}

	return assignments
}
