package models

import (
	"time"
)

// TrackHistoryLen Track 保留的最近检测条数
const TrackHistoryLen = 30

// Track 跨帧持续的人员身份
// 一个 Track 终生只属于一个摄像头
type Track struct {
	ID         string
	CameraID   string
	Box        BBox
	History    []Detection // 最近的关联检测（有界窗口）
	LastSeenAt time.Time
	Age        int  // 自创建以来经过的帧数
	Hits       int  // 连续命中帧数
	Misses     int  // 连续未命中帧数
	Confirmed  bool // 达到 min_hits 后确认
}

// Observe 记录一次命中的检测，更新框与历史
func (t *Track) Observe(det Detection, now time.Time) {
	t.Box = det.Box
	t.LastSeenAt = now
	t.Hits++
	t.Misses = 0

	t.History = append(t.History, det)
	if len(t.History) > TrackHistoryLen {
		t.History = t.History[len(t.History)-TrackHistoryLen:]
	}
}

// Miss 记录一次未命中
func (t *Track) Miss() {
	t.Misses++
	t.Hits = 0
}
