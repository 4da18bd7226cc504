package models

import (
	"fmt"
	"time"
)

// ViolationState 违规生命周期状态
type ViolationState string

const (
	ViolationOpen      ViolationState = "OPEN"
	ViolationConfirmed ViolationState = "CONFIRMED"
	ViolationResolved  ViolationState = "RESOLVED"
)

// Violation 一次持续的 PPE 违规
// 引用且仅引用一个（存活或刚销毁的）Track
type Violation struct {
	ID        string         `json:"violation_id"`
	TrackID   string         `json:"track_id"`
	CameraID  string         `json:"camera_id"`
	Missing   []Class        `json:"missing"` // 排序后的缺失类别
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Duration  time.Duration  `json:"duration"`
	State     ViolationState `json:"state"`
}

// DedupKey 告警去重键：(track_id, 排序后的缺失集)
func (v *Violation) DedupKey() string {
	return fmt.Sprintf("%s|%s", v.TrackID, ClassesKey(v.Missing))
}

// Alert 针对一次 CONFIRMED 违规的告警派发记录
type Alert struct {
	ID                 string    `json:"alert_id"`
	ViolationID        string    `json:"violation_id"`
	TrackID            string    `json:"track_id"`
	CameraID           string    `json:"camera_id"`
	Missing            []Class   `json:"missing"`
	Channels           []string  `json:"channels"`
	DispatchedAt       time.Time `json:"dispatched_at"`
	Suppressed         bool      `json:"suppressed"`
	PartiallyDelivered bool      `json:"partially_delivered"`
}
