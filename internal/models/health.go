package models

import (
	"time"
)

// CameraState 摄像头连接状态
type CameraState string

const (
	CameraConnected    CameraState = "CONNECTED"
	CameraReconnecting CameraState = "RECONNECTING"
	CameraOffline      CameraState = "OFFLINE"
)

// CameraHealth 摄像头健康快照
// 是判断 CameraWorker 能否向管线提交帧的唯一依据
type CameraHealth struct {
	CameraID            string      `json:"camera_id"`
	State               CameraState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastFrameAt         time.Time   `json:"last_frame_at"`
	ObservedFPS         float64     `json:"observed_fps"`
}

// PipelineMetrics 单摄像头管线指标快照
type PipelineMetrics struct {
	CameraID        string  `json:"camera_id"`
	FramesProcessed int64   `json:"frames_processed"`
	FramesDropped   int64   `json:"frames_dropped"`
	FramesSkipped   int64   `json:"frames_skipped"`
	DetectorErrors  int64   `json:"detector_errors"`
	ObservedFPS     float64 `json:"observed_fps"`
	ActiveTracks    int     `json:"active_tracks"`
}
