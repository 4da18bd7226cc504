package camera

import (
	"context"

	"wisefido-vision/internal/models"
)

// StreamSource 单次视频流连接
// Open 代表一次连接尝试：成功后返回帧通道，流中断时通道关闭；
// 重连策略由 CameraWorker 负责，源本身不做重试
type StreamSource interface {
	// Open 建立连接并开始产帧；ctx 取消或超时则放弃本次尝试
	Open(ctx context.Context) (<-chan models.Frame, error)

	// Close 停止产帧并释放连接；帧通道随之关闭
	Close() error
}

// SourceFactory 按摄像头配置创建流源（便于测试替换）
type SourceFactory func(cameraID, url string, width, height, fps int) StreamSource
