package detector

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"wisefido-vision/internal/models"
)

// inferRequest 推理服务请求
type inferRequest struct {
	CameraID string `json:"camera_id"`
	FrameSeq uint64 `json:"frame_seq"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Image    string `json:"image"` // base64 编码的像素数据
}

// inferResponse 推理服务响应
type inferResponse struct {
	Detections []RawDetection `json:"detections"`
	Error      string         `json:"error,omitempty"`
}

// HTTPBackend 通过 HTTP 调用推理服务的检测后端
type HTTPBackend struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPBackend 创建 HTTP 检测后端
// timeout 为单帧处理超时（processing_timeout）
func NewHTTPBackend(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPBackend {
	client := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &HTTPBackend{
		httpClient: client,
		logger:     logger,
	}
}

// Infer 调用推理服务，返回原始检测结果
func (b *HTTPBackend) Infer(ctx context.Context, frame *models.Frame) ([]RawDetection, error) {
	request := inferRequest{
		CameraID: frame.CameraID,
		FrameSeq: frame.Seq,
		Width:    frame.Width,
		Height:   frame.Height,
		Image:    base64.StdEncoding.EncodeToString(frame.Data),
	}

	var response inferResponse
	resp, err := b.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("")

	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("inference returned status %d", resp.StatusCode())
	}
	if response.Error != "" {
		return nil, fmt.Errorf("inference rejected frame: %s", response.Error)
	}

	return response.Detections, nil
}
