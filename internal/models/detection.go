package models

import (
	"math"
	"time"
)

// Class 检测类别（固定的 PPE/人体词表）
type Class string

const (
	ClassPerson  Class = "person"
	ClassHelmet  Class = "helmet"
	ClassVest    Class = "vest"
	ClassGloves  Class = "gloves"
	ClassGoggles Class = "goggles"
	ClassBoots   Class = "boots"
	ClassMask    Class = "mask"
)

// allClasses 词表集合（用于校验）
var allClasses = map[Class]bool{
	ClassPerson:  true,
	ClassHelmet:  true,
	ClassVest:    true,
	ClassGloves:  true,
	ClassGoggles: true,
	ClassBoots:   true,
	ClassMask:    true,
}

// Valid 检查类别是否在词表内
func (c Class) Valid() bool {
	return allClasses[c]
}

// IsPPE 是否为 PPE 类别（非 person）
func (c Class) IsPPE() bool {
	return c != ClassPerson && allClasses[c]
}

// BBox 边界框（帧坐标系，X/Y 为左上角）
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area 面积
func (b BBox) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center 中心点坐标
func (b BBox) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Contains 点是否落在框内
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X && x <= b.X+b.W && y >= b.Y && y <= b.Y+b.H
}

// IoU 计算两个框的交并比
func (b BBox) IoU(o BBox) float64 {
	x1 := math.Max(b.X, o.X)
	y1 := math.Max(b.Y, o.Y)
	x2 := math.Min(b.X+b.W, o.X+o.W)
	y2 := math.Min(b.Y+b.H, o.Y+o.H)

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	inter := (x2 - x1) * (y2 - y1)
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Frame 单帧图像
// 像素数据在送入检测器前由 CameraWorker 独占持有，消费后即释放
type Frame struct {
	CameraID   string
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	Data       []byte
}

// Detection 单帧检测结果（逐帧产生，关联到 Track 后即丢弃）
type Detection struct {
	Class      Class   `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        BBox    `json:"box"`
	CameraID   string  `json:"camera_id"`
	FrameSeq   uint64  `json:"frame_seq"`
}
