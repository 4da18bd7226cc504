package supervisor

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// ResourceStats 进程资源占用采样
type ResourceStats interface {
	// CPUUsage 自上次采样以来的 CPU 占用率（0~100，按单核计）
	CPUUsage() float64
	// MemoryUsageMB 当前堆内存占用（MB）
	MemoryUsageMB() float64
}

// processStats 基于 getrusage 与 runtime 内存统计的默认实现
type processStats struct {
	mu         sync.Mutex
	lastSample time.Time
	lastCPU    time.Duration
}

// NewProcessStats 创建默认资源采样器
func NewProcessStats() ResourceStats {
	return &processStats{}
}

func (p *processStats) CPUUsage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var usage syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	cpu := time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
	now := time.Now()

	if p.lastSample.IsZero() {
		p.lastSample = now
		p.lastCPU = cpu
		return 0
	}

	wall := now.Sub(p.lastSample)
	if wall <= 0 {
		return 0
	}
	pct := float64(cpu-p.lastCPU) / float64(wall) * 100

	p.lastSample = now
	p.lastCPU = cpu
	return pct
}

func (p *processStats) MemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}
