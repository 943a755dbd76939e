package heartbeat

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/standardbeagle/fileagent/internal/protocol"
)

const (
	mib = 1 << 20
	gib = 1 << 30
)

// SystemCollector reports process CPU usage, Go heap memory and the free
// space of the volume holding DiskPath.
type SystemCollector struct {
	DiskPath string

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
}

// NewSystemCollector creates a collector measuring free space at diskPath.
func NewSystemCollector(diskPath string) *SystemCollector {
	return &SystemCollector{DiskPath: diskPath}
}

// Collect implements Collector. The first call reports 0% CPU.
func (c *SystemCollector) Collect(context.Context) (protocol.HeartbeatPayload, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	payload := protocol.HeartbeatPayload{
		CPUPercent: c.cpuPercent(),
		MemoryMB:   int64(ms.Sys / mib),
	}

	if c.DiskPath != "" {
		free, err := diskFree(c.DiskPath)
		if err != nil {
			return payload, err
		}
		payload.DiskFreeGB = int64(free / gib)
	}
	return payload, nil
}

func (c *SystemCollector) cpuPercent() float64 {
	used, err := processCPUTime()
	if err != nil {
		return 0
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	prevCPU, prevWall := c.lastCPU, c.lastWall
	c.lastCPU, c.lastWall = used, now
	if prevWall.IsZero() {
		return 0
	}
	wall := now.Sub(prevWall)
	if wall <= 0 {
		return 0
	}
	pct := float64(used-prevCPU) / float64(wall) / float64(runtime.NumCPU()) * 100
	return math.Round(math.Max(0, math.Min(pct, 100))*10) / 10
}
