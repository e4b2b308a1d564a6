// Package stats samples host and per-process resource usage for the
// dashboard endpoint.
package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	apperrors "github.com/prochub/prochub/internal/common/errors"
	"github.com/prochub/prochub/internal/common/logger"
)

// HostStats describes machine-level resource usage.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsed      uint64  `json:"disk_used"`
	DiskTotal     uint64  `json:"disk_total"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
}

// ProcessStats describes one managed child process.
type ProcessStats struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
}

// Collector samples via gopsutil. Safe for concurrent use.
type Collector struct {
	dataDir string
	log     *logger.Logger
}

// NewCollector builds a stats collector. Disk usage is reported for the
// filesystem holding dataDir.
func NewCollector(dataDir string, log *logger.Logger) *Collector {
	return &Collector{
		dataDir: dataDir,
		log:     log.WithFields(zap.String("component", "stats")),
	}
}

// Host samples CPU, memory and uptime for the whole machine. The CPU sample
// uses a short busy interval, so the call takes a moment.
func (c *Collector) Host(ctx context.Context) (*HostStats, error) {
	out := &HostStats{}

	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		c.log.WithError(err).Warn("cpu sample failed")
	} else if len(percents) > 0 {
		out.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, apperrors.InternalError("failed to read memory stats", err)
	}
	out.MemoryUsed = vm.Used
	out.MemoryTotal = vm.Total
	out.MemoryPercent = vm.UsedPercent

	if c.dataDir != "" {
		if du, err := disk.UsageWithContext(ctx, c.dataDir); err != nil {
			c.log.WithError(err).Warn("disk sample failed")
		} else {
			out.DiskUsed = du.Used
			out.DiskTotal = du.Total
		}
	}

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		c.log.WithError(err).Warn("uptime sample failed")
	} else {
		out.UptimeSeconds = uptime
	}

	return out, nil
}

// Process samples one child by PID. Returns nil when the process has
// already exited.
func (c *Collector) Process(ctx context.Context, pid int) (*ProcessStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, nil
	}

	out := &ProcessStats{PID: pid}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		out.CPUPercent = pct
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		out.MemoryRSS = mi.RSS
	}
	return out, nil
}
