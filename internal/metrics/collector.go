package metrics

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Snapshot holds one sample of process and host resource usage
type Snapshot struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // per core, exceeds 100 on multi-core
	ProcessRSSMB      float64
	IOWaitPercent     float64
	MemoryPercent     float64
	StagingDiskFreeGB float64 // free space on the staging filesystem
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// ProgressFunc reports writer progress as log fields
type ProgressFunc func() []zap.Field

// Collector periodically samples resource usage and logs it together with
// the writer's progress
type Collector struct {
	interval   time.Duration
	logger     *zap.Logger
	proc       *process.Process
	stagingDir string
	progress   ProgressFunc

	lastWritten  uint64
	lastDiskTime time.Time
	lastCPUTimes cpu.TimesStat
	hasCPUTimes  bool

	mu   sync.RWMutex
	last *Snapshot
}

// NewCollector creates a collector. stagingDir is watched for free space.
func NewCollector(interval time.Duration, logger *zap.Logger, stagingDir string) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval:   interval,
		logger:     logger,
		proc:       proc,
		stagingDir: stagingDir,
	}
}

// WithProgress attaches a progress reporter whose fields are logged with every sample
func (c *Collector) WithProgress(fn ProgressFunc) *Collector {
	c.progress = fn
	return c
}

// Start samples until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the baselines
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent snapshot, or nil before the first sample
func (c *Collector) Last() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	s := c.sample()

	c.mu.Lock()
	c.last = s
	c.mu.Unlock()

	fields := []zap.Field{
		zap.Float64("sys_cpu", round1(s.CPUPercent)),
		zap.Float64("proc_cpu", round1(s.ProcessCPUPercent)),
		zap.String("rss", formatMB(s.ProcessRSSMB)),
		zap.Float64("iowait", round1(s.IOWaitPercent)),
		zap.Float64("mem_pct", round1(s.MemoryPercent)),
		zap.String("staging_free", formatGB(s.StagingDiskFreeGB)),
		zap.String("disk_w", formatMB(s.DiskWriteMBps)+"/s"),
	}
	if c.progress != nil {
		fields = append(fields, c.progress()...)
	}
	c.logger.Info("Progress", fields...)
}

func (c *Collector) sample() *Snapshot {
	s := &Snapshot{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			s.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			s.ProcessRSSMB = float64(info.RSS) / (1 << 20)
		}
	}
	s.IOWaitPercent = c.ioWait()

	if vmem, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vmem.UsedPercent
	}
	if c.stagingDir != "" {
		if usage, err := disk.Usage(c.stagingDir); err == nil {
			s.StagingDiskFreeGB = float64(usage.Free) / (1 << 30)
		}
	}
	s.DiskWriteMBps = c.writeRate(s.Timestamp)
	return s
}

// ioWait returns the share of CPU time spent waiting for I/O since the last sample
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	if !c.hasCPUTimes {
		c.lastCPUTimes = cur
		c.hasCPUTimes = true
		return 0
	}

	last := c.lastCPUTimes
	total := (cur.User - last.User) +
		(cur.System - last.System) +
		(cur.Idle - last.Idle) +
		(cur.Iowait - last.Iowait) +
		(cur.Irq - last.Irq) +
		(cur.Softirq - last.Softirq) +
		(cur.Steal - last.Steal)
	iowait := cur.Iowait - last.Iowait
	c.lastCPUTimes = cur

	if total <= 0 {
		return 0
	}
	return iowait / total * 100
}

// writeRate returns the host-wide disk write rate since the last sample.
// Staging and COPY are write heavy so reads are not tracked.
func (c *Collector) writeRate(now time.Time) float64 {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0
	}
	var written uint64
	for _, counter := range counters {
		written += counter.WriteBytes
	}

	if c.lastDiskTime.IsZero() {
		c.lastWritten, c.lastDiskTime = written, now
		return 0
	}
	elapsed := now.Sub(c.lastDiskTime).Seconds()
	if elapsed < 0.1 {
		return 0
	}

	var delta uint64
	if written >= c.lastWritten {
		delta = written - c.lastWritten
	}
	c.lastWritten, c.lastDiskTime = written, now
	return float64(delta) / elapsed / (1 << 20)
}

func round1(f float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(f, 'f', 1, 64), 64)
	return v
}

func formatGB(gb float64) string {
	return strconv.FormatFloat(gb, 'f', 1, 64) + " GB"
}

func formatMB(mb float64) string {
	return strconv.FormatFloat(mb, 'f', 1, 64) + " MB"
}
