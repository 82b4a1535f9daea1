// Package resources samples the host gauges a node reports in its
// membership heartbeats.
package resources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/net"

	"github.com/salahayoub/vpncluster/api"
)

// Sampler produces the resource gauges of the local node.
type Sampler interface {
	Sample(ctx context.Context) (api.Resources, error)
}

// HostSampler reads CPU, memory, disk and network counters from the host.
// Bandwidth is the combined send and receive rate since the previous sample;
// the first sample reports zero.
type HostSampler struct {
	diskPath string

	mu       sync.Mutex
	lastTime time.Time
	lastIO   uint64
}

// NewHostSampler returns a sampler reporting disk usage of the filesystem
// holding diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{diskPath: diskPath}
}

// Sample reads the current gauges. A failing gauge is reported as an error
// together with whatever the other gauges returned.
func (s *HostSampler) Sample(ctx context.Context) (api.Resources, error) {
	var res api.Resources
	var firstErr error
	keep := func(what string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sample %s: %w", what, err)
		}
	}

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	keep("cpu", err)
	if len(pct) > 0 {
		res.CPUPercent = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	keep("memory", err)
	if vm != nil {
		res.MemoryPercent = vm.UsedPercent
	}

	usage, err := disk.UsageWithContext(ctx, s.diskPath)
	keep("disk", err)
	if usage != nil {
		res.DiskPercent = usage.UsedPercent
	}

	counters, err := net.IOCountersWithContext(ctx, false)
	keep("network", err)
	if len(counters) > 0 {
		res.BandwidthBps = s.bandwidth(time.Now(), counters[0].BytesSent+counters[0].BytesRecv)
	}
	return res, firstErr
}

// bandwidth converts a cumulative byte counter into a rate.
func (s *HostSampler) bandwidth(now time.Time, total uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate uint64
	if !s.lastTime.IsZero() && total >= s.lastIO {
		if elapsed := now.Sub(s.lastTime).Seconds(); elapsed > 0 {
			rate = uint64(float64(total-s.lastIO) / elapsed)
		}
	}
	s.lastTime = now
	s.lastIO = total
	return rate
}

// Static always reports the same gauges.
type Static api.Resources

func (s Static) Sample(context.Context) (api.Resources, error) {
	return api.Resources(s), nil
}
