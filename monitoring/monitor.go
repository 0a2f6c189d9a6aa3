// Package monitoring samples this process's own resource usage for the
// operational logs (ambient stack, not part of the HTTP surface per the
// spec's Non-goals around external observability). Adapted from
// windalfin-ayo-mwr/monitoring/monitor.go's gopsutil-based sampler.
package monitoring

import (
	"context"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"nvrcore/session"
)

// Usage is one resource-usage sample.
type Usage struct {
	CPUPercent     float64
	MemoryUsedMB   float64
	MemoryTotalMB  float64
	MemoryPercent  float64
	NumGoroutines  int
	ActiveSessions int
}

// Start launches a background sampler that logs process resource usage
// and active-session count every interval, until ctx is cancelled.
func Start(ctx context.Context, registry *session.Registry, interval time.Duration) {
	go run(ctx, registry, interval)
}

func run(ctx context.Context, registry *session.Registry, interval time.Duration) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Printf("[monitoring] failed to attach to own process: %v", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usage, err := sample(proc, registry)
			if err != nil {
				log.Printf("[monitoring] sample failed: %v", err)
				continue
			}
			log.Printf("[monitoring] cpu=%.2f%% mem=%.1f/%.1fMB (%.2f%%) goroutines=%d sessions=%d",
				usage.CPUPercent, usage.MemoryUsedMB, usage.MemoryTotalMB, usage.MemoryPercent,
				usage.NumGoroutines, usage.ActiveSessions)
		}
	}
}

func sample(proc *process.Process, registry *session.Registry) (Usage, error) {
	var usage Usage

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		return usage, err
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, err
	}
	procMem, err := proc.MemoryInfo()
	if err != nil {
		return usage, err
	}

	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()
	usage.ActiveSessions = len(registry.List(context.Background()))

	return usage, nil
}
