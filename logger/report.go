package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type componentStat struct {
	warns  int64
	errors int64
}

type cycleStat struct {
	cycles    int64
	failures  int64
	skipped   int64
	fetched   int64
	persisted int64
}

var (
	components sync.Map // map[string]*componentStat
	cycles     sync.Map // map[string]*cycleStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordCycle accumulates per-collector cycle counters that are included in
// the periodic runtime report.
func RecordCycle(collector string, failed, skipped bool, fetched, persisted int) {
	v, _ := cycles.LoadOrStore(collector, &cycleStat{})
	cs := v.(*cycleStat)
	atomic.AddInt64(&cs.cycles, 1)
	if failed {
		atomic.AddInt64(&cs.failures, 1)
	}
	if skipped {
		atomic.AddInt64(&cs.skipped, 1)
	}
	atomic.AddInt64(&cs.fetched, int64(fetched))
	atomic.AddInt64(&cs.persisted, int64(persisted))
}

// SystemStats is the host snapshot gathered for each report.
type SystemStats struct {
	Goroutines   int
	CPUPercent   float64
	MemoryMB     float64
	DiskMB       float64
	NetBytesSent uint64
	NetBytesRecv uint64
}

// CollectSystemStats samples host resource usage. Unavailable values are left
// at zero.
func CollectSystemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		stats.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if nc, err := gnet.IOCounters(false); err == nil && len(nc) > 0 {
		stats.NetBytesSent = nc[0].BytesSent
		stats.NetBytesRecv = nc[0].BytesRecv
	}
	return stats
}

// StartReport begins periodic logging of system and collector statistics.
// Each sampled SystemStats is also handed to the optional sinks.
func StartReport(ctx context.Context, log *Log, interval time.Duration, sinks ...func(SystemStats)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := logReport(log)
				for _, sink := range sinks {
					sink(stats)
				}
			}
		}
	}()
}

func logReport(log *Log) SystemStats {
	stats := CollectSystemStats()

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	cycleData := map[string]map[string]int64{}
	cycles.Range(func(k, v any) bool {
		cs := v.(*cycleStat)
		cycleData[k.(string)] = map[string]int64{
			"cycles":    atomic.LoadInt64(&cs.cycles),
			"failures":  atomic.LoadInt64(&cs.failures),
			"skipped":   atomic.LoadInt64(&cs.skipped),
			"fetched":   atomic.LoadInt64(&cs.fetched),
			"persisted": atomic.LoadInt64(&cs.persisted),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     stats.Goroutines,
		"cpu_percent":    stats.CPUPercent,
		"memory_mb":      int64(stats.MemoryMB),
		"disk_mb":        int64(stats.DiskMB),
		"net_bytes_sent": int64(stats.NetBytesSent),
		"net_bytes_recv": int64(stats.NetBytesRecv),
		"components":     componentData,
		"collectors":     cycleData,
	}).Info("runtime report")

	return stats
}
