package core

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SystemStatus is the aggregated view served to the admin dashboard.
type SystemStatus struct {
	Queue struct {
		Pending    int64 `json:"pending"`
		Processing int64 `json:"processing"`
	} `json:"queue"`
	Workers struct {
		Active int `json:"active"`
		Total  int `json:"total"`
	} `json:"workers"`
	Accounts AccountStats `json:"accounts"`
	Memory   struct {
		UsedBytes  uint64 `json:"used_bytes"`
		TotalBytes uint64 `json:"total_bytes"`
	} `json:"memory"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// CollectSystemStatus gathers the current status. Each section is best-effort.
func CollectSystemStatus(ctx context.Context, metrics *MetricsService, users UserRepository, startedAt, now time.Time) SystemStatus {
	var st SystemStatus

	if metrics != nil {
		if qm, err := metrics.Queue(ctx); err == nil {
			st.Queue.Pending = qm.Pending
			st.Queue.Processing = qm.Processing
		} else {
			logrus.WithError(err).Warn("system status: queue metrics unavailable")
		}
		workers, _ := metrics.Workers(ctx)
		st.Workers.Total = len(workers)
		for _, w := range workers {
			if w.Status != "starting" {
				st.Workers.Active++
			}
		}
	}

	if users != nil {
		if stats, err := users.Stats(ctx, now); err == nil {
			st.Accounts = stats
		} else {
			logrus.WithError(err).Warn("system status: account stats unavailable")
		}
	}

	st.Memory.UsedBytes, st.Memory.TotalBytes = readMemInfo()

	if !startedAt.IsZero() {
		st.UptimeSeconds = int64(now.Sub(startedAt).Seconds())
	}
	return st
}

// readMemInfo returns used and total bytes using /proc/meminfo.
// If unavailable, returns zeros.
func readMemInfo() (used, total uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	var memTotal, memAvailable uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemTotal:") {
			memTotal = parseKiBLine(line)
		} else if strings.HasPrefix(line, "MemAvailable:") {
			memAvailable = parseKiBLine(line)
		}
	}
	if memTotal > 0 {
		total = memTotal * 1024
		if memAvailable <= memTotal {
			used = (memTotal - memAvailable) * 1024
		}
	}
	return used, total
}

func parseKiBLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
