package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"wfchat/runtime"

	"github.com/shirou/gopsutil/process"
)

const defaultHeartbeatInterval = 30 * time.Second

// StatsProvider exposes what the heartbeat reports about the rooms of this process.
type StatsProvider interface {
	Stats() runtime.Stats
}

// HeartbeatWorker periodically logs the process health next to the room statistics.
type HeartbeatWorker struct {
	log      *slog.Logger
	stats    StatsProvider
	interval time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, stats StatsProvider, interval time.Duration) *HeartbeatWorker {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	return &HeartbeatWorker{log: log, stats: stats, interval: interval}
}

// Run logs CPU, RSS and process status with the number of rooms and attached members.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.beat(p)
		}
	}
}

func (w *HeartbeatWorker) beat(p *process.Process) {
	stats := w.stats.Stats()
	rss, cpu, status, err := getSelfStats(p)
	if err != nil {
		w.log.Warn("Failed to collect self stats", "error", err)
		w.log.Info("Heartbeat", "rooms", stats.Rooms, "members", stats.LocalMembers)
		return
	}
	w.log.Info("Heartbeat",
		"rooms", stats.Rooms,
		"members", stats.LocalMembers,
		"pid", p.Pid,
		"status", status,
		"cpu_percent", cpu,
		"rss_bytes", rss,
	)
}

// getSelfStats retrieves memory, CPU and OS status of the given process.
func getSelfStats(p *process.Process) (uint64, float64, string, error) {
	memInfo, err := p.MemoryInfo()
	if err != nil {
		return 0, 0, "", err
	}

	cpuPercent, err := p.CPUPercent()
	if err != nil {
		return 0, 0, "", err
	}

	status, err := p.Status()
	if err != nil {
		return 0, 0, "", err
	}
	return memInfo.RSS, cpuPercent, status, nil
}
