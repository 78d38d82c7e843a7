package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	types "github.com/sebas/telebridge/api/types/v1"
)

// Prober reports whether the network is reachable.
type Prober interface {
	Probe(ctx context.Context) bool
}

// Monitor periodically probes connectivity and broadcasts
// TELE_CONNECTIVITY_CHANGED whenever reachability flips.
type Monitor struct {
	prober   Prober
	receiver *Receiver
	schedule string
	timeout  time.Duration
	logger   *slog.Logger

	cron *cron.Cron

	mu    sync.Mutex
	known bool
	last  bool
}

// NewMonitor creates a monitor. schedule is a cron spec with seconds, or a
// descriptor such as "@every 30s".
func NewMonitor(prober Prober, receiver *Receiver, schedule string, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		receiver: receiver,
		schedule: schedule,
		timeout:  timeout,
		logger:   logger,
		cron:     cron.New(cron.WithSeconds()),
	}
}

// Run schedules the probe and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.cron.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("invalid probe schedule %q: %w", m.schedule, err)
	}
	m.logger.Info("[Connectivity] Monitor started", "schedule", m.schedule)
	m.cron.Start()

	<-ctx.Done()
	stopped := m.cron.Stop()
	<-stopped.Done()
	m.logger.Info("[Connectivity] Monitor stopped")
	return nil
}

// Check probes once and broadcasts if reachability changed since the last
// probe. The first probe always broadcasts.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	available := m.prober.Probe(probeCtx)
	cancel()

	m.mu.Lock()
	changed := !m.known || m.last != available
	m.known = true
	m.last = available
	m.mu.Unlock()

	if !changed {
		return false
	}
	m.logger.Info("[Connectivity] Reachability changed", "available", available)
	m.receiver.Receive(ctx, types.BroadcastIntent{
		Action: ActionConnectivityChanged,
		Extras: map[string]any{ExtraAvailable: available},
	})
	return true
}
