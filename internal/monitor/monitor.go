package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/pool"
	"github.com/mtzanidakis/smini/internal/worker"
)

// Snapshot is one round of aggregated swarm health, built from a fixed-size
// agent sample.
type Snapshot struct {
	Timestamp      time.Time          `json:"timestamp"`
	Sampled        int                `json:"sampled"`
	TasksCompleted uint64             `json:"tasks_completed"`
	TasksFailed    uint64             `json:"tasks_failed"`
	States         map[string]int     `json:"states"`
	MeanUsage      map[string]float64 `json:"mean_usage,omitempty"`
}

// Monitor periodically samples a subset of agents and logs aggregate swarm
// health. It runs independently of workflow execution and never interferes
// with it.
type Monitor struct {
	pool   *pool.Pool
	cfg    config.MonitorConfig
	events *natsbus.Client
}

// Option configures optional monitor collaborators.
type Option func(*Monitor)

// WithEvents enables snapshot publishing on the bus.
func WithEvents(client *natsbus.Client) Option {
	return func(m *Monitor) { m.events = client }
}

func New(p *pool.Pool, cfg config.MonitorConfig, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 5
	}
	m := &Monitor{pool: p, cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run samples swarm health at the configured interval until the context is
// cancelled or the given duration elapses (0 means run indefinitely).
func (m *Monitor) Run(ctx context.Context, duration time.Duration) {
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	slog.Info("monitor started", "interval", m.cfg.Interval, "sample_size", m.cfg.SampleSize)

	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped")
			return
		case <-ticker.C:
			snap := m.Snapshot()
			slog.Info("swarm health", "sampled", snap.Sampled,
				"completed", snap.TasksCompleted, "failed", snap.TasksFailed,
				"states", snap.States)
			m.publish(snap)
		}
	}
}

// Snapshot aggregates metrics across the configured agent sample. An agent
// that cannot produce metrics this round is skipped, never fatal.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		Timestamp: time.Now().UTC(),
		States:    make(map[string]int),
		MeanUsage: make(map[string]float64),
	}

	usageSums := make(map[string]float64)
	usageCounts := make(map[string]int)

	for _, a := range m.pool.Sample(m.cfg.SampleSize) {
		metrics, ok := fetchMetrics(a)
		if !ok {
			continue
		}
		snap.Sampled++
		snap.TasksCompleted += metrics.TasksCompleted
		snap.TasksFailed += metrics.TasksFailed
		snap.States[string(metrics.State)]++
		for k, v := range metrics.ResourceUsage {
			usageSums[k] += v
			usageCounts[k]++
		}
	}

	for k, sum := range usageSums {
		snap.MeanUsage[k] = sum / float64(usageCounts[k])
	}
	return snap
}

// fetchMetrics isolates one agent's snapshot so a misbehaving agent is
// excluded from the round instead of aborting monitoring.
func fetchMetrics(a *worker.Agent) (metrics worker.Metrics, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("agent metrics fetch failed", "agent", a.ID(), "panic", r)
			ok = false
		}
	}()
	return a.Metrics(), true
}

func (m *Monitor) publish(snap Snapshot) {
	if m.events == nil {
		return
	}

	event := map[string]any{
		"type":      "monitor_snapshot",
		"timestamp": snap.Timestamp.Format(time.RFC3339),
		"data":      snap,
	}
	_ = m.events.PublishJSON(natsbus.TopicEventsMonitor, event)
}
