// Package scheduler launches stored workflow definitions when their
// schedules come due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/schedule"
	"github.com/mtzanidakis/smini/internal/store"
	"github.com/mtzanidakis/smini/internal/swarm"
	"github.com/mtzanidakis/smini/internal/workflow"
)

type Scheduler struct {
	store        *store.Store
	coord        *swarm.Coordinator
	natsClient   *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, coord *swarm.Coordinator, bus *natsbus.Bus, cfg config.SchedulerConfig) *Scheduler {
	sched := &Scheduler{
		store:        s,
		coord:        coord,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}

	if bus != nil {
		client, err := natsbus.NewClient(bus)
		if err != nil {
			slog.Error("scheduler nats client failed", "error", err)
		} else {
			sched.natsClient = client
		}
	}

	return sched
}

// UpdatePollInterval changes the poll cadence and signals the run loop
// to reset its ticker.
func (s *Scheduler) UpdatePollInterval(d time.Duration) {
	s.pollInterval = d
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler poll interval reloaded", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueWorkflows(time.Now())
	if err != nil {
		slog.Error("failed to get due workflows", "error", err)
		return
	}

	for _, w := range due {
		s.execute(ctx, w)
	}
}

func (s *Scheduler) execute(ctx context.Context, w store.ScheduledWorkflow) {
	slog.Info("launching scheduled workflow", "id", w.ID, "name", w.Name,
		"schedule", schedule.FormatSchedule(w.Schedule))

	var lastStatus, lastError string
	def, err := workflow.ParseDefinition([]byte(w.Definition))
	if err == nil {
		_, err = s.coord.RunDefinition(ctx, def)
	}
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled workflow failed", "id", w.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.CalculateNextRun(w.Schedule)

	if err := s.store.UpdateScheduledRun(w.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update scheduled run", "id", w.ID, "error", err)
	}

	s.publishExecutedEvent(w, lastStatus)

	// One-off schedules have no next run and are marked completed.
	if nextRun == nil {
		slog.Info("no next run, completing one-off workflow", "id", w.ID, "name", w.Name)
		if err := s.store.UpdateScheduledStatus(w.ID, "completed"); err != nil {
			slog.Error("failed to complete scheduled workflow", "id", w.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecutedEvent(w store.ScheduledWorkflow, status string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "workflow_scheduled_run",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     w.ID,
			"name":   w.Name,
			"status": status,
		},
	}

	_ = s.natsClient.PublishJSON(natsbus.TopicEventsScheduler, event)
}
