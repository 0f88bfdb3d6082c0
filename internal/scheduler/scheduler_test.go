package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/pool"
	"github.com/mtzanidakis/smini/internal/store"
	"github.com/mtzanidakis/smini/internal/swarm"
	"github.com/mtzanidakis/smini/internal/worker"
	"github.com/mtzanidakis/smini/internal/workflow"
)

const testDefinition = `
name: nightly
stages:
  - name: fetch
    parallel_agents: 1
tasks:
  - id: t1
    stage: fetch
`

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	body := func(ctx context.Context, task workflow.Task) (string, error) {
		return "done", nil
	}
	p := pool.NewFromAgents([]*worker.Agent{worker.New("agent-0", 0, body)}, 1, config.HealthConfig{
		SampleSize:          1,
		ProbeTimeout:        time.Second,
		SampleTimeout:       time.Second,
		PessimisticFraction: 0.5,
	})
	coord := swarm.NewCoordinator(p, config.SwarmConfig{
		DependencyPollInterval: 5 * time.Millisecond,
		BackoffUnit:            10 * time.Millisecond,
	}, swarm.WithStore(s))

	return New(s, coord, nil, config.SchedulerConfig{PollInterval: 10 * time.Millisecond}), s
}

func saveScheduled(t *testing.T, s *store.Store, id, scheduleJSON string) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := s.SaveScheduledWorkflow(&store.ScheduledWorkflow{
		ID:         id,
		Name:       "nightly",
		Schedule:   scheduleJSON,
		Definition: testDefinition,
		NextRunAt:  &past,
	})
	if err != nil {
		t.Fatalf("save scheduled workflow: %v", err)
	}
}

func TestPollExecutesDueWorkflow(t *testing.T) {
	sched, s := newTestScheduler(t)
	saveScheduled(t, s, "sched-1", `{"kind":"interval","interval_ms":60000}`)

	sched.poll(context.Background())

	got, err := s.GetScheduledWorkflow("sched-1")
	if err != nil {
		t.Fatalf("get scheduled workflow: %v", err)
	}
	if got.LastStatus != "success" {
		t.Errorf("expected last status 'success', got '%s' (error: %s)", got.LastStatus, got.LastError)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("expected next run in the future, got %v", got.NextRunAt)
	}

	runs, err := s.ListWorkflowRuns(10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 recorded run, got %d", len(runs))
	}
	if runs[0].Status != "completed" {
		t.Errorf("expected run status 'completed', got '%s'", runs[0].Status)
	}
}

func TestPollCompletesOneOff(t *testing.T) {
	sched, s := newTestScheduler(t)
	past := time.Now().Add(-time.Hour).UnixMilli()
	saveScheduled(t, s, "sched-once", fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past))

	sched.poll(context.Background())

	got, err := s.GetScheduledWorkflow("sched-once")
	if err != nil {
		t.Fatalf("get scheduled workflow: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("expected status 'completed', got '%s'", got.Status)
	}
}

func TestPollRecordsDefinitionError(t *testing.T) {
	sched, s := newTestScheduler(t)
	past := time.Now().Add(-time.Minute)
	err := s.SaveScheduledWorkflow(&store.ScheduledWorkflow{
		ID:         "sched-bad",
		Name:       "broken",
		Schedule:   `{"kind":"interval","interval_ms":60000}`,
		Definition: "stages: [",
		NextRunAt:  &past,
	})
	if err != nil {
		t.Fatalf("save scheduled workflow: %v", err)
	}

	sched.poll(context.Background())

	got, err := s.GetScheduledWorkflow("sched-bad")
	if err != nil {
		t.Fatalf("get scheduled workflow: %v", err)
	}
	if got.LastStatus != "error" {
		t.Errorf("expected last status 'error', got '%s'", got.LastStatus)
	}
	if got.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	sched, _ := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
