package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/pool"
	"github.com/mtzanidakis/smini/internal/worker"
	"github.com/mtzanidakis/smini/internal/workflow"
)

func testSwarmConfig() config.SwarmConfig {
	return config.SwarmConfig{
		DependencyPollInterval: 5 * time.Millisecond,
		BackoffUnit:            20 * time.Millisecond,
	}
}

func testPool(t *testing.T, agents int, body worker.TaskBody) *pool.Pool {
	t.Helper()
	return pool.New(
		config.PoolConfig{AgentCount: agents, PlacementGroupSize: 4},
		config.HealthConfig{
			SampleSize:          2,
			ProbeTimeout:        100 * time.Millisecond,
			SampleTimeout:       200 * time.Millisecond,
			PessimisticFraction: 0.5,
		},
		body,
	)
}

func echoBody(_ context.Context, task workflow.Task) (string, error) {
	return "ok " + task.ID, nil
}

func stageTasks(stage string, n int) []workflow.Task {
	tasks := make([]workflow.Task, n)
	for i := range tasks {
		tasks[i] = workflow.Task{ID: fmt.Sprintf("%s-%d", stage, i), Stage: stage}
	}
	return tasks
}

func TestExecuteWorkflow_HappyPath(t *testing.T) {
	c := NewCoordinator(testPool(t, 2, echoBody), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: 5 * time.Second, RetryAttempts: 1},
	}
	result, err := c.ExecuteWorkflow(context.Background(), "happy", stages, stageTasks("A", 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(result["A"]) != 2 {
		t.Fatalf("expected 2 results for stage A, got %d", len(result["A"]))
	}
}

func TestExecuteWorkflow_RoundRobinDeterministic(t *testing.T) {
	c := NewCoordinator(testPool(t, 2, echoBody), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: 5 * time.Second},
	}
	result, err := c.ExecuteWorkflow(context.Background(), "rr", stages, stageTasks("A", 6))
	if err != nil {
		t.Fatal(err)
	}
	if len(result["A"]) != 6 {
		t.Fatalf("expected 6 results, got %d", len(result["A"]))
	}

	// Task i always lands on agent i mod K for the fixed pool ordering
	byTask := make(map[string]string)
	for _, r := range result["A"] {
		byTask[r.TaskID] = r.AgentID
	}
	for i := 0; i < 6; i++ {
		taskID := fmt.Sprintf("A-%d", i)
		want := fmt.Sprintf("agent-%d", i%2)
		if byTask[taskID] != want {
			t.Errorf("task %s assigned to %s, want %s", taskID, byTask[taskID], want)
		}
	}
}

func TestExecuteWorkflow_DependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	body := func(_ context.Context, task workflow.Task) (string, error) {
		mu.Lock()
		executed = append(executed, task.Stage)
		mu.Unlock()
		return "", nil
	}
	c := NewCoordinator(testPool(t, 4, body), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "publish", ParallelAgents: 1, DependsOn: []string{"parse", "enrich"}, Timeout: time.Second},
		{Name: "enrich", ParallelAgents: 1, DependsOn: []string{"fetch"}, Timeout: time.Second},
		{Name: "parse", ParallelAgents: 1, DependsOn: []string{"fetch"}, Timeout: time.Second},
		{Name: "fetch", ParallelAgents: 2, Timeout: time.Second},
	}
	tasks := append(stageTasks("fetch", 2), workflow.Task{ID: "p", Stage: "parse"},
		workflow.Task{ID: "e", Stage: "enrich"}, workflow.Task{ID: "pub", Stage: "publish"})

	if _, err := c.ExecuteWorkflow(context.Background(), "diamond", stages, tasks); err != nil {
		t.Fatal(err)
	}

	pos := func(stage string) int {
		last := -1
		for i, s := range executed {
			if s == stage {
				last = i
			}
		}
		return last
	}
	first := func(stage string) int {
		for i, s := range executed {
			if s == stage {
				return i
			}
		}
		return -1
	}
	if pos("fetch") > first("parse") || pos("fetch") > first("enrich") {
		t.Errorf("fetch tasks ran after a dependent stage started: %v", executed)
	}
	if pos("parse") > first("publish") || pos("enrich") > first("publish") {
		t.Errorf("publish started before its dependencies completed: %v", executed)
	}
}

func TestExecuteWorkflow_CycleRejectedBeforeDispatch(t *testing.T) {
	var calls int32
	body := func(_ context.Context, _ workflow.Task) (string, error) {
		calls++
		return "", nil
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 1, DependsOn: []string{"B"}},
		{Name: "B", ParallelAgents: 1, DependsOn: []string{"A"}},
	}
	result, err := c.ExecuteWorkflow(context.Background(), "cyclic", stages, stageTasks("A", 1))
	if !errors.Is(err, workflow.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if result != nil {
		t.Error("expected nil result for configuration error")
	}
	if calls != 0 {
		t.Errorf("expected no task dispatched, body ran %d times", calls)
	}
}

func TestExecuteWorkflow_RetryBudgetAndBackoff(t *testing.T) {
	var mu sync.Mutex
	var callTimes []time.Time
	body := func(_ context.Context, _ workflow.Task) (string, error) {
		mu.Lock()
		callTimes = append(callTimes, time.Now())
		mu.Unlock()
		return "", errors.New("always fails")
	}

	cfg := testSwarmConfig()
	cfg.MinCompletionRatio = 1.0 // promote task failure to a stage failure
	c := NewCoordinator(testPool(t, 1, body), cfg)

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 1, Timeout: time.Second, RetryAttempts: 2},
	}
	_, err := c.ExecuteWorkflow(context.Background(), "retry", stages, stageTasks("A", 1))
	if !errors.Is(err, ErrDegradedStage) {
		t.Fatalf("expected ErrDegradedStage, got %v", err)
	}

	// retry_attempts = 2 means at most 3 executions of the stage body
	if len(callTimes) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(callTimes))
	}

	// Backoff sequence: 1 unit before attempt 1, 2 units before attempt 2
	unit := cfg.BackoffUnit
	gap1 := callTimes[1].Sub(callTimes[0])
	gap2 := callTimes[2].Sub(callTimes[1])
	if gap1 < unit {
		t.Errorf("first backoff too short: %v < %v", gap1, unit)
	}
	if gap2 < 2*unit {
		t.Errorf("second backoff too short: %v < %v", gap2, 2*unit)
	}
	if gap2 < gap1 {
		t.Errorf("backoff not increasing: %v then %v", gap1, gap2)
	}
}

func TestExecuteWorkflow_InsufficientCapacity(t *testing.T) {
	var calls int32
	body := func(_ context.Context, _ workflow.Task) (string, error) {
		calls++
		return "", nil
	}
	c := NewCoordinator(testPool(t, 1, body), testSwarmConfig())

	// Pool has 1 agent but the stage demands 2; one retry, then the
	// workflow fails and the dependent stage never runs.
	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: time.Second, RetryAttempts: 1},
		{Name: "B", ParallelAgents: 1, DependsOn: []string{"A"}, Timeout: time.Second},
	}
	tasks := append(stageTasks("A", 2), stageTasks("B", 1)...)

	result, err := c.ExecuteWorkflow(context.Background(), "starved", stages, tasks)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}
	if calls != 0 {
		t.Errorf("expected no dispatch with insufficient capacity, body ran %d times", calls)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %v", result)
	}
}

func TestExecuteWorkflow_PartialResultOnFailure(t *testing.T) {
	c := NewCoordinator(testPool(t, 1, echoBody), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 1, Timeout: time.Second},
		{Name: "B", ParallelAgents: 2, DependsOn: []string{"A"}, Timeout: time.Second},
	}
	tasks := append(stageTasks("A", 2), stageTasks("B", 1)...)

	result, err := c.ExecuteWorkflow(context.Background(), "partial", stages, tasks)
	if err == nil {
		t.Fatal("expected workflow failure")
	}
	// Stage A completed before B starved: its results stay accessible
	if len(result["A"]) != 2 {
		t.Errorf("expected partial result for stage A, got %d", len(result["A"]))
	}
}

func TestExecuteWorkflow_TimeoutDropsTaskStageSucceeds(t *testing.T) {
	body := func(ctx context.Context, task workflow.Task) (string, error) {
		if task.ID == "A-0" {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "ok", nil
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: 100 * time.Millisecond},
	}
	result, err := c.ExecuteWorkflow(context.Background(), "timeout", stages, stageTasks("A", 2))
	if err != nil {
		t.Fatalf("stage with a timed-out task should still succeed: %v", err)
	}
	if len(result["A"]) != 1 {
		t.Fatalf("expected 1 surviving result, got %d", len(result["A"]))
	}
	if result["A"][0].TaskID != "A-1" {
		t.Errorf("expected surviving task A-1, got %s", result["A"][0].TaskID)
	}
}

func TestExecuteWorkflow_TaskErrorAbsorbed(t *testing.T) {
	body := func(_ context.Context, task workflow.Task) (string, error) {
		if task.ID == "A-1" {
			return "", errors.New("task body exploded")
		}
		return "ok", nil
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig())

	stages := []workflow.Stage{{Name: "A", ParallelAgents: 2, Timeout: time.Second}}
	result, err := c.ExecuteWorkflow(context.Background(), "absorb", stages, stageTasks("A", 3))
	if err != nil {
		t.Fatalf("task-level error must not fail the stage: %v", err)
	}
	if len(result["A"]) != 2 {
		t.Fatalf("expected 2 surviving results, got %d", len(result["A"]))
	}
}

func TestExecuteWorkflow_SilentDegradationUnblocksDependents(t *testing.T) {
	// Every task in stage A times out; A still completes with 0 results
	// and B is permitted to start. This mirrors the documented behavior;
	// MinCompletionRatio exists to promote it to a failure.
	body := func(ctx context.Context, task workflow.Task) (string, error) {
		if task.Stage == "A" {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig())

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: 50 * time.Millisecond},
		{Name: "B", ParallelAgents: 1, DependsOn: []string{"A"}, Timeout: time.Second},
	}
	tasks := append(stageTasks("A", 2), stageTasks("B", 1)...)

	result, err := c.ExecuteWorkflow(context.Background(), "degraded", stages, tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(result["A"]) != 0 {
		t.Errorf("expected 0 results for fully timed-out stage, got %d", len(result["A"]))
	}
	if len(result["B"]) != 1 {
		t.Errorf("expected dependent stage to run, got %d results", len(result["B"]))
	}
}

func TestExecuteWorkflow_MinCompletionRatio(t *testing.T) {
	body := func(ctx context.Context, _ workflow.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	cfg := testSwarmConfig()
	cfg.MinCompletionRatio = 0.5
	c := NewCoordinator(testPool(t, 2, body), cfg)

	stages := []workflow.Stage{
		{Name: "A", ParallelAgents: 2, Timeout: 50 * time.Millisecond},
	}
	_, err := c.ExecuteWorkflow(context.Background(), "ratio", stages, stageTasks("A", 2))
	if !errors.Is(err, ErrDegradedStage) {
		t.Fatalf("expected ErrDegradedStage, got %v", err)
	}
}

func TestExecuteWorkflow_Cancellation(t *testing.T) {
	body := func(ctx context.Context, _ workflow.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	stages := []workflow.Stage{{Name: "A", ParallelAgents: 1}}
	_, err := c.ExecuteWorkflow(ctx, "cancelled", stages, stageTasks("A", 1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteWorkflow_CancelOverBus(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	runIDs := make(chan string, 8)
	_, err = client.Subscribe(natsbus.TopicEventsRuns, func(msg *nats.Msg) {
		var ev struct {
			Type  string `json:"type"`
			RunID string `json:"run_id"`
		}
		if json.Unmarshal(msg.Data, &ev) == nil && ev.Type == "run_started" {
			runIDs <- ev.RunID
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	body := func(ctx context.Context, _ workflow.Task) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	c := NewCoordinator(testPool(t, 2, body), testSwarmConfig(), WithEvents(client))

	errCh := make(chan error, 1)
	go func() {
		stages := []workflow.Stage{{Name: "A", ParallelAgents: 1}}
		_, err := c.ExecuteWorkflow(context.Background(), "remote-cancel", stages, stageTasks("A", 1))
		errCh <- err
	}()

	var runID string
	select {
	case runID = <-runIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("no run_started event")
	}

	if err := client.Publish(natsbus.TopicRunControl(runID), []byte("cancel")); err != nil {
		t.Fatalf("publish cancel: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workflow did not stop after cancel")
	}
}
