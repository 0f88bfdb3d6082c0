package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/natsbus"
	"github.com/mtzanidakis/smini/internal/pool"
	"github.com/mtzanidakis/smini/internal/store"
	"github.com/mtzanidakis/smini/internal/worker"
	"github.com/mtzanidakis/smini/internal/workflow"
)

// Coordinator owns the agent pool and drives workflow definitions against
// task sets: it resolves stage dependency order, health-checks the pool,
// fans tasks out, fans results back in within the stage timeout, retries
// failed stages with exponential backoff and aggregates results per stage.
// Each Coordinator instance is self-contained; nothing is shared globally.
type Coordinator struct {
	pool   *pool.Pool
	cfg    config.SwarmConfig
	store  *store.Store
	events *natsbus.Client
}

// Option configures optional coordinator collaborators.
type Option func(*Coordinator)

// WithStore enables run persistence.
func WithStore(s *store.Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithEvents enables structured event publishing on the bus.
func WithEvents(client *natsbus.Client) Option {
	return func(c *Coordinator) { c.events = client }
}

// NewCoordinator wires a coordinator to an initialized pool.
func NewCoordinator(p *pool.Pool, cfg config.SwarmConfig, opts ...Option) *Coordinator {
	if cfg.DependencyPollInterval <= 0 {
		cfg.DependencyPollInterval = 100 * time.Millisecond
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	c := &Coordinator{pool: p, cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pool returns the coordinator's agent pool.
func (c *Coordinator) Pool() *pool.Pool { return c.pool }

// RunDefinition executes a loaded workflow definition.
func (c *Coordinator) RunDefinition(ctx context.Context, def *workflow.Definition) (workflow.Result, error) {
	return c.ExecuteWorkflow(ctx, def.Name, def.Stages, def.Tasks)
}

// ExecuteWorkflow runs every stage in dependency order against the tasks
// tagged with its name. Configuration errors (cyclic or otherwise invalid
// stage graphs) are returned before any task is dispatched. When a stage
// exhausts its retry budget the error propagates and no later stage runs;
// the partial result from completed prior stages is still returned.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, name string, stages []workflow.Stage, tasks []workflow.Task) (workflow.Result, error) {
	ordered, err := workflow.SortStages(stages)
	if err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	runID := uuid.New().String()
	result := make(workflow.Result, len(ordered))
	completed := make(map[string]bool, len(ordered))

	// Runs accept an external cancel over the bus.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.events != nil {
		sub, err := c.events.Subscribe(natsbus.TopicRunControl(runID), func(msg *nats.Msg) {
			if string(msg.Data) == "cancel" {
				slog.Info("run cancel requested", "run", runID)
				cancel()
			}
		})
		if err != nil {
			slog.Warn("run control subscription failed", "run", runID, "error", err)
		} else {
			defer sub.Unsubscribe()
		}
	}

	tasksByStage := make(map[string][]workflow.Task)
	for _, t := range tasks {
		tasksByStage[t.Stage] = append(tasksByStage[t.Stage], t)
	}

	slog.Info("workflow started", "run", runID, "name", name,
		"stages", len(ordered), "tasks", len(tasks), "pool", c.pool.Size())
	c.saveRun(runID, name, stages, tasks)
	c.publishEvent(runID, "run_started", map[string]any{
		"name":   name,
		"stages": len(ordered),
		"tasks":  len(tasks),
	})

	for _, stage := range ordered {
		if err := c.awaitDependencies(ctx, stage, completed); err != nil {
			c.finishRun(runID, "failed", result)
			c.publishEvent(runID, "run_failed", map[string]any{
				"name":  name,
				"error": err.Error(),
			})
			return result, err
		}

		stageResults, err := c.executeStageWithRetry(ctx, runID, stage, tasksByStage[stage.Name])
		if err != nil {
			slog.Error("workflow failed", "run", runID, "stage", stage.Name, "error", err)
			c.finishRun(runID, "failed", result)
			c.publishEvent(runID, "run_failed", map[string]any{
				"name":  name,
				"stage": stage.Name,
				"error": err.Error(),
			})
			return result, err
		}

		result[stage.Name] = stageResults
		completed[stage.Name] = true
	}

	slog.Info("workflow completed", "run", runID, "name", name, "results", result.Completed())
	c.finishRun(runID, "completed", result)
	c.publishEvent(runID, "run_completed", map[string]any{
		"name":    name,
		"results": result.Completed(),
	})
	return result, nil
}

// awaitDependencies polls until every dependency of the stage has a
// completion marker. A poll loop rather than a blocking primitive keeps
// cancellation cooperative.
func (c *Coordinator) awaitDependencies(ctx context.Context, stage workflow.Stage, completed map[string]bool) error {
	for {
		ready := true
		for _, dep := range stage.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.DependencyPollInterval):
		}
	}
}

// executeStageWithRetry attempts a stage up to RetryAttempts+1 times. The
// delay before attempt k is backoffUnit·2^(k-1); the first attempt runs
// immediately.
func (c *Coordinator) executeStageWithRetry(ctx context.Context, runID string, stage workflow.Stage, tasks []workflow.Task) ([]workflow.TaskResult, error) {
	var lastErr error
	for attempt := 0; attempt <= stage.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.BackoffUnit * (1 << (attempt - 1))
			slog.Warn("retrying stage", "run", runID, "stage", stage.Name,
				"attempt", attempt, "backoff", delay, "error", lastErr)
			c.publishEvent(runID, "stage_retry", map[string]any{
				"stage":   stage.Name,
				"attempt": attempt,
				"backoff": delay.String(),
			})

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		results, err := c.executeStage(ctx, runID, stage, tasks)
		if err == nil {
			return results, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("stage %s failed after %d attempts: %w",
		stage.Name, stage.RetryAttempts+1, lastErr)
}

// executeStage runs one attempt: select healthy agents, assign the first
// ParallelAgents of them, round-robin the tasks across them and collect
// results until done or the stage deadline passes. Individual task errors
// and timeouts are absorbed; only stage-level failures propagate.
func (c *Coordinator) executeStage(ctx context.Context, runID string, stage workflow.Stage, tasks []workflow.Task) ([]workflow.TaskResult, error) {
	healthy := c.pool.Healthy(ctx)
	if len(healthy) < stage.ParallelAgents {
		return nil, fmt.Errorf("%w: stage %s needs %d, have %d",
			ErrInsufficientCapacity, stage.Name, stage.ParallelAgents, len(healthy))
	}
	assigned := healthy[:stage.ParallelAgents]

	slog.Info("stage started", "run", runID, "stage", stage.Name,
		"tasks", len(tasks), "agents", len(assigned), "timeout", stage.Timeout)
	c.publishEvent(runID, "stage_started", map[string]any{
		"stage":  stage.Name,
		"tasks":  len(tasks),
		"agents": len(assigned),
	})

	stageCtx := ctx
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithDeadline(ctx, time.Now().Add(stage.Timeout))
		defer cancel()
	}

	type dispatch struct {
		task workflow.Task
		res  workflow.TaskResult
		err  error
	}

	// Deterministic round-robin assignment: task i goes to agent i mod K.
	resCh := make(chan dispatch, len(tasks))
	for i, task := range tasks {
		agent := assigned[i%len(assigned)]
		go func(task workflow.Task, agent *worker.Agent) {
			res, err := agent.Process(stageCtx, task)
			resCh <- dispatch{task: task, res: res, err: err}
		}(task, agent)
	}

	results := make([]workflow.TaskResult, 0, len(tasks))
	pending := len(tasks)

collect:
	for pending > 0 {
		select {
		case d := <-resCh:
			pending--
			if d.err != nil {
				// Task-scoped failure: drop the result, keep the stage
				slog.Warn("task dropped", "run", runID, "stage", stage.Name,
					"task", d.task.ID, "error", d.err)
				c.publishEvent(runID, "task_failed", map[string]any{
					"stage": stage.Name,
					"task":  d.task.ID,
					"error": d.err.Error(),
				})
				continue
			}
			results = append(results, d.res)
		case <-stageCtx.Done():
			// Deadline hit: abandon whatever is still in flight
			slog.Warn("stage deadline reached, abandoning tasks", "run", runID,
				"stage", stage.Name, "abandoned", pending)
			c.publishEvent(runID, "tasks_abandoned", map[string]any{
				"stage":     stage.Name,
				"abandoned": pending,
			})
			break collect
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if c.cfg.MinCompletionRatio > 0 && len(tasks) > 0 {
		ratio := float64(len(results)) / float64(len(tasks))
		if ratio < c.cfg.MinCompletionRatio {
			return nil, fmt.Errorf("%w: stage %s completed %d of %d tasks",
				ErrDegradedStage, stage.Name, len(results), len(tasks))
		}
	}

	slog.Info("stage completed", "run", runID, "stage", stage.Name,
		"completed", len(results), "submitted", len(tasks))
	c.publishEvent(runID, "stage_completed", map[string]any{
		"stage":     stage.Name,
		"completed": len(results),
		"submitted": len(tasks),
	})
	return results, nil
}

func (c *Coordinator) saveRun(runID, name string, stages []workflow.Stage, tasks []workflow.Task) {
	if c.store == nil {
		return
	}

	stagesJSON, _ := json.Marshal(stages)
	tasksJSON, _ := json.Marshal(tasks)
	run := &store.WorkflowRun{
		ID:     runID,
		Name:   name,
		Status: "running",
		Stages: stagesJSON,
		Tasks:  tasksJSON,
	}
	if err := c.store.SaveWorkflowRun(run); err != nil {
		slog.Error("failed to persist workflow run", "run", runID, "error", err)
	}
}

func (c *Coordinator) finishRun(runID, status string, result workflow.Result) {
	if c.store == nil {
		return
	}

	resultsJSON, _ := json.Marshal(result)
	if err := c.store.UpdateWorkflowRun(runID, status, resultsJSON); err != nil {
		slog.Error("failed to update workflow run", "run", runID, "error", err)
	}
}

func (c *Coordinator) publishEvent(runID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}

	event := map[string]any{
		"type":      eventType,
		"run_id":    runID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	_ = c.events.PublishJSON(natsbus.TopicRunEvents(runID), event)
}
