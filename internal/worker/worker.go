package worker

import (
	"context"
	"sync"
	"time"

	"github.com/mtzanidakis/smini/internal/workflow"
)

// State is the lifecycle state of a worker agent. No state is terminal:
// agents cycle back to accepting work after reporting, and a Recovering
// agent rejoins the pool once a heartbeat probe succeeds again.
type State string

const (
	StateIdle       State = "idle"
	StateWorking    State = "working"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRecovering State = "recovering"
)

// TaskBody is the pluggable capability that does the actual work of a task.
// The orchestrator treats it as opaque; model inference, simulated load or
// any real backend call all fit behind this signature.
type TaskBody func(ctx context.Context, task workflow.Task) (string, error)

// Metrics is a point-in-time snapshot of one agent's counters. Mutated only
// by the owning agent, read by the coordinator and the monitor loop.
type Metrics struct {
	AgentID        string             `json:"agent_id"`
	State          State              `json:"state"`
	TasksCompleted uint64             `json:"tasks_completed"`
	TasksFailed    uint64             `json:"tasks_failed"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	ResourceUsage  map[string]float64 `json:"resource_usage,omitempty"`
}

// Agent is one long-lived unit of execution capacity. It accepts one task at
// a time, executes the injected body and reports the result or failure.
type Agent struct {
	id    string
	group int
	body  TaskBody
	probe func() bool

	mu             sync.Mutex
	state          State
	tasksCompleted uint64
	tasksFailed    uint64
	lastHeartbeat  time.Time
	resourceUsage  map[string]float64
}

// Option configures an Agent at construction time.
type Option func(*Agent)

// WithProbe injects the agent's liveness predicate. When the predicate
// returns false the agent transitions to Recovering and Heartbeat reports
// it as dead until the predicate flips back.
func WithProbe(probe func() bool) Option {
	return func(a *Agent) { a.probe = probe }
}

// New creates an idle agent assigned to the given placement group.
func New(id string, group int, body TaskBody, opts ...Option) *Agent {
	a := &Agent{
		id:            id,
		group:         group,
		body:          body,
		state:         StateIdle,
		lastHeartbeat: time.Now(),
		resourceUsage: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) ID() string { return a.id }

// PlacementGroup returns the locality group the agent was assigned at
// pool-initialization time.
func (a *Agent) PlacementGroup() int { return a.group }

// Process executes one task. On success the agent transitions to Completed
// and increments its completed counter; on failure it transitions to Failed,
// increments its failed counter and returns the body's error so the
// coordinator observes it. Failure is task-scoped: the next Process call is
// accepted normally.
func (a *Agent) Process(ctx context.Context, task workflow.Task) (workflow.TaskResult, error) {
	a.mu.Lock()
	a.state = StateWorking
	a.touchHeartbeat()
	a.mu.Unlock()

	start := time.Now()
	output, err := a.body(ctx, task)
	elapsed := time.Since(start)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.touchHeartbeat()
	a.resourceUsage["last_task_seconds"] = elapsed.Seconds()

	if err != nil {
		a.state = StateFailed
		a.tasksFailed++
		return workflow.TaskResult{}, err
	}

	a.state = StateCompleted
	a.tasksCompleted++
	return workflow.TaskResult{
		TaskID:   task.ID,
		AgentID:  a.id,
		Output:   output,
		Duration: elapsed,
	}, nil
}

// Heartbeat is a lightweight liveness probe, independent of whether the
// agent is mid-task. A failed probe parks the agent in Recovering; a later
// successful probe brings it back.
func (a *Agent) Heartbeat() bool {
	// The probe runs outside the critical section: a hung probe must not
	// block concurrent Metrics or State reads.
	if a.probe != nil && !a.probe() {
		a.mu.Lock()
		a.state = StateRecovering
		a.mu.Unlock()
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRecovering {
		a.state = StateIdle
	}
	a.touchHeartbeat()
	return true
}

// Metrics returns a snapshot of the agent's counters. Never blocks on
// in-flight work beyond the agent's own short critical section.
func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := make(map[string]float64, len(a.resourceUsage))
	for k, v := range a.resourceUsage {
		usage[k] = v
	}

	return Metrics{
		AgentID:        a.id,
		State:          a.state,
		TasksCompleted: a.tasksCompleted,
		TasksFailed:    a.tasksFailed,
		LastHeartbeat:  a.lastHeartbeat,
		ResourceUsage:  usage,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// touchHeartbeat advances last_heartbeat, keeping it monotone. Callers hold a.mu.
func (a *Agent) touchHeartbeat() {
	if now := time.Now(); now.After(a.lastHeartbeat) {
		a.lastHeartbeat = now
	}
}
