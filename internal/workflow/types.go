package workflow

import (
	"encoding/json"
	"time"
)

// Task is one unit of work, tagged with the stage that owns it.
// Immutable once created.
type Task struct {
	ID       string          `json:"id"`
	Stage    string          `json:"stage"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Priority int             `json:"priority"`
}

// Stage is a named unit of workflow work with its own parallelism,
// timeout and dependency requirements.
type Stage struct {
	Name           string        `json:"name"`
	ParallelAgents int           `json:"parallel_agents"`
	DependsOn      []string      `json:"depends_on,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	RetryAttempts  int           `json:"retry_attempts"`
}

// TaskResult is the outcome of one successfully executed task.
type TaskResult struct {
	TaskID   string        `json:"task_id"`
	AgentID  string        `json:"agent_id"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// Result maps stage names to the task results collected in that stage.
// A stage's slice may be a strict subset of its submitted tasks when
// individual tasks timed out or failed.
type Result map[string][]TaskResult

// Completed reports how many task results were collected across all stages.
func (r Result) Completed() int {
	n := 0
	for _, results := range r {
		n += len(results)
	}
	return n
}
