package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Definition is a complete workflow: stages plus the flat task list.
type Definition struct {
	Name   string
	Stages []Stage
	Tasks  []Task
}

type definitionSpec struct {
	Name   string      `yaml:"name"`
	Stages []stageSpec `yaml:"stages"`
	Tasks  []taskSpec  `yaml:"tasks"`
}

type stageSpec struct {
	Name           string   `yaml:"name"`
	ParallelAgents int      `yaml:"parallel_agents"`
	DependsOn      []string `yaml:"depends_on"`
	Timeout        string   `yaml:"timeout"`
	RetryAttempts  int      `yaml:"retry_attempts"`
}

type taskSpec struct {
	ID       string `yaml:"id"`
	Stage    string `yaml:"stage"`
	Payload  any    `yaml:"payload"`
	Priority int    `yaml:"priority"`
}

// LoadDefinition reads a workflow definition from a YAML file and validates
// it: stage graph must be a DAG, every task must reference a known stage.
// Tasks without an explicit id get a generated one.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var spec definitionSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}

	def := &Definition{
		Name:   spec.Name,
		Stages: make([]Stage, 0, len(spec.Stages)),
		Tasks:  make([]Task, 0, len(spec.Tasks)),
	}

	for _, s := range spec.Stages {
		stage := Stage{
			Name:           s.Name,
			ParallelAgents: s.ParallelAgents,
			DependsOn:      s.DependsOn,
			RetryAttempts:  s.RetryAttempts,
		}
		if stage.Name == "" {
			return nil, fmt.Errorf("stage without a name")
		}
		if stage.ParallelAgents < 1 {
			stage.ParallelAgents = 1
		}
		if s.Timeout != "" {
			d, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("stage %s: parse timeout: %w", s.Name, err)
			}
			stage.Timeout = d
		}
		def.Stages = append(def.Stages, stage)
	}

	if err := ValidateStages(def.Stages); err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		known[s.Name] = true
	}

	for _, ts := range spec.Tasks {
		if !known[ts.Stage] {
			return nil, fmt.Errorf("task %q references unknown stage %q", ts.ID, ts.Stage)
		}
		task := Task{
			ID:       ts.ID,
			Stage:    ts.Stage,
			Priority: ts.Priority,
		}
		if task.ID == "" {
			task.ID = uuid.New().String()
		}
		if ts.Payload != nil {
			payload, err := json.Marshal(ts.Payload)
			if err != nil {
				return nil, fmt.Errorf("task %s: encode payload: %w", task.ID, err)
			}
			task.Payload = payload
		}
		def.Tasks = append(def.Tasks, task)
	}

	return def, nil
}
