// Package runner provides the task bodies agents execute. The body kind
// is chosen by configuration: echo for dry runs, command for host
// processes, docker for containerized work.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/worker"
	"github.com/mtzanidakis/smini/internal/workflow"
)

// FromConfig returns the task body for the configured runner kind.
func FromConfig(cfg config.RunnerConfig) (worker.TaskBody, error) {
	switch cfg.Kind {
	case "", "echo":
		return Echo, nil
	case "command":
		return Command, nil
	case "docker":
		d, err := NewDocker(cfg)
		if err != nil {
			return nil, err
		}
		return d.Run, nil
	default:
		return nil, fmt.Errorf("unknown runner kind: %s", cfg.Kind)
	}
}

// Echo returns the task payload unchanged. Useful for dry runs and tests.
func Echo(ctx context.Context, task workflow.Task) (string, error) {
	return string(task.Payload), nil
}

type commandPayload struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Command executes the task payload as a host process. The payload is
// either {"command": ..., "args": [...]} or a plain string run through
// the shell.
func Command(ctx context.Context, task workflow.Task) (string, error) {
	var p commandPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil || p.Command == "" {
		var line string
		if err := json.Unmarshal(task.Payload, &line); err != nil {
			return "", fmt.Errorf("task %s: payload is neither a command object nor a string", task.ID)
		}
		p.Command = "sh"
		p.Args = []string{"-c", line}
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("task %s: %w: %s", task.ID, err, strings.TrimSpace(out.String()))
	}
	return strings.TrimRight(out.String(), "\n"), nil
}
