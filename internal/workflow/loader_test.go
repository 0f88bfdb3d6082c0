package workflow

import (
	"strings"
	"testing"
	"time"
)

const sampleWorkflow = `
name: crawl
stages:
  - name: fetch
    parallel_agents: 4
    timeout: 30s
    retry_attempts: 2
  - name: parse
    parallel_agents: 2
    depends_on: [fetch]
    timeout: 10s
tasks:
  - id: t1
    stage: fetch
    payload:
      url: https://example.org
  - stage: fetch
    priority: 5
  - id: t3
    stage: parse
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}

	if def.Name != "crawl" {
		t.Errorf("expected name crawl, got %s", def.Name)
	}
	if len(def.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(def.Stages))
	}
	if def.Stages[0].Timeout != 30*time.Second {
		t.Errorf("expected fetch timeout 30s, got %v", def.Stages[0].Timeout)
	}
	if def.Stages[0].RetryAttempts != 2 {
		t.Errorf("expected fetch retry_attempts 2, got %d", def.Stages[0].RetryAttempts)
	}
	if len(def.Stages[1].DependsOn) != 1 || def.Stages[1].DependsOn[0] != "fetch" {
		t.Error("expected parse to depend on fetch")
	}

	if len(def.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(def.Tasks))
	}
	if def.Tasks[0].ID != "t1" {
		t.Errorf("expected task id t1, got %s", def.Tasks[0].ID)
	}
	if !strings.Contains(string(def.Tasks[0].Payload), "example.org") {
		t.Errorf("expected payload to carry url, got %s", def.Tasks[0].Payload)
	}
	// Missing id gets generated
	if def.Tasks[1].ID == "" {
		t.Error("expected generated id for task without one")
	}
	if def.Tasks[1].Priority != 5 {
		t.Errorf("expected priority 5, got %d", def.Tasks[1].Priority)
	}
}

func TestParseDefinition_DefaultParallelism(t *testing.T) {
	def, err := ParseDefinition([]byte("stages:\n  - name: only\n"))
	if err != nil {
		t.Fatal(err)
	}
	if def.Stages[0].ParallelAgents != 1 {
		t.Errorf("expected parallel_agents default 1, got %d", def.Stages[0].ParallelAgents)
	}
}

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"cycle", "stages:\n  - name: a\n    depends_on: [b]\n  - name: b\n    depends_on: [a]\n"},
		{"unknown task stage", "stages:\n  - name: a\ntasks:\n  - id: t\n    stage: ghost\n"},
		{"bad timeout", "stages:\n  - name: a\n    timeout: soon\n"},
		{"nameless stage", "stages:\n  - parallel_agents: 2\n"},
		{"no stages", "name: empty\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseDefinition([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
