package workflow

import (
	"errors"
	"testing"
)

func stage(name string, deps ...string) Stage {
	return Stage{Name: name, ParallelAgents: 1, DependsOn: deps}
}

func TestSortStages_Linear(t *testing.T) {
	order, err := SortStages([]Stage{
		stage("c", "b"),
		stage("a"),
		stage("b", "a"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 stages, got %d", len(order))
	}
	if order[0].Name != "a" || order[1].Name != "b" || order[2].Name != "c" {
		t.Fatalf("expected order a,b,c, got %s,%s,%s", order[0].Name, order[1].Name, order[2].Name)
	}
}

func TestSortStages_Diamond(t *testing.T) {
	order, err := SortStages([]Stage{
		stage("fetch"),
		stage("parse", "fetch"),
		stage("enrich", "fetch"),
		stage("publish", "parse", "enrich"),
	})
	if err != nil {
		t.Fatal(err)
	}

	pos := make(map[string]int)
	for i, s := range order {
		pos[s.Name] = i
	}
	if pos["fetch"] != 0 {
		t.Error("expected fetch first")
	}
	if pos["publish"] != 3 {
		t.Error("expected publish last")
	}
	// Every stage's dependencies come earlier
	for _, s := range order {
		for _, dep := range s.DependsOn {
			if pos[dep] >= pos[s.Name] {
				t.Errorf("stage %s scheduled before its dependency %s", s.Name, dep)
			}
		}
	}
}

func TestSortStages_Deterministic(t *testing.T) {
	stages := []Stage{
		stage("w"),
		stage("x"),
		stage("y", "w"),
		stage("z", "x"),
	}
	first, err := SortStages(stages)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := SortStages(stages)
		if err != nil {
			t.Fatal(err)
		}
		for j := range first {
			if again[j].Name != first[j].Name {
				t.Fatalf("order changed between runs: %s vs %s at %d", again[j].Name, first[j].Name, j)
			}
		}
	}
}

func TestSortStages_Cycle(t *testing.T) {
	_, err := SortStages([]Stage{
		stage("a", "b"),
		stage("b", "a"),
	})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestSortStages_SelfCycle(t *testing.T) {
	_, err := SortStages([]Stage{stage("a", "a")})
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestSortStages_UnknownDependency(t *testing.T) {
	_, err := SortStages([]Stage{stage("a", "ghost")})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestSortStages_Duplicate(t *testing.T) {
	_, err := SortStages([]Stage{stage("a"), stage("a")})
	if !errors.Is(err, ErrDuplicateStage) {
		t.Fatalf("expected ErrDuplicateStage, got %v", err)
	}
}

func TestSortStages_Empty(t *testing.T) {
	_, err := SortStages(nil)
	if !errors.Is(err, ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}
}
