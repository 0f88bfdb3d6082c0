package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrNoStages          = errors.New("workflow has no stages")
	ErrCyclicDependency  = errors.New("stage dependency graph contains a cycle")
	ErrDuplicateStage    = errors.New("duplicate stage name")
	ErrUnknownDependency = errors.New("dependency references unknown stage")
)

// SortStages validates the stage dependency graph and returns the stages in
// a topological order. The order is deterministic: stages whose dependencies
// are satisfied are emitted in declaration order (Kahn's algorithm with a
// declaration-ordered queue).
func SortStages(stages []Stage) ([]Stage, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	byName := make(map[string]int, len(stages))
	for i, s := range stages {
		if _, exists := byName[s.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s.Name)
		}
		byName[s.Name] = i
	}

	inDegree := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	for i, s := range stages {
		for _, dep := range s.DependsOn {
			j, exists := byName[dep]
			if !exists {
				return nil, fmt.Errorf("%w: stage %s depends on %s", ErrUnknownDependency, s.Name, dep)
			}
			dependents[j] = append(dependents[j], i)
			inDegree[i]++
		}
	}

	queue := make([]int, 0, len(stages))
	for i := range stages {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]Stage, 0, len(stages))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, stages[i])

		for _, j := range dependents[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}

	// If not every stage was emitted, the remainder forms a cycle
	if len(order) != len(stages) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// ValidateStages checks the dependency graph without caring about order.
func ValidateStages(stages []Stage) error {
	_, err := SortStages(stages)
	return err
}
