package swarm

import "errors"

var (
	// ErrInsufficientCapacity means fewer healthy agents than a stage
	// requires. The stage attempt fails and is retried with backoff.
	ErrInsufficientCapacity = errors.New("insufficient healthy agents")

	// ErrDegradedStage is returned when a minimum completion ratio is
	// configured and a stage attempt collected too few results.
	ErrDegradedStage = errors.New("stage completed below minimum completion ratio")
)
