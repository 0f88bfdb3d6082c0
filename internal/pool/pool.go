package pool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/smini/internal/config"
	"github.com/mtzanidakis/smini/internal/worker"
)

// Pool is the fixed set of worker agents known to the coordinator,
// partitioned into placement groups at initialization. The agent list is
// never mutated after construction, so concurrent readers need no locking.
type Pool struct {
	agents []*worker.Agent
	groups [][]*worker.Agent
	health config.HealthConfig
}

// New builds a pool of cfg.AgentCount agents, each running the given task
// body, split into placement groups of cfg.PlacementGroupSize.
func New(cfg config.PoolConfig, health config.HealthConfig, body worker.TaskBody) *Pool {
	groupSize := cfg.PlacementGroupSize
	if groupSize < 1 {
		groupSize = 1
	}
	agents := make([]*worker.Agent, cfg.AgentCount)
	for i := range agents {
		agents[i] = worker.New(fmt.Sprintf("agent-%d", i), i/groupSize, body)
	}
	return NewFromAgents(agents, groupSize, health)
}

// NewFromAgents wraps pre-built agents in a pool. Used when agents need
// custom probes or bodies per agent.
func NewFromAgents(agents []*worker.Agent, groupSize int, health config.HealthConfig) *Pool {
	if groupSize < 1 {
		groupSize = 1
	}
	p := &Pool{
		agents: agents,
		health: health,
	}
	for i := 0; i < len(agents); i += groupSize {
		end := i + groupSize
		if end > len(agents) {
			end = len(agents)
		}
		p.groups = append(p.groups, agents[i:end])
	}
	return p
}

func (p *Pool) Size() int { return len(p.agents) }

// Agents returns the full agent list. Callers must treat it as read-only.
func (p *Pool) Agents() []*worker.Agent { return p.agents }

// PlacementGroups returns the locality partitioning fixed at init time.
func (p *Pool) PlacementGroups() [][]*worker.Agent { return p.groups }

// Sample returns the first n agents (the whole pool if n exceeds its size).
func (p *Pool) Sample(n int) []*worker.Agent {
	if n > len(p.agents) {
		n = len(p.agents)
	}
	return p.agents[:n]
}

// Healthy returns the agents eligible for the next task distribution pass.
//
// It probes a bounded sample rather than the full pool: at 10k+ agents an
// O(N) heartbeat sweep per stage costs more than the precision is worth. If
// every sampled probe answers within the budget the entire pool is assumed
// healthy for this round; otherwise the pool is pessimistically shrunk to
// its leading fraction for this round only. Agents whose probe failed sit
// in Recovering and are excluded until a later probe succeeds.
func (p *Pool) Healthy(ctx context.Context) []*worker.Agent {
	ctx, cancel := context.WithTimeout(ctx, p.health.SampleTimeout)
	defer cancel()

	sample := p.Sample(p.health.SampleSize)
	results := make(chan bool, len(sample))
	for _, a := range sample {
		go func(a *worker.Agent) {
			results <- p.probe(ctx, a)
		}(a)
	}

	allOK := true
	for range sample {
		select {
		case ok := <-results:
			if !ok {
				allOK = false
			}
		case <-ctx.Done():
			allOK = false
		}
		if !allOK {
			break
		}
	}

	eligible := p.agents
	if !allOK {
		keep := int(float64(len(p.agents)) * p.health.PessimisticFraction)
		if keep < 1 {
			keep = 1
		}
		eligible = p.agents[:keep]
		slog.Warn("health sample failed, shrinking pool for this round",
			"sampled", len(sample), "kept", keep, "total", len(p.agents))
	}

	healthy := make([]*worker.Agent, 0, len(eligible))
	for _, a := range eligible {
		if a.State() == worker.StateRecovering {
			continue
		}
		healthy = append(healthy, a)
	}
	return healthy
}

// probe runs one heartbeat with the per-probe timeout. A probe that hangs
// counts as dead for this round.
func (p *Pool) probe(ctx context.Context, a *worker.Agent) bool {
	ch := make(chan bool, 1)
	go func() {
		ch <- a.Heartbeat()
	}()

	timeout := p.health.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	select {
	case ok := <-ch:
		return ok
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}
