package actorutil

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/gotp/actor"
	"github.com/roasbeef/gotp/task"
)

// Pool distributes requests across multiple identical generic servers using
// round-robin scheduling. This spreads load across a set of workers while
// presenting a single call/cast surface.
type Pool struct {
	// id is the identifier for this pool, used to derive member names.
	id string

	// pids holds the member addresses in start order.
	pids []actor.PID

	// handles holds the linked handles for lifecycle management.
	handles []*actor.Handle

	// next is the atomic counter for round-robin selection.
	next atomic.Uint64
}

// PoolConfig holds configuration for creating a new server pool.
type PoolConfig struct {
	// ID is the identifier for the pool.
	ID string

	// Size is the number of servers to start.
	Size int

	// Factory creates a fresh behavior for each pool member.
	Factory func(idx int) actor.GenServerBehavior
}

// NewPool starts Size servers inside the given task group and returns the
// pool fronting them. If any member fails to start, the already-started
// members are cancelled and the error is returned.
func NewPool(g *task.Group, cfg PoolConfig) (*Pool, error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool %q has no factory", cfg.ID)
	}
	if cfg.Size <= 0 {
		cfg.Size = 1
	}

	p := &Pool{
		id:      cfg.ID,
		pids:    make([]actor.PID, cfg.Size),
		handles: make([]*actor.Handle, cfg.Size),
	}

	for i := 0; i < cfg.Size; i++ {
		h, err := actor.StartGenServerLink(
			g, cfg.Factory(i),
			actor.WithName(fmt.Sprintf("%s-%d", cfg.ID, i)),
		)
		if err != nil {
			p.Stop()
			return nil, fmt.Errorf("starting pool member %d: %w",
				i, err)
		}

		p.pids[i] = h.PID()
		p.handles[i] = h
	}

	return p, nil
}

// ID returns the identifier for this pool.
func (p *Pool) ID() string {
	return p.id
}

// PIDs returns the member addresses in start order.
func (p *Pool) PIDs() []actor.PID {
	out := make([]actor.PID, len(p.pids))
	copy(out, p.pids)

	return out
}

// Call issues a request to the next member in round-robin order.
func (p *Pool) Call(ctx context.Context, req any,
	opts ...actor.CallOption,
) (any, error) {

	return actor.Call(ctx, p.pick(), req, opts...)
}

// Cast sends a fire-and-forget request to the next member in round-robin
// order.
func (p *Pool) Cast(req any) {
	actor.Cast(p.pick(), req)
}

// Broadcast casts a request to every member. Useful for cache invalidation,
// config updates, or coordinated drain signals.
func (p *Pool) Broadcast(req any) {
	CastAll(p.pids, req)
}

// BroadcastCall issues the same request to every member concurrently and
// returns the results in member order.
func (p *Pool) BroadcastCall(ctx context.Context, req any,
	opts ...actor.CallOption,
) []fn.Result[any] {

	return ParallelCallSame(ctx, p.pids, req, opts...)
}

// Stop cancels every member's scope. The members unwind through their task
// group as usual.
func (p *Pool) Stop() {
	for _, h := range p.handles {
		if h != nil {
			h.Cancel()
		}
	}
}

// pick returns the next member in round-robin order.
func (p *Pool) pick() actor.PID {
	idx := p.next.Add(1) % uint64(len(p.pids))

	return p.pids[idx]
}
