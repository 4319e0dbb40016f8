package ratelimit

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// GateStats is the live view of the concurrency gate.
type GateStats struct {
	Size    int64 `json:"size"`
	Active  int64 `json:"active"`
	Waiting int64 `json:"waiting"`
}

// Gate bounds the number of requests in flight across all domains.
type Gate struct {
	sem     *semaphore.Weighted
	size    int64
	active  atomic.Int64
	waiting atomic.Int64
}

// NewGate builds a gate admitting at most n concurrent holders.
func NewGate(n int) *Gate {
	if n <= 0 {
		n = 1
	}
	return &Gate{
		sem:  semaphore.NewWeighted(int64(n)),
		size: int64(n),
	}
}

// Acquire blocks until a slot frees up or ctx is cancelled.
func (g *Gate) Acquire(ctx context.Context) error {
	g.waiting.Add(1)
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return err
	}
	g.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Stats snapshots gate occupancy.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Size:    g.size,
		Active:  g.active.Load(),
		Waiting: g.waiting.Load(),
	}
}
