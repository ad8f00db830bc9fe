package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"golang.org/x/sync/semaphore"
)

// gate bounds concurrent writes to the event store. A caller that cannot get
// its weight within the queue timeout is told to back off instead of piling up.
type gate struct {
	sem     *semaphore.Weighted
	size    int64
	held    atomic.Int64
	timeout time.Duration
}

func newGate(size int, timeout time.Duration) *gate {
	if size <= 0 {
		size = 1
	}
	return &gate{sem: semaphore.NewWeighted(int64(size)), size: int64(size), timeout: timeout}
}

// acquire takes weight slots, one per event. Weights above the gate size are
// capped so a full-size batch can still run alone.
func (g *gate) acquire(ctx context.Context, weight int) (func(), error) {
	n := int64(weight)
	if n < 1 {
		n = 1
	}
	if n > g.size {
		n = g.size
	}
	release := func() {
		g.held.Add(-n)
		g.sem.Release(n)
	}
	if g.sem.TryAcquire(n) {
		g.held.Add(n)
		return release, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, n); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, usagedomain.ErrBackpressure
		}
		return nil, err
	}
	g.held.Add(n)
	return release, nil
}

func (g *gate) inFlight() int { return int(g.held.Load()) }
