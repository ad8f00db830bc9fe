package service

import (
	"context"
	"testing"
	"time"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateWeighsBatchesBySize(t *testing.T) {
	g := newGate(4, 10*time.Millisecond)
	ctx := context.Background()

	batch, err := g.acquire(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, g.inFlight())

	single, err := g.acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, g.inFlight())

	_, err = g.acquire(ctx, 1)
	assert.ErrorIs(t, err, usagedomain.ErrBackpressure)

	batch()
	single()
	assert.Zero(t, g.inFlight())

	// An oversized batch is capped at the gate size and runs alone.
	whole, err := g.acquire(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 4, g.inFlight())
	whole()
}

func TestGateWaitsForReleaseWithinTimeout(t *testing.T) {
	g := newGate(1, time.Second)
	held, err := g.acquire(context.Background(), 1)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		held()
	}()
	release, err := g.acquire(context.Background(), 1)
	require.NoError(t, err)
	release()
}

func TestGateReturnsCallerCancellation(t *testing.T) {
	g := newGate(1, time.Second)
	held, err := g.acquire(context.Background(), 1)
	require.NoError(t, err)
	defer held()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.acquire(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
