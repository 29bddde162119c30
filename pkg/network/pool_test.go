package network

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolFixedRunsAll(t *testing.T) {
	p := NewPool("fixed", 3, testLogger())

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(func(context.Context) { n.Add(1) }))
	}
	p.Shutdown()

	assert.Equal(t, int32(50), n.Load())
	assert.Equal(t, 0, p.Stats().Workers)
}

func TestPoolUnboundedRunsAll(t *testing.T) {
	p := NewPool("unbounded", 0, testLogger())
	assert.Equal(t, 0, p.Stats().Workers)

	var wg sync.WaitGroup
	var n atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func(context.Context) {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()

	assert.Equal(t, int32(100), n.Load())
	assert.Eventually(t, func() bool { return p.Stats().Workers == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolFixedQueuesExcess(t *testing.T) {
	p := NewPool("one", 1, testLogger())
	defer p.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, p.Submit(func(context.Context) {}))
	stats := p.Stats()
	assert.Equal(t, 1, stats.Workers)
	assert.Equal(t, 1, stats.Queued)

	close(release)
	assert.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolStopCancelsAndDrops(t *testing.T) {
	p := NewPool("stop", 1, testLogger())

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	}))
	<-started

	var ran atomic.Bool
	require.NoError(t, p.Submit(func(context.Context) { ran.Store(true) }))

	p.Stop()

	recv(t, cancelled)
	assert.False(t, ran.Load(), "queued task ran after Stop")
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrPoolClosed)
}

func TestPoolShutdownDrains(t *testing.T) {
	p := NewPool("drain", 1, testLogger())

	release := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { <-release }))

	var n atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(func(context.Context) { n.Add(1) }))
	}

	go close(release)
	p.Shutdown()

	assert.Equal(t, int32(5), n.Load())
	assert.ErrorIs(t, p.Submit(func(context.Context) {}), ErrPoolClosed)
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool("panic", 1, testLogger())

	require.NoError(t, p.Submit(func(context.Context) { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { close(done) }))
	recv(t, done)

	p.Shutdown()
}

func TestPoolSubmitNil(t *testing.T) {
	p := NewPool("nil", 0, testLogger())
	assert.ErrorIs(t, p.Submit(nil), ErrInvalidArgument)
}
