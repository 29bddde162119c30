package network

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherFanOut(t *testing.T) {
	pool := NewPool("test", 0, testLogger())
	d := NewDispatcher(pool, testLogger())

	const n = 5
	var counts [n]atomic.Int32
	for i := 0; i < n; i++ {
		require.NoError(t, d.AddMessageListener(OnMessage(func(m *Message) {
			assert.Equal(t, "hi", m.Text)
			counts[i].Add(1)
		})))
	}

	d.RaiseMessage(&Message{Text: "hi"})
	pool.Shutdown()

	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "listener %d", i)
	}
	assert.Equal(t, uint64(n), d.Dispatched())
}

func TestDispatcherRemovedListener(t *testing.T) {
	pool := NewPool("test", 0, testLogger())
	d := NewDispatcher(pool, testLogger())

	var kept, removed atomic.Int32
	keep := OnCommand(func(*Command) { kept.Add(1) })
	drop := OnCommand(func(*Command) { removed.Add(1) })

	require.NoError(t, d.AddCommandListener(keep))
	require.NoError(t, d.AddCommandListener(drop))
	require.NoError(t, d.RemoveCommandListener(drop))

	d.RaiseCommand(&Command{Verb: "ping"})
	d.RaiseCommand(&Command{Verb: "ping"})
	pool.Shutdown()

	assert.Equal(t, int32(2), kept.Load())
	assert.Equal(t, int32(0), removed.Load())
}

func TestDispatcherRemoveUnknownListener(t *testing.T) {
	d := NewDispatcher(NewPool("test", 0, testLogger()), testLogger())
	assert.NoError(t, d.RemoveJSONListener(OnJSON(func(*JSONDocument) {})))
}

func TestDispatcherNilListener(t *testing.T) {
	d := NewDispatcher(NewPool("test", 0, testLogger()), testLogger())

	assert.ErrorIs(t, d.AddMessageListener(nil), ErrInvalidArgument)
	assert.ErrorIs(t, d.AddCommandListener(nil), ErrInvalidArgument)
	assert.ErrorIs(t, d.AddJSONListener(nil), ErrInvalidArgument)
	assert.ErrorIs(t, d.AddConnectionListener(nil), ErrInvalidArgument)
	assert.ErrorIs(t, d.RemoveMessageListener(nil), ErrInvalidArgument)
	assert.ErrorIs(t, d.RemoveConnectionListener(nil), ErrInvalidArgument)

	assert.ErrorIs(t, d.AddMessageListener(OnMessage(nil)), ErrInvalidArgument)
	assert.ErrorIs(t, d.AddConnectionListener(OnConnection(nil, nil)), ErrInvalidArgument)
}

func TestDispatcherRemoveAllSkipsPending(t *testing.T) {
	pool := NewPool("single", 1, testLogger())
	d := NewDispatcher(pool, testLogger())

	var got atomic.Int32
	require.NoError(t, d.AddJSONListener(OnJSON(func(*JSONDocument) { got.Add(1) })))

	// Occupy the only worker so the delivery stays queued
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	d.RaiseJSON(&JSONDocument{Document: map[string]any{"k": "v"}})
	d.RemoveAllListeners()
	close(release)
	pool.Shutdown()

	assert.Equal(t, int32(0), got.Load())

	// Listeners added afterwards receive new events
	pool = NewPool("single", 1, testLogger())
	d.pool = pool
	require.NoError(t, d.AddJSONListener(OnJSON(func(*JSONDocument) { got.Add(1) })))
	d.RaiseJSON(&JSONDocument{Document: map[string]any{"k": "v"}})
	pool.Shutdown()
	assert.Equal(t, int32(1), got.Load())
}

func TestDispatcherConnectionEvents(t *testing.T) {
	pool := NewPool("test", 0, testLogger())
	d := NewDispatcher(pool, testLogger())

	var created, removed atomic.Int32
	require.NoError(t, d.AddConnectionListener(OnConnection(
		func(e *ConnectionEvent) {
			assert.Equal(t, Connected, e.Kind)
			created.Add(1)
		},
		func(e *ConnectionEvent) {
			assert.Equal(t, Removed, e.Kind)
			removed.Add(1)
		},
	)))
	require.NoError(t, d.AddConnectionListener(OnConnection(nil, func(*ConnectionEvent) { removed.Add(1) })))

	d.RaiseConnection(&ConnectionEvent{Kind: Connected})
	d.RaiseConnection(&ConnectionEvent{Kind: Removed})
	pool.Shutdown()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(2), removed.Load())
}

func TestDispatcherPanickingListener(t *testing.T) {
	pool := NewPool("test", 0, testLogger())
	d := NewDispatcher(pool, testLogger())

	var ok atomic.Int32
	require.NoError(t, d.AddMessageListener(OnMessage(func(*Message) { panic("listener bug") })))
	require.NoError(t, d.AddMessageListener(OnMessage(func(*Message) { ok.Add(1) })))

	d.RaiseMessage(&Message{Text: "a"})
	d.RaiseMessage(&Message{Text: "b"})
	pool.Shutdown()

	assert.Equal(t, int32(2), ok.Load())
}

func TestDispatcherAfterPoolClosed(t *testing.T) {
	pool := NewPool("closed", 0, testLogger())
	d := NewDispatcher(pool, testLogger())
	require.NoError(t, d.AddMessageListener(OnMessage(func(*Message) {})))
	pool.Shutdown()

	d.RaiseMessage(&Message{Text: "late"})
	assert.Equal(t, uint64(0), d.Dispatched())
}
