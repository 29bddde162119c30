package network

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"
)

// Dispatcher fans events out to registered listeners. Each listener
// invocation is a separate task on the pool, so Raise* never blocks on a
// listener and one slow or panicking listener does not affect the others.
type Dispatcher struct {
	pool *Pool
	log  *logging.Logger

	mu         sync.RWMutex
	generation uint64
	connection []ConnectionListener
	message    []MessageListener
	command    []CommandListener
	json       []JSONListener

	dispatched atomic.Uint64
}

// NewDispatcher creates a dispatcher running listeners on pool
func NewDispatcher(pool *Pool, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		pool: pool,
		log:  log,
	}
}

func addListener[L comparable](d *Dispatcher, set *[]L, l L) error {
	var zero L
	if l == zero {
		return ErrInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	*set = append(*set, l)
	return nil
}

func removeListener[L comparable](d *Dispatcher, set *[]L, l L) error {
	var zero L
	if l == zero {
		return ErrInvalidArgument
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if i := slices.Index(*set, l); i >= 0 {
		*set = slices.Delete(*set, i, i+1)
	}
	return nil
}

// AddConnectionListener registers l for CONNECTED and REMOVED events
func (d *Dispatcher) AddConnectionListener(l ConnectionListener) error {
	return addListener(d, &d.connection, l)
}

// RemoveConnectionListener unregisters l
func (d *Dispatcher) RemoveConnectionListener(l ConnectionListener) error {
	return removeListener(d, &d.connection, l)
}

// AddMessageListener registers l for text messages
func (d *Dispatcher) AddMessageListener(l MessageListener) error {
	return addListener(d, &d.message, l)
}

// RemoveMessageListener unregisters l
func (d *Dispatcher) RemoveMessageListener(l MessageListener) error {
	return removeListener(d, &d.message, l)
}

// AddCommandListener registers l for commands
func (d *Dispatcher) AddCommandListener(l CommandListener) error {
	return addListener(d, &d.command, l)
}

// RemoveCommandListener unregisters l
func (d *Dispatcher) RemoveCommandListener(l CommandListener) error {
	return removeListener(d, &d.command, l)
}

// AddJSONListener registers l for JSON documents
func (d *Dispatcher) AddJSONListener(l JSONListener) error {
	return addListener(d, &d.json, l)
}

// RemoveJSONListener unregisters l
func (d *Dispatcher) RemoveJSONListener(l JSONListener) error {
	return removeListener(d, &d.json, l)
}

// RemoveAllListeners clears every listener set. Deliveries scheduled
// earlier that have not started yet are skipped.
func (d *Dispatcher) RemoveAllListeners() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.generation++
	d.connection = nil
	d.message = nil
	d.command = nil
	d.json = nil
}

// Dispatched returns the number of listener invocations scheduled so far
func (d *Dispatcher) Dispatched() uint64 {
	return d.dispatched.Load()
}

// RaiseMessage delivers m to every message listener
func (d *Dispatcher) RaiseMessage(m *Message) {
	d.mu.RLock()
	gen, set := d.generation, slices.Clone(d.message)
	d.mu.RUnlock()

	for _, l := range set {
		d.schedule(gen, func() { l.OnMessageReceived(m) })
	}
}

// RaiseCommand delivers c to every command listener
func (d *Dispatcher) RaiseCommand(c *Command) {
	d.mu.RLock()
	gen, set := d.generation, slices.Clone(d.command)
	d.mu.RUnlock()

	for _, l := range set {
		d.schedule(gen, func() { l.OnCommandReceived(c) })
	}
}

// RaiseJSON delivers doc to every JSON listener
func (d *Dispatcher) RaiseJSON(doc *JSONDocument) {
	d.mu.RLock()
	gen, set := d.generation, slices.Clone(d.json)
	d.mu.RUnlock()

	for _, l := range set {
		d.schedule(gen, func() { l.OnJSONReceived(doc) })
	}
}

// RaiseConnection delivers e to every connection listener
func (d *Dispatcher) RaiseConnection(e *ConnectionEvent) {
	d.mu.RLock()
	gen, set := d.generation, slices.Clone(d.connection)
	d.mu.RUnlock()

	for _, l := range set {
		if e.Kind == Connected {
			d.schedule(gen, func() { l.OnConnectionCreated(e) })
		} else {
			d.schedule(gen, func() { l.OnConnectionRemoved(e) })
		}
	}
}

func (d *Dispatcher) schedule(gen uint64, deliver func()) {
	err := d.pool.Submit(func(context.Context) {
		if !d.current(gen) {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				listenerPanics.Inc()
				d.log.Errorf("Listener panicked: %v", r)
			}
		}()
		deliver()
	})
	if err != nil {
		d.log.Debugf("Dropping event: %v", err)
		return
	}
	d.dispatched.Add(1)
}

func (d *Dispatcher) current(gen uint64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation == gen
}
