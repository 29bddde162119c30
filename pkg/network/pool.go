package network

import (
	"container/list"
	"context"
	"runtime/debug"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

// Task is a unit of work run by a Pool. The context is cancelled when the
// pool is stopped.
type Task func(ctx context.Context)

// PoolStats is a snapshot of pool activity
type PoolStats struct {
	Name    string `json:"name"`
	Size    int    `json:"size"` // 0 = unbounded
	Workers int    `json:"workers"`
	Queued  int    `json:"queued"`
}

// Pool runs submitted tasks on worker goroutines.
//
// With a positive size the pool keeps exactly that many workers and queues
// the excess. With size 0 it grows on demand: every submit that finds no
// idle worker starts one, and workers exit once the queue is empty.
type Pool struct {
	name string
	size int
	log  *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	workers int
	idle    int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of workers (0 = unbounded)
func NewPool(name string, size int, log *logging.Logger) *Pool {
	if size < 0 {
		size = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		size:   size,
		log:    log,
		queue:  list.New(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	for i := 0; i < size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	return p
}

// Submit queues a task. It fails with ErrPoolClosed after Shutdown or Stop.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return ErrInvalidArgument
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.queue.PushBack(t)
	switch {
	case p.idle > 0:
		p.cond.Signal()
	case p.size == 0:
		p.spawnLocked()
	}
	return nil
}

// Shutdown stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stop drops queued tasks, cancels the context of running tasks and waits
// for the workers to exit. It must not be called from inside a task.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.closed = true
	dropped := p.queue.Len()
	p.queue.Init()
	p.cond.Broadcast()
	p.mu.Unlock()

	if dropped > 0 {
		p.log.Debugf("%s: dropped %d queued tasks", p.name, dropped)
	}

	p.cancel()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Name:    p.name,
		Size:    p.size,
		Workers: p.workers,
		Queued:  p.queue.Len(),
	}
}

// spawnLocked starts a worker (must be called with lock held)
func (p *Pool) spawnLocked() {
	p.workers++
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.run(t)
	}
}

// next blocks until a task is available. It returns false when the worker
// should exit.
func (p *Pool) next() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 {
		if p.closed || p.size == 0 {
			p.workers--
			return nil, false
		}
		p.idle++
		p.cond.Wait()
		p.idle--
	}

	return p.queue.Remove(p.queue.Front()).(Task), true
}

func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("%s: task panicked: %v\n%s", p.name, r, debug.Stack())
		}
	}()
	t(p.ctx)
}
