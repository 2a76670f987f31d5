// Package workqueue provides a bounded worker pool with a FIFO queue and a
// dedup set. Enqueueing an already-queued key is a no-op; enqueueing a key
// whose handler is running schedules one follow-up pass, so repeated
// triggers are cheap and none are lost.
package workqueue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
)

// Handler processes a single key. Errors are logged, never propagated; the
// handler owns recording failures on the affected state.
type Handler func(ctx context.Context, key string)

// Pool is a bounded worker pool keyed by string.
type Pool struct {
	name    string
	workers int
	handler Handler
	logger  *logger.Logger

	mu      sync.Mutex
	queue   []string
	queued  map[string]bool
	// active holds in-flight keys; the value flips to true when the key is
	// re-enqueued mid-run, which requeues it after the handler returns.
	active  map[string]bool
	running int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool with the given parallelism. Workers are started lazily
// as keys arrive.
func New(name string, workers int, handler Handler, log *logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		name:    name,
		workers: workers,
		handler: handler,
		logger:  log.WithFields(zap.String("pool", name)),
		queued:  make(map[string]bool),
		active:  make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue adds key to the queue unless it is already queued. Enqueueing a
// key whose handler is running marks it for one more pass once the handler
// returns, so triggers landing mid-run are never lost.
func (p *Pool) Enqueue(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if _, running := p.active[key]; running {
		p.active[key] = true
		return
	}
	if p.queued[key] {
		return
	}
	p.queued[key] = true
	p.queue = append(p.queue, key)
	p.spawnLocked()
}

// spawnLocked starts a worker if there is spare capacity. Caller holds p.mu.
func (p *Pool) spawnLocked() {
	if p.running >= p.workers || len(p.queue) == 0 {
		return
	}
	p.running++
	p.wg.Add(1)
	go p.work()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 {
			p.running--
			p.mu.Unlock()
			return
		}
		key := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, key)
		p.active[key] = false
		p.mu.Unlock()

		p.handler(p.ctx, key)

		p.mu.Lock()
		rerun := p.active[key]
		delete(p.active, key)
		if rerun && !p.closed && !p.queued[key] {
			p.queued[key] = true
			p.queue = append(p.queue, key)
		}
		p.mu.Unlock()
	}
}

// Len returns the number of queued (not yet running) keys.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting keys, cancels the pool context, and waits for
// in-flight handlers.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
