package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
	"github.com/stackplane/stackplane-internal/internal/orchsrv/orcherrors"
)

// task is one queued operation execution.
type task struct {
	id string
	fn func(context.Context)
}

// workerPool runs operations on a bounded set of goroutines with a bounded
// queue. A full queue rejects instead of blocking the API path.
type workerPool struct {
	tasks     chan task
	mu        sync.Mutex // guards stopped and the send side of tasks
	stopped   bool
	wg        sync.WaitGroup
	completed uint64
	rejected  uint64
}

func newWorkerPool(maxWorkers, queueSize int) *workerPool {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &workerPool{
		tasks: make(chan task, queueSize),
	}
	for i := 0; i < maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.runTask(t)
	}
}

func (p *workerPool) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("operation_id", t.id).Interface("panic", r).Msg("operation panicked")
		}
		atomic.AddUint64(&p.completed, 1)
	}()
	t.fn(context.Background())
}

// submit queues a task; a full queue fails fast as transient. The send
// happens under the same lock stop takes before closing the channel, so a
// submit can never hit a closed channel.
func (p *workerPool) submit(id string, fn func(context.Context)) apperrors.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return orcherrors.ErrTransient.Msg("orchestrator is shutting down")
	}
	select {
	case p.tasks <- task{id: id, fn: fn}:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return orcherrors.ErrTransient.Msg("operation queue is full")
	}
}

// stop drains queued tasks and waits for in-flight ones.
func (p *workerPool) stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
