package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrQueueFull is returned when the pool cannot admit another job.
	ErrQueueFull = errors.New("transcription queue is full")

	// ErrStopped is returned after the pool has shut down.
	ErrStopped = errors.New("transcription pool has been stopped")
)

// Pool runs pipeline jobs on a bounded set of workers with a bounded
// queue. Admission control keeps concurrent model invocations from
// exhausting device memory.
type Pool struct {
	pipeline *Pipeline
	queue    chan Request

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(p *Pipeline, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		pipeline: p,
		queue:    make(chan Request, queueSize),
		cancels:  make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}
	return pool
}

// Submit queues a job for processing. The job must already exist in
// the store; on ErrQueueFull the caller rolls its creation back.
func (pl *Pool) Submit(req Request) error {
	pl.mu.Lock()
	if pl.stopped {
		pl.mu.Unlock()
		return ErrStopped
	}
	pl.mu.Unlock()

	select {
	case pl.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel requests cooperative cancellation of a queued or running job.
// A running job stops at its next step boundary; an in-flight
// subprocess is killed. Returns false when the job is not active.
func (pl *Pool) Cancel(id string) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	cancelFn, ok := pl.cancels[id]
	if !ok {
		return false
	}
	cancelFn()
	return true
}

// Stop shuts down the workers and waits for in-flight jobs to settle.
func (pl *Pool) Stop() {
	pl.mu.Lock()
	if pl.stopped {
		pl.mu.Unlock()
		return
	}
	pl.stopped = true
	pl.mu.Unlock()

	pl.cancel()
	pl.wg.Wait()
}

func (pl *Pool) worker(id int) {
	defer pl.wg.Done()
	log := logrus.WithField("worker_id", id)
	log.Debug("pipeline worker started")

	for {
		select {
		case <-pl.ctx.Done():
			return
		case req := <-pl.queue:
			pl.process(req)
		}
	}
}

func (pl *Pool) process(req Request) {
	jobCtx, cancelFn := context.WithCancel(pl.ctx)
	pl.mu.Lock()
	pl.cancels[req.JobID] = cancelFn
	pl.mu.Unlock()

	pl.pipeline.Process(jobCtx, req)

	pl.mu.Lock()
	delete(pl.cancels, req.JobID)
	pl.mu.Unlock()
	cancelFn()
}
