// Package pool runs short tasks on a bounded set of workers, highest priority
// first.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit once Run has returned.
var ErrPoolClosed = errors.New("pool closed")

// Priority orders queued tasks. Equal priorities run in submission order.
// A queued task is overtaken by at most agingWindow later submissions per
// priority step.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

const agingWindow = 64

// Submitter accepts work for asynchronous execution.
type Submitter interface {
	Submit(name string, priority Priority, task func(ctx context.Context)) error
}

type task struct {
	name     string
	priority Priority
	seq      uint64
	rank     uint64
	run      func(ctx context.Context)
}

func rankOf(seq uint64, priority Priority) uint64 {
	steps := int(High - priority)
	if steps < 0 {
		steps = 0
	}
	return seq + uint64(steps)*agingWindow
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].rank != q[j].rank {
		return q[i].rank < q[j].rank
	}
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*task)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Pool is a priority task pool with a fixed number of concurrent workers.
type Pool struct {
	logger  *logrus.Entry
	metrics *monitoring.Metrics
	slots   *semaphore.Weighted

	mu     sync.Mutex
	queue  taskQueue
	seq    uint64
	closed bool
	wake   chan struct{}

	wg sync.WaitGroup
}

// New creates a pool running at most workers tasks at a time.
func New(workers int, metrics *monitoring.Metrics, logger *logrus.Entry) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		logger:  logger,
		metrics: metrics,
		slots:   semaphore.NewWeighted(int64(workers)),
		wake:    make(chan struct{}, 1),
	}
}

// Submit queues task. It never blocks.
func (p *Pool) Submit(name string, priority Priority, run func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.seq++
	heap.Push(&p.queue, &task{name: name, priority: priority, seq: p.seq, rank: rankOf(p.seq, priority), run: run})
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of queued tasks not yet started.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run dispatches tasks until ctx is cancelled. Tasks still queued at that
// point run once with the cancelled ctx. Run returns after every task has
// returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool")

	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			break
		}
		t, ok := p.next(ctx)
		if !ok {
			p.slots.Release(1)
			break
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.slots.Release(1)
			p.execute(ctx, t)
		}()
	}

	p.mu.Lock()
	p.closed = true
	leftover := p.queue
	p.queue = nil
	p.mu.Unlock()

	p.wg.Wait()

	drained := len(leftover)
	for leftover.Len() > 0 {
		p.execute(ctx, heap.Pop(&leftover).(*task))
	}
	p.logger.WithField("drained", drained).Info("Worker pool stopped")
	return nil
}

func (p *Pool) next(ctx context.Context) (*task, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			t := heap.Pop(&p.queue).(*task)
			p.mu.Unlock()
			return t, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-p.wake:
		}
	}
}

func (p *Pool) execute(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"task":  t.name,
				"panic": r,
			}).Error("Task panicked")
		}
	}()

	p.metrics.RecordPoolTask(t.priority.String())
	t.run(ctx)
}
