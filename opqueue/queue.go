// Package opqueue is the operation queue: every pending push, attachment
// upload/download and message send is submitted as an Operation and run by
// a pool of class-scoped workers, so a slow attachment upload cannot stall
// the single sequential worker that orders document pushes. Workers read
// from an in-process channel so the engine has no hard runtime dependency
// on an external broker; distqueue provides an optional Redis-backed Queue
// implementation for multi-process deployments.
package opqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Class names the lane an Operation runs in. Document pushes must run
// strictly one-at-a-time per solution to preserve ordering (Sequential);
// attachment transfers and message sends can run with more parallelism.
type Class string

const (
	ClassSequential Class = "sequential"
	ClassParallel   Class = "parallel"
	ClassPriority   Class = "priority"
)

// Operation is a unit of work the queue dispatches to a worker. Timeout
// bounds a single run of the operation; a zero value means the operation
// runs until the queue itself is stopped or Cancel is called for its id.
type Operation interface {
	ID() string
	Class() Class
	Timeout() time.Duration
	Run(ctx context.Context) error
}

// Config sets worker counts per class. DefaultConfig allocates a single
// sequential worker, five parallel workers, and two priority workers.
type Config struct {
	Workers map[Class]int
}

// DefaultConfig returns the engine's default worker allocation.
func DefaultConfig() Config {
	return Config{Workers: map[Class]int{
		ClassSequential: 1,
		ClassParallel:   5,
		ClassPriority:   2,
	}}
}

// Status is the lifecycle state of a submitted Operation.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the queue's view of an Operation's progress.
type Record struct {
	ID        string
	Class     Class
	Status    Status
	StartedAt time.Time
	Error     string
}

// Queue dispatches Operations to class-scoped worker goroutines.
type Queue struct {
	log *logrus.Entry

	lanes map[Class]chan Operation

	workers map[Class]int

	mu      sync.RWMutex
	records map[string]*Record
	cancels map[string]context.CancelFunc

	wg   sync.WaitGroup
	stop chan struct{}
}

// New creates a Queue with the given worker configuration. Call Start to
// begin dispatching.
func New(cfg Config, log *logrus.Entry) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &Queue{
		log:     log,
		lanes:   make(map[Class]chan Operation),
		records: make(map[string]*Record),
		cancels: make(map[string]context.CancelFunc),
		stop:    make(chan struct{}),
	}
	for class := range cfg.Workers {
		q.lanes[class] = make(chan Operation, 64)
	}
	q.workers = cfg.Workers
	return q
}

// Submit enqueues op on its class's lane, blocking only if that lane is
// full. Returns an error if the queue has no lane configured for the
// operation's class.
func (q *Queue) Submit(op Operation) error {
	lane, ok := q.lanes[op.Class()]
	if !ok {
		return fmt.Errorf("opqueue: no lane configured for class %q", op.Class())
	}

	q.mu.Lock()
	q.records[op.ID()] = &Record{ID: op.ID(), Class: op.Class(), Status: StatusQueued}
	q.mu.Unlock()

	lane <- op
	return nil
}

// Start launches the configured number of workers per lane.
func (q *Queue) Start(ctx context.Context) {
	for class, lane := range q.lanes {
		count := q.workers[class]
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			q.wg.Add(1)
			go q.runWorker(ctx, class, lane, i)
		}
	}
}

// Stop signals all workers to exit once their current operation completes
// and waits for them to do so.
func (q *Queue) Stop() {
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) runWorker(ctx context.Context, class Class, lane chan Operation, index int) {
	defer q.wg.Done()
	log := q.log.WithField("class", string(class)).WithField("worker", index)

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case op := <-lane:
			q.run(ctx, log, op)
		}
	}
}

func (q *Queue) run(ctx context.Context, log *logrus.Entry, op Operation) {
	opCtx := ctx
	var cancel context.CancelFunc
	if timeout := op.Timeout(); timeout > 0 {
		opCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		opCtx, cancel = context.WithCancel(ctx)
	}

	q.mu.Lock()
	if rec, ok := q.records[op.ID()]; ok {
		rec.Status = StatusRunning
		rec.StartedAt = time.Now()
	}
	q.cancels[op.ID()] = cancel
	q.mu.Unlock()

	log.WithField("operation", op.ID()).Debug("running operation")
	err := op.Run(opCtx)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.cancels, op.ID())

	rec, ok := q.records[op.ID()]
	if !ok {
		return
	}
	if err != nil {
		if errors.Is(opCtx.Err(), context.Canceled) && ctx.Err() == nil {
			rec.Status = StatusCancelled
			rec.Error = err.Error()
			log.WithField("operation", op.ID()).Warn("operation cancelled")
			return
		}
		rec.Status = StatusFailed
		rec.Error = err.Error()
		log.WithField("operation", op.ID()).WithError(err).Warn("operation failed")
		return
	}
	rec.Status = StatusCompleted
}

// Cancel aborts the in-flight run of the operation with the given id, if
// one is currently running. Returns false if no such operation is running.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cancel, ok := q.cancels[id]
	if !ok {
		return false
	}
	cancel()
	return true
}

// Record returns the current progress of a submitted operation, or false if
// unknown.
func (q *Queue) Record(id string) (Record, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
