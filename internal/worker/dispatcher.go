// Package worker serializes provider-bound turns per conversation and
// bounds how many run at once. Tasks for one conversation execute in
// submission order, so persisted message rows always reflect causal order;
// tasks for different conversations run concurrently up to the pool size.
package worker

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrBusy is returned when the dispatcher cannot accept more work.
var ErrBusy = errors.New("server is busy")

// ErrPurged is returned to tasks dropped because their conversation was
// deleted while they were queued.
var ErrPurged = errors.New("conversation purged")

const (
	defaultMaxWorkers = 8
	defaultQueueSize  = 64
)

type task struct {
	fn   func()
	done chan error
}

type convQueue struct {
	tasks    []task
	enqueued bool // present in the ready list
	running  bool // a task of this conversation is executing
}

// Dispatcher round-robins ready conversations over a fixed worker pool.
type Dispatcher struct {
	mu        sync.Mutex
	queues    map[int64]*convQueue
	ready     *list.List
	positions map[int64]*list.Element
	queued    int
	queueSize int
	taskCh    chan scheduled
	logger    *slog.Logger
}

type scheduled struct {
	convID int64
	t      task
}

func NewDispatcher(maxWorkers, queueSize int, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queues:    make(map[int64]*convQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		queueSize: queueSize,
		taskCh:    make(chan scheduled),
		logger:    logger,
	}
	for i := 0; i < maxWorkers; i++ {
		go d.runWorker(i)
	}
	return d
}

// Do enqueues fn behind any pending work for the same conversation and
// waits for it to finish. Returns ErrBusy when the global queue is full and
// ErrPurged when the conversation was deleted before fn ran. fn itself is
// responsible for honoring ctx cancellation.
func (d *Dispatcher) Do(ctx context.Context, conversationID int64, fn func()) error {
	t := task{fn: fn, done: make(chan error, 1)}

	d.mu.Lock()
	if d.queued >= d.queueSize {
		d.mu.Unlock()
		return ErrBusy
	}
	q := d.queues[conversationID]
	if q == nil {
		q = &convQueue{}
		d.queues[conversationID] = q
	}
	q.tasks = append(q.tasks, t)
	d.queued++
	d.markReadyLocked(conversationID, q)
	d.mu.Unlock()

	d.kick()
	return <-t.done
}

// Purge drops queued tasks for a deleted conversation. The running task, if
// any, finishes on its own.
func (d *Dispatcher) Purge(conversationID int64) {
	d.mu.Lock()
	q := d.queues[conversationID]
	var dropped []task
	if q != nil {
		dropped = q.tasks
		q.tasks = nil
		d.queued -= len(dropped)
		if elem, ok := d.positions[conversationID]; ok {
			d.ready.Remove(elem)
			delete(d.positions, conversationID)
			q.enqueued = false
		}
		if !q.running {
			delete(d.queues, conversationID)
		}
	}
	d.mu.Unlock()

	for _, t := range dropped {
		t.done <- ErrPurged
	}
}

// kick hands at most one ready task to the pool without blocking the
// caller; workers re-kick after finishing.
func (d *Dispatcher) kick() {
	d.mu.Lock()
	s, ok := d.nextLocked()
	d.mu.Unlock()
	if !ok {
		return
	}
	d.taskCh <- s
}

// nextLocked pops the next task round-robin across ready conversations,
// skipping conversations that already have a task executing.
func (d *Dispatcher) nextLocked() (scheduled, bool) {
	for elem := d.ready.Front(); elem != nil; {
		convID := elem.Value.(int64)
		q := d.queues[convID]
		if q == nil || len(q.tasks) == 0 {
			next := elem.Next()
			d.ready.Remove(elem)
			delete(d.positions, convID)
			if q != nil {
				q.enqueued = false
			}
			elem = next
			continue
		}
		if q.running {
			elem = elem.Next()
			continue
		}
		t := q.tasks[0]
		q.tasks = q.tasks[1:]
		d.queued--
		q.running = true
		if len(q.tasks) == 0 {
			d.ready.Remove(elem)
			delete(d.positions, convID)
			q.enqueued = false
		} else {
			d.ready.MoveToBack(elem)
		}
		return scheduled{convID: convID, t: t}, true
	}
	return scheduled{}, false
}

func (d *Dispatcher) markReadyLocked(convID int64, q *convQueue) {
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[convID] = d.ready.PushBack(convID)
}

func (d *Dispatcher) runWorker(id int) {
	d.logger.Debug("dispatcher worker started", "worker", id)
	for s := range d.taskCh {
		s.t.fn()
		s.t.done <- nil

		d.mu.Lock()
		if q := d.queues[s.convID]; q != nil {
			q.running = false
			if len(q.tasks) == 0 && !q.enqueued {
				delete(d.queues, s.convID)
			} else {
				d.markReadyLocked(s.convID, q)
			}
		}
		d.mu.Unlock()
		go d.kick()
	}
}
