package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/naturalspeech/naturalspeech/internal/tts"
)

// DefaultOverflow is the number of pending tasks that triggers a backlog drop.
const DefaultOverflow = 10

// ErrQueueClosed is returned when operations are attempted on a closed queue
var ErrQueueClosed = tts.ErrQueueClosed

// ErrQueueEmpty is returned by Peek on an empty queue
var ErrQueueEmpty = errors.New("task queue is empty")

// TaskQueue is a FIFO of synthesis tasks with a backlog bound.
// It is safe for concurrent use.
type TaskQueue struct {
	mu       sync.Mutex
	items    []tts.Task
	overflow int
	closed   bool
	ready    chan struct{}
	stats    Stats
}

// Stats tracks queue activity.
type Stats struct {
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64
	Overflows     int64
	CurrentSize   int
	PeakSize      int
	LastEnqueue   time.Time
	LastDequeue   time.Time
}

// New creates a queue that drops its backlog once overflow tasks are
// pending. A non-positive overflow disables the bound.
func New(overflow int) *TaskQueue {
	return &TaskQueue{
		overflow: overflow,
		ready:    make(chan struct{}, 1),
	}
}

// Push appends a task. If the backlog bound is reached, every pending task
// is removed first and returned as dropped.
func (q *TaskQueue) Push(task tts.Task) (dropped []tts.Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if q.overflow > 0 && len(q.items) >= q.overflow {
		dropped = q.items
		q.items = nil
		q.stats.TotalDropped += int64(len(dropped))
		q.stats.Overflows++
	}

	q.items = append(q.items, task)
	q.stats.TotalEnqueued++
	q.stats.LastEnqueue = time.Now()
	q.updateSize()
	q.signal()

	return dropped, nil
}

// PushFront puts a task back at the head of the queue. It is used to retry
// a task whose worker crashed and never counts toward the backlog bound.
func (q *TaskQueue) PushFront(task tts.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append([]tts.Task{task}, q.items...)
	q.updateSize()
	q.signal()
	return nil
}

// Pop removes and returns the head task without blocking.
func (q *TaskQueue) Pop() (tts.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return tts.Task{}, false
	}

	task := q.items[0]
	q.items[0] = tts.Task{}
	q.items = q.items[1:]
	q.stats.TotalDequeued++
	q.stats.LastDequeue = time.Now()
	q.updateSize()
	if len(q.items) > 0 {
		q.signal()
	}
	return task, true
}

// Peek returns the head task without removing it.
func (q *TaskQueue) Peek() (tts.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return tts.Task{}, ErrQueueEmpty
	}
	return q.items[0], nil
}

// Wait blocks until the queue may hold a task, the queue is closed, or ctx
// is done. A wake-up does not guarantee Pop succeeds.
func (q *TaskQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) > 0 {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case _, ok := <-q.ready:
		if !ok {
			return ErrQueueClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready returns a channel that receives after a push. It carries at most
// one pending wake-up.
func (q *TaskQueue) Ready() <-chan struct{} {
	return q.ready
}

// Size returns the number of pending tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear removes and returns every pending task.
func (q *TaskQueue) Clear() []tts.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := q.items
	q.items = nil
	q.stats.TotalDropped += int64(len(dropped))
	q.updateSize()
	return dropped
}

// RemoveWhere removes and returns every pending task matching pred,
// preserving the order of the rest.
func (q *TaskQueue) RemoveWhere(pred func(tts.Task) bool) []tts.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []tts.Task
	kept := q.items[:0]
	for _, task := range q.items {
		if pred(task) {
			removed = append(removed, task)
			continue
		}
		kept = append(kept, task)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = tts.Task{}
	}
	q.items = kept
	q.stats.TotalDropped += int64(len(removed))
	q.updateSize()
	return removed
}

// GetStats returns current queue statistics.
func (q *TaskQueue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close drops every pending task and rejects further pushes. Pending
// Wait calls return ErrQueueClosed.
func (q *TaskQueue) Close() []tts.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	dropped := q.items
	q.items = nil
	q.stats.TotalDropped += int64(len(dropped))
	q.updateSize()
	close(q.ready)
	return dropped
}

// Closed reports whether Close has been called.
func (q *TaskQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *TaskQueue) updateSize() {
	q.stats.CurrentSize = len(q.items)
	if q.stats.CurrentSize > q.stats.PeakSize {
		q.stats.PeakSize = q.stats.CurrentSize
	}
}

// signal must be called with q.mu held.
func (q *TaskQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
