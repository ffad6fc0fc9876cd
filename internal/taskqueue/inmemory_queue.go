package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// InMemoryQueue keeps tasks in a slice ordered by enqueue. Dequeue leases
// the oldest task whose NotBefore has passed and that nobody holds.
// It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []memTask
	notify chan struct{}
	now    func() time.Time
}

type memTask struct {
	Task
	owner      string
	leaseUntil time.Time
}

func (m *memTask) leased(now time.Time) bool {
	return m.owner != "" && m.leaseUntil.After(now)
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return NewInMemoryQueueWithClock(time.Now)
}

// NewInMemoryQueueWithClock is NewInMemoryQueue with a custom clock for
// due times and lease expiry.
func NewInMemoryQueueWithClock(now func() time.Time) *InMemoryQueue {
	return &InMemoryQueue{
		notify: make(chan struct{}, 1),
		now:    now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, memTask{Task: prepare(t, q.now())})
	q.mu.Unlock()

	q.wake()
	return nil
}

// take leases the first eligible task. When none is eligible it reports
// how long until the earliest due time or lease expiry.
func (q *InMemoryQueue) take(owner string, ttl time.Duration) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var wait time.Duration = -1
	for i := range q.tasks {
		m := &q.tasks[i]
		due := m.NotBefore
		if m.leased(now) {
			due = m.leaseUntil
		}
		if !due.After(now) {
			m.owner, m.leaseUntil = owner, now.Add(ttl)
			t := m.Task
			return &t, 0
		}
		if d := due.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if owner == "" || leaseTTL <= 0 {
		return nil, errors.New("taskqueue: dequeue needs an owner and a positive lease")
	}
	for {
		t, wait := q.take(owner, leaseTTL)
		if t != nil {
			q.wake()
			return t, nil
		}

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.notify:
			}
			continue
		}

		tm := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tm.Stop()
			return nil, ctx.Err()
		case <-q.notify:
		case <-tm.C:
		}
		tm.Stop()
	}
}

// held returns the index of the task id leased to owner, or -1.
func (q *InMemoryQueue) held(id, owner string) int {
	for i := range q.tasks {
		if q.tasks[i].ID == id {
			if q.tasks[i].owner != owner {
				return -1
			}
			return i
		}
	}
	return -1
}

func (q *InMemoryQueue) Ack(_ context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.held(taskID, owner)
	if i < 0 {
		return ErrLeaseLost
	}
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	return nil
}

func (q *InMemoryQueue) Nack(_ context.Context, t Task, owner string) error {
	q.mu.Lock()
	i := q.held(t.ID, owner)
	if i < 0 {
		q.mu.Unlock()
		return ErrLeaseLost
	}
	q.tasks[i] = memTask{Task: prepare(t, q.now())}
	q.mu.Unlock()

	q.wake()
	return nil
}

// wake lets one blocked Dequeue re-check the queue.
func (q *InMemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
