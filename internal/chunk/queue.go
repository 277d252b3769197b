package chunk

import "sync"

// Queue is the shared, single-producer/many-consumer task queue: the
// planner enqueues the whole plan, then N worker goroutines drain it with
// non-blocking pops — dynamic work stealing, so a worker that finishes its
// share early picks up slack from a slower sibling instead of idling.
// Modeled as a buffered channel sized to the plan plus a WaitGroup standing
// in for task_done/join semantics.
type Queue struct {
	ch chan Task
	wg sync.WaitGroup
}

// NewQueue creates a queue pre-loaded with tasks; the channel is closed
// immediately after loading since the full plan is produced up front.
func NewQueue(tasks []Task) *Queue {
	q := &Queue{ch: make(chan Task, len(tasks))}
	for _, t := range tasks {
		q.ch <- t
		q.wg.Add(1)
	}
	close(q.ch)
	return q
}

// Pop performs a non-blocking pop: ok is false once the queue is drained,
// signalling the worker to exit cleanly.
func (q *Queue) Pop() (t Task, ok bool) {
	select {
	case t, ok = <-q.ch:
		return t, ok
	default:
		return Task{}, false
	}
}

// Done acknowledges completion of a popped task — the point at which the
// task is considered fully disposed of, success or failure alike.
func (q *Queue) Done() { q.wg.Done() }

// Wait blocks until every enqueued task has been acknowledged Done.
func (q *Queue) Wait() { q.wg.Wait() }

// Len reports the number of tasks originally queued (for progress/metrics).
func (q *Queue) Len() int { return cap(q.ch) }
