package dispatch

import "sync"

// GroupQueue is a per-group FIFO work queue: one goroutine per group drains
// jobs in submission order, so two jobs for the same group never run
// concurrently or out of order, while different groups proceed in
// parallel.
type GroupQueue struct {
	mu     sync.Mutex
	queues map[string]chan func()
}

func NewGroupQueue() *GroupQueue {
	return &GroupQueue{queues: map[string]chan func(){}}
}

// Enqueue appends job to group's queue, starting the group's drain
// goroutine on first use.
func (q *GroupQueue) Enqueue(group string, job func()) {
	q.mu.Lock()
	ch, exists := q.queues[group]
	if !exists {
		ch = make(chan func(), 256)
		q.queues[group] = ch
		go drain(ch)
	}
	q.mu.Unlock()

	ch <- job
}

func drain(ch chan func()) {
	for job := range ch {
		job()
	}
}
