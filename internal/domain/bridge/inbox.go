package bridge

import "sync"

// inbox runs tasks one at a time in the order they were pushed. A drain
// goroutine exists only while tasks are queued, so push never blocks the
// worker's reader and an idle inbox holds no goroutine.
type inbox struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (q *inbox) push(task func()) {
	q.mu.Lock()
	q.queue = append(q.queue, task)
	start := !q.draining
	q.draining = true
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

func (q *inbox) drain() {
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		task := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		task()
	}
}
