package supervisor

import (
	"runtime"
	"sync"
)

// Pool is the shared bounded worker pool for long tasks (history
// captures, store flushes). Controllers do not use it; each has its own
// mailbox.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func DefaultPoolSize() int {
	n := runtime.NumCPU() * 2
	if n > 32 {
		n = 32
	}
	if n < 2 {
		n = 2
	}
	return n
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize()
	}
	p := &Pool{tasks: make(chan func(), size*2)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit enqueues a task, blocking when all workers are busy and the
// queue is full. After Close the task runs on the caller's goroutine, so
// a request that arrives while the process is draining still completes.
func (p *Pool) Submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		task()
		return
	}
	p.tasks <- task
	p.mu.Unlock()
}

// Close stops accepting work and waits for in-flight tasks. Safe to call
// more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
