package node

import (
	"runtime"
	"sync"
)

// Pool is the bounded worker pool row production fans out on. Workers
// drain a FIFO job channel; completion signalling is whatever the job
// closes over (the InputFetcher layers its own notifications on top).
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewPool starts workers goroutines; workers <= 0 means one per CPU.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool{jobs: make(chan func(), workers*2)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

// Go enqueues a job, blocking while the queue is full.
func (p *Pool) Go(job func()) {
	p.jobs <- job
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
	})
}
