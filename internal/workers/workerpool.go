// Package workers provides a fixed-size goroutine pool for background
// jobs that should be bounded in concurrency but never silently dropped.
package workers

import "sync"

// Pool runs queued jobs on a fixed set of worker goroutines.
type Pool struct {
	jobCh    chan func()
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPool starts workerCount workers sharing a queue of queueSize jobs.
func NewPool(workerCount, queueSize int) *Pool {
	p := &Pool{
		jobCh: make(chan func(), queueSize),
	}
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for job := range p.jobCh {
		job()
	}
}

// Submit enqueues a job, blocking while the queue is full.
func (p *Pool) Submit(job func()) {
	p.wg.Add(1)
	p.jobCh <- func() {
		defer p.wg.Done()
		job()
	}
}

// TrySubmit enqueues a job only if the queue has room.
func (p *Pool) TrySubmit(job func()) bool {
	p.wg.Add(1)
	select {
	case p.jobCh <- func() {
		defer p.wg.Done()
		job()
	}:
		return true
	default:
		p.wg.Done()
		return false
	}
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop closes the queue and waits for in-flight jobs to finish. Submitting
// after Stop panics.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobCh)
		p.wg.Wait()
	})
}
