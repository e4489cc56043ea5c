package workers

import "sync"

// Pool runs subscription backfills on a fixed set of workers so a burst
// of REQ frames cannot spawn an unbounded number of query goroutines.
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
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobCh {
		job()
	}
}

// Submit enqueues a job without blocking. It returns false when the
// queue is full; the caller decides whether to run the job inline or
// drop it.
func (p *Pool) Submit(job func()) bool {
	select {
	case p.jobCh <- job:
		return true
	default:
		return false
	}
}

// Stop drains the queue and waits for in-flight jobs to finish. Submit
// must not be called after Stop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobCh)
		p.wg.Wait()
	})
}
