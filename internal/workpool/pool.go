// Package workpool runs batches of weighted jobs on a fixed set of
// workers. Callers queue work with a weight (typically a byte size), then
// RunAll executes everything and blocks until the batch is done.
package workpool

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
)

// Job is one unit of work; worker is the index of the executing worker.
type Job func(worker int)

type work struct {
	fn     Job
	weight int64
}

// Pool executes queued jobs across a fixed number of workers. Heavier
// jobs are scheduled first so large samples do not straggle at the end of
// a batch. A Pool is reusable across batches but not concurrently.
type Pool struct {
	workers int
	queue   []work
}

// New creates a pool of n workers; n <= 0 means one worker per CPU.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return &Pool{workers: n}
}

// Workers returns the worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// AddWork queues one job with the given scheduling weight.
func (p *Pool) AddWork(weight int64, fn Job) {
	p.queue = append(p.queue, work{fn: fn, weight: weight})
}

// RunAll executes all queued jobs and blocks until the last one finishes.
// The queue is empty afterwards.
func (p *Pool) RunAll() {
	jobs := p.queue
	p.queue = nil
	if len(jobs) == 0 {
		return
	}

	// Largest first; stable so equal weights keep submission order.
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].weight > jobs[j].weight
	})

	workers := p.workers
	if workers > len(jobs) {
		workers = len(jobs)
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= int64(len(jobs)) {
					return
				}
				jobs[i].fn(worker)
			}
		}(w)
	}
	wg.Wait()
}
