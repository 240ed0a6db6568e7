package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
	"followsync/pkg/ratelimit"
)

// Job is one unit of work, typically a single store write batch
type Job struct {
	ID    int
	Label string
	Run   func(ctx context.Context) error
}

// Result is the outcome of a job
type Result struct {
	Job      Job
	Error    error
	Duration time.Duration
	// Skipped is set when the job never ran because the pool was canceled
	Skipped bool
}

// Success reports whether the job ran without error
func (r Result) Success() bool {
	return !r.Skipped && r.Error == nil
}

// WorkerPool runs jobs on a bounded number of workers. Dispatch is paced by
// the pacer limiter so consecutive jobs start at least one pacing interval
// apart, across all workers.
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan Job
	resultQueue chan Result
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	pacer       ratelimit.Limiter
	logger      logger.Logger
	stopOnce    sync.Once
}

// NewWorkerPool creates a pool bound to ctx. A nil pacer dispatches jobs as
// fast as workers free up.
func NewWorkerPool(ctx context.Context, numWorkers int, pacer ratelimit.Limiter, log logger.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if pacer == nil {
		pacer = ratelimit.Unlimited{}
	}
	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan Job, numWorkers*2),
		resultQueue: make(chan Result, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		pacer:       pacer,
		logger:      logger.OrNop(log).WithField("component", "pool"),
	}
}

// Pacer returns a limiter admitting one job per delay, or nil for no delay
func Pacer(delay time.Duration) ratelimit.Limiter {
	if delay <= 0 {
		return nil
	}
	return ratelimit.NewTokenBucket(1, delay)
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.logger.DebugWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop waits for queued jobs to finish and closes the result channel
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.jobQueue)
		wp.wg.Wait()
		close(wp.resultQueue)
		wp.cancel()
	})
}

// Submit queues a job. It fails once the pool's context is done.
func (wp *WorkerPool) Submit(job Job) error {
	if err := wp.ctx.Err(); err != nil {
		return fmt.Errorf("worker pool is shutting down: %w", err)
	}
	select {
	case wp.jobQueue <- job:
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down: %w", wp.ctx.Err())
	}
}

// Results returns the result channel
func (wp *WorkerPool) Results() <-chan Result {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		wp.resultQueue <- wp.processJob(id, job)
	}
}

func (wp *WorkerPool) processJob(workerID int, job Job) Result {
	// Cancellation is observed between jobs; a running job sees it
	// through its own context
	if err := wp.ctx.Err(); err != nil {
		return Result{Job: job, Error: canceled(err), Skipped: true}
	}
	if err := wp.pacer.Wait(wp.ctx); err != nil {
		return Result{Job: job, Error: canceled(err), Skipped: true}
	}

	start := time.Now()
	err := job.Run(wp.ctx)
	result := Result{Job: job, Error: err, Duration: time.Since(start)}

	if err != nil {
		wp.logger.DebugWithFields("job failed", map[string]interface{}{
			"worker_id": workerID,
			"job":       job.Label,
			"error":     err.Error(),
		})
	}
	return result
}

func canceled(err error) error {
	return errs.Wrap(errs.ErrorTypeCanceled, "pool.Run", errors.Join(errs.ErrCanceled, err))
}

// Run executes jobs on numWorkers workers and returns one result per job,
// ordered by Job.ID. Jobs not started before ctx ends are reported as
// skipped.
func Run(ctx context.Context, numWorkers int, pacer ratelimit.Limiter, log logger.Logger, jobs []Job) []Result {
	wp := NewWorkerPool(ctx, numWorkers, pacer, log)
	wp.Start()

	results := make([]Result, 0, len(jobs))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range wp.Results() {
			results = append(results, r)
		}
	}()

	for i, job := range jobs {
		if err := wp.Submit(job); err != nil {
			// Remaining jobs never reach a worker
			for _, rest := range jobs[i:] {
				wp.resultQueue <- Result{Job: rest, Error: canceled(err), Skipped: true}
			}
			break
		}
	}

	wp.Stop()
	<-done

	sort.SliceStable(results, func(i, j int) bool { return results[i].Job.ID < results[j].Job.ID })
	return results
}
