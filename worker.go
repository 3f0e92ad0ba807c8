package famulus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWorkerCount = 4
	dequeueTimeout     = 2 * time.Second
	// defaultMaxJobRuntime is the per-job wall-clock bound.
	defaultMaxJobRuntime = 1800 * time.Second
)

// WorkerPool consumes the JobQueue and dispatches each job to the Agent.
// The agent loop runs synchronously inside a worker goroutine; parallelism
// comes from running several workers.
type WorkerPool struct {
	queue *JobQueue
	agent *Agent
	usage *UsageTracker
	log   *slog.Logger

	count      int
	maxRuntime time.Duration
	wg         sync.WaitGroup
}

// WorkerPoolOption configures a WorkerPool.
type WorkerPoolOption func(*WorkerPool)

// WithMaxJobRuntime overrides the per-job wall-clock bound (default 1800s).
func WithMaxJobRuntime(d time.Duration) WorkerPoolOption {
	return func(p *WorkerPool) { p.maxRuntime = d }
}

func NewWorkerPool(queue *JobQueue, agent *Agent, usage *UsageTracker, count int, log *slog.Logger, opts ...WorkerPoolOption) *WorkerPool {
	if count <= 0 {
		count = defaultWorkerCount
	}
	if log == nil {
		log = nopLogger
	}
	p := &WorkerPool{
		queue:      queue,
		agent:      agent,
		usage:      usage,
		log:        log,
		count:      count,
		maxRuntime: defaultMaxJobRuntime,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They run until ctx is cancelled; Wait blocks
// until they drain.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.log.Info("worker pool started", "workers", p.count)
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jobID, ok := p.queue.Dequeue(ctx, dequeueTimeout)
		if !ok {
			continue
		}
		p.execute(ctx, workerID, jobID)
	}
}

// execute runs one job end to end, mapping the agent outcome onto the job
// row. A panic inside the agent fails the job instead of killing the worker.
func (p *WorkerPool) execute(ctx context.Context, workerID, jobID string) {
	job, err := p.queue.GetJob(ctx, jobID)
	if err != nil {
		p.log.Error("dequeued unknown job", "job", jobID, "error", err)
		return
	}
	if job.IsCancelled {
		_ = p.queue.SetStatus(ctx, jobID, JobCancelled)
		return
	}

	if err := p.queue.UpdateJob(ctx, jobID, func(j *Job) {
		j.Status = JobRunning
		j.WorkerID = workerID
		if j.StartedAt == 0 {
			j.StartedAt = NowUnix()
		}
	}); err != nil {
		p.log.Error("job start transition failed", "job", jobID, "error", err)
		return
	}
	p.log.Debug("job started", "job", jobID, "worker", workerID)

	jobCtx, cancel := context.WithTimeout(ctx, p.maxRuntime)
	defer cancel()

	var result AgentResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result = AgentResult{Status: RunError, Error: fmt.Sprintf("agent panic: %v", r)}
				p.log.Error("agent panicked", "job", jobID, "panic", r)
			}
		}()
		result = p.agent.Run(jobCtx, job)
	}()
	if result.Status == RunError && jobCtx.Err() == context.DeadlineExceeded {
		result.Status = RunTimeout
		result.Error = "job exceeded the runtime bound"
	}

	status := JobCompleted
	switch result.Status {
	case RunCancelled:
		status = JobCancelled
	case RunError, RunTimeout:
		status = JobFailed
	}
	if err := p.queue.UpdateJob(ctx, jobID, func(j *Job) {
		j.Status = status
		j.CompletedAt = NowUnix()
		j.Result = result.Summary
		j.Error = result.Error
	}); err != nil {
		p.log.Error("job finish transition failed", "job", jobID, "error", err)
	}
	if p.usage != nil {
		p.usage.ForgetJob(jobID)
	}
	p.log.Debug("job finished",
		"job", jobID,
		"worker", workerID,
		"status", status,
		"steps", result.Steps)
}
