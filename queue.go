package famulus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// pendingCapacity bounds the in-flight FIFO. A single-user runtime never
// approaches this; hitting it means a producer bug.
const pendingCapacity = 1024

// ErrQueueFull is returned by Enqueue when the pending FIFO is saturated.
var ErrQueueFull = errors.New("job queue full")

// JobOptions carries the optional fields of a new job.
type JobOptions struct {
	SkipHistory    bool
	Headless       bool
	AskUserDefault string
}

// JobQueue owns the lifecycle of jobs: an in-memory cache over the store, a
// FIFO of pending job IDs, and per-job rendezvous channels for the ask-user
// pause. Status writes hit the store on transitions to running,
// waiting_for_input, and any terminal status; everything else stays cached.
type JobQueue struct {
	store Store
	log   *slog.Logger

	mu          sync.Mutex
	jobs        map[string]*Job
	waiters     map[string]chan string
	suggestions map[string][]string

	pending chan string
}

func NewJobQueue(store Store, log *slog.Logger) *JobQueue {
	if log == nil {
		log = nopLogger
	}
	return &JobQueue{
		store:       store,
		log:         log,
		jobs:        make(map[string]*Job),
		waiters:     make(map[string]chan string),
		suggestions: make(map[string][]string),
		pending:     make(chan string, pendingCapacity),
	}
}

// CreateJob persists the initial pending row and caches it. The job is not
// yet visible to workers until Enqueue.
func (q *JobQueue) CreateJob(ctx context.Context, jobID, conversationID, message string, opts JobOptions) (Job, error) {
	j := Job{
		ID:             jobID,
		ConversationID: conversationID,
		Message:        message,
		Status:         JobPending,
		CreatedAt:      NowUnix(),
		SkipHistory:    opts.SkipHistory,
		Headless:       opts.Headless,
		AskUserDefault: opts.AskUserDefault,
	}
	if err := q.store.SaveJob(ctx, j); err != nil {
		return Job{}, err
	}
	q.mu.Lock()
	cp := j
	q.jobs[jobID] = &cp
	q.mu.Unlock()
	q.log.Debug("job created", "job", jobID, "conversation", conversationID)
	return j, nil
}

// Enqueue pushes the job into the pending FIFO.
func (q *JobQueue) Enqueue(jobID string) error {
	select {
	case q.pending <- jobID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job ID is available, the timeout elapses, or ctx is
// done. The second return is false when nothing was dequeued.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case id := <-q.pending:
		return id, true
	case <-t.C:
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// UpdateJob applies mut to the cached job under the queue lock and persists
// the row when the resulting status is durable (running, waiting_for_input,
// or terminal).
func (q *JobQueue) UpdateJob(ctx context.Context, jobID string, mut func(*Job)) error {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		loaded, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			q.mu.Unlock()
			return err
		}
		j = &loaded
		q.jobs[jobID] = j
	}
	mut(j)
	snapshot := *j
	q.mu.Unlock()

	if snapshot.Status == JobRunning || snapshot.Status == JobWaitingForInput || IsTerminalStatus(snapshot.Status) {
		if err := q.store.SaveJob(ctx, snapshot); err != nil {
			return err
		}
	}
	return nil
}

// SetStatus is the common UpdateJob shape: flip status and stamp timestamps.
func (q *JobQueue) SetStatus(ctx context.Context, jobID, status string) error {
	now := NowUnix()
	return q.UpdateJob(ctx, jobID, func(j *Job) {
		j.Status = status
		switch {
		case status == JobRunning && j.StartedAt == 0:
			j.StartedAt = now
		case IsTerminalStatus(status):
			j.CompletedAt = now
		}
	})
}

// GetJob reads cache-first, falling back to the store for historical jobs.
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (Job, error) {
	q.mu.Lock()
	if j, ok := q.jobs[jobID]; ok {
		cp := *j
		q.mu.Unlock()
		return cp, nil
	}
	q.mu.Unlock()
	return q.store.GetJob(ctx, jobID)
}

// SetQuestion transitions the job to waiting_for_input and arms a fresh
// rendezvous channel. Any previous rendezvous for the job is discarded.
func (q *JobQueue) SetQuestion(ctx context.Context, jobID, question string, options []string) error {
	q.mu.Lock()
	q.waiters[jobID] = make(chan string, 1)
	q.mu.Unlock()
	return q.UpdateJob(ctx, jobID, func(j *Job) {
		j.Status = JobWaitingForInput
		j.Question = question
		j.QuestionOptions = options
		j.UserResponse = ""
	})
}

// WaitForResponse blocks until SetResponse signals the rendezvous, the job
// is cancelled, the timeout elapses, or ctx is done. On timeout the waiter
// is disarmed and the job flipped back to running before
// ("", context.DeadlineExceeded) is returned, so a poll never observes a
// stale waiting_for_input row for a job that stopped waiting. On
// cancellation the error is ErrJobCancelled.
func (q *JobQueue) WaitForResponse(ctx context.Context, jobID string, timeout time.Duration) (string, error) {
	q.mu.Lock()
	ch, ok := q.waiters[jobID]
	q.mu.Unlock()
	if !ok {
		return "", &ErrConstraint{Entity: "job", Detail: "no pending question for " + jobID}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case resp, open := <-ch:
		if !open {
			return "", ErrJobCancelled
		}
		return resp, nil
	case <-t.C:
		q.mu.Lock()
		delete(q.waiters, jobID)
		q.mu.Unlock()
		if err := q.SetStatus(ctx, jobID, JobRunning); err != nil {
			q.log.Warn("status reset after ask-user timeout failed", "job", jobID, "error", err)
		}
		return "", context.DeadlineExceeded
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetResponse records the user's answer, flips the job back to running, and
// signals the rendezvous.
func (q *JobQueue) SetResponse(ctx context.Context, jobID, text string) error {
	if err := q.UpdateJob(ctx, jobID, func(j *Job) {
		j.Status = JobRunning
		j.UserResponse = text
	}); err != nil {
		return err
	}
	q.mu.Lock()
	ch, ok := q.waiters[jobID]
	if ok {
		delete(q.waiters, jobID)
	}
	q.mu.Unlock()
	if ok {
		ch <- text
	}
	return nil
}

// Cancel sets the cooperative cancellation flag and unblocks any ask-user
// wait by closing the rendezvous.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) error {
	if err := q.UpdateJob(ctx, jobID, func(j *Job) {
		j.IsCancelled = true
	}); err != nil {
		return err
	}
	q.mu.Lock()
	ch, ok := q.waiters[jobID]
	if ok {
		delete(q.waiters, jobID)
	}
	q.mu.Unlock()
	if ok {
		close(ch)
	}
	q.log.Debug("job cancel requested", "job", jobID)
	return nil
}

// ForceRespond sets the flag that makes the agent loop stop calling tools
// and produce a user-facing reply on its next step.
func (q *JobQueue) ForceRespond(ctx context.Context, jobID string) error {
	return q.UpdateJob(ctx, jobID, func(j *Job) {
		j.IsForceRespond = true
	})
}

// IsCancelled reports the cached cooperative flag without touching the store.
func (q *JobQueue) IsCancelled(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[jobID]; ok {
		return j.IsCancelled
	}
	return false
}

// IsForceRespond reports the cached force-respond flag.
func (q *JobQueue) IsForceRespond(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[jobID]; ok {
		return j.IsForceRespond
	}
	return false
}

// CancelCheck returns a closure suitable for the LLM client's cancellation
// polling, bound to one job.
func (q *JobQueue) CancelCheck(jobID string) func() bool {
	return func() bool { return q.IsCancelled(jobID) }
}

// ActiveJobForConversation returns the first cached job for the conversation
// whose status is pending, running, or waiting_for_input.
func (q *JobQueue) ActiveJobForConversation(conversationID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var best *Job
	for _, j := range q.jobs {
		if j.ConversationID != conversationID {
			continue
		}
		switch j.Status {
		case JobPending, JobRunning, JobWaitingForInput:
			if best == nil || j.CreatedAt < best.CreatedAt {
				best = j
			}
		}
	}
	if best == nil {
		return Job{}, false
	}
	return *best, true
}

// SetSuggestions stores ephemeral follow-up suggestions for a job.
func (q *JobQueue) SetSuggestions(jobID string, s []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suggestions[jobID] = s
}

// GetSuggestions returns the stored suggestions, or nil.
func (q *JobQueue) GetSuggestions(jobID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.suggestions[jobID]
}
