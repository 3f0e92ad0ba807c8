package famulus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	defaultSchedulerPoll = 30 * time.Second
	// DefaultTimezone is applied when a scheduled job does not name one.
	DefaultTimezone = "Europe/Warsaw"
)

// Scheduler fires CRON-triggered prompts. It polls the store for enabled
// jobs whose next_run_at has passed, so triggers survive restarts without a
// separate registration step.
type Scheduler struct {
	store     Store
	queue     *JobQueue
	log       *slog.Logger
	gron      *gronx.Gronx
	poll      time.Duration
	filesRoot string
	defaultTZ string
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerPoll overrides the polling interval (default 30s).
func WithSchedulerPoll(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.poll = d }
}

// WithDefaultTimezone overrides the timezone applied to jobs that do not
// name one (default Europe/Warsaw).
func WithDefaultTimezone(tz string) SchedulerOption {
	return func(s *Scheduler) {
		if tz != "" {
			s.defaultTZ = tz
		}
	}
}

func NewScheduler(store Store, queue *JobQueue, filesRoot string, log *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if log == nil {
		log = nopLogger
	}
	s := &Scheduler{
		store:     store,
		queue:     queue,
		log:       log,
		gron:      gronx.New(),
		poll:      defaultSchedulerPoll,
		filesRoot: filesRoot,
		defaultTZ: DefaultTimezone,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateCron reports whether expr is a valid five-field CRON expression.
func (s *Scheduler) ValidateCron(expr string) error {
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("cron expression must have 5 fields: %q", expr)
	}
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %q", expr)
	}
	return nil
}

// NextRun computes the next fire time of expr after ref in the job's
// timezone, returned as Unix seconds.
func (s *Scheduler) NextRun(expr, timezone string, ref time.Time) (int64, error) {
	loc, err := time.LoadLocation(s.timezoneOrDefault(timezone))
	if err != nil {
		return 0, fmt.Errorf("load timezone: %w", err)
	}
	next, err := gronx.NextTickAfter(expr, ref.In(loc), false)
	if err != nil {
		return 0, err
	}
	return next.Unix(), nil
}

func (s *Scheduler) timezoneOrDefault(tz string) string {
	if tz == "" {
		return s.defaultTZ
	}
	return tz
}

// Add validates and persists a new scheduled job, filling ID, timestamps,
// and next_run_at. FilesDir is created under the scheduler root when files
// are expected.
func (s *Scheduler) Add(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	if err := s.ValidateCron(job.CronExpression); err != nil {
		return ScheduledJob{}, err
	}
	if job.ID == "" {
		job.ID = NewID()
	}
	job.Timezone = s.timezoneOrDefault(job.Timezone)
	now := time.Now()
	job.CreatedAt = now.Unix()
	job.UpdatedAt = now.Unix()
	job.IsEnabled = true

	next, err := s.NextRun(job.CronExpression, job.Timezone, now)
	if err != nil {
		return ScheduledJob{}, err
	}
	job.NextRunAt = next

	if s.filesRoot != "" {
		job.FilesDir = filepath.Join(s.filesRoot, job.ID)
		if err := os.MkdirAll(job.FilesDir, 0o755); err != nil {
			return ScheduledJob{}, fmt.Errorf("create files dir: %w", err)
		}
	}

	if err := s.store.SaveScheduledJob(ctx, job); err != nil {
		return ScheduledJob{}, err
	}
	s.log.Info("scheduled job added", "id", job.ID, "name", job.Name, "cron", job.CronExpression)
	return job, nil
}

// Update modifies an existing scheduled job, recomputing next_run_at when
// the CRON expression or timezone changed.
func (s *Scheduler) Update(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	existing, err := s.store.GetScheduledJob(ctx, job.ID)
	if err != nil {
		return ScheduledJob{}, err
	}
	if err := s.ValidateCron(job.CronExpression); err != nil {
		return ScheduledJob{}, err
	}
	job.Timezone = s.timezoneOrDefault(job.Timezone)
	job.CreatedAt = existing.CreatedAt
	job.LastRunAt = existing.LastRunAt
	job.RunCount = existing.RunCount
	job.FilesDir = existing.FilesDir
	job.UpdatedAt = NowUnix()

	if job.CronExpression != existing.CronExpression || job.Timezone != existing.Timezone {
		next, err := s.NextRun(job.CronExpression, job.Timezone, time.Now())
		if err != nil {
			return ScheduledJob{}, err
		}
		job.NextRunAt = next
	} else {
		job.NextRunAt = existing.NextRunAt
	}

	if err := s.store.SaveScheduledJob(ctx, job); err != nil {
		return ScheduledJob{}, err
	}
	return job, nil
}

// SetEnabled toggles a job. Enabling recomputes next_run_at so a long
// disabled job does not fire immediately for every missed tick.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	job.IsEnabled = enabled
	job.UpdatedAt = NowUnix()
	if enabled {
		next, err := s.NextRun(job.CronExpression, job.Timezone, time.Now())
		if err != nil {
			return err
		}
		job.NextRunAt = next
	}
	return s.store.SaveScheduledJob(ctx, job)
}

// Delete removes the job, clears scheduler links on its conversations, and
// removes its files directory.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.ClearSchedulerLinks(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteScheduledJob(ctx, id); err != nil {
		return err
	}
	if job.FilesDir != "" {
		if err := os.RemoveAll(job.FilesDir); err != nil {
			s.log.Warn("files dir removal failed", "id", id, "error", err)
		}
	}
	s.log.Info("scheduled job deleted", "id", id)
	return nil
}

// Run polls for due jobs until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	s.log.Info("scheduler started", "poll", s.poll)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every enabled job whose next_run_at has passed.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		s.log.Error("scheduled job listing failed", "error", err)
		return
	}
	for _, job := range jobs {
		if job.NextRunAt == 0 || job.NextRunAt > now.Unix() {
			continue
		}
		if err := s.fire(ctx, job, now); err != nil {
			s.log.Error("scheduled fire failed", "id", job.ID, "error", err)
		}
	}
}

// fire creates a fresh conversation and job for one due scheduled job.
func (s *Scheduler) fire(ctx context.Context, job ScheduledJob, now time.Time) error {
	// The enable flag may have flipped since listing.
	current, err := s.store.GetScheduledJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if !current.IsEnabled {
		return nil
	}

	conv := Conversation{
		ID:             NewID(),
		CreatedAt:      now.Unix(),
		Preview:        current.Name,
		SchedulerID:    current.ID,
		IsSchedulerRun: true,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return err
	}

	prompt := s.effectivePrompt(current)
	if _, err := s.store.AppendMessage(ctx, Message{
		ConversationID: conv.ID,
		Role:           "user",
		Content:        prompt,
		CreatedAt:      now.Unix(),
	}); err != nil {
		return err
	}

	jobID := NewID()
	if _, err := s.queue.CreateJob(ctx, jobID, conv.ID, prompt, JobOptions{
		SkipHistory:    true,
		Headless:       true,
		AskUserDefault: "Proceed with your best judgment.",
	}); err != nil {
		return err
	}
	if err := s.queue.Enqueue(jobID); err != nil {
		return err
	}

	next, err := s.NextRun(current.CronExpression, current.Timezone, now)
	if err != nil {
		s.log.Warn("next run computation failed", "id", current.ID, "error", err)
		next = 0
	}
	current.LastRunAt = now.Unix()
	current.NextRunAt = next
	current.RunCount++
	if err := s.store.SaveScheduledJob(ctx, current); err != nil {
		return err
	}

	if _, err := s.store.AppendScheduledRun(ctx, ScheduledJobRun{
		ScheduledJobID: current.ID,
		JobID:          jobID,
		StartedAt:      now.Unix(),
		Status:         JobPending,
	}); err != nil {
		return err
	}
	s.log.Info("scheduled job fired", "id", current.ID, "job", jobID, "conversation", conv.ID)
	return nil
}

// effectivePrompt appends the structured context appendix to the stored
// prompt when present.
func (s *Scheduler) effectivePrompt(job ScheduledJob) string {
	var b strings.Builder
	b.WriteString(job.Prompt)
	if job.ContextJSON != "" {
		if sc, err := ParseScheduledContext(job.ContextJSON); err == nil {
			if len(sc.Steps) > 0 {
				b.WriteString("\n\nSteps:\n")
				for i, step := range sc.Steps {
					fmt.Fprintf(&b, "%d. %s\n", i+1, step)
				}
			}
			if len(sc.Variables) > 0 {
				b.WriteString("\nVariables:\n")
				for k, v := range sc.Variables {
					fmt.Fprintf(&b, "- %s = %s\n", k, v)
				}
			}
		} else {
			s.log.Warn("malformed scheduled context", "id", job.ID, "error", err)
		}
	}
	if job.FilesDir != "" {
		b.WriteString("\nFiles for this task are in: " + job.FilesDir)
	}
	return b.String()
}

// ParseScheduledContext decodes the context_json column.
func ParseScheduledContext(raw string) (ScheduledContext, error) {
	var sc ScheduledContext
	if err := json.Unmarshal([]byte(raw), &sc); err != nil {
		return ScheduledContext{}, err
	}
	return sc, nil
}
