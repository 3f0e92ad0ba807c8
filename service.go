package famulus

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// settingModelProvider is the persisted key for the provider override.
const settingModelProvider = "model_provider"

// Service is the control plane the HTTP layer calls into. It owns no
// goroutines; it composes the queue, scheduler, store, and usage tracker
// into the operations the outside world sees.
type Service struct {
	store Store
	queue *JobQueue
	sched *Scheduler
	usage *UsageTracker
	log   *slog.Logger
}

func NewService(store Store, queue *JobQueue, sched *Scheduler, usage *UsageTracker, log *slog.Logger) *Service {
	if log == nil {
		log = nopLogger
	}
	return &Service{store: store, queue: queue, sched: sched, usage: usage, log: log}
}

// CreateJob persists the user message and enqueues a job for it. An empty
// conversationID starts a new conversation.
func (s *Service) CreateJob(ctx context.Context, conversationID, message string, opts JobOptions) (Job, error) {
	if message == "" {
		return Job{}, fmt.Errorf("message must not be empty")
	}
	message = SanitizeText(message)

	newConversation := conversationID == ""
	if newConversation {
		conversationID = NewID()
		if err := s.store.CreateConversation(ctx, Conversation{
			ID:        conversationID,
			CreatedAt: NowUnix(),
			Preview:   firstLine(message, 120),
		}); err != nil {
			return Job{}, err
		}
	} else {
		if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
			return Job{}, err
		}
	}

	// A reply while a job waits on ask_user resumes it instead of starting
	// a parallel job for the same conversation.
	if active, ok := s.queue.ActiveJobForConversation(conversationID); ok && active.Status == JobWaitingForInput {
		if err := s.queue.SetResponse(ctx, active.ID, message); err != nil {
			return Job{}, err
		}
		return s.queue.GetJob(ctx, active.ID)
	}

	if _, err := s.store.AppendMessage(ctx, Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        message,
		CreatedAt:      NowUnix(),
	}); err != nil {
		return Job{}, err
	}

	job, err := s.queue.CreateJob(ctx, NewID(), conversationID, message, opts)
	if err != nil {
		return Job{}, err
	}
	if err := s.queue.Enqueue(job.ID); err != nil {
		return Job{}, err
	}
	s.log.Debug("job submitted", "job", job.ID, "conversation", conversationID, "new", newConversation)
	return job, nil
}

// JobStatusView is the poll response for one job.
type JobStatusView struct {
	Job              Job           `json:"job"`
	Activities       []JobActivity `json:"activities"`
	CurrentOperation string        `json:"current_operation,omitempty"`
	CurrentTool      string        `json:"current_tool,omitempty"`
	Suggestions      []string      `json:"suggestions,omitempty"`
	CostUSD          float64       `json:"cost_usd"`
}

// JobStatus returns the job, its activities past the cursor, the best-known
// current operation, and any generated suggestions.
func (s *Service) JobStatus(ctx context.Context, jobID string, sinceActivity int64) (JobStatusView, error) {
	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	acts, err := s.store.GetActivities(ctx, jobID, sinceActivity)
	if err != nil {
		return JobStatusView{}, err
	}
	view := JobStatusView{Job: job, Activities: acts, Suggestions: s.queue.GetSuggestions(jobID)}
	for i := len(acts) - 1; i >= 0; i-- {
		switch acts[i].Type {
		case ActivityToolCall, ActivityStep, ActivityLLMCall, ActivityDelegateStart, ActivityExploreStart:
			view.CurrentOperation = acts[i].Type
			view.CurrentTool = acts[i].ToolName
		}
		if view.CurrentOperation != "" {
			break
		}
	}
	if s.usage != nil {
		_, view.CostUSD = s.usage.JobTotals(jobID)
	}
	return view, nil
}

// Respond delivers the user's answer to a job waiting on ask_user.
func (s *Service) Respond(ctx context.Context, jobID, text string) error {
	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobWaitingForInput {
		return &ErrConstraint{Entity: "job", Detail: "job is not waiting for input"}
	}
	return s.queue.SetResponse(ctx, jobID, SanitizeText(text))
}

// Cancel requests cooperative cancellation.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	return s.queue.Cancel(ctx, jobID)
}

// ForceRespond makes the agent stop calling tools and answer now.
func (s *Service) ForceRespond(ctx context.Context, jobID string) error {
	return s.queue.ForceRespond(ctx, jobID)
}

// --- conversations ---

func (s *Service) ListConversations(ctx context.Context, includeArchived bool) ([]Conversation, error) {
	return s.store.ListConversations(ctx, includeArchived)
}

func (s *Service) GetConversation(ctx context.Context, id string) (Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// ConversationMessages returns the user-visible transcript.
func (s *Service) ConversationMessages(ctx context.Context, id string) ([]Message, error) {
	return s.store.GetMessages(ctx, id, false)
}

func (s *Service) RenameConversation(ctx context.Context, id, preview string) error {
	return s.store.UpdateConversationPreview(ctx, id, preview)
}

func (s *Service) ArchiveConversation(ctx context.Context, id string, archived bool) error {
	return s.store.SetConversationArchived(ctx, id, archived)
}

// MarkConversationRead stamps read_at; zero readAt marks unread.
func (s *Service) MarkConversationRead(ctx context.Context, id string, read bool) error {
	var at int64
	if read {
		at = NowUnix()
	}
	return s.store.MarkConversationRead(ctx, id, at)
}

func (s *Service) ForkConversation(ctx context.Context, id string, upToMessageID int64) (Conversation, error) {
	return s.store.ForkConversation(ctx, id, upToMessageID)
}

func (s *Service) DeleteConversation(ctx context.Context, id string) error {
	if active, ok := s.queue.ActiveJobForConversation(id); ok {
		if err := s.queue.Cancel(ctx, active.ID); err != nil {
			s.log.Warn("cancel before delete failed", "job", active.ID, "error", err)
		}
	}
	return s.store.DeleteConversation(ctx, id)
}

// ConversationCost aggregates the persisted spend for one conversation.
func (s *Service) ConversationCost(ctx context.Context, id string) (float64, error) {
	return s.store.GetConversationCost(ctx, id)
}

// --- scheduled jobs ---

func (s *Service) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, false)
}

func (s *Service) CreateScheduledJob(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	return s.sched.Add(ctx, job)
}

func (s *Service) UpdateScheduledJob(ctx context.Context, job ScheduledJob) (ScheduledJob, error) {
	return s.sched.Update(ctx, job)
}

func (s *Service) SetScheduledJobEnabled(ctx context.Context, id string, enabled bool) error {
	return s.sched.SetEnabled(ctx, id, enabled)
}

func (s *Service) DeleteScheduledJob(ctx context.Context, id string) error {
	return s.sched.Delete(ctx, id)
}

// TriggerScheduledJobNow fires a scheduled job immediately, outside its
// CRON cadence.
func (s *Service) TriggerScheduledJobNow(ctx context.Context, id string) error {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return err
	}
	return s.sched.fire(ctx, job, time.Now())
}

func (s *Service) ListScheduledRuns(ctx context.Context, id string, limit int) ([]ScheduledJobRun, error) {
	return s.store.ListScheduledRuns(ctx, id, limit)
}

// --- settings ---

// ModelProvider returns the persisted provider override, or "".
func (s *Service) ModelProvider(ctx context.Context) (string, error) {
	return s.store.GetSetting(ctx, settingModelProvider)
}

// SetModelProvider persists the provider override; it takes effect on
// restart.
func (s *Service) SetModelProvider(ctx context.Context, provider string) error {
	return s.store.SetSetting(ctx, settingModelProvider, provider)
}

// --- custom skills ---

func (s *Service) ListCustomSkills(ctx context.Context) ([]CustomSkill, error) {
	return s.store.ListCustomSkills(ctx)
}

func (s *Service) SaveCustomSkill(ctx context.Context, sk CustomSkill, loader *SkillLoader) error {
	if sk.ID == "" {
		sk.ID = NewID()
		sk.CreatedAt = NowUnix()
	}
	sk.UpdatedAt = NowUnix()
	if err := s.store.SaveCustomSkill(ctx, sk); err != nil {
		return err
	}
	loader.Invalidate()
	return nil
}

func (s *Service) DeleteCustomSkill(ctx context.Context, id string, loader *SkillLoader) error {
	if err := s.store.DeleteCustomSkill(ctx, id); err != nil {
		return err
	}
	loader.Invalidate()
	return nil
}
