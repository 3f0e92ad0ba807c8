package famulus

import "context"

// HistoryOptions controls how GetConversationHistory shapes the returned
// messages. The zero value loads everything uncompressed.
type HistoryOptions struct {
	// CompressOld enables the old/new split compression (one-line tool
	// result summaries before the split, light truncation after).
	CompressOld bool
	// RecentExchanges is the number of trailing non-internal user exchanges
	// preserved verbatim. Ignored unless CompressOld is set. 0 = default (3).
	RecentExchanges int
	// Limit loads only the last N messages. 0 = all.
	Limit int
}

// Store is the durable mapping from entity IDs to records. Implementations
// live in store/sqlite (embedded, file-backed) and store/postgres.
// All helpers are synchronous; constraint violations surface as
// *ErrConstraint, never silently swallowed.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	// Conversations.
	CreateConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, includeArchived bool) ([]Conversation, error)
	UpdateConversationPreview(ctx context.Context, id, preview string) error
	SetConversationArchived(ctx context.Context, id string, archived bool) error
	MarkConversationRead(ctx context.Context, id string, readAt int64) error
	// DeleteConversation cascades to messages, activities, jobs, scheduled
	// jobs, and agent context.
	DeleteConversation(ctx context.Context, id string) error
	// ForkConversation atomically creates a new conversation containing the
	// source's messages up to and including upToMessageID, with
	// branch_number derived from the forked_from chain depth. The agent
	// context row is copied as well. Returns the new conversation.
	ForkConversation(ctx context.Context, sourceID string, upToMessageID int64) (Conversation, error)

	// Messages.
	AppendMessage(ctx context.Context, m Message) (int64, error)
	GetMessages(ctx context.Context, conversationID string, includeInternal bool) ([]Message, error)
	LastMessageID(ctx context.Context, conversationID string) (int64, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	// DeleteMessagesFrom deletes the target message and all later messages.
	DeleteMessagesFrom(ctx context.Context, conversationID string, messageID int64) error
	// GetConversationHistory returns messages in provider-neutral form with
	// intelligent compression. The result always satisfies the tool-call /
	// tool-result pairing invariant.
	GetConversationHistory(ctx context.Context, conversationID string, opts HistoryOptions) ([]ChatMessage, error)

	// Conversation summary (rolling semantic digest).
	SaveConversationSummary(ctx context.Context, conversationID, summary string, upToMessageID int64) error

	// Jobs.
	SaveJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobsForConversation(ctx context.Context, conversationID string) ([]Job, error)

	// Job activities.
	AppendActivity(ctx context.Context, a JobActivity) (int64, error)
	GetActivities(ctx context.Context, jobID string, sinceID int64) ([]JobActivity, error)

	// Scheduled jobs.
	SaveScheduledJob(ctx context.Context, s ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
	AppendScheduledRun(ctx context.Context, r ScheduledJobRun) (int64, error)
	ListScheduledRuns(ctx context.Context, scheduledJobID string, limit int) ([]ScheduledJobRun, error)
	// ClearSchedulerLinks clears scheduler_id on conversations created by
	// the given scheduled job. Called on scheduled-job deletion.
	ClearSchedulerLinks(ctx context.Context, scheduledJobID string) error

	// Agent context: per-conversation skill_name -> remaining TTL map.
	SaveAgentContext(ctx context.Context, conversationID string, activeSkills map[string]int) error
	GetAgentContext(ctx context.Context, conversationID string) (map[string]int, error)

	// Usage log.
	AppendUsage(ctx context.Context, u UsageRecord) error
	GetConversationCost(ctx context.Context, conversationID string) (float64, error)

	// Custom skills.
	SaveCustomSkill(ctx context.Context, s CustomSkill) error
	ListCustomSkills(ctx context.Context) ([]CustomSkill, error)
	DeleteCustomSkill(ctx context.Context, id string) error

	// Settings: simple string key/value, used for persisted overrides
	// (model provider choice, one-shot migration flags).
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
