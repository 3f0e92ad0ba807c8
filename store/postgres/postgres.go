// Package postgres implements famulus.Store on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwalkowiak/famulus"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements famulus.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ famulus.Store = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			preview TEXT NOT NULL DEFAULT '',
			forked_from TEXT,
			branch_number INTEGER NOT NULL DEFAULT 0,
			is_archived BOOLEAN NOT NULL DEFAULT FALSE,
			scheduler_id TEXT,
			is_scheduler_run BOOLEAN NOT NULL DEFAULT FALSE,
			read_at BIGINT NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT '',
			summary_up_to_message_id BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT,
			thinking TEXT NOT NULL DEFAULT '',
			thinking_signature TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			internal BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			question TEXT NOT NULL DEFAULT '',
			question_options JSONB,
			user_response TEXT NOT NULL DEFAULT '',
			is_cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			is_force_respond BOOLEAN NOT NULL DEFAULT FALSE,
			skip_history BOOLEAN NOT NULL DEFAULT FALSE,
			headless BOOLEAN NOT NULL DEFAULT FALSE,
			ask_user_default TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS job_activities (
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			ts BIGINT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			is_error BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			schedule_description TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			is_enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			next_run_at BIGINT NOT NULL DEFAULT 0,
			run_count INTEGER NOT NULL DEFAULT 0,
			context_json TEXT NOT NULL DEFAULT '',
			files_dir TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_job_runs (
			id BIGSERIAL PRIMARY KEY,
			scheduled_job_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			result_preview TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS agent_context (
			conversation_id TEXT PRIMARY KEY,
			active_skills JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			component TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id BIGSERIAL PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activities_job ON job_activities(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_conversation ON jobs(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_next_run ON scheduled_jobs(next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_log(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	if err := s.backfillReadAt(ctx); err != nil {
		return err
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

const readAtBackfillKey = "migration_read_at_backfill"

// backfillReadAt marks conversations predating the read_at column as read at
// their creation time. The settings flag keeps it to a single run, so
// conversations left unread afterwards stay unread across restarts.
func (s *Store) backfillReadAt(ctx context.Context) error {
	done, err := s.GetSetting(ctx, readAtBackfillKey)
	if err != nil {
		return err
	}
	if done != "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE conversations SET read_at = created_at WHERE read_at = 0`); err != nil {
		return fmt.Errorf("read_at backfill: %w", err)
	}
	return s.SetSetting(ctx, readAtBackfillKey, "done")
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- conversations ---

func (s *Store) CreateConversation(ctx context.Context, c famulus.Conversation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, created_at, preview, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, read_at, summary, summary_up_to_message_id)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9, $10, $11)`,
		c.ID, c.CreatedAt, c.Preview, c.ForkedFrom, c.BranchNumber, c.IsArchived,
		c.SchedulerID, c.IsSchedulerRun, c.ReadAt, c.Summary, c.SummaryUpToMessage,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "conversation", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (famulus.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, created_at, preview, COALESCE(forked_from, ''), branch_number, is_archived, COALESCE(scheduler_id, ''), is_scheduler_run, read_at, summary, summary_up_to_message_id
		 FROM conversations WHERE id = $1`, id)
	var c famulus.Conversation
	err := row.Scan(&c.ID, &c.CreatedAt, &c.Preview, &c.ForkedFrom, &c.BranchNumber,
		&c.IsArchived, &c.SchedulerID, &c.IsSchedulerRun, &c.ReadAt, &c.Summary, &c.SummaryUpToMessage)
	if err == pgx.ErrNoRows {
		return famulus.Conversation{}, &famulus.ErrConstraint{Entity: "conversation", Detail: "not found"}
	}
	if err != nil {
		return famulus.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, includeArchived bool) ([]famulus.Conversation, error) {
	q := `SELECT id, created_at, preview, COALESCE(forked_from, ''), branch_number, is_archived, COALESCE(scheduler_id, ''), is_scheduler_run, read_at, summary, summary_up_to_message_id
	      FROM conversations`
	if !includeArchived {
		q += ` WHERE NOT is_archived`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []famulus.Conversation
	for rows.Next() {
		var c famulus.Conversation
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.Preview, &c.ForkedFrom, &c.BranchNumber,
			&c.IsArchived, &c.SchedulerID, &c.IsSchedulerRun, &c.ReadAt, &c.Summary, &c.SummaryUpToMessage); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversationPreview(ctx context.Context, id, preview string) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET preview = $1 WHERE id = $2`, preview, id)
}

func (s *Store) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET is_archived = $1 WHERE id = $2`, archived, id)
}

func (s *Store) MarkConversationRead(ctx context.Context, id string, readAt int64) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET read_at = $1 WHERE id = $2`, readAt, id)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete conversation: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, q := range []string{
		`DELETE FROM job_activities WHERE job_id IN (SELECT id FROM jobs WHERE conversation_id = $1)`,
		`DELETE FROM jobs WHERE conversation_id = $1`,
		`DELETE FROM scheduled_job_runs WHERE scheduled_job_id IN (SELECT id FROM scheduled_jobs WHERE conversation_id = $1)`,
		`DELETE FROM scheduled_jobs WHERE conversation_id = $1`,
		`DELETE FROM agent_context WHERE conversation_id = $1`,
		`DELETE FROM messages WHERE conversation_id = $1`,
		`DELETE FROM conversations WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ForkConversation(ctx context.Context, sourceID string, upToMessageID int64) (famulus.Conversation, error) {
	src, err := s.GetConversation(ctx, sourceID)
	if err != nil {
		return famulus.Conversation{}, err
	}

	depth := 1
	cur := src
	for cur.ForkedFrom != "" {
		depth++
		parent, err := s.GetConversation(ctx, cur.ForkedFrom)
		if err != nil {
			break
		}
		cur = parent
	}

	fork := famulus.Conversation{
		ID:           famulus.NewID(),
		CreatedAt:    famulus.NowUnix(),
		Preview:      src.Preview,
		ForkedFrom:   sourceID,
		BranchNumber: depth,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, created_at, preview, forked_from, branch_number)
		 VALUES ($1, $2, $3, $4, $5)`,
		fork.ID, fork.CreatedAt, fork.Preview, fork.ForkedFrom, fork.BranchNumber,
	); err != nil {
		return famulus.Conversation{}, &famulus.ErrConstraint{Entity: "conversation", Detail: err.Error()}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at)
		 SELECT $1, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at
		 FROM messages WHERE conversation_id = $2 AND id <= $3 ORDER BY id`,
		fork.ID, sourceID, upToMessageID,
	); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: copy messages: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_context (conversation_id, active_skills)
		 SELECT $1, active_skills FROM agent_context WHERE conversation_id = $2`,
		fork.ID, sourceID,
	); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: copy agent context: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: commit: %w", err)
	}
	return fork, nil
}

// --- messages ---

func (s *Store) AppendMessage(ctx context.Context, m famulus.Message) (int64, error) {
	var toolCalls any
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = b
	}
	var metadata any
	if len(m.Metadata) > 0 {
		metadata = []byte(m.Metadata)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10)
		 RETURNING id`,
		m.ConversationID, m.Role, m.Content, toolCalls, m.ToolCallID,
		m.Thinking, m.ThinkingSignature, metadata, m.Internal, m.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "message", Detail: err.Error()}
	}
	return id, nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string, includeInternal bool) ([]famulus.Message, error) {
	q := `SELECT id, conversation_id, role, content, COALESCE(tool_calls::text, ''), COALESCE(tool_call_id, ''), thinking, thinking_signature, COALESCE(metadata::text, ''), internal, created_at
	      FROM messages WHERE conversation_id = $1`
	if !includeInternal {
		q += ` AND NOT internal`
	}
	q += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	var out []famulus.Message
	for rows.Next() {
		var m famulus.Message
		var toolCalls, metadata string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &toolCalls, &m.ToolCallID,
			&m.Thinking, &m.ThinkingSignature, &metadata, &m.Internal, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if metadata != "" {
			m.Metadata = json.RawMessage(metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LastMessageID(ctx context.Context, conversationID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last message id: %w", err)
	}
	return id, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteMessagesFrom(ctx context.Context, conversationID string, messageID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE conversation_id = $1 AND id >= $2`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("delete messages from: %w", err)
	}
	return nil
}

func (s *Store) GetConversationHistory(ctx context.Context, conversationID string, opts famulus.HistoryOptions) ([]famulus.ChatMessage, error) {
	msgs, err := s.GetMessages(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	return famulus.CompressHistory(msgs, opts), nil
}

func (s *Store) SaveConversationSummary(ctx context.Context, conversationID, summary string, upToMessageID int64) error {
	return s.execOne(ctx, "conversation",
		`UPDATE conversations SET summary = $1, summary_up_to_message_id = $2 WHERE id = $3`,
		summary, upToMessageID, conversationID)
}

// --- jobs ---

func (s *Store) SaveJob(ctx context.Context, j famulus.Job) error {
	var options any
	if len(j.QuestionOptions) > 0 {
		b, err := json.Marshal(j.QuestionOptions)
		if err != nil {
			return fmt.Errorf("marshal question options: %w", err)
		}
		options = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, question_options, user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			worker_id = EXCLUDED.worker_id,
			question = EXCLUDED.question,
			question_options = EXCLUDED.question_options,
			user_response = EXCLUDED.user_response,
			is_cancelled = EXCLUDED.is_cancelled,
			is_force_respond = EXCLUDED.is_force_respond`,
		j.ID, j.ConversationID, j.Message, j.Status, j.CreatedAt, j.StartedAt, j.CompletedAt,
		j.Result, j.Error, j.WorkerID, j.Question, options, j.UserResponse,
		j.IsCancelled, j.IsForceRespond, j.SkipHistory, j.Headless, j.AskUserDefault,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "job", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (famulus.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, COALESCE(question_options::text, ''), user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default
		 FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return famulus.Job{}, &famulus.ErrConstraint{Entity: "job", Detail: "not found"}
	}
	return j, err
}

func (s *Store) ListJobsForConversation(ctx context.Context, conversationID string) ([]famulus.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, COALESCE(question_options::text, ''), user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default
		 FROM jobs WHERE conversation_id = $1 ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []famulus.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (famulus.Job, error) {
	var j famulus.Job
	var options string
	err := row.Scan(&j.ID, &j.ConversationID, &j.Message, &j.Status, &j.CreatedAt,
		&j.StartedAt, &j.CompletedAt, &j.Result, &j.Error, &j.WorkerID, &j.Question,
		&options, &j.UserResponse, &j.IsCancelled, &j.IsForceRespond, &j.SkipHistory,
		&j.Headless, &j.AskUserDefault)
	if err != nil {
		return famulus.Job{}, err
	}
	if options != "" {
		if err := json.Unmarshal([]byte(options), &j.QuestionOptions); err != nil {
			return famulus.Job{}, fmt.Errorf("unmarshal question options: %w", err)
		}
	}
	return j, nil
}

// --- job activities ---

func (s *Store) AppendActivity(ctx context.Context, a famulus.JobActivity) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO job_activities (job_id, ts, type, message, detail, tool_name, is_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.JobID, a.Timestamp, a.Type, a.Message, a.Detail, a.ToolName, a.IsError,
	).Scan(&id)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "job_activity", Detail: err.Error()}
	}
	return id, nil
}

func (s *Store) GetActivities(ctx context.Context, jobID string, sinceID int64) ([]famulus.JobActivity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, ts, type, message, detail, tool_name, is_error
		 FROM job_activities WHERE job_id = $1 AND id > $2 ORDER BY id`, jobID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("get activities: %w", err)
	}
	defer rows.Close()
	var out []famulus.JobActivity
	for rows.Next() {
		var a famulus.JobActivity
		if err := rows.Scan(&a.ID, &a.JobID, &a.Timestamp, &a.Type, &a.Message, &a.Detail, &a.ToolName, &a.IsError); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- scheduled jobs ---

func (s *Store) SaveScheduledJob(ctx context.Context, job famulus.ScheduledJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scheduled_jobs (id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			prompt = EXCLUDED.prompt,
			cron_expression = EXCLUDED.cron_expression,
			schedule_description = EXCLUDED.schedule_description,
			timezone = EXCLUDED.timezone,
			is_enabled = EXCLUDED.is_enabled,
			updated_at = EXCLUDED.updated_at,
			last_run_at = EXCLUDED.last_run_at,
			next_run_at = EXCLUDED.next_run_at,
			run_count = EXCLUDED.run_count,
			context_json = EXCLUDED.context_json,
			files_dir = EXCLUDED.files_dir`,
		job.ID, job.ConversationID, job.Name, job.Prompt, job.CronExpression, job.ScheduleDescription,
		job.Timezone, job.IsEnabled, job.CreatedAt, job.UpdatedAt, job.LastRunAt, job.NextRunAt,
		job.RunCount, job.ContextJSON, job.FilesDir,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "scheduled_job", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetScheduledJob(ctx context.Context, id string) (famulus.ScheduledJob, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir
		 FROM scheduled_jobs WHERE id = $1`, id)
	var j famulus.ScheduledJob
	err := row.Scan(&j.ID, &j.ConversationID, &j.Name, &j.Prompt, &j.CronExpression, &j.ScheduleDescription,
		&j.Timezone, &j.IsEnabled, &j.CreatedAt, &j.UpdatedAt, &j.LastRunAt, &j.NextRunAt,
		&j.RunCount, &j.ContextJSON, &j.FilesDir)
	if err == pgx.ErrNoRows {
		return famulus.ScheduledJob{}, &famulus.ErrConstraint{Entity: "scheduled_job", Detail: "not found"}
	}
	if err != nil {
		return famulus.ScheduledJob{}, fmt.Errorf("get scheduled job: %w", err)
	}
	return j, nil
}

func (s *Store) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]famulus.ScheduledJob, error) {
	q := `SELECT id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir
	      FROM scheduled_jobs`
	if enabledOnly {
		q += ` WHERE is_enabled`
	}
	q += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()
	var out []famulus.ScheduledJob
	for rows.Next() {
		var j famulus.ScheduledJob
		if err := rows.Scan(&j.ID, &j.ConversationID, &j.Name, &j.Prompt, &j.CronExpression, &j.ScheduleDescription,
			&j.Timezone, &j.IsEnabled, &j.CreatedAt, &j.UpdatedAt, &j.LastRunAt, &j.NextRunAt,
			&j.RunCount, &j.ContextJSON, &j.FilesDir); err != nil {
			return nil, fmt.Errorf("scan scheduled job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete scheduled job: begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM scheduled_job_runs WHERE scheduled_job_id = $1`, id); err != nil {
		return fmt.Errorf("delete scheduled runs: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) AppendScheduledRun(ctx context.Context, r famulus.ScheduledJobRun) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO scheduled_job_runs (scheduled_job_id, job_id, started_at, completed_at, status, result_preview)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		r.ScheduledJobID, r.JobID, r.StartedAt, r.CompletedAt, r.Status, r.ResultPreview,
	).Scan(&id)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "scheduled_job_run", Detail: err.Error()}
	}
	return id, nil
}

func (s *Store) ListScheduledRuns(ctx context.Context, scheduledJobID string, limit int) ([]famulus.ScheduledJobRun, error) {
	q := `SELECT id, scheduled_job_id, job_id, started_at, completed_at, status, result_preview
	      FROM scheduled_job_runs WHERE scheduled_job_id = $1 ORDER BY id DESC`
	args := []any{scheduledJobID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled runs: %w", err)
	}
	defer rows.Close()
	var out []famulus.ScheduledJobRun
	for rows.Next() {
		var r famulus.ScheduledJobRun
		if err := rows.Scan(&r.ID, &r.ScheduledJobID, &r.JobID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.ResultPreview); err != nil {
			return nil, fmt.Errorf("scan scheduled run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ClearSchedulerLinks(ctx context.Context, scheduledJobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE conversations SET scheduler_id = NULL WHERE scheduler_id = $1`, scheduledJobID)
	if err != nil {
		return fmt.Errorf("clear scheduler links: %w", err)
	}
	return nil
}

// --- agent context ---

func (s *Store) SaveAgentContext(ctx context.Context, conversationID string, activeSkills map[string]int) error {
	data, err := json.Marshal(activeSkills)
	if err != nil {
		return fmt.Errorf("marshal agent context: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_context (conversation_id, active_skills) VALUES ($1, $2)
		 ON CONFLICT (conversation_id) DO UPDATE SET active_skills = EXCLUDED.active_skills`,
		conversationID, data)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "agent_context", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetAgentContext(ctx context.Context, conversationID string) (map[string]int, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT active_skills FROM agent_context WHERE conversation_id = $1`, conversationID).Scan(&data)
	if err == pgx.ErrNoRows {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent context: %w", err)
	}
	out := map[string]int{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal agent context: %w", err)
	}
	return out, nil
}

// --- usage log ---

func (s *Store) AppendUsage(ctx context.Context, u famulus.UsageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_log (id, job_id, conversation_id, model, provider, prompt_tokens, completion_tokens, cost_usd, component, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID, u.JobID, u.ConversationID, u.Model, u.Provider, u.PromptTokens, u.CompletionTokens,
		u.CostUSD, u.Component, u.CreatedAt,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "usage_record", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetConversationCost(ctx context.Context, conversationID string) (float64, error) {
	var cost float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_log WHERE conversation_id = $1`, conversationID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("conversation cost: %w", err)
	}
	return cost, nil
}

// --- custom skills ---

func (s *Store) SaveCustomSkill(ctx context.Context, sk famulus.CustomSkill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO custom_skills (id, name, description, instructions, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			instructions = EXCLUDED.instructions,
			updated_at = EXCLUDED.updated_at`,
		sk.ID, sk.Name, sk.Description, sk.Instructions, sk.CreatedAt, sk.UpdatedAt,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "custom_skill", Detail: err.Error()}
	}
	return nil
}

func (s *Store) ListCustomSkills(ctx context.Context) ([]famulus.CustomSkill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, instructions, created_at, updated_at FROM custom_skills ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list custom skills: %w", err)
	}
	defer rows.Close()
	var out []famulus.CustomSkill
	for rows.Next() {
		var sk famulus.CustomSkill
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Instructions, &sk.CreatedAt, &sk.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan custom skill: %w", err)
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCustomSkill(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM custom_skills WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete custom skill: %w", err)
	}
	return nil
}

// --- settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, entity, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return &famulus.ErrConstraint{Entity: entity, Detail: err.Error()}
	}
	if tag.RowsAffected() == 0 {
		return &famulus.ErrConstraint{Entity: entity, Detail: "not found"}
	}
	return nil
}
