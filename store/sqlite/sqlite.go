// Package sqlite implements famulus.Store on a local SQLite file using the
// pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mwalkowiak/famulus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for operations including timing and key parameters.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements famulus.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ famulus.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			preview TEXT,
			forked_from TEXT,
			branch_number INTEGER DEFAULT 0,
			is_archived INTEGER DEFAULT 0,
			scheduler_id TEXT,
			is_scheduler_run INTEGER DEFAULT 0,
			read_at INTEGER,
			summary TEXT,
			summary_up_to_message_id INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT,
			tool_calls TEXT,
			tool_call_id TEXT,
			thinking TEXT,
			thinking_signature TEXT,
			metadata TEXT,
			internal INTEGER DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			result TEXT,
			error TEXT,
			worker_id TEXT,
			question TEXT,
			question_options TEXT,
			user_response TEXT,
			is_cancelled INTEGER DEFAULT 0,
			is_force_respond INTEGER DEFAULT 0,
			skip_history INTEGER DEFAULT 0,
			headless INTEGER DEFAULT 0,
			ask_user_default TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS job_activities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			type TEXT NOT NULL,
			message TEXT,
			detail TEXT,
			tool_name TEXT,
			is_error INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			schedule_description TEXT,
			timezone TEXT,
			is_enabled INTEGER DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_run_at INTEGER,
			next_run_at INTEGER,
			run_count INTEGER DEFAULT 0,
			context_json TEXT,
			files_dir TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_job_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scheduled_job_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			status TEXT NOT NULL,
			result_preview TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_context (
			conversation_id TEXT PRIMARY KEY,
			active_skills TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			id TEXT PRIMARY KEY,
			job_id TEXT,
			conversation_id TEXT,
			model TEXT NOT NULL,
			provider TEXT,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			component TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			instructions TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT,
			command TEXT,
			exit_code INTEGER,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied)
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE conversations ADD COLUMN read_at INTEGER")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE conversations ADD COLUMN summary TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE conversations ADD COLUMN summary_up_to_message_id INTEGER DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE jobs ADD COLUMN ask_user_default TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE scheduled_jobs ADD COLUMN files_dir TEXT")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_activities_job ON job_activities(job_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_jobs_conversation ON jobs(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_scheduled_next_run ON scheduled_jobs(next_run_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_log(conversation_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id)`)

	if err := s.backfillReadAt(ctx); err != nil {
		return err
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
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
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET read_at = created_at WHERE read_at IS NULL OR read_at = 0`); err != nil {
		return fmt.Errorf("read_at backfill: %w", err)
	}
	return s.SetSetting(ctx, readAtBackfillKey, "done")
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for tools that keep their own audit tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- conversations ---

func (s *Store) CreateConversation(ctx context.Context, c famulus.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, preview, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, read_at, summary, summary_up_to_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CreatedAt, c.Preview, nullStr(c.ForkedFrom), c.BranchNumber, b2i(c.IsArchived),
		nullStr(c.SchedulerID), b2i(c.IsSchedulerRun), c.ReadAt, c.Summary, c.SummaryUpToMessage,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "conversation", Detail: err.Error()}
	}
	s.logger.Debug("sqlite: conversation created", "id", c.ID)
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (famulus.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, preview, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, read_at, summary, summary_up_to_message_id
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func (s *Store) ListConversations(ctx context.Context, includeArchived bool) ([]famulus.Conversation, error) {
	q := `SELECT id, created_at, preview, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, read_at, summary, summary_up_to_message_id
	      FROM conversations`
	if !includeArchived {
		q += ` WHERE is_archived = 0`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []famulus.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversationPreview(ctx context.Context, id, preview string) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET preview = ? WHERE id = ?`, preview, id)
}

func (s *Store) SetConversationArchived(ctx context.Context, id string, archived bool) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET is_archived = ? WHERE id = ?`, b2i(archived), id)
}

func (s *Store) MarkConversationRead(ctx context.Context, id string, readAt int64) error {
	return s.execOne(ctx, "conversation", `UPDATE conversations SET read_at = ? WHERE id = ?`, readAt, id)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete conversation: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM job_activities WHERE job_id IN (SELECT id FROM jobs WHERE conversation_id = ?)`,
		`DELETE FROM jobs WHERE conversation_id = ?`,
		`DELETE FROM scheduled_job_runs WHERE scheduled_job_id IN (SELECT id FROM scheduled_jobs WHERE conversation_id = ?)`,
		`DELETE FROM scheduled_jobs WHERE conversation_id = ?`,
		`DELETE FROM agent_context WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete conversation: commit: %w", err)
	}
	s.logger.Debug("sqlite: conversation deleted", "id", id, "duration", time.Since(start))
	return nil
}

// ForkConversation copies messages up to and including upToMessageID into a
// new conversation. branch_number is the forked_from chain depth; the agent
// context row travels with the fork.
func (s *Store) ForkConversation(ctx context.Context, sourceID string, upToMessageID int64) (famulus.Conversation, error) {
	src, err := s.GetConversation(ctx, sourceID)
	if err != nil {
		return famulus.Conversation{}, err
	}

	// Chain depth: walk forked_from until the root.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at, preview, forked_from, branch_number, is_archived, scheduler_id, is_scheduler_run, read_at, summary, summary_up_to_message_id)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, 0, 0, '', 0)`,
		fork.ID, fork.CreatedAt, fork.Preview, fork.ForkedFrom, fork.BranchNumber,
	); err != nil {
		return famulus.Conversation{}, &famulus.ErrConstraint{Entity: "conversation", Detail: err.Error()}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at)
		 SELECT ?, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at
		 FROM messages WHERE conversation_id = ? AND id <= ? ORDER BY id`,
		fork.ID, sourceID, upToMessageID,
	); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: copy messages: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_context (conversation_id, active_skills)
		 SELECT ?, active_skills FROM agent_context WHERE conversation_id = ?`,
		fork.ID, sourceID,
	); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: copy agent context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return famulus.Conversation{}, fmt.Errorf("fork: commit: %w", err)
	}
	s.logger.Debug("sqlite: conversation forked", "source", sourceID, "fork", fork.ID, "branch", depth)
	return fork, nil
}

// --- messages ---

func (s *Store) AppendMessage(ctx context.Context, m famulus.Message) (int64, error) {
	toolCalls, err := marshalToolCalls(m.ToolCalls)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Role, m.Content, toolCalls, nullStr(m.ToolCallID),
		m.Thinking, m.ThinkingSignature, nullRaw(m.Metadata), b2i(m.Internal), m.CreatedAt,
	)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "message", Detail: err.Error()}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: last id: %w", err)
	}
	return id, nil
}

func (s *Store) GetMessages(ctx context.Context, conversationID string, includeInternal bool) ([]famulus.Message, error) {
	q := `SELECT id, conversation_id, role, content, tool_calls, tool_call_id, thinking, thinking_signature, metadata, internal, created_at
	      FROM messages WHERE conversation_id = ?`
	if !includeInternal {
		q += ` AND internal = 0`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	var out []famulus.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LastMessageID(ctx context.Context, conversationID string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last message id: %w", err)
	}
	return id.Int64, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteMessagesFrom(ctx context.Context, conversationID string, messageID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND id >= ?`, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("delete messages from: %w", err)
	}
	return nil
}

func (s *Store) GetConversationHistory(ctx context.Context, conversationID string, opts famulus.HistoryOptions) ([]famulus.ChatMessage, error) {
	start := time.Now()
	msgs, err := s.GetMessages(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	out := famulus.CompressHistory(msgs, opts)
	s.logger.Debug("sqlite: history loaded",
		"conversation", conversationID,
		"messages", len(msgs),
		"returned", len(out),
		"duration", time.Since(start))
	return out, nil
}

func (s *Store) SaveConversationSummary(ctx context.Context, conversationID, summary string, upToMessageID int64) error {
	return s.execOne(ctx, "conversation",
		`UPDATE conversations SET summary = ?, summary_up_to_message_id = ? WHERE id = ?`,
		summary, upToMessageID, conversationID)
}

// --- jobs ---

func (s *Store) SaveJob(ctx context.Context, j famulus.Job) error {
	options, err := marshalStrings(j.QuestionOptions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, question_options, user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ConversationID, j.Message, j.Status, j.CreatedAt, j.StartedAt, j.CompletedAt,
		j.Result, j.Error, j.WorkerID, j.Question, options, j.UserResponse,
		b2i(j.IsCancelled), b2i(j.IsForceRespond), b2i(j.SkipHistory), b2i(j.Headless), j.AskUserDefault,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "job", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (famulus.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, question_options, user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *Store) ListJobsForConversation(ctx context.Context, conversationID string) ([]famulus.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, message, status, created_at, started_at, completed_at, result, error, worker_id, question, question_options, user_response, is_cancelled, is_force_respond, skip_history, headless, ask_user_default
		 FROM jobs WHERE conversation_id = ? ORDER BY created_at`, conversationID)
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

// --- job activities ---

func (s *Store) AppendActivity(ctx context.Context, a famulus.JobActivity) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_activities (job_id, timestamp, type, message, detail, tool_name, is_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, a.Timestamp, a.Type, a.Message, a.Detail, a.ToolName, b2i(a.IsError),
	)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "job_activity", Detail: err.Error()}
	}
	return res.LastInsertId()
}

func (s *Store) GetActivities(ctx context.Context, jobID string, sinceID int64) ([]famulus.JobActivity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, timestamp, type, message, detail, tool_name, is_error
		 FROM job_activities WHERE job_id = ? AND id > ? ORDER BY id`, jobID, sinceID)
	if err != nil {
		return nil, fmt.Errorf("get activities: %w", err)
	}
	defer rows.Close()
	var out []famulus.JobActivity
	for rows.Next() {
		var a famulus.JobActivity
		var isErr int
		if err := rows.Scan(&a.ID, &a.JobID, &a.Timestamp, &a.Type, &a.Message, &a.Detail, &a.ToolName, &isErr); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.IsError = isErr != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- scheduled jobs ---

func (s *Store) SaveScheduledJob(ctx context.Context, job famulus.ScheduledJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scheduled_jobs (id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ConversationID, job.Name, job.Prompt, job.CronExpression, job.ScheduleDescription,
		job.Timezone, b2i(job.IsEnabled), job.CreatedAt, job.UpdatedAt, job.LastRunAt, job.NextRunAt,
		job.RunCount, job.ContextJSON, job.FilesDir,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "scheduled_job", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetScheduledJob(ctx context.Context, id string) (famulus.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir
		 FROM scheduled_jobs WHERE id = ?`, id)
	return scanScheduledJob(row)
}

func (s *Store) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]famulus.ScheduledJob, error) {
	q := `SELECT id, conversation_id, name, prompt, cron_expression, schedule_description, timezone, is_enabled, created_at, updated_at, last_run_at, next_run_at, run_count, context_json, files_dir
	      FROM scheduled_jobs`
	if enabledOnly {
		q += ` WHERE is_enabled = 1`
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}
	defer rows.Close()
	var out []famulus.ScheduledJob
	for rows.Next() {
		j, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete scheduled job: begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_job_runs WHERE scheduled_job_id = ?`, id); err != nil {
		return fmt.Errorf("delete scheduled runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete scheduled job: %w", err)
	}
	return tx.Commit()
}

func (s *Store) AppendScheduledRun(ctx context.Context, r famulus.ScheduledJobRun) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_job_runs (scheduled_job_id, job_id, started_at, completed_at, status, result_preview)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ScheduledJobID, r.JobID, r.StartedAt, r.CompletedAt, r.Status, r.ResultPreview,
	)
	if err != nil {
		return 0, &famulus.ErrConstraint{Entity: "scheduled_job_run", Detail: err.Error()}
	}
	return res.LastInsertId()
}

func (s *Store) ListScheduledRuns(ctx context.Context, scheduledJobID string, limit int) ([]famulus.ScheduledJobRun, error) {
	q := `SELECT id, scheduled_job_id, job_id, started_at, completed_at, status, result_preview
	      FROM scheduled_job_runs WHERE scheduled_job_id = ? ORDER BY id DESC`
	args := []any{scheduledJobID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET scheduler_id = NULL WHERE scheduler_id = ?`, scheduledJobID)
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
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_context (conversation_id, active_skills) VALUES (?, ?)`,
		conversationID, string(data))
	if err != nil {
		return &famulus.ErrConstraint{Entity: "agent_context", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetAgentContext(ctx context.Context, conversationID string) (map[string]int, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT active_skills FROM agent_context WHERE conversation_id = ?`, conversationID).Scan(&data)
	if err == sql.ErrNoRows {
		return map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent context: %w", err)
	}
	out := map[string]int{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal agent context: %w", err)
	}
	return out, nil
}

// --- usage log ---

func (s *Store) AppendUsage(ctx context.Context, u famulus.UsageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (id, job_id, conversation_id, model, provider, prompt_tokens, completion_tokens, cost_usd, component, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.JobID, u.ConversationID, u.Model, u.Provider, u.PromptTokens, u.CompletionTokens,
		u.CostUSD, u.Component, u.CreatedAt,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "usage_record", Detail: err.Error()}
	}
	return nil
}

func (s *Store) GetConversationCost(ctx context.Context, conversationID string) (float64, error) {
	var cost sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost_usd) FROM usage_log WHERE conversation_id = ?`, conversationID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("conversation cost: %w", err)
	}
	return cost.Float64, nil
}

// --- custom skills ---

func (s *Store) SaveCustomSkill(ctx context.Context, sk famulus.CustomSkill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO custom_skills (id, name, description, instructions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Description, sk.Instructions, sk.CreatedAt, sk.UpdatedAt,
	)
	if err != nil {
		return &famulus.ErrConstraint{Entity: "custom_skill", Detail: err.Error()}
	}
	return nil
}

func (s *Store) ListCustomSkills(ctx context.Context) ([]famulus.CustomSkill, error) {
	rows, err := s.db.QueryContext(ctx,
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM custom_skills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete custom skill: %w", err)
	}
	return nil
}

// --- settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// --- helpers ---

// execOne runs an UPDATE that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, entity, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &famulus.ErrConstraint{Entity: entity, Detail: err.Error()}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &famulus.ErrConstraint{Entity: entity, Detail: "not found"}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (famulus.Conversation, error) {
	var c famulus.Conversation
	var forkedFrom, schedulerID sql.NullString
	var readAt, summaryUpTo sql.NullInt64
	var summary sql.NullString
	var archived, schedulerRun int
	err := row.Scan(&c.ID, &c.CreatedAt, &c.Preview, &forkedFrom, &c.BranchNumber,
		&archived, &schedulerID, &schedulerRun, &readAt, &summary, &summaryUpTo)
	if err == sql.ErrNoRows {
		return famulus.Conversation{}, &famulus.ErrConstraint{Entity: "conversation", Detail: "not found"}
	}
	if err != nil {
		return famulus.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.ForkedFrom = forkedFrom.String
	c.SchedulerID = schedulerID.String
	c.IsArchived = archived != 0
	c.IsSchedulerRun = schedulerRun != 0
	c.ReadAt = readAt.Int64
	c.Summary = summary.String
	c.SummaryUpToMessage = summaryUpTo.Int64
	return c, nil
}

func scanMessage(row scanner) (famulus.Message, error) {
	var m famulus.Message
	var toolCalls, toolCallID, thinking, thinkingSig, metadata, content sql.NullString
	var internal int
	err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &toolCalls, &toolCallID,
		&thinking, &thinkingSig, &metadata, &internal, &m.CreatedAt)
	if err != nil {
		return famulus.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.Content = content.String
	m.ToolCallID = toolCallID.String
	m.Thinking = thinking.String
	m.ThinkingSignature = thinkingSig.String
	m.Internal = internal != 0
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return famulus.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	return m, nil
}

func scanJob(row scanner) (famulus.Job, error) {
	var j famulus.Job
	var startedAt, completedAt sql.NullInt64
	var result, errStr, workerID, question, options, userResponse, askDefault sql.NullString
	var cancelled, forceRespond, skipHistory, headless int
	err := row.Scan(&j.ID, &j.ConversationID, &j.Message, &j.Status, &j.CreatedAt,
		&startedAt, &completedAt, &result, &errStr, &workerID, &question, &options,
		&userResponse, &cancelled, &forceRespond, &skipHistory, &headless, &askDefault)
	if err == sql.ErrNoRows {
		return famulus.Job{}, &famulus.ErrConstraint{Entity: "job", Detail: "not found"}
	}
	if err != nil {
		return famulus.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.StartedAt = startedAt.Int64
	j.CompletedAt = completedAt.Int64
	j.Result = result.String
	j.Error = errStr.String
	j.WorkerID = workerID.String
	j.Question = question.String
	j.UserResponse = userResponse.String
	j.AskUserDefault = askDefault.String
	j.IsCancelled = cancelled != 0
	j.IsForceRespond = forceRespond != 0
	j.SkipHistory = skipHistory != 0
	j.Headless = headless != 0
	if options.Valid && options.String != "" {
		if err := json.Unmarshal([]byte(options.String), &j.QuestionOptions); err != nil {
			return famulus.Job{}, fmt.Errorf("unmarshal question options: %w", err)
		}
	}
	return j, nil
}

func scanScheduledJob(row scanner) (famulus.ScheduledJob, error) {
	var j famulus.ScheduledJob
	var convID, desc, tz, contextJSON, filesDir sql.NullString
	var lastRun, nextRun sql.NullInt64
	var enabled int
	err := row.Scan(&j.ID, &convID, &j.Name, &j.Prompt, &j.CronExpression, &desc, &tz,
		&enabled, &j.CreatedAt, &j.UpdatedAt, &lastRun, &nextRun, &j.RunCount, &contextJSON, &filesDir)
	if err == sql.ErrNoRows {
		return famulus.ScheduledJob{}, &famulus.ErrConstraint{Entity: "scheduled_job", Detail: "not found"}
	}
	if err != nil {
		return famulus.ScheduledJob{}, fmt.Errorf("scan scheduled job: %w", err)
	}
	j.ConversationID = convID.String
	j.ScheduleDescription = desc.String
	j.Timezone = tz.String
	j.IsEnabled = enabled != 0
	j.LastRunAt = lastRun.Int64
	j.NextRunAt = nextRun.Int64
	j.ContextJSON = contextJSON.String
	j.FilesDir = filesDir.String
	return j, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalToolCalls(calls []famulus.ToolCall) (any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(calls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(b), nil
}

func marshalStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, fmt.Errorf("marshal strings: %w", err)
	}
	return string(b), nil
}
