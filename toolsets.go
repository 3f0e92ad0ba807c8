package famulus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// createScheduledJobArgs is the schema for create_scheduled_job.
type createScheduledJobArgs struct {
	Name                string            `json:"name" jsonschema:"description=Short name for the scheduled task"`
	Prompt              string            `json:"prompt" jsonschema:"description=The instruction to run on each fire"`
	CronExpression      string            `json:"cron_expression" jsonschema:"description=Five-field CRON expression"`
	ScheduleDescription string            `json:"schedule_description,omitempty" jsonschema:"description=Human-readable schedule"`
	Timezone            string            `json:"timezone,omitempty"`
	Steps               []string          `json:"steps,omitempty"`
	Variables           map[string]string `json:"variables,omitempty"`
}

type updateScheduledJobArgs struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// SchedulerTools returns the job-scoped scheduling tools, bound to the
// conversation that created them.
func SchedulerTools(s *Scheduler, conversationID string) []Tool {
	create := Tool{
		Name:        "create_scheduled_job",
		Description: "Create a recurring task that runs a prompt on a CRON schedule.",
		Parameters:  SchemaFor[createScheduledJobArgs](),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a createScheduledJobArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			job := ScheduledJob{
				ConversationID:      conversationID,
				Name:                a.Name,
				Prompt:              a.Prompt,
				CronExpression:      a.CronExpression,
				ScheduleDescription: a.ScheduleDescription,
				Timezone:            a.Timezone,
			}
			if len(a.Steps) > 0 || len(a.Variables) > 0 {
				b, err := json.Marshal(ScheduledContext{Steps: a.Steps, Variables: a.Variables})
				if err != nil {
					return nil, err
				}
				job.ContextJSON = string(b)
			}
			created, err := s.Add(ctx, job)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"id":          created.ID,
				"next_run_at": created.NextRunAt,
				"timezone":    created.Timezone,
			}, nil
		},
	}

	update := Tool{
		Name:        "update_scheduled_job",
		Description: "Modify or enable/disable an existing scheduled task.",
		Parameters:  SchemaFor[updateScheduledJobArgs](),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a updateScheduledJobArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			existing, err := s.store.GetScheduledJob(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			if a.Enabled != nil && a.Name == "" && a.Prompt == "" && a.CronExpression == "" {
				if err := s.SetEnabled(ctx, a.ID, *a.Enabled); err != nil {
					return nil, err
				}
				return map[string]any{"id": a.ID, "enabled": *a.Enabled}, nil
			}
			if a.Name != "" {
				existing.Name = a.Name
			}
			if a.Prompt != "" {
				existing.Prompt = a.Prompt
			}
			if a.CronExpression != "" {
				existing.CronExpression = a.CronExpression
			}
			if a.Timezone != "" {
				existing.Timezone = a.Timezone
			}
			if a.Enabled != nil {
				existing.IsEnabled = *a.Enabled
			}
			updated, err := s.Update(ctx, existing)
			if err != nil {
				return nil, err
			}
			return map[string]any{"id": updated.ID, "next_run_at": updated.NextRunAt}, nil
		},
	}

	return []Tool{create, update}
}

// ListScheduledJobsTool is registered unconditionally.
func ListScheduledJobsTool(store Store) Tool {
	return Tool{
		Name:        "list_scheduled_jobs",
		Description: "List all scheduled tasks with their schedules and next run times.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			jobs, err := store.ListScheduledJobs(ctx, false)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(jobs))
			for _, j := range jobs {
				out = append(out, map[string]any{
					"id":          j.ID,
					"name":        j.Name,
					"cron":        j.CronExpression,
					"timezone":    j.Timezone,
					"enabled":     j.IsEnabled,
					"next_run_at": j.NextRunAt,
					"run_count":   j.RunCount,
				})
			}
			return out, nil
		},
	}
}

type delegateArgs struct {
	Task string `json:"task" jsonschema:"description=A self-contained task description for the sub-agent"`
}

// DelegateTool wires the DelegateExecutor into the registry for one job.
// The executor is built first and installed here in a second phase, which
// breaks the Agent <-> executor construction cycle.
func DelegateTool(exec *SubAgentExecutor, job Job, cancelled func() bool) Tool {
	return Tool{
		Name:        "delegate_task",
		Description: "Hand a self-contained task to a focused sub-agent and get back a consolidated result.",
		Parameters:  SchemaFor[delegateArgs](),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a delegateArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			res := exec.Run(ctx, a.Task, job.ID, job.ConversationID, cancelled)
			if res.Status == SubAgentError && res.Error == ErrJobCancelled.Error() {
				return nil, ErrJobCancelled
			}
			return res, nil
		},
	}
}

type exploreArgs struct {
	Question string `json:"question" jsonschema:"description=What to investigate"`
}

// ExploreTool wires the read-only ExploreExecutor for one job.
func ExploreTool(exec *SubAgentExecutor, job Job, cancelled func() bool) Tool {
	return Tool{
		Name:        "explore",
		Description: "Investigate files and past conversation content read-only, and report findings.",
		Parameters:  SchemaFor[exploreArgs](),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a exploreArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			return exec.Run(ctx, a.Question, job.ID, job.ConversationID, cancelled), nil
		},
	}
}

type recallArgs struct {
	Query string `json:"query" jsonschema:"description=Text to search for in earlier messages"`
	Limit int    `json:"limit,omitempty" jsonschema:"description=Maximum matches to return"`
}

// RecallFromChatTool searches the full persisted history of the
// conversation, including messages hidden by compression.
func RecallFromChatTool(store Store, conversationID string) Tool {
	return Tool{
		Name:        "recall_from_chat",
		Description: "Search earlier messages in this conversation for exact values that are no longer visible.",
		Parameters:  SchemaFor[recallArgs](),
		Defaults:    map[string]any{"limit": 5},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var a recallArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if a.Limit <= 0 {
				a.Limit = 5
			}
			msgs, err := store.GetMessages(ctx, conversationID, true)
			if err != nil {
				return nil, err
			}
			needle := strings.ToLower(a.Query)
			var hits []map[string]any
			for _, m := range msgs {
				if !strings.Contains(strings.ToLower(m.Content), needle) {
					continue
				}
				hits = append(hits, map[string]any{
					"message_id": m.ID,
					"role":       m.Role,
					"excerpt":    excerptAround(m.Content, needle, 200),
				})
				if len(hits) >= a.Limit {
					break
				}
			}
			if len(hits) == 0 {
				return "no matches", nil
			}
			return hits, nil
		},
	}
}

// decodeArgs round-trips the defaults-merged argument map into a typed struct.
func decodeArgs(args map[string]any, dst any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// excerptAround returns up to width characters centered on the first match.
func excerptAround(content, lowerNeedle string, width int) string {
	idx := strings.Index(strings.ToLower(content), lowerNeedle)
	if idx < 0 {
		return firstLine(content, width)
	}
	start := idx - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(content) {
		end = len(content)
	}
	return content[start:end]
}
