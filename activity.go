package famulus

import (
	"context"
	"log/slog"
)

// ActivityLog appends job activity rows for UI polling. Emission is
// best-effort: a failed append never fails the step that produced it.
type ActivityLog struct {
	store Store
	log   *slog.Logger
}

func NewActivityLog(store Store, log *slog.Logger) *ActivityLog {
	if log == nil {
		log = nopLogger
	}
	return &ActivityLog{store: store, log: log}
}

// Emit appends a simple activity.
func (a *ActivityLog) Emit(ctx context.Context, jobID, typ, message string) {
	a.emit(ctx, JobActivity{JobID: jobID, Type: typ, Message: message})
}

// EmitTool appends a tool-related activity with the full payload in detail.
func (a *ActivityLog) EmitTool(ctx context.Context, jobID, typ, toolName, message, detail string, isError bool) {
	a.emit(ctx, JobActivity{
		JobID:    jobID,
		Type:     typ,
		Message:  message,
		Detail:   detail,
		ToolName: toolName,
		IsError:  isError,
	})
}

// EmitError appends an error-flagged activity.
func (a *ActivityLog) EmitError(ctx context.Context, jobID, typ, message string) {
	a.emit(ctx, JobActivity{JobID: jobID, Type: typ, Message: message, IsError: true})
}

func (a *ActivityLog) emit(ctx context.Context, act JobActivity) {
	act.Timestamp = NowUnix()
	if _, err := a.store.AppendActivity(ctx, act); err != nil {
		a.log.Warn("activity append failed", "job", act.JobID, "type", act.Type, "error", err)
	}
}
