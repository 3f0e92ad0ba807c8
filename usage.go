package famulus

import (
	"context"
	"log/slog"
	"sync"
)

// UsageTracker is the single sink for per-LLM-call accounting. It appends
// rows to the store's usage log and keeps in-memory per-job running totals
// for activity reporting. Writes are best-effort: a failed append is logged
// and never fails the LLM call that produced it.
type UsageTracker struct {
	store Store
	log   *slog.Logger

	mu        sync.Mutex
	jobTotals map[string]Usage
	jobCost   map[string]float64
}

func NewUsageTracker(store Store, log *slog.Logger) *UsageTracker {
	if log == nil {
		log = nopLogger
	}
	return &UsageTracker{
		store:     store,
		log:       log,
		jobTotals: make(map[string]Usage),
		jobCost:   make(map[string]float64),
	}
}

// Record appends one usage row and accumulates the job's running total.
func (t *UsageTracker) Record(ctx context.Context, rec UsageRecord) {
	if rec.JobID != "" {
		t.mu.Lock()
		u := t.jobTotals[rec.JobID]
		u.PromptTokens += rec.PromptTokens
		u.CompletionTokens += rec.CompletionTokens
		t.jobTotals[rec.JobID] = u
		t.jobCost[rec.JobID] += rec.CostUSD
		t.mu.Unlock()
	}
	if err := t.store.AppendUsage(ctx, rec); err != nil {
		t.log.Warn("usage append failed", "model", rec.Model, "error", err)
	}
}

// JobTotals returns the accumulated usage and cost for a job.
func (t *UsageTracker) JobTotals(jobID string) (Usage, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobTotals[jobID], t.jobCost[jobID]
}

// ForgetJob drops the in-memory totals once a job reaches a terminal state.
func (t *UsageTracker) ForgetJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobTotals, jobID)
	delete(t.jobCost, jobID)
}

// ConversationCost sums the persisted cost across all calls attributed to
// the conversation.
func (t *UsageTracker) ConversationCost(ctx context.Context, conversationID string) (float64, error) {
	return t.store.GetConversationCost(ctx, conversationID)
}

// Balance reports the provider account balance. Local and API-key providers
// expose no balance endpoint, so this is a stable "unsupported" answer
// rather than an error.
func (t *UsageTracker) Balance() (float64, bool) {
	return 0, false
}

// HasSufficientBalance reports whether the next call may proceed. With no
// balance backend every call may proceed.
func (t *UsageTracker) HasSufficientBalance() bool { return true }

// AddTopup and DeductBalance keep the balance API shape for deployments
// that meter spend. With no balance backend both are no-ops, which keeps
// add_topup(x); deduct_balance(x) trivially balance-preserving.
func (t *UsageTracker) AddTopup(amount float64) {}

func (t *UsageTracker) DeductBalance(amount float64) {}
