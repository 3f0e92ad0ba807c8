package famulus

import (
	"context"
	"strings"
	"testing"
	"time"
)

// runPool starts a single worker and stops it when the test ends.
func runPool(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})
}

func waitForTerminal(t *testing.T, q *JobQueue, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if IsTerminalStatus(job.Status) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return Job{}
}

func enqueue(t *testing.T, env *agentEnv, message string) Job {
	t.Helper()
	ctx := context.Background()
	convID := NewID()
	if err := env.store.CreateConversation(ctx, Conversation{ID: convID, CreatedAt: NowUnix()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := env.store.AppendMessage(ctx, Message{
		ConversationID: convID, Role: "user", Content: message, CreatedAt: NowUnix(),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	job, err := env.queue.CreateJob(ctx, NewID(), convID, message, JobOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := env.queue.Enqueue(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return job
}

func TestWorkerCompletesJob(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "task finished"}})
	job := enqueue(t, env, "do it")
	runPool(t, NewWorkerPool(env.queue, env.agent, nil, 1, nil))

	done := waitForTerminal(t, env.queue, job.ID)
	if done.Status != JobCompleted {
		t.Fatalf("status = %q (%s), want completed", done.Status, done.Error)
	}
	if done.Result != "task finished" {
		t.Errorf("result = %q", done.Result)
	}
	if done.WorkerID == "" {
		t.Error("worker id not stamped")
	}
	if done.StartedAt == 0 || done.CompletedAt == 0 {
		t.Error("timestamps not stamped")
	}
}

func TestWorkerSkipsPreCancelledJob(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "unused"}})
	job := enqueue(t, env, "task")
	if err := env.queue.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runPool(t, NewWorkerPool(env.queue, env.agent, nil, 1, nil))

	done := waitForTerminal(t, env.queue, job.ID)
	if done.Status != JobCancelled {
		t.Fatalf("status = %q, want cancelled", done.Status)
	}
	if env.main.calls != 0 {
		t.Errorf("agent ran the model %d times for a cancelled job", env.main.calls)
	}
}

func TestWorkerMapsErrorToFailed(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{err: &ErrHTTP{Status: 401, Body: "bad key"}})
	job := enqueue(t, env, "task")
	runPool(t, NewWorkerPool(env.queue, env.agent, nil, 1, nil))

	done := waitForTerminal(t, env.queue, job.ID)
	if done.Status != JobFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if done.Error == "" {
		t.Error("failed job without an error message")
	}
}

func TestWorkerContainsAgentPanic(t *testing.T) {
	// A nil agent makes Run panic on its first field access.
	store := newMemStore()
	q := NewJobQueue(store, nil)
	ctx := context.Background()
	job, err := q.CreateJob(ctx, NewID(), "c1", "task", JobOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := q.Enqueue(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runPool(t, NewWorkerPool(q, nil, nil, 1, nil))

	done := waitForTerminal(t, q, job.ID)
	if done.Status != JobFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "panic") {
		t.Errorf("error = %q, want panic containment", done.Error)
	}
}

func TestWorkerTimeoutMapsToFailed(t *testing.T) {
	env := newAgentEnv(t, "0",
		stubResult{resp: ChatResponse{Content: "too late"}})
	env.main.delay = 200 * time.Millisecond
	job := enqueue(t, env, "slow task")
	runPool(t, NewWorkerPool(env.queue, env.agent, nil, 1, nil,
		WithMaxJobRuntime(50*time.Millisecond)))

	done := waitForTerminal(t, env.queue, job.ID)
	if done.Status != JobFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "runtime bound") {
		t.Errorf("error = %q", done.Error)
	}
}
