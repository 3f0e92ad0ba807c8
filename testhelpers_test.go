package famulus

import (
	"context"
	"sort"
	"sync"
	"time"
)

// stubResult is one scripted provider response.
type stubResult struct {
	resp   ChatResponse
	err    error
	tokens []string // streamed text deltas, optional
}

// stubProvider replays scripted results in order. The last result repeats
// once the script runs out.
type stubProvider struct {
	mu       sync.Mutex
	results  []stubResult
	calls    int
	requests []ChatRequest
	delay    time.Duration // per-call latency, for cancellation tests
}

func (s *stubProvider) next(req ChatRequest) stubResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if len(s.results) == 0 {
		return stubResult{}
	}
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	return s.results[i]
}

func (s *stubProvider) lastRequest() ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return ChatRequest{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *stubProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	r := s.next(req)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return r.resp, r.err
}

func (s *stubProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	r := s.next(req)
	if r.err != nil {
		return ChatResponse{}, r.err
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	for _, tok := range r.tokens {
		if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			}
		}
		select {
		case ch <- StreamEvent{Type: EventTextDelta, Content: tok}:
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	return r.resp, nil
}

func (s *stubProvider) Name() string  { return "stub" }
func (s *stubProvider) Model() string { return "stub-model" }

var _ Provider = (*stubProvider)(nil)

// memStore is a full in-memory Store for tests.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message
	nextMsgID     int64
	jobs          map[string]Job
	activities    []JobActivity
	nextActID     int64
	scheduled     map[string]ScheduledJob
	runs          []ScheduledJobRun
	nextRunID     int64
	agentCtx      map[string]map[string]int
	usage         []UsageRecord
	customSkills  map[string]CustomSkill
	settings      map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]Conversation{},
		messages:      map[string][]Message{},
		jobs:          map[string]Job{},
		scheduled:     map[string]ScheduledJob{},
		agentCtx:      map[string]map[string]int{},
		customSkills:  map[string]CustomSkill{},
		settings:      map[string]string{},
	}
}

var _ Store = (*memStore)(nil)

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) CreateConversation(_ context.Context, c Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return &ErrConstraint{Entity: "conversation", Detail: "duplicate id"}
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, &ErrConstraint{Entity: "conversation", Detail: "not found"}
	}
	return c, nil
}

func (s *memStore) ListConversations(_ context.Context, includeArchived bool) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if !includeArchived && c.IsArchived {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (s *memStore) mutateConversation(id string, f func(*Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return &ErrConstraint{Entity: "conversation", Detail: "not found"}
	}
	f(&c)
	s.conversations[id] = c
	return nil
}

func (s *memStore) UpdateConversationPreview(_ context.Context, id, preview string) error {
	return s.mutateConversation(id, func(c *Conversation) { c.Preview = preview })
}

func (s *memStore) SetConversationArchived(_ context.Context, id string, archived bool) error {
	return s.mutateConversation(id, func(c *Conversation) { c.IsArchived = archived })
}

func (s *memStore) MarkConversationRead(_ context.Context, id string, readAt int64) error {
	return s.mutateConversation(id, func(c *Conversation) { c.ReadAt = readAt })
}

func (s *memStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.messages, id)
	delete(s.agentCtx, id)
	for jid, j := range s.jobs {
		if j.ConversationID == id {
			delete(s.jobs, jid)
		}
	}
	return nil
}

func (s *memStore) ForkConversation(_ context.Context, sourceID string, upToMessageID int64) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.conversations[sourceID]
	if !ok {
		return Conversation{}, &ErrConstraint{Entity: "conversation", Detail: "not found"}
	}
	depth := 1
	cur := src
	for cur.ForkedFrom != "" {
		parent, ok := s.conversations[cur.ForkedFrom]
		if !ok {
			break
		}
		depth++
		cur = parent
	}
	fork := Conversation{
		ID:           NewID(),
		CreatedAt:    NowUnix(),
		Preview:      src.Preview,
		ForkedFrom:   sourceID,
		BranchNumber: depth,
	}
	s.conversations[fork.ID] = fork
	for _, m := range s.messages[sourceID] {
		if m.ID > upToMessageID {
			continue
		}
		cp := m
		s.nextMsgID++
		cp.ID = s.nextMsgID
		cp.ConversationID = fork.ID
		s.messages[fork.ID] = append(s.messages[fork.ID], cp)
	}
	if skills, ok := s.agentCtx[sourceID]; ok {
		cp := make(map[string]int, len(skills))
		for k, v := range skills {
			cp[k] = v
		}
		s.agentCtx[fork.ID] = cp
	}
	return fork, nil
}

func (s *memStore) AppendMessage(_ context.Context, m Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsgID++
	m.ID = s.nextMsgID
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return m.ID, nil
}

func (s *memStore) GetMessages(_ context.Context, conversationID string, includeInternal bool) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[conversationID] {
		if !includeInternal && m.Internal {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) LastMessageID(_ context.Context, conversationID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if len(msgs) == 0 {
		return 0, nil
	}
	return msgs[len(msgs)-1].ID, nil
}

func (s *memStore) CountMessages(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversationID]), nil
}

func (s *memStore) DeleteMessagesFrom(_ context.Context, conversationID string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []Message
	for _, m := range s.messages[conversationID] {
		if m.ID < messageID {
			kept = append(kept, m)
		}
	}
	s.messages[conversationID] = kept
	return nil
}

func (s *memStore) GetConversationHistory(ctx context.Context, conversationID string, opts HistoryOptions) ([]ChatMessage, error) {
	msgs, err := s.GetMessages(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	return CompressHistory(msgs, opts), nil
}

func (s *memStore) SaveConversationSummary(_ context.Context, conversationID, summary string, upToMessageID int64) error {
	return s.mutateConversation(conversationID, func(c *Conversation) {
		c.Summary = summary
		c.SummaryUpToMessage = upToMessageID
	})
}

func (s *memStore) SaveJob(_ context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, &ErrConstraint{Entity: "job", Detail: "not found"}
	}
	return j, nil
}

func (s *memStore) ListJobsForConversation(_ context.Context, conversationID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.ConversationID == conversationID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) AppendActivity(_ context.Context, a JobActivity) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextActID++
	a.ID = s.nextActID
	s.activities = append(s.activities, a)
	return a.ID, nil
}

func (s *memStore) GetActivities(_ context.Context, jobID string, sinceID int64) ([]JobActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobActivity
	for _, a := range s.activities {
		if a.JobID == jobID && a.ID > sinceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) SaveScheduledJob(_ context.Context, j ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[j.ID] = j
	return nil
}

func (s *memStore) GetScheduledJob(_ context.Context, id string) (ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.scheduled[id]
	if !ok {
		return ScheduledJob{}, &ErrConstraint{Entity: "scheduled_job", Detail: "not found"}
	}
	return j, nil
}

func (s *memStore) ListScheduledJobs(_ context.Context, enabledOnly bool) ([]ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledJob
	for _, j := range s.scheduled {
		if enabledOnly && !j.IsEnabled {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scheduled, id)
	return nil
}

func (s *memStore) AppendScheduledRun(_ context.Context, r ScheduledJobRun) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRunID++
	r.ID = s.nextRunID
	s.runs = append(s.runs, r)
	return r.ID, nil
}

func (s *memStore) ListScheduledRuns(_ context.Context, scheduledJobID string, limit int) ([]ScheduledJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledJobRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ScheduledJobID == scheduledJobID {
			out = append(out, s.runs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ClearSchedulerLinks(_ context.Context, scheduledJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conversations {
		if c.SchedulerID == scheduledJobID {
			c.SchedulerID = ""
			s.conversations[id] = c
		}
	}
	return nil
}

func (s *memStore) SaveAgentContext(_ context.Context, conversationID string, activeSkills map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]int, len(activeSkills))
	for k, v := range activeSkills {
		cp[k] = v
	}
	s.agentCtx[conversationID] = cp
	return nil
}

func (s *memStore) GetAgentContext(_ context.Context, conversationID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for k, v := range s.agentCtx[conversationID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStore) AppendUsage(_ context.Context, u UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, u)
	return nil
}

func (s *memStore) GetConversationCost(_ context.Context, conversationID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, u := range s.usage {
		if u.ConversationID == conversationID {
			total += u.CostUSD
		}
	}
	return total, nil
}

func (s *memStore) SaveCustomSkill(_ context.Context, sk CustomSkill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customSkills[sk.ID] = sk
	return nil
}

func (s *memStore) ListCustomSkills(_ context.Context) ([]CustomSkill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CustomSkill
	for _, sk := range s.customSkills {
		out = append(out, sk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) DeleteCustomSkill(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.customSkills, id)
	return nil
}

func (s *memStore) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[key], nil
}

func (s *memStore) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
