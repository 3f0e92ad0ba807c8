package famulus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// skillTTL is the freshness counter a skill gets on activation; it decays by
// one per routing pass the router does not mention the skill.
const skillTTL = 3

// Skill is one loadable capability pack: a description for routing and
// markdown instructions injected into the system prompt while active.
type Skill struct {
	Name         string
	Description  string
	Instructions string
	Custom       bool
}

// skillManifest is the TOML manifest at the root of a filesystem skill folder.
type skillManifest struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	// Instructions may be inline or in the referenced markdown file.
	Instructions     string `toml:"instructions"`
	InstructionsFile string `toml:"instructions_file"`
}

// SkillLoader enumerates skills from a filesystem directory (one folder per
// skill with a skill.toml manifest) and from the custom-skill table, merging
// both into a name-keyed cache. Custom skills shadow filesystem skills of
// the same name.
type SkillLoader struct {
	dir   string
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]Skill
}

func NewSkillLoader(dir string, store Store, log *slog.Logger) *SkillLoader {
	if log == nil {
		log = nopLogger
	}
	return &SkillLoader{dir: dir, store: store, log: log}
}

// Load returns all available skills, reading the filesystem and the custom
// table on first call and from cache after. Invalidate discards the cache.
func (l *SkillLoader) Load(ctx context.Context) (map[string]Skill, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cache != nil {
		return l.cache, nil
	}

	skills := make(map[string]Skill)
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read skills dir: %w", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			sk, err := l.loadDir(filepath.Join(l.dir, e.Name()))
			if err != nil {
				l.log.Warn("skipping malformed skill", "dir", e.Name(), "error", err)
				continue
			}
			skills[sk.Name] = sk
		}
	}

	custom, err := l.store.ListCustomSkills(ctx)
	if err != nil {
		return nil, err
	}
	for _, cs := range custom {
		skills[cs.Name] = Skill{
			Name:         cs.Name,
			Description:  cs.Description,
			Instructions: cs.Instructions,
			Custom:       true,
		}
	}

	l.cache = skills
	l.log.Debug("skills loaded", "count", len(skills))
	return skills, nil
}

// Get returns one skill by name.
func (l *SkillLoader) Get(ctx context.Context, name string) (Skill, bool, error) {
	skills, err := l.Load(ctx)
	if err != nil {
		return Skill{}, false, err
	}
	sk, ok := skills[name]
	return sk, ok, nil
}

// Invalidate drops the cache so the next Load re-reads everything. Called
// after custom-skill writes.
func (l *SkillLoader) Invalidate() {
	l.mu.Lock()
	l.cache = nil
	l.mu.Unlock()
}

func (l *SkillLoader) loadDir(dir string) (Skill, error) {
	var m skillManifest
	if _, err := toml.DecodeFile(filepath.Join(dir, "skill.toml"), &m); err != nil {
		return Skill{}, err
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	instructions := m.Instructions
	if instructions == "" && m.InstructionsFile != "" {
		b, err := os.ReadFile(filepath.Join(dir, m.InstructionsFile))
		if err != nil {
			return Skill{}, err
		}
		instructions = string(b)
	}
	if instructions == "" {
		// Conventional fallback used by most skill folders.
		if b, err := os.ReadFile(filepath.Join(dir, "instructions.md")); err == nil {
			instructions = string(b)
		}
	}
	return Skill{Name: m.Name, Description: m.Description, Instructions: instructions}, nil
}

// routerVerdict is the strict JSON shape the routing model must return.
type routerVerdict struct {
	Add  []string `json:"add"`
	Keep []string `json:"keep"`
	Drop []string `json:"drop"`
}

// SkillRouter decides which skills stay active for a conversation. Each
// pass asks the cheap model for add/keep/drop sets, then applies TTL
// bookkeeping: mentioned skills reset to full TTL, unmentioned ones decay
// by one and drop at zero. A router failure degrades to decay-only.
type SkillRouter struct {
	loader *SkillLoader
	cheap  *Client
	log    *slog.Logger
}

func NewSkillRouter(loader *SkillLoader, cheap *Client, log *slog.Logger) *SkillRouter {
	if log == nil {
		log = nopLogger
	}
	return &SkillRouter{loader: loader, cheap: cheap, log: log}
}

// Route returns the updated active-skills map (name -> remaining TTL).
func (r *SkillRouter) Route(ctx context.Context, recent []ChatMessage, active map[string]int, jobID, conversationID string) map[string]int {
	skills, err := r.loader.Load(ctx)
	if err != nil {
		r.log.Warn("skill load failed, decaying active skills", "error", err)
		return decayAll(active)
	}
	if len(skills) == 0 {
		return map[string]int{}
	}

	verdict, err := r.ask(ctx, recent, skills, active, jobID, conversationID)
	if err != nil {
		r.log.Warn("skill routing failed, decaying active skills", "error", err)
		return decayAll(active)
	}

	next := make(map[string]int, len(active))
	for name, ttl := range active {
		next[name] = ttl
	}
	for _, name := range verdict.Drop {
		delete(next, name)
	}
	mentioned := make(map[string]bool)
	for _, name := range append(verdict.Keep, verdict.Add...) {
		if _, valid := skills[name]; !valid {
			continue
		}
		next[name] = skillTTL
		mentioned[name] = true
	}
	for name := range next {
		if mentioned[name] {
			continue
		}
		next[name]--
		if next[name] <= 0 {
			delete(next, name)
		}
	}
	return next
}

func (r *SkillRouter) ask(ctx context.Context, recent []ChatMessage, skills map[string]Skill, active map[string]int, jobID, conversationID string) (routerVerdict, error) {
	var b strings.Builder
	b.WriteString("You select which skills the assistant should have active.\n\nAvailable skills:\n")
	for _, sk := range skills {
		fmt.Fprintf(&b, "- %s: %s\n", sk.Name, sk.Description)
	}
	b.WriteString("\nCurrently active: ")
	if len(active) == 0 {
		b.WriteString("none")
	} else {
		names := make([]string, 0, len(active))
		for name := range active {
			names = append(names, name)
		}
		b.WriteString(strings.Join(names, ", "))
	}
	b.WriteString("\n\nRecent conversation:\n")
	for _, m := range tailMessages(recent, 6) {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, firstLine(m.Content, 300))
	}
	b.WriteString("\nReply with strict JSON only: {\"add\":[],\"keep\":[],\"drop\":[]}")

	resp, err := r.cheap.Chat(ctx, []ChatMessage{UserMessage(b.String())}, ChatOptions{
		Component:      "skill_routing",
		JobID:          jobID,
		ConversationID: conversationID,
		MaxTokens:      256,
	})
	if err != nil {
		return routerVerdict{}, err
	}

	var v routerVerdict
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &v); err != nil {
		return routerVerdict{}, fmt.Errorf("router returned invalid JSON: %w", err)
	}
	return v, nil
}

func decayAll(active map[string]int) map[string]int {
	next := make(map[string]int, len(active))
	for name, ttl := range active {
		if ttl > 1 {
			next[name] = ttl - 1
		}
	}
	return next
}

func tailMessages(msgs []ChatMessage, n int) []ChatMessage {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

// extractJSON pulls the first top-level JSON object out of model output that
// may be wrapped in prose or code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
