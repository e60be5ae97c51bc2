// Package agentctx persists the launch context of every agent the control
// plane has started. Degraded reads use it to re-attach initiative and
// workstream ids to sessions and activity that the cloud plane never saw.
package agentctx

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// maxAgents and maxRuns cap the store; oldest entries by updatedAt are
	// evicted first.
	maxAgents = 120
	maxRuns   = 480

	filePermissions = 0600
)

// LaunchContext records how an agent was last launched.
type LaunchContext struct {
	AgentID      string `json:"agentId"`
	SessionID    string `json:"sessionId,omitempty"`
	RunID        string `json:"runId,omitempty"`
	InitiativeID string `json:"initiativeId,omitempty"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	Domain       string `json:"domain,omitempty"`
	UpdatedAt    string `json:"updatedAt"`
}

// RunContext records one agent run.
type RunContext struct {
	RunID        string `json:"runId"`
	AgentID      string `json:"agentId"`
	SessionID    string `json:"sessionId,omitempty"`
	InitiativeID string `json:"initiativeId,omitempty"`
	WorkstreamID string `json:"workstreamId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Status       string `json:"status,omitempty"`
	StartedAt    string `json:"startedAt,omitempty"`
	StoppedAt    string `json:"stoppedAt,omitempty"`
	UpdatedAt    string `json:"updatedAt"`
}

// fileFormat is the on-disk shape of agent-contexts.json.
type fileFormat struct {
	UpdatedAt string                   `json:"updatedAt"`
	Agents    map[string]LaunchContext `json:"agents"`
	Runs      map[string]RunContext    `json:"runs"`
}

// Store is the in-memory store with best-effort file persistence. A failed
// write is logged by the caller once; the store keeps serving from memory.
type Store struct {
	path string

	mu     sync.Mutex
	agents map[string]LaunchContext
	runs   map[string]RunContext
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// New loads the store from path, tolerating a missing or corrupt file.
func New(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:   path,
		agents: make(map[string]LaunchContext),
		runs:   make(map[string]RunContext),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if data, err := os.ReadFile(path); err == nil {
		var ff fileFormat
		if json.Unmarshal(data, &ff) == nil {
			if ff.Agents != nil {
				s.agents = ff.Agents
			}
			if ff.Runs != nil {
				s.runs = ff.Runs
			}
		}
	}
	return s
}

// PutAgent upserts an agent launch context.
func (s *Store) PutAgent(lc LaunchContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	s.agents[lc.AgentID] = lc
	s.evictLocked()
	return s.persistLocked()
}

// PutRun upserts a run context.
func (s *Store) PutRun(rc RunContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc.UpdatedAt = s.now().UTC().Format(time.RFC3339)
	s.runs[rc.RunID] = rc
	s.evictLocked()
	return s.persistLocked()
}

// Agent returns the launch context for an agent.
func (s *Store) Agent(agentID string) (LaunchContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lc, ok := s.agents[agentID]
	return lc, ok
}

// Run returns the context for a run.
func (s *Store) Run(runID string) (RunContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc, ok := s.runs[runID]
	return rc, ok
}

// Runs returns all run contexts, newest first.
func (s *Store) Runs() []RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunContext, 0, len(s.runs))
	for _, rc := range s.runs {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out
}

// evictLocked trims both maps to their caps, oldest updatedAt first.
func (s *Store) evictLocked() {
	if len(s.agents) > maxAgents {
		evictOldest(s.agents, len(s.agents)-maxAgents, func(lc LaunchContext) string { return lc.UpdatedAt })
	}
	if len(s.runs) > maxRuns {
		evictOldest(s.runs, len(s.runs)-maxRuns, func(rc RunContext) string { return rc.UpdatedAt })
	}
}

func evictOldest[V any](m map[string]V, n int, updatedAt func(V) string) {
	type keyed struct {
		key string
		at  string
	}
	entries := make([]keyed, 0, len(m))
	for k, v := range m {
		entries = append(entries, keyed{key: k, at: updatedAt(v)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	for i := 0; i < n && i < len(entries); i++ {
		delete(m, entries[i].key)
	}
}

// persistLocked writes the file atomically via a temp file rename.
func (s *Store) persistLocked() error {
	ff := fileFormat{
		UpdatedAt: s.now().UTC().Format(time.RFC3339),
		Agents:    s.agents,
		Runs:      s.runs,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("agentctx: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("agentctx: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".agent-contexts-*")
	if err != nil {
		return fmt.Errorf("agentctx: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("agentctx: write: %w", err)
	}
	if err := tmp.Chmod(filePermissions); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("agentctx: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("agentctx: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("agentctx: rename: %w", err)
	}
	return nil
}
