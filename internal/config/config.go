// Package config builds the immutable process configuration from the
// environment. All tunables are read once at startup; tests construct a
// Config directly instead of mutating globals.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds every tunable of the local control plane.
type Config struct {
	// Server is the local HTTP front door.
	Server Server
	// Cloud is the remote orchestration API.
	Cloud Cloud
	// Paths locates persisted state and transcripts on disk.
	Paths Paths
	// Budget parameterizes the token-throughput cost model.
	Budget Budget
	// AutoContinue tunes the per-initiative scheduler.
	AutoContinue AutoContinue
	// Hub tunes the runtime registry and SSE fan-out.
	Hub Hub

	// HookToken authenticates runtime hook POSTs.
	HookToken string
	// ActivitySummaryModel names the model used for activity headlines.
	ActivitySummaryModel string
	// AgentBinary is the agent runtime executable.
	AgentBinary string

	LogFormat string
	Debug     bool
}

type Server struct {
	Host string
	Port int
	// DashboardDir, when set, is served as the SPA root.
	DashboardDir string
	// BodyLimit caps JSON request bodies in bytes.
	BodyLimit int64
	// BodyReadTimeout bounds how long a JSON body may take to arrive.
	BodyReadTimeout time.Duration
	// StreamIdleTimeout closes an SSE proxy whose upstream goes quiet.
	StreamIdleTimeout time.Duration
}

type Cloud struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type Paths struct {
	// DataDir holds persisted plugin state (outbox, pins, agent contexts).
	DataDir string
	// AgentHome is the agent runtime's home (transcripts live underneath).
	AgentHome string
}

// Budget holds the token-throughput cost model parameters. Each field is
// clamped by the loader to the documented range.
type Budget struct {
	// TokensPerHour is the modeled agent throughput. [10_000, 10_000_000]
	TokensPerHour float64
	// Contingency multiplies the modeled token count. [1.0, 3.0]
	Contingency float64
	// GPTShare and OpusShare blend the two model prices. [0, 1]
	GPTShare  float64
	OpusShare float64
	// InputShare is the input fraction of total tokens. [0, 1]
	InputShare float64
	// CachedShare is the cached fraction of input tokens. [0, 1]
	CachedShare float64
	// Prices in USD per million tokens. [0, 1000]
	GPTInput        float64
	GPTCachedInput  float64
	GPTOutput       float64
	OpusInput       float64
	OpusCachedInput float64
	OpusOutput      float64
	// RoundStep rounds derived budgets to this USD step. [1, 1000]
	RoundStep float64
}

type AutoContinue struct {
	// TickInterval is the scheduler cadence. [500ms, 30s]
	TickInterval time.Duration
	// DefaultBudgetHours derives the default token budget. [0.25, 100]
	DefaultBudgetHours float64
	// DefaultTokenBudget, when non-zero, overrides the hours derivation.
	DefaultTokenBudget int64
	// CommandTimeout bounds helper invocations of the agent binary. [1s, 30s]
	CommandTimeout time.Duration
}

type Hub struct {
	// KeepaliveInterval paces ": ping" comments on SSE streams. [5s, 5m]
	KeepaliveInterval time.Duration
	// SweepInterval paces the staleness sweep. [5s, 5m]
	SweepInterval time.Duration
	// StaleAfter ages an instance to stale without heartbeats. [15s, 1h]
	StaleAfter time.Duration
	// MaxClients bounds concurrent SSE subscribers. [1, 4096]
	MaxClients int
}

// DefaultTokenBudget resolves the effective default auto-continue budget.
func (c *Config) DefaultTokenBudget() int64 {
	if c.AutoContinue.DefaultTokenBudget > 0 {
		return c.AutoContinue.DefaultTokenBudget
	}
	return int64(c.AutoContinue.DefaultBudgetHours * c.Budget.TokensPerHour * c.Budget.Contingency)
}

// OutboxDir returns the per-initiative outbox directory.
func (p Paths) OutboxDir() string {
	return filepath.Join(p.DataDir, "outbox")
}

// AgentContextsFile returns the agent-launch-context store path.
func (p Paths) AgentContextsFile() string {
	return filepath.Join(p.DataDir, "agent-contexts.json")
}

// PinsFile returns the persisted next-up pin list path.
func (p Paths) PinsFile() string {
	return filepath.Join(p.DataDir, "next-up-pins.json")
}

// TranscriptPath returns the session transcript path for an agent session.
// Callers must validate both segments before use.
func (p Paths) TranscriptPath(agentID, sessionID string) string {
	return filepath.Join(p.AgentHome, "agents", agentID, "sessions", sessionID+".jsonl")
}

// SessionsDir returns the transcript directory for one agent.
func (p Paths) SessionsDir(agentID string) string {
	return filepath.Join(p.AgentHome, "agents", agentID, "sessions")
}

// AgentsDir returns the root of all agent transcript directories.
func (p Paths) AgentsDir() string {
	return filepath.Join(p.AgentHome, "agents")
}

// EnsureDataDir creates the data directory tree with owner-only permissions.
func (p Paths) EnsureDataDir() error {
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.OutboxDir(), 0700)
}
