package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader reads configuration from ORGX_* environment variables.
type Loader struct {
	v        *viper.Viper
	warnings []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// NewLoader creates a loader bound to the ORGX environment prefix.
func NewLoader(opts ...LoaderOption) *Loader {
	v := viper.New()
	v.SetEnvPrefix("ORGX")
	v.AutomaticEnv()

	l := &Loader{v: v}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithFlags overlays command-line flags on the environment. A flag set on
// the command line wins over its ORGX_* variable; an unset flag falls
// through to the environment and then the built-in default.
func WithFlags(flags *pflag.FlagSet) LoaderOption {
	return func(l *Loader) {
		for flagName, key := range map[string]string{
			"host":          "host",
			"port":          "port",
			"dashboard-dir": "dashboard_dir",
		} {
			if f := flags.Lookup(flagName); f != nil && f.Changed {
				_ = l.v.BindPFlag(key, f)
			}
		}
	}
}

// Warnings returns clamp warnings collected during the last Load.
func (l *Loader) Warnings() []string { return l.warnings }

// Load builds the Config, applying defaults and clamping every tunable to
// its documented range.
func (l *Loader) Load() (*Config, error) {
	l.warnings = nil

	cfg := &Config{
		Server: Server{
			Host:              l.stringOr("host", "127.0.0.1"),
			Port:              int(l.clampInt("port", 4519, 1, 65535)),
			DashboardDir:      l.stringOr("dashboard_dir", ""),
			BodyLimit:         1 << 20,
			BodyReadTimeout:   2 * time.Second,
			StreamIdleTimeout: 60 * time.Second,
		},
		Cloud: Cloud{
			BaseURL: l.stringOr("cloud_base_url", "https://api.useorgx.com"),
			APIKey:  l.stringOr("api_key", ""),
			Timeout: l.clampDuration("cloud_timeout", 30*time.Second, time.Second, 5*time.Minute),
		},
		Budget: Budget{
			TokensPerHour:   l.clampFloat("budget_tokens_per_hour", 500_000, 10_000, 10_000_000),
			Contingency:     l.clampFloat("budget_contingency", 1.35, 1.0, 3.0),
			GPTShare:        l.clampFloat("budget_gpt_share", 0.6, 0, 1),
			OpusShare:       l.clampFloat("budget_opus_share", 0.4, 0, 1),
			InputShare:      l.clampFloat("budget_input_share", 0.75, 0, 1),
			CachedShare:     l.clampFloat("budget_cached_share", 0.5, 0, 1),
			GPTInput:        l.clampFloat("budget_gpt_input", 1.25, 0, 1000),
			GPTCachedInput:  l.clampFloat("budget_gpt_cached_input", 0.125, 0, 1000),
			GPTOutput:       l.clampFloat("budget_gpt_output", 10, 0, 1000),
			OpusInput:       l.clampFloat("budget_opus_input", 15, 0, 1000),
			OpusCachedInput: l.clampFloat("budget_opus_cached_input", 1.5, 0, 1000),
			OpusOutput:      l.clampFloat("budget_opus_output", 75, 0, 1000),
			RoundStep:       l.clampFloat("budget_round_step", 5, 1, 1000),
		},
		AutoContinue: AutoContinue{
			TickInterval:       l.clampDuration("auto_continue_tick", 2500*time.Millisecond, 500*time.Millisecond, 30*time.Second),
			DefaultBudgetHours: l.clampFloat("auto_continue_budget_hours", 8, 0.25, 100),
			DefaultTokenBudget: l.clampInt("auto_continue_token_budget", 0, 0, 1_000_000_000),
			CommandTimeout:     l.clampDuration("command_timeout", 10*time.Second, time.Second, 30*time.Second),
		},
		Hub: Hub{
			KeepaliveInterval: l.clampDuration("sse_keepalive", 20*time.Second, 5*time.Second, 5*time.Minute),
			SweepInterval:     l.clampDuration("sse_sweep", 15*time.Second, 5*time.Second, 5*time.Minute),
			StaleAfter:        l.clampDuration("runtime_stale_after", 90*time.Second, 15*time.Second, time.Hour),
			MaxClients:        int(l.clampInt("sse_max_clients", 256, 1, 4096)),
		},
		HookToken:            l.stringOr("hook_token", ""),
		ActivitySummaryModel: l.stringOr("activity_summary_model", ""),
		AgentBinary:          l.stringOr("agent_binary", "openclaw"),
		LogFormat:            l.stringOr("log_format", "text"),
		Debug:                l.v.GetBool("debug"),
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	cfg.Paths = Paths{
		DataDir:   l.stringOr("data_dir", defaultDataDir(home)),
		AgentHome: l.stringOr("agent_home", filepath.Join(home, ".openclaw")),
	}

	return cfg, nil
}

// defaultDataDir prefers the conventional ~/.config location, falling back
// to the XDG config home when it diverges.
func defaultDataDir(home string) string {
	base := filepath.Join(home, ".config")
	if xdg.ConfigHome != "" {
		base = xdg.ConfigHome
	}
	return filepath.Join(base, "useorgx", "openclaw-plugin")
}

func (l *Loader) stringOr(key, def string) string {
	if s := l.v.GetString(key); s != "" {
		return s
	}
	return def
}

func (l *Loader) clampFloat(key string, def, lo, hi float64) float64 {
	if !l.v.IsSet(key) {
		return def
	}
	val := l.v.GetFloat64(key)
	if val < lo || val > hi {
		l.warnings = append(l.warnings,
			fmt.Sprintf("ORGX_%s=%v out of range [%v, %v], clamped", envKey(key), val, lo, hi))
		return clamp(val, lo, hi)
	}
	return val
}

func (l *Loader) clampInt(key string, def, lo, hi int64) int64 {
	if !l.v.IsSet(key) {
		return def
	}
	val := l.v.GetInt64(key)
	if val < lo || val > hi {
		l.warnings = append(l.warnings,
			fmt.Sprintf("ORGX_%s=%d out of range [%d, %d], clamped", envKey(key), val, lo, hi))
		if val < lo {
			return lo
		}
		return hi
	}
	return val
}

func (l *Loader) clampDuration(key string, def, lo, hi time.Duration) time.Duration {
	if !l.v.IsSet(key) {
		return def
	}
	val := l.v.GetDuration(key)
	if val < lo || val > hi {
		l.warnings = append(l.warnings,
			fmt.Sprintf("ORGX_%s=%s out of range [%s, %s], clamped", envKey(key), val, lo, hi))
		if val < lo {
			return lo
		}
		return hi
	}
	return val
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func envKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
