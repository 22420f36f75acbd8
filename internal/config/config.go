package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Log           LogConfig           `toml:"log"`
	Research      ResearchConfig      `toml:"research"`
	Impact        PhaseConfig         `toml:"impact"`
	Content       PhaseConfig         `toml:"content"`
	Video         VideoConfig         `toml:"video"`
	Guardrail     GuardrailConfig     `toml:"guardrail"`
	Cache         CacheConfig         `toml:"cache"`
	Providers     []ProviderConfig    `toml:"providers"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Output        OutputConfig        `toml:"output"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DataDir       string   `toml:"data_dir"`
	DatabasePath  string   `toml:"database_path"`
	PromptDirs    []string `toml:"prompt_dirs"`
	ScheduleFile  string   `toml:"schedule_file"`
	MaxConcurrent int      `toml:"max_concurrent_runs"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// ResearchConfig holds search settings for the research phase
type ResearchConfig struct {
	Chain          []string `toml:"chain"`
	SearchDepth    string   `toml:"search_depth"`
	MaxResults     int      `toml:"max_results"`
	IncludeAnswer  bool     `toml:"include_answer"`
	IncludeDomains []string `toml:"include_domains"`
	ExcludeDomains []string `toml:"exclude_domains"`
	MaxFindings    int      `toml:"max_findings"`
	CacheTTL       Duration `toml:"cache_ttl"`
	BroadenOnEmpty bool     `toml:"broaden_on_empty"`
}

// PhaseConfig holds settings for a reasoning-backed phase
type PhaseConfig struct {
	Chain        []string `toml:"chain"`
	MaxRevisions int      `toml:"max_revisions"`
}

// VideoConfig holds settings for the optional video phase
type VideoConfig struct {
	ScriptChain  []string `toml:"script_chain"`
	RenderChain  []string `toml:"render_chain"`
	VoiceChain   []string `toml:"voice_chain"`
	MaxRevisions int      `toml:"max_revisions"`
	PollInterval Duration `toml:"poll_interval"`
	RenderWait   Duration `toml:"render_wait"`
}

// GuardrailConfig holds tone and structure gate settings
type GuardrailConfig struct {
	PositivityFloor float64 `toml:"positivity_floor"`
	PivotDistance   int     `toml:"pivot_distance"`
	LexiconPath     string  `toml:"lexicon_path"`
}

// CacheConfig holds cache store settings
type CacheConfig struct {
	Backend       string   `toml:"backend"` // "memory", "sqlite" or "redis"
	Path          string   `toml:"path"`
	RedisAddr     string   `toml:"redis_addr"`
	RedisDB       int      `toml:"redis_db"`
	SweepInterval Duration `toml:"sweep_interval"`
}

// ProviderConfig describes one external provider usable in a chain
type ProviderConfig struct {
	ID             string   `toml:"id"`
	Kind           string   `toml:"kind"` // "search", "reasoning", "video", "voice"
	Type           string   `toml:"type"` // "tavily", "openai", "http-video", "http-voice"
	BaseURL        string   `toml:"base_url"`
	Model          string   `toml:"model"`
	Voice          string   `toml:"voice"`
	APIKeyEnv      string   `toml:"api_key_env"`
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Timeout        Duration `toml:"timeout"`
	Jitter         bool     `toml:"jitter"`
	RateLimit      float64  `toml:"rate_limit"`
	Burst          int      `toml:"burst"`

	// APIKey is resolved from APIKeyEnv by ResolveSecrets, never read from the file
	APIKey string `toml:"-"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
	Desktop      bool   `toml:"desktop"`
	// FailuresOnly suppresses notifications for successful runs
	FailuresOnly bool `toml:"failures_only"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// OutputConfig holds artifact sink settings
type OutputConfig struct {
	Dir string `toml:"dir"`
}

// Duration is a time.Duration that decodes from strings like "6h" or "250ms"
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration
func D(d time.Duration) Duration { return Duration{Duration: d} }

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".trend-orchestrator")
	return &Config{
		General: GeneralConfig{
			DataDir:       dataDir,
			DatabasePath:  filepath.Join(dataDir, "runs.db"),
			ScheduleFile:  filepath.Join(dataDir, "schedules.toml"),
			MaxConcurrent: 4,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Research: ResearchConfig{
			Chain:         []string{"tavily"},
			SearchDepth:   "advanced",
			MaxResults:    8,
			IncludeAnswer: true,
			MaxFindings:   12,
			CacheTTL:      D(6 * time.Hour),
		},
		Impact: PhaseConfig{
			Chain:        []string{"openai"},
			MaxRevisions: 2,
		},
		Content: PhaseConfig{
			Chain:        []string{"openai"},
			MaxRevisions: 2,
		},
		Video: VideoConfig{
			ScriptChain:  []string{"openai"},
			MaxRevisions: 2,
			PollInterval: D(5 * time.Second),
			RenderWait:   D(10 * time.Minute),
		},
		Guardrail: GuardrailConfig{
			PositivityFloor: 0.0,
			PivotDistance:   2,
		},
		Cache: CacheConfig{
			Backend:       "memory",
			Path:          filepath.Join(dataDir, "cache.db"),
			SweepInterval: D(10 * time.Minute),
		},
		Providers: []ProviderConfig{
			{
				ID:             "tavily",
				Kind:           "search",
				Type:           "tavily",
				BaseURL:        "https://api.tavily.com",
				APIKeyEnv:      "TAVILY_API_KEY",
				MaxAttempts:    3,
				InitialBackoff: D(500 * time.Millisecond),
				MaxBackoff:     D(8 * time.Second),
				Timeout:        D(30 * time.Second),
				Jitter:         true,
			},
			{
				ID:             "openai",
				Kind:           "reasoning",
				Type:           "openai",
				BaseURL:        "https://api.openai.com/v1",
				Model:          "gpt-4o-mini",
				APIKeyEnv:      "OPENAI_API_KEY",
				MaxAttempts:    3,
				InitialBackoff: D(1 * time.Second),
				MaxBackoff:     D(16 * time.Second),
				Timeout:        D(2 * time.Minute),
				Jitter:         true,
			},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Output: OutputConfig{
			Dir: filepath.Join(dataDir, "artifacts"),
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ScheduleFile = ExpandPath(cfg.General.ScheduleFile)
	cfg.Cache.Path = ExpandPath(cfg.Cache.Path)
	cfg.Output.Dir = ExpandPath(cfg.Output.Dir)
	cfg.Guardrail.LexiconPath = ExpandPath(cfg.Guardrail.LexiconPath)
	for i, dir := range cfg.General.PromptDirs {
		cfg.General.PromptDirs[i] = ExpandPath(dir)
	}

	return cfg, nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "trend-orchestrator", "config.toml")
}

// LocalConfigName is the file name searched for in the working directory and its parents
const LocalConfigName = ".trend-orch.toml"

// FindLocalConfig walks up from the working directory looking for LocalConfigName.
// Returns an empty string when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads the explicit path if given, otherwise a local
// config found by FindLocalConfig, otherwise the default config path
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// Provider returns the provider with the given ID
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.ID == id {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ResolveSecrets copies API keys from the environment into the config.
// lookup is usually os.LookupEnv; tests pass a map-backed function.
func (c *Config) ResolveSecrets(lookup func(string) (string, bool)) {
	for i := range c.Providers {
		if c.Providers[i].APIKeyEnv == "" {
			continue
		}
		if v, ok := lookup(c.Providers[i].APIKeyEnv); ok {
			c.Providers[i].APIKey = v
		}
	}
}

// Validate checks that every chain references a known provider of the right kind
// and that providers requiring credentials have them
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.MaxAttempts < 0 {
			return fmt.Errorf("provider %s: max_attempts must not be negative", p.ID)
		}
	}

	chains := []struct {
		name  string
		kind  string
		chain []string
		need  bool
	}{
		{"research.chain", "search", c.Research.Chain, true},
		{"impact.chain", "reasoning", c.Impact.Chain, true},
		{"content.chain", "reasoning", c.Content.Chain, true},
		{"video.script_chain", "reasoning", c.Video.ScriptChain, false},
		{"video.render_chain", "video", c.Video.RenderChain, false},
		{"video.voice_chain", "voice", c.Video.VoiceChain, false},
	}
	for _, ch := range chains {
		if ch.need && len(ch.chain) == 0 {
			return fmt.Errorf("%s must list at least one provider", ch.name)
		}
		for _, id := range ch.chain {
			p, ok := c.Provider(id)
			if !ok {
				return fmt.Errorf("%s: unknown provider %q", ch.name, id)
			}
			if p.Kind != ch.kind {
				return fmt.Errorf("%s: provider %q is a %s provider, want %s", ch.name, id, p.Kind, ch.kind)
			}
			if p.APIKeyEnv != "" && p.APIKey == "" {
				return fmt.Errorf("%s not set in environment variables", p.APIKeyEnv)
			}
		}
	}

	if c.Guardrail.PositivityFloor < -1 || c.Guardrail.PositivityFloor > 1 {
		return fmt.Errorf("guardrail.positivity_floor must be within [-1, 1]")
	}
	switch c.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory, sqlite or redis, got %q", c.Cache.Backend)
	}
	return nil
}

// VideoEnabled reports whether render and voice chains are configured
func (c *Config) VideoEnabled() bool {
	return len(c.Video.RenderChain) > 0 && len(c.Video.VoiceChain) > 0
}
