package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Research.CacheTTL.Duration != 6*time.Hour {
		t.Errorf("Research.CacheTTL = %v, want 6h", cfg.Research.CacheTTL.Duration)
	}
	if cfg.Impact.MaxRevisions != 2 {
		t.Errorf("Impact.MaxRevisions = %d, want 2", cfg.Impact.MaxRevisions)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Cache.Backend != "memory" {
		t.Errorf("Cache.Backend = %q, want memory", cfg.Cache.Backend)
	}
	if cfg.VideoEnabled() {
		t.Error("video should be disabled without render and voice chains")
	}
}

func TestLoad_FromFile(t *testing.T) {
	content := `
[research]
chain = ["tavily", "tavily-backup"]
max_results = 5
cache_ttl = "90m"

[impact]
max_revisions = 3

[video]
render_chain = ["renderer"]
voice_chain = ["narrator"]
poll_interval = "250ms"

[guardrail]
positivity_floor = 0.2

[[providers]]
id = "tavily"
kind = "search"
type = "tavily"
api_key_env = "TAVILY_API_KEY"
max_attempts = 3
timeout = "10s"

[[providers]]
id = "tavily-backup"
kind = "search"
type = "tavily"
initial_backoff = "100ms"

[web]
port = 9000
`
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Research.Chain) != 2 || cfg.Research.Chain[1] != "tavily-backup" {
		t.Errorf("Research.Chain = %v, want [tavily tavily-backup]", cfg.Research.Chain)
	}
	if cfg.Research.MaxResults != 5 {
		t.Errorf("Research.MaxResults = %d, want 5", cfg.Research.MaxResults)
	}
	if cfg.Research.CacheTTL.Duration != 90*time.Minute {
		t.Errorf("Research.CacheTTL = %v, want 90m", cfg.Research.CacheTTL.Duration)
	}
	if cfg.Impact.MaxRevisions != 3 {
		t.Errorf("Impact.MaxRevisions = %d, want 3", cfg.Impact.MaxRevisions)
	}
	if cfg.Video.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("Video.PollInterval = %v, want 250ms", cfg.Video.PollInterval.Duration)
	}
	if cfg.Guardrail.PositivityFloor != 0.2 {
		t.Errorf("Guardrail.PositivityFloor = %v, want 0.2", cfg.Guardrail.PositivityFloor)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("Providers count = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Timeout.Duration != 10*time.Second {
		t.Errorf("Providers[0].Timeout = %v, want 10s", cfg.Providers[0].Timeout.Duration)
	}
	if cfg.Providers[1].InitialBackoff.Duration != 100*time.Millisecond {
		t.Errorf("Providers[1].InitialBackoff = %v, want 100ms", cfg.Providers[1].InitialBackoff.Duration)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	if !cfg.VideoEnabled() {
		t.Error("video should be enabled with render and voice chains")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeTempConfig(t, "[research]\ncache_ttl = \"soon\"\n"))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Research.MaxResults != 8 {
		t.Errorf("MaxResults = %d, want 8", cfg.Research.MaxResults)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	cfg := Default()
	cfg.ResolveSecrets(envMap(map[string]string{"OPENAI_API_KEY": "sk-test"}))

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when TAVILY_API_KEY is missing")
	}
	if !strings.Contains(err.Error(), "TAVILY_API_KEY not set") {
		t.Errorf("error = %q, want mention of TAVILY_API_KEY not set", err)
	}
}

func TestValidate_ResolvedSecrets(t *testing.T) {
	cfg := Default()
	cfg.ResolveSecrets(envMap(map[string]string{
		"TAVILY_API_KEY": "tvly-test",
		"OPENAI_API_KEY": "sk-test",
	}))

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	p, ok := cfg.Provider("tavily")
	if !ok {
		t.Fatal("tavily provider missing")
	}
	if p.APIKey != "tvly-test" {
		t.Errorf("APIKey = %q, want tvly-test", p.APIKey)
	}
}

func TestValidate_ChainErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Research.Chain = []string{"bing"} }, "unknown provider"},
		{"wrong kind", func(c *Config) { c.Impact.Chain = []string{"tavily"} }, "want reasoning"},
		{"empty chain", func(c *Config) { c.Content.Chain = nil }, "at least one provider"},
		{"bad backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"floor range", func(c *Config) { c.Guardrail.PositivityFloor = 2 }, "positivity_floor"},
		{"duplicate id", func(c *Config) { c.Providers = append(c.Providers, c.Providers[0]) }, "duplicate provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ResolveSecrets(envMap(map[string]string{"TAVILY_API_KEY": "k", "OPENAI_API_KEY": "k"}))
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[web]\nport = 7000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Chdir(subdir)

	found := FindLocalConfig()
	if found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 7000 {
		t.Errorf("Web.Port = %d, want 7000", cfg.Web.Port)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	path := writeTempConfig(t, "[web]\nport = 7100\n")

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 7100 {
		t.Errorf("Web.Port = %d, want 7100", cfg.Web.Port)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}
