// Package batch triggers pipeline runs on cron schedules.
package batch

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
)

// Schedule is a query that runs on a cron expression
type Schedule struct {
	Name        string          `toml:"name"`
	Cron        string          `toml:"cron"`
	Query       []string        `toml:"query"`
	Video       bool            `toml:"video"`
	MaxDuration config.Duration `toml:"max_duration"`
	Disabled    bool            `toml:"disabled"`
}

// ScheduleConfig holds all schedules of a schedule file
type ScheduleConfig struct {
	Schedules []Schedule `toml:"schedule"`
}

// Validate checks if the schedule is valid and fills defaults
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	var query []string
	for _, q := range s.Query {
		if q = strings.TrimSpace(q); q != "" {
			query = append(query, q)
		}
	}
	if len(query) == 0 {
		return fmt.Errorf("schedule %s: query is required", s.Name)
	}
	s.Query = query
	if s.MaxDuration.Duration <= 0 {
		s.MaxDuration = config.D(time.Hour) // Default
	}
	return nil
}

// LoadScheduleConfig loads schedules from a TOML file. A missing file yields no schedules.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cfg.Schedules))
	for i := range cfg.Schedules {
		if err := cfg.Schedules[i].Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if seen[cfg.Schedules[i].Name] {
			return nil, fmt.Errorf("schedule %d: duplicate name %q", i, cfg.Schedules[i].Name)
		}
		seen[cfg.Schedules[i].Name] = true
	}

	return &cfg, nil
}
