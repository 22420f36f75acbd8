package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/trend-orchestrator/internal/batch"
	"github.com/hochfrequenz/trend-orchestrator/internal/cache"
	"github.com/hochfrequenz/trend-orchestrator/internal/fingerprint"
	"github.com/hochfrequenz/trend-orchestrator/internal/prompts"
)

func init() {
	// cache commands
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the phase cache",
	}
	cacheCmd.AddCommand(&cobra.Command{
		Use:   "invalidate FINGERPRINT [FINGERPRINT...]",
		Short: "Drop cached phase results",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runCacheInvalidate,
	})
	rootCmd.AddCommand(cacheCmd)

	// schedule commands
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect scheduled runs",
	}
	scheduleCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List schedules and their next run",
		RunE:  runScheduleList,
	})
	rootCmd.AddCommand(scheduleCmd)

	// prompts commands
	promptsCmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect prompt templates",
	}
	promptsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List prompt templates and where they are loaded from",
		RunE:  runPromptsList,
	})
	rootCmd.AddCommand(promptsCmd)
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Cache.Backend == "" || cfg.Cache.Backend == "memory" {
		return fmt.Errorf("the memory cache lives inside a running server; use DELETE /api/cache/{fingerprint}")
	}

	backend, closeBackend, err := cache.OpenBackend(cfg.Cache)
	if err != nil {
		return err
	}
	defer closeBackend()

	store := cache.New(backend)
	for _, arg := range args {
		if err := store.Invalidate(cmd.Context(), fingerprint.Fingerprint(arg)); err != nil {
			return fmt.Errorf("invalidating %s: %w", arg, err)
		}
		fmt.Printf("Invalidated %s\n", fingerprint.Fingerprint(arg).Short())
	}
	return nil
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sc, err := batch.LoadScheduleConfig(cfg.General.ScheduleFile)
	if err != nil {
		return err
	}
	if len(sc.Schedules) == 0 {
		fmt.Printf("No schedules in %s\n", cfg.General.ScheduleFile)
		return nil
	}

	sched, err := batch.NewScheduler(sc.Schedules)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCRON\tQUERY\tVIDEO\tNEXT RUN")
	for _, name := range sched.ListSchedules() {
		s, _ := sched.GetSchedule(name)
		next := "disabled"
		if t := sched.NextRun(name); !t.IsZero() {
			next = t.Format(time.RFC3339) + " (" + humanize.Time(t) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", name, s.Cron, truncate(fmt.Sprint(s.Query), 40), s.Video, next)
	}
	return w.Flush()
}

func runPromptsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cwd, _ := os.Getwd()
	loader := prompts.DefaultLoader(cwd, cfg.General.PromptDirs...)

	metas, err := loader.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCLASS\tDESCRIPTION\tSOURCE")
	for _, m := range metas {
		class := m.Class
		if class == "" {
			class = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, class, truncate(m.Description, 50), m.Path)
	}
	return w.Flush()
}
