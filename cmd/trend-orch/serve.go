package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/trend-orchestrator/internal/batch"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
	"github.com/hochfrequenz/trend-orchestrator/internal/observer"
	"github.com/hochfrequenz/trend-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/trend-orchestrator/web/api"
)

var (
	servePort     int
	serveNoSched  bool
	serveStuck    time.Duration
	serveHistory  int
	serveDrainFor time.Duration
)

func init() {
	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the run scheduler",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSched, "no-schedules", false, "do not trigger scheduled runs")
	serveCmd.Flags().DurationVar(&serveStuck, "stuck-after", time.Hour, "warn about runs active longer than this")
	serveCmd.Flags().IntVar(&serveHistory, "history", 500, "stored runs to seed metrics with")
	serveCmd.Flags().DurationVar(&serveDrainFor, "drain", time.Minute, "how long shutdown waits for active runs")
	rootCmd.AddCommand(serveCmd)
}

// listenerProxy lets the API server, which needs the controller, also
// receive the controller's events
type listenerProxy struct {
	target pipeline.Listener
}

func (p *listenerProxy) OnEvent(e pipeline.Event) {
	if p.target != nil {
		p.target.OnEvent(e)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	obs := observer.New(serveStuck)
	proxy := &listenerProxy{}
	a, err := newApp(ctx, obs, proxy)
	if err != nil {
		return err
	}
	defer a.shutdown(serveDrainFor)
	logger := a.logger

	history, err := a.store.ListRuns(ctx, serveHistory)
	if err != nil {
		return err
	}
	for _, run := range history {
		obs.RecordRun(run)
	}

	port := servePort
	if port == 0 {
		port = a.cfg.Web.Port
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)
	server := api.NewServer(a.controller, a.cache, addr, api.WithLogger(logger), api.WithMetrics(obs))
	proxy.target = server

	var sched *batch.Scheduler
	if !serveNoSched {
		sched, err = startScheduler(ctx, a, logger)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		a.cache.RunSweeper(gctx, a.cfg.Cache.SweepInterval.Duration)
		return nil
	})

	g.Go(func() error {
		watchStuck(gctx, a.controller, obs, logger)
		return nil
	})

	if sched != nil {
		g.Go(func() error {
			sched.Start(gctx, scheduleTrigger(a.controller))
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("serve: shutting down")
	return nil
}

func startScheduler(ctx context.Context, a *app, logger *zap.Logger) (*batch.Scheduler, error) {
	path := a.cfg.General.ScheduleFile
	sc, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading schedules: %w", err)
	}
	sched, err := batch.NewScheduler(sc.Schedules, batch.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if _, err := batch.WatchSchedules(ctx, sched, path, logger); err != nil {
		// the scheduler still runs with the schedules loaded at startup
		logger.Warn("batch: cannot watch schedule file", zap.String("path", path), zap.Error(err))
	}
	logger.Info("batch: scheduler started", zap.Int("schedules", len(sc.Schedules)))
	return sched, nil
}

// scheduleTrigger starts a run for the schedule and waits for it, so a
// schedule never overlaps with itself
func scheduleTrigger(c *pipeline.Controller) batch.Trigger {
	return func(ctx context.Context, s batch.Schedule) error {
		id, err := c.StartRun(ctx, s.Query, s.Video)
		if err != nil {
			return err
		}
		run, err := c.Wait(ctx, id)
		if err != nil {
			_ = c.Cancel(id)
			return fmt.Errorf("run %s: %w", id, err)
		}
		if run.Status == domain.RunFailed {
			return fmt.Errorf("run %s failed: %s", id, run.FailureReason)
		}
		return nil
	}
}

func watchStuck(ctx context.Context, c *pipeline.Controller, obs *observer.Observer, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	warned := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runs, err := c.ListRuns(ctx, 0)
			if err != nil {
				continue
			}
			for _, run := range runs {
				if obs.IsStuck(run) && !warned[run.ID] {
					warned[run.ID] = true
					logger.Warn("observer: run looks stuck",
						zap.String("run", run.ID),
						zap.String("state", string(run.State)),
						zap.Duration("age", time.Since(run.CreatedAt).Round(time.Second)))
				}
			}
		}
	}
}
