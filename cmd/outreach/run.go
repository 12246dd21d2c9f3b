package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/outreach/internal/dashboard"
	"github.com/zulandar/outreach/internal/scheduler"
)

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		noDashboard bool
		port        int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and dashboard until interrupted",
		Long: "Starts the dispatch tick and the pipeline tick (cadence sweep, reply analysis, message\n" +
			"preparation) on their cron schedules, and serves the read-only dashboard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, noDashboard, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&noDashboard, "no-dashboard", false, "do not serve the dashboard")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "dashboard port (default from config)")
	return cmd
}

func runRun(cmd *cobra.Command, configPath string, noDashboard bool, port int) error {
	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	d, cleanup, err := a.dispatcher(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	engine, err := a.engine(ctx)
	if err != nil {
		return err
	}
	prep, err := a.preparer(ctx)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Account:      a.cfg.Account,
		DispatchSpec: a.cfg.Scheduler.DispatchSpec,
		PipelineSpec: a.cfg.Scheduler.PipelineSpec,
		AnalyzeBatch: a.cfg.Policy.AnalyzeBatch,
		PrepareBatch: a.cfg.Policy.PrepareBatch,
		Dispatcher:   d,
		Analyzer:     engine,
		Preparer:     prep,
		Sweeper:      a.sweeper(),
		Log:          a.log,
	})
	if err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		dashErr error
	)
	if !noDashboard {
		if port <= 0 {
			port = a.cfg.Dashboard.Port
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := dashboard.Start(ctx, dashboard.StartOpts{
				DB:        a.db,
				Tracker:   a.quota,
				Selector:  a.selector,
				AccountID: a.cfg.Account,
				Port:      port,
				Out:       cmd.OutOrStdout(),
				Log:       a.log,
			})
			// A dashboard that cannot bind stops the whole process.
			if err != nil {
				a.log.WithError(err).Error("dashboard stopped")
				dashErr = err
				cancel()
			}
		}()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Outreach running for account %q (dispatch %s, pipeline %s)\n",
		a.cfg.Account, a.cfg.Scheduler.DispatchSpec, a.cfg.Scheduler.PipelineSpec)
	if err := sched.Run(ctx); err != nil {
		return err
	}
	wg.Wait()
	return dashErr
}
