// Package scheduler drives the pipeline on cron schedules: a frequent
// dispatch tick and a slower pipeline tick that sweeps cadence, analyzes
// replies and prepares messages. Each job is single-flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/cadence"
	"github.com/zulandar/outreach/internal/decision"
	"github.com/zulandar/outreach/internal/dispatch"
	"github.com/zulandar/outreach/internal/metrics"
	"github.com/zulandar/outreach/internal/prepare"
)

// parser accepts 5-field expressions, an optional leading seconds field,
// and descriptors such as "@every 30s".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Dispatcher sends one action.
type Dispatcher interface {
	DispatchNext(ctx context.Context, accountID, mode string) (dispatch.Result, error)
}

// Analyzer applies pending reply decisions.
type Analyzer interface {
	AnalyzePending(ctx context.Context, accountID string, batch int) ([]decision.Result, error)
}

// Preparer generates pending messages.
type Preparer interface {
	PreparePending(ctx context.Context, accountID string, n int) (prepare.Summary, error)
}

// Sweeper runs silence-based transitions.
type Sweeper interface {
	Run(ctx context.Context, accountID string) (cadence.Summary, error)
}

// Options wires a Scheduler.
type Options struct {
	Account      string
	DispatchSpec string
	PipelineSpec string
	AnalyzeBatch int
	PrepareBatch int

	Dispatcher Dispatcher
	Analyzer   Analyzer
	Preparer   Preparer
	Sweeper    Sweeper
	Log        *logrus.Logger
}

// Scheduler owns the cron runner.
type Scheduler struct {
	opts        Options
	log         logrus.FieldLogger
	cron        *cron.Cron
	ctx         context.Context
	dispatchJob cron.Job
	pipelineJob cron.Job
}

// New validates the schedules and registers the jobs.
func New(o Options) (*Scheduler, error) {
	if o.Account == "" {
		return nil, errors.New("scheduler: account is required")
	}
	if o.Dispatcher == nil || o.Analyzer == nil || o.Preparer == nil || o.Sweeper == nil {
		return nil, errors.New("scheduler: dispatcher, analyzer, preparer and sweeper are required")
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	logger := cron.PrintfLogger(o.Log)
	s := &Scheduler{
		opts: o,
		log:  o.Log.WithField("account", o.Account),
		ctx:  context.Background(),
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	wrap := cron.NewChain(cron.SkipIfStillRunning(logger))
	s.dispatchJob = wrap.Then(cron.FuncJob(func() { s.DispatchTick(s.ctx) }))
	s.pipelineJob = wrap.Then(cron.FuncJob(func() { s.PipelineTick(s.ctx) }))

	if _, err := s.cron.AddJob(o.DispatchSpec, s.dispatchJob); err != nil {
		return nil, fmt.Errorf("scheduler: dispatch spec %q: %w", o.DispatchSpec, err)
	}
	if _, err := s.cron.AddJob(o.PipelineSpec, s.pipelineJob); err != nil {
		return nil, fmt.Errorf("scheduler: pipeline spec %q: %w", o.PipelineSpec, err)
	}
	return s, nil
}

// Run starts the jobs and blocks until ctx is cancelled, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started")
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
	return nil
}

// DispatchTick sends at most one action in automatic mode.
func (s *Scheduler) DispatchTick(ctx context.Context) {
	defer observe("dispatch", time.Now())
	r, err := s.opts.Dispatcher.DispatchNext(ctx, s.opts.Account, dispatch.ModeAutomatic)
	if err != nil {
		s.log.WithError(err).Error("dispatch tick")
		return
	}
	if r.Sent {
		s.log.WithFields(logrus.Fields{"contact": r.ContactID, "kind": r.Kind, "remaining": r.Remaining}).Info("dispatch tick sent")
		return
	}
	s.log.WithField("reason", r.Reason).Debug("dispatch tick idle")
}

// PipelineTick runs the cadence sweep, reply analysis and message
// preparation in that order. A failing stage is logged and the next still
// runs.
func (s *Scheduler) PipelineTick(ctx context.Context) {
	defer observe("pipeline", time.Now())
	log := s.log

	if sum, err := s.opts.Sweeper.Run(ctx, s.opts.Account); err != nil {
		log.WithError(err).Error("cadence sweep")
	} else if sum != (cadence.Summary{}) {
		log.WithFields(logrus.Fields{
			"nurtured":    sum.Nurtured,
			"reactivated": sum.Reactivated,
			"exited":      sum.Exited,
			"failed":      sum.Failed,
		}).Info("cadence sweep")
	}

	if res, err := s.opts.Analyzer.AnalyzePending(ctx, s.opts.Account, s.opts.AnalyzeBatch); err != nil {
		log.WithError(err).Error("analyze replies")
	} else if len(res) > 0 {
		applied := 0
		for _, r := range res {
			if r.Applied {
				applied++
			}
		}
		log.WithFields(logrus.Fields{"analyzed": len(res), "applied": applied}).Info("analyze replies")
	}

	if sum, err := s.opts.Preparer.PreparePending(ctx, s.opts.Account, s.opts.PrepareBatch); err != nil {
		log.WithError(err).Error("prepare messages")
	} else if sum.Prepared+sum.Failed > 0 {
		log.WithFields(logrus.Fields{"prepared": sum.Prepared, "failed": sum.Failed}).Info("prepare messages")
	}
}

func observe(job string, start time.Time) {
	metrics.TickDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}
