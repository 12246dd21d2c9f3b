package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/outreach/internal/cadence"
	"github.com/zulandar/outreach/internal/config"
	"github.com/zulandar/outreach/internal/db"
	"github.com/zulandar/outreach/internal/decision"
	"github.com/zulandar/outreach/internal/dispatch"
	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/llm"
	"github.com/zulandar/outreach/internal/lock"
	"github.com/zulandar/outreach/internal/logging"
	"github.com/zulandar/outreach/internal/notify"
	"github.com/zulandar/outreach/internal/prepare"
	"github.com/zulandar/outreach/internal/quota"
	"github.com/zulandar/outreach/internal/selector"
	"github.com/zulandar/outreach/internal/sendapi"
	"gorm.io/gorm"
)

// app holds what every data command needs: config, database, logger and
// the stores built on them. Outbound clients are built on demand so that
// read-only commands work without credentials.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	log      *logrus.Logger
	store    *enrollment.Store
	quota    *quota.Tracker
	selector *selector.Selector
	now      func() time.Time
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Database.Driver, err)
	}
	return &app{
		cfg:      cfg,
		db:       gormDB,
		log:      log,
		store:    enrollment.NewStore(gormDB, enrollment.NewMachine(enrollment.PolicyFromConfig(cfg.Policy))),
		quota:    quota.New(gormDB, cfg.Policy.DailyCap),
		selector: selector.New(gormDB),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

// locker returns the Redis lock when configured, otherwise the database
// lease. The cleanup func closes the Redis client.
func (a *app) locker(ctx context.Context) (lock.Locker, func(), error) {
	if !a.cfg.RedisEnabled() {
		return lock.NewDBLocker(a.db, a.cfg.Policy.LockTTL), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	a.log.WithField("addr", a.cfg.Redis.Addr).Debug("using redis dispatch lock")
	return lock.NewRedisLocker(client, a.cfg.Policy.LockTTL), func() { client.Close() }, nil
}

func (a *app) notifier() (notify.Notifier, error) {
	n, err := notify.FromConfig(a.cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	return n, nil
}

func (a *app) dispatcher(ctx context.Context) (*dispatch.Dispatcher, func(), error) {
	sender, err := sendapi.New(a.cfg.Sender)
	if err != nil {
		return nil, nil, err
	}
	n, err := a.notifier()
	if err != nil {
		return nil, nil, err
	}
	l, cleanup, err := a.locker(ctx)
	if err != nil {
		return nil, nil, err
	}
	d := dispatch.New(dispatch.Options{
		DB:       a.db,
		Quota:    a.quota,
		Selector: a.selector,
		Store:    a.store,
		Locker:   l,
		Sender:   sender,
		Notifier: n,
		Log:      a.log,
	})
	return d, cleanup, nil
}

func (a *app) llmClient(ctx context.Context) (*llm.Client, error) {
	c, err := llm.New(ctx, a.cfg.LLM)
	if err != nil {
		return nil, err
	}
	a.log.WithField("model", c.ModelID()).Debug("llm client ready")
	return c, nil
}

func (a *app) engine(ctx context.Context) (*decision.Engine, error) {
	c, err := a.llmClient(ctx)
	if err != nil {
		return nil, err
	}
	n, err := a.notifier()
	if err != nil {
		return nil, err
	}
	return decision.New(decision.Options{
		DB:         a.db,
		Store:      a.store,
		Classifier: c,
		Notifier:   n,
		Log:        a.log,
	}), nil
}

func (a *app) preparer(ctx context.Context) (*prepare.Preparer, error) {
	c, err := a.llmClient(ctx)
	if err != nil {
		return nil, err
	}
	return prepare.New(a.db, a.quota, a.selector, a.store, c, a.log), nil
}

func (a *app) sweeper() *cadence.Sweeper {
	return cadence.New(a.db, a.store, a.log)
}
