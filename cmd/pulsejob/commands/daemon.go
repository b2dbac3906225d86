package commands

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/teranos/pulsejob/am"
	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/external"
	"github.com/teranos/pulsejob/pulse/jobstore"
	"github.com/teranos/pulsejob/pulse/schedule"
	"github.com/teranos/pulsejob/server"
	"github.com/teranos/pulsejob/version"
)

// daemon holds every long-lived component of `pulsejob pulse start`.
type daemon struct {
	cfg        *am.Config
	clock      clock.Clock
	store      *jobstore.Store
	categories *jobstore.Categories
	registry   *prometheus.Registry
	executor   *async.Executor
	manager    *external.Manager
	service    *schedule.Service
	history    *schedule.History
	server     *server.Server
	logger     *zap.SugaredLogger
}

// executorConfig maps configuration onto the executor's settings.
func executorConfig(p am.PulseConfig) async.Config {
	return async.Config{
		ExecutorID:    p.ExecutorID,
		Workers:       p.Workers,
		PollInterval:  p.PollInterval(),
		PollJitter:    p.PollJitter(),
		BatchSize:     p.BatchSize,
		LeaseDuration: p.Lease(),
		MaxRetries:    p.MaxRetries,
		WakeRate:      p.WakeRate,
	}
}

// backoffStrategy returns exponential backoff, or retry in place when the
// initial delay is zero.
func backoffStrategy(p am.PulseConfig) async.Strategy {
	if p.BackoffInitialSeconds == 0 {
		return async.Constant(0)
	}
	return async.Exponential{
		Initial: time.Duration(p.BackoffInitialSeconds) * time.Second,
		Factor:  2,
		Max:     time.Duration(p.BackoffMaxSeconds) * time.Second,
	}
}

// newDaemon wires the store, executor, lease manager, service, history and
// HTTP server over an open, migrated database.
func newDaemon(cfg *am.Config, conn *sql.DB, dialect db.Dialect, clk clock.Clock, log *zap.SugaredLogger) *daemon {
	if clk == nil {
		clk = clock.System{}
	}
	d := &daemon{
		cfg:        cfg,
		clock:      clk,
		store:      jobstore.NewStore(conn, dialect),
		categories: jobstore.NewCategories(cfg.Pulse.Categories...),
		registry:   prometheus.NewRegistry(),
		logger:     log,
	}
	d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), version.Collector())

	hub := server.NewHub(cfg.Server.AllowedOrigins, log)
	d.history = schedule.NewHistory(conn, dialect, log)
	listeners := async.Listeners{d.history, hub}

	d.executor = async.NewExecutor(d.store, clk, executorConfig(cfg.Pulse), log,
		async.WithBackoff(backoffStrategy(cfg.Pulse)),
		async.WithMetrics(async.NewMetrics(d.registry)),
		async.WithEventListener(listeners),
		async.WithCategories(d.categories),
	)
	d.manager = external.NewManager(d.store, clk, log,
		external.WithCategories(d.categories),
		external.WithEventListener(listeners),
		external.WithWaker(d.executor),
		external.WithFollowUpRetries(cfg.External.FollowUpRetries),
	)
	d.service = schedule.NewService(d.store, clk, d.executor, log,
		schedule.WithEventListener(listeners),
		schedule.WithRetries(cfg.Pulse.MaxRetries),
	)
	d.server = server.New(server.Config{
		Addr:           cfg.GetServerAddr(),
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, d.store, d.manager, log,
		server.WithHub(hub),
		server.WithClock(clk),
		server.WithExecutor(d.executor),
		server.WithService(d.service),
		server.WithHistory(d.history),
		server.WithGatherer(d.registry),
	)

	d.registerHandlers()
	return d
}

// registerHandlers installs the built-in handlers. Follow-up jobs of external
// workers are logged so the owning engine can be plugged in later without
// losing outcomes in the meantime.
func (d *daemon) registerHandlers() {
	handlers := d.executor.Registry()
	handlers.Register(schedule.HistoryCleanupHandler,
		d.history.CleanupHandler(d.cfg.Pulse.HistoryRetention(), d.clock.Now))

	followUp := async.HandlerFunc(func(ctx context.Context, job *jobstore.Job) async.Result {
		f, err := external.ParseFollowUp(job)
		if err != nil {
			return async.FailureFromError(err)
		}
		logger.FromContext(ctx, d.logger).Infow("External worker outcome",
			"external_job_id", f.ExternalJobID,
			"external_worker_id", f.WorkerID,
			logger.FieldTopic, f.Topic,
			logger.FieldHandler, job.HandlerType,
			logger.FieldScopeType, job.ScopeType,
			logger.FieldScopeID, job.ScopeID,
			"error_code", f.ErrorCode,
			"variables", len(f.Variables))
		return async.Success()
	})
	for _, handlerType := range []string{external.HandlerComplete, external.HandlerTerminate, external.HandlerBusinessError} {
		handlers.Register(handlerType, followUp)
	}
}

// ensureHistoryCleanup makes sure exactly one history-cleanup timer exists
// when retention is configured, and none otherwise.
func (d *daemon) ensureHistoryCleanup(ctx context.Context) error {
	timers, err := d.store.List(ctx, jobstore.KindTimer, 0)
	if err != nil {
		return err
	}
	var existing []*jobstore.Job
	for _, t := range timers {
		if t.HandlerType == schedule.HistoryCleanupHandler {
			existing = append(existing, t)
		}
	}

	want := d.cfg.Pulse.HistoryRetention() > 0 && d.cfg.Pulse.HistoryCleanupCron != ""
	var kept *jobstore.Job
	for _, t := range existing {
		if want && kept == nil && t.Repeat == d.cfg.Pulse.HistoryCleanupCron {
			kept = t
			continue
		}
		if err := d.service.CancelJob(ctx, t.ID); err != nil {
			return err
		}
	}
	if !want || kept != nil {
		return nil
	}

	id, err := d.service.CreateTimerJob(ctx, jobstore.Descriptor{
		HandlerType: schedule.HistoryCleanupHandler,
	}, duedate.Cron(d.cfg.Pulse.HistoryCleanupCron, nil))
	if err != nil {
		return err
	}
	d.logger.Infow("History cleanup scheduled", logger.FieldJobID, id, "cron", d.cfg.Pulse.HistoryCleanupCron)
	return nil
}

// applyConfig is the config watcher callback: it swaps the category
// allow-list in place and nudges the executor.
func (d *daemon) applyConfig(cfg *am.Config) error {
	d.categories.Set(cfg.Pulse.Categories)
	d.logger.Infow("Category allow-list updated", "categories", d.categories.List())
	d.executor.Wake()
	return nil
}

// run starts the executor (unless workers is zero) and serves HTTP until
// ctx is done, then stops the executor.
func (d *daemon) run(ctx context.Context) error {
	if err := d.ensureHistoryCleanup(ctx); err != nil {
		return err
	}
	if d.cfg.Pulse.Workers > 0 {
		d.executor.Start(ctx)
		defer d.executor.Stop()
	} else {
		d.logger.Infow("No workers configured, serving external workers only")
	}
	return d.server.ListenAndServe(ctx)
}
