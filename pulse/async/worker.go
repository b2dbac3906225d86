package async

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general executor operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general executor operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Config contains configuration for the executor
type Config struct {
	ExecutorID    string        `json:"executor_id"`    // Lock owner written on leased jobs
	Workers       int           `json:"workers"`        // Concurrent handler executions
	PollInterval  time.Duration `json:"poll_interval"`  // Base delay between poll cycles
	PollJitter    time.Duration `json:"poll_jitter"`    // Random extra delay added to each cycle
	BatchSize     int           `json:"batch_size"`     // Max jobs fetched per query
	LeaseDuration time.Duration `json:"lease_duration"` // How long a dispatched job stays locked
	MaxRetries    int           `json:"max_retries"`    // Retries a job starts with; numbers backoff attempts
	WakeRate      float64       `json:"wake_rate"`      // Max immediate re-polls per second
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ExecutorID:    defaultExecutorID(),
		Workers:       4,
		PollInterval:  5 * time.Second,
		PollJitter:    time.Second,
		BatchSize:     16,
		LeaseDuration: 5 * time.Minute,
		MaxRetries:    3,
		WakeRate:      10,
	}
}

func defaultExecutorID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pulsejob"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Option customises an Executor.
type Option func(*Executor)

// WithRegistry uses registry instead of a fresh one.
func WithRegistry(registry *HandlerRegistry) Option {
	return func(e *Executor) { e.registry = registry }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s Strategy) Option {
	return func(e *Executor) { e.backoff = s }
}

// WithMetrics records executor activity in m.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithEventListener delivers lifecycle events to l.
func WithEventListener(l EventListener) Option {
	return func(e *Executor) { e.listener = l }
}

// WithCategories restricts polling to the enabled categories.
func WithCategories(c *jobstore.Categories) Option {
	return func(e *Executor) { e.categories = c }
}

// Executor polls the job store, fires due timers and runs executable jobs.
//
// Several executors, in one process or many, may share a store. They never
// coordinate directly: every state change is a compare-and-swap on the job's
// revision, and a lost race is skipped until the next cycle.
type Executor struct {
	store      *jobstore.Store
	clock      clock.Clock
	cfg        Config
	registry   *HandlerRegistry
	backoff    Strategy
	categories *jobstore.Categories
	metrics    *Metrics
	listener   EventListener
	pool       *WorkerPool
	wake       chan struct{}
	limiter    *rate.Limiter
	logger     pulseLogger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	lastCounts map[jobstore.Kind]int
}

// NewExecutor creates an executor. Zero config fields take DefaultConfig values.
// Register handlers through Registry() before calling Start().
func NewExecutor(store *jobstore.Store, clk clock.Clock, cfg Config, log *zap.SugaredLogger, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.ExecutorID == "" {
		cfg.ExecutorID = def.ExecutorID
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.WakeRate <= 0 {
		cfg.WakeRate = def.WakeRate
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Executor{
		store:    store,
		clock:    clk,
		cfg:      cfg,
		registry: NewHandlerRegistry(),
		backoff:  DefaultBackoff(),
		pool:     NewWorkerPool(cfg.Workers),
		wake:     make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Limit(cfg.WakeRate), 1),
		logger:   pulseLogger{log.Named("pulse").With(logger.FieldExecutorID, cfg.ExecutorID)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the handler registry for registering job handlers.
func (e *Executor) Registry() *HandlerRegistry {
	return e.registry
}

// Config returns the effective configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Start begins the poll loop. Calling Start on a running executor does nothing.
// ✿ Opening: the first poll runs immediately.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.logger.Starting("Executor starting",
		"workers", e.cfg.Workers,
		"poll_interval", e.cfg.PollInterval,
		"lease", e.cfg.LeaseDuration,
		"handlers", e.registry.Types(),
	)
	go e.loop(loopCtx, e.done)
}

// Running reports whether the poll loop is active.
func (e *Executor) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Stop cancels the poll loop and waits for in-flight handlers.
// ❀ Closing: handlers see their context cancelled; their completion is still recorded.
// Uses a 30-second timeout so shutdown is never blocked indefinitely.
func (e *Executor) Stop() {
	e.mu.Lock()
	cancel, loopDone := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		<-loopDone
		e.pool.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		e.logger.Pulse("❀ Executor.Stop() complete - all handlers exited cleanly")
	case <-time.After(timeout):
		e.logger.Closing("Executor.Stop() timeout - handlers may still be running", "timeout", timeout)
	}
}

// Wake asks for an immediate poll, for example right after a timer was
// created. Hints beyond the configured rate are dropped; the periodic poll
// still picks the work up.
func (e *Executor) Wake() {
	if !e.limiter.Allow() {
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.wake:
		}

		next := e.nextInterval()
		if err := e.Poll(ctx); err != nil {
			if ctx.Err() != nil || db.IsDatabaseClosed(err) {
				// Shutting down - exit silently
				return
			}
			errorCount++
			e.metrics.pollError()
			e.logger.Errorw("Executor poll failed",
				"error", err,
				"consecutive_errors", errorCount)

			// Back off exponentially after repeated failures
			if errorCount >= maxConsecutiveErrors {
				e.logger.Warnw("Executor backing off due to consecutive errors",
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				next = backoffDuration
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				e.logger.Infow("Executor recovered from errors",
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}
		timer.Reset(next)
	}
}

func (e *Executor) nextInterval() time.Duration {
	if e.cfg.PollJitter <= 0 {
		return e.cfg.PollInterval
	}
	return e.cfg.PollInterval + rand.N(e.cfg.PollJitter)
}

// Poll runs one acquisition phase followed by one execution phase. Handlers
// run in the background; use RunOnce to wait for them.
func (e *Executor) Poll(ctx context.Context) error {
	fired, err := e.AcquireDueTimers(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire due timers")
	}
	dispatched, err := e.ExecuteAvailable(ctx)
	if err != nil {
		return errors.Wrap(err, "execute available jobs")
	}
	if fired > 0 || dispatched > 0 {
		e.logger.Debugw("Poll cycle", "timers_fired", fired, "dispatched", dispatched)
		e.logStatusChange(ctx)
	}
	return nil
}

// RunOnce polls once and waits until every dispatched handler has finished.
func (e *Executor) RunOnce(ctx context.Context) error {
	err := e.Poll(ctx)
	e.pool.Wait()
	return err
}

// AcquireDueTimers converts due timer jobs into executable jobs and returns
// how many it converted. Repeating timers get their successor inserted in the
// same transaction.
func (e *Executor) AcquireDueTimers(ctx context.Context) (int, error) {
	now := e.clock.Now()
	timers, err := e.store.FindDueTimers(ctx, now, e.categories, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, timer := range timers {
		if ctx.Err() != nil {
			return fired, nil
		}
		successor, err := e.fireTimer(ctx, timer, now)
		if errors.IsStaleRevision(err) {
			e.metrics.staleSkip()
			continue
		}
		if err != nil {
			if db.IsDatabaseClosed(err) {
				return fired, err
			}
			e.logger.Warnw("Failed to fire timer", logger.FieldJobID, timer.ID, "error", err)
			continue
		}

		fired++
		e.metrics.timerFired()
		ev := NewEvent(EventTimerFired, timer, now)
		ev.Kind = jobstore.KindExecutable
		if successor != nil {
			ev.SuccessorID = successor.ID
		}
		e.emit(ev)
	}
	return fired, nil
}

func (e *Executor) fireTimer(ctx context.Context, timer *jobstore.Job, now time.Time) (*jobstore.Job, error) {
	successor, err := successorOf(timer, now)
	if err != nil {
		e.logger.Errorw("Repeating timer has an invalid schedule, firing without successor",
			logger.FieldJobID, timer.ID,
			"repeat", timer.Repeat,
			"error", err)
		successor = nil
	}

	err = e.store.Tx(ctx, func(tx *jobstore.Tx) error {
		_, err := tx.CompareAndSwap(ctx, timer.ID, timer.Revision, func(j *jobstore.Job) error {
			j.Kind = jobstore.KindExecutable
			j.Repeat = ""
			j.EndDate = nil
			j.MaxIterations = duedate.Unbounded
			j.ClearLock()
			return nil
		})
		if err != nil {
			return err
		}
		if successor != nil {
			return tx.Insert(ctx, successor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return successor, nil
}

// successorOf returns the next occurrence of a repeating timer, or nil when
// the timer does not repeat or its schedule is exhausted.
func successorOf(timer *jobstore.Job, now time.Time) (*jobstore.Job, error) {
	if !timer.IsRepeating() || timer.DueDate == nil {
		return nil, nil
	}
	state := duedate.RepeatState{
		Expression: timer.Repeat,
		Remaining:  timer.MaxIterations,
		End:        timer.EndDate,
	}
	res, err := duedate.Next(state, *timer.DueDate, now)
	if err != nil {
		return nil, err
	}
	if res.Exhausted {
		return nil, nil
	}

	next := timer.Clone()
	next.ID = jobstore.NewID()
	next.Revision = 0
	next.Kind = jobstore.KindTimer
	next.DueDate = &res.At
	next.MaxIterations = res.Repeat.Remaining
	next.EndDate = res.Repeat.End
	next.ExceptionMessage = ""
	next.ExceptionDetails = ""
	next.ClearLock()
	next.CreateTime = now
	return next, nil
}

// ExecuteAvailable leases executable jobs and hands them to the worker pool.
// It returns how many jobs were handed over. When the pool is saturated the
// remaining jobs stay untouched for a later poll.
func (e *Executor) ExecuteAvailable(ctx context.Context) (int, error) {
	limit := min(e.cfg.BatchSize, e.pool.Available())
	if limit == 0 {
		return 0, nil
	}

	jobs, err := e.store.FindExecutable(ctx, e.clock.Now(), e.categories, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !e.pool.TryGo(func() { e.lockAndExecute(ctx, job) }) {
			break
		}
		dispatched++
	}
	return dispatched, nil
}

func (e *Executor) lockAndExecute(ctx context.Context, job *jobstore.Job) {
	now := e.clock.Now()
	expires := now.Add(e.cfg.LeaseDuration)

	rev, err := e.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		j.Lock(e.cfg.ExecutorID, expires)
		return nil
	})
	if err != nil {
		if errors.IsStaleRevision(err) {
			e.metrics.staleSkip()
		} else if ctx.Err() == nil && !db.IsDatabaseClosed(err) {
			e.logger.Warnw("Failed to lock executable job", logger.FieldJobID, job.ID, "error", err)
		}
		return
	}

	job.Revision = rev
	job.Lock(e.cfg.ExecutorID, expires)
	e.metrics.jobDispatched()
	ev := NewEvent(EventJobLocked, job, now)
	ev.WorkerID = e.cfg.ExecutorID
	e.emit(ev)

	e.execute(ctx, job)
}

func (e *Executor) execute(ctx context.Context, job *jobstore.Job) {
	log := e.logger.With(logger.FieldJobID, job.ID, logger.FieldHandler, job.HandlerType)

	ctx = logger.WithWorkerID(logger.WithJobID(ctx, job.ID), e.cfg.ExecutorID)
	started := time.Now()
	result := e.registry.Dispatch(ctx, job)
	elapsed := time.Since(started).Seconds()

	// Record the outcome even when shutdown cancelled the handler's context
	storeCtx := context.WithoutCancel(ctx)
	if result.Failed {
		e.fail(storeCtx, job, result, elapsed, log)
		return
	}
	e.complete(storeCtx, job, elapsed, log)
}

func (e *Executor) complete(ctx context.Context, job *jobstore.Job, elapsed float64, log *zap.SugaredLogger) {
	err := e.store.DeleteRevision(ctx, job.ID, job.Revision)
	switch {
	case errors.IsStaleRevision(err):
		e.metrics.staleSkip()
		log.Warnw("Job changed while its handler ran, lease was probably lost", logger.FieldRevision, job.Revision)
	case err != nil:
		log.Errorw("Failed to delete completed job", "error", err)
	default:
		e.metrics.jobCompleted(elapsed)
		e.emit(NewEvent(EventJobExecuted, job, e.clock.Now()))
		log.Debugw("Job completed", logger.FieldDurationMS, int64(elapsed*1000))
	}
}

func (e *Executor) fail(ctx context.Context, job *jobstore.Job, result Result, elapsed float64, log *zap.SugaredLogger) {
	now := e.clock.Now()
	var dead bool
	var retries int
	var due *time.Time

	_, err := e.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		j.RetriesLeft--
		j.ExceptionMessage = result.Message
		j.ExceptionDetails = result.Details
		j.ClearLock()
		retries = j.RetriesLeft

		if j.RetriesLeft <= 0 {
			j.RetriesLeft = 0
			j.Kind = jobstore.KindDeadLetter
			j.DueDate = nil
			dead, retries = true, 0
			return nil
		}

		delay := e.backoff.Delay(e.cfg.MaxRetries - j.RetriesLeft)
		if delay <= 0 {
			j.Kind = jobstore.KindExecutable
			j.DueDate = &now
			return nil
		}
		at := now.Add(delay)
		j.Kind = jobstore.KindTimer
		j.DueDate = &at
		due = &at
		return nil
	})
	switch {
	case errors.IsStaleRevision(err):
		e.metrics.staleSkip()
		log.Warnw("Job changed while its handler ran, failure not recorded", logger.FieldRevision, job.Revision)
		return
	case err != nil:
		log.Errorw("Failed to record job failure", "error", err, "failure", result.Message)
		return
	}

	e.metrics.jobFailed(elapsed, dead)
	evType := EventJobFailed
	if dead {
		evType = EventJobDeadLettered
	}
	ev := NewEvent(evType, job, now)
	ev.Message = result.Message
	e.emit(ev)

	if dead {
		log.Warnw("Job moved to dead letter after exhausting retries", "failure", result.Message)
		return
	}
	if due != nil {
		log.Infow("Job failed, retry scheduled", "failure", result.Message, logger.FieldRetries, retries, logger.FieldDueDate, *due)
	} else {
		log.Infow("Job failed, retrying in place", "failure", result.Message, logger.FieldRetries, retries)
	}
}

func (e *Executor) emit(ev Event) {
	if e.listener != nil {
		e.listener.OnJobEvent(ev)
	}
}

// logStatusChange logs job counts when they differ from the previous poll.
func (e *Executor) logStatusChange(ctx context.Context) {
	s, err := e.Status(ctx)
	if err != nil {
		return
	}
	e.mu.Lock()
	changed := !maps.Equal(s.Jobs, e.lastCounts)
	e.lastCounts = s.Jobs
	e.mu.Unlock()

	if changed {
		logger.AddPulseSymbol(e.logger.SugaredLogger).Infow("Job counts",
			"timers", s.Jobs[jobstore.KindTimer],
			"executable", s.Jobs[jobstore.KindExecutable],
			"external", s.Jobs[jobstore.KindExternalWorker],
			"dead_letter", s.Jobs[jobstore.KindDeadLetter],
			"workers_busy", s.WorkersBusy,
			"memory_percent", fmt.Sprintf("%.1f", s.MemoryPercent),
		)
	}
}
