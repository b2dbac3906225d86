package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	testdb "github.com/teranos/pulsejob/internal/testing"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// ============================================================================
// Station Clock Test Universe
// ============================================================================
//
// Characters:
//   - The Stationmaster: sets timers on the departure board
//   - The Conductor: an executor that fires timers and runs departures
//   - The Second Conductor: a rival executor sharing the same board
//
// Theme: the board is the job store, the virtual clock is the station clock.
// Nothing departs before its time and nothing departs twice.
// ============================================================================

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func createTestLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testConfig(id string) Config {
	return Config{
		ExecutorID:    id,
		Workers:       2,
		PollInterval:  time.Hour,
		BatchSize:     10,
		LeaseDuration: time.Minute,
		MaxRetries:    3,
	}
}

// counter records every job a handler was invoked with.
type counter struct {
	mu   sync.Mutex
	seen []string
}

func (c *counter) handler() JobHandler {
	return HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		c.mu.Lock()
		c.seen = append(c.seen, job.ID)
		c.mu.Unlock()
		return Success()
	})
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

type station struct {
	store *jobstore.Store
	clock *clock.Virtual
}

func newStation(t *testing.T) *station {
	t.Helper()
	return &station{
		store: jobstore.NewStore(testdb.CreateTestDB(t), db.SQLite3),
		clock: clock.NewVirtual(t0),
	}
}

func (s *station) executor(id string, opts ...Option) *Executor {
	return NewExecutor(s.store, s.clock, testConfig(id), createTestLogger(), opts...)
}

// schedule stores a timer whose due date is resolved from raw at the current station time.
func (s *station) schedule(t *testing.T, handlerType, raw string) *jobstore.Job {
	t.Helper()
	now := s.clock.Now()
	res, err := duedate.Resolve(duedate.Parse(raw, now), now)
	require.NoError(t, err)
	require.False(t, res.Exhausted)

	job := &jobstore.Job{
		ID:            jobstore.NewID(),
		Kind:          jobstore.KindTimer,
		Descriptor:    jobstore.Descriptor{HandlerType: handlerType, ScopeType: jobstore.ScopeBPMN, ScopeID: "proc-1"},
		DueDate:       &res.At,
		MaxIterations: duedate.Unbounded,
		RetriesLeft:   3,
		CreateTime:    now,
	}
	if res.Repeat != nil {
		job.Repeat = res.Repeat.Expression
		job.MaxIterations = res.Repeat.Remaining
		job.EndDate = res.Repeat.End
	}
	require.NoError(t, s.store.Insert(context.Background(), job))
	return job
}

func (s *station) executable(t *testing.T, handlerType string) *jobstore.Job {
	t.Helper()
	job := &jobstore.Job{
		ID:            jobstore.NewID(),
		Kind:          jobstore.KindExecutable,
		Descriptor:    jobstore.Descriptor{HandlerType: handlerType, ScopeType: jobstore.ScopeBPMN, ScopeID: "proc-1"},
		MaxIterations: duedate.Unbounded,
		RetriesLeft:   3,
		CreateTime:    s.clock.Now(),
	}
	require.NoError(t, s.store.Insert(context.Background(), job))
	return job
}

func (s *station) count(t *testing.T, kind jobstore.Kind) int {
	t.Helper()
	counts, err := s.store.CountByKind(context.Background())
	require.NoError(t, err)
	return counts[kind]
}

func TestOneShotDurationTimer(t *testing.T) {
	t.Log("🚉 The Stationmaster posts a departure one hour from now")
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	conductor := s.executor("conductor")
	conductor.Registry().Register("depart", departures.handler())

	timer := s.schedule(t, "depart", "PT1H")
	assert.Equal(t, t0.Add(time.Hour), *timer.DueDate)

	s.clock.Advance(59 * time.Minute)
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 0, departures.count(), "nothing departs early")
	assert.Equal(t, 1, s.count(t, jobstore.KindTimer))

	s.clock.Advance(2 * time.Minute)
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 1, departures.count())

	_, err := s.store.Get(ctx, timer.ID)
	assert.True(t, errors.IsNotFoundError(err), "completed job is deleted")
	t.Log("✓ One departure, on time, then the board is clear")
}

func TestBoundedCycleFiresExactlyRepeatTimes(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	var events []Event
	conductor := s.executor("conductor", WithEventListener(EventListenerFunc(func(e Event) {
		events = append(events, e)
	})))
	conductor.Registry().Register("depart", departures.handler())

	s.schedule(t, "depart", "R3/PT1H")

	for i := 1; i <= 4; i++ {
		s.clock.Advance(time.Hour)
		require.NoError(t, conductor.RunOnce(ctx))
	}

	assert.Equal(t, 3, departures.count())
	assert.Equal(t, 0, s.count(t, jobstore.KindTimer))
	assert.Equal(t, 0, s.count(t, jobstore.KindExecutable))

	var fired []Event
	for _, e := range events {
		if e.Type == EventTimerFired {
			fired = append(fired, e)
		}
	}
	require.Len(t, fired, 3)
	assert.NotEmpty(t, fired[0].SuccessorID)
	assert.NotEmpty(t, fired[1].SuccessorID)
	assert.Empty(t, fired[2].SuccessorID, "last occurrence has no successor")
}

func TestCycleCatchUpCollapsesMissedOccurrences(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	conductor := s.executor("conductor")
	conductor.Registry().Register("depart", departures.handler())

	s.schedule(t, "depart", "R10/PT1H")

	// The station was closed for five and a half hours
	s.clock.Advance(5*time.Hour + 30*time.Minute)
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 1, departures.count(), "missed occurrences fire once")

	timers, err := s.store.List(ctx, jobstore.KindTimer, 0)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(6*time.Hour), *timers[0].DueDate)
	assert.Equal(t, 5, timers[0].MaxIterations)
}

func TestCycleStopsAtEndDate(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	conductor := s.executor("conductor")
	conductor.Registry().Register("depart", departures.handler())

	end := t0.Add(150 * time.Minute).Format(time.RFC3339)
	s.schedule(t, "depart", "R/PT1H/"+end)

	for i := 0; i < 4; i++ {
		s.clock.Advance(time.Hour)
		require.NoError(t, conductor.RunOnce(ctx))
	}
	assert.Equal(t, 2, departures.count(), "no occurrence at or after the end date")
	assert.Equal(t, 0, s.count(t, jobstore.KindTimer))
}

func TestRepeatingCronTimer(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	conductor := s.executor("conductor")
	conductor.Registry().Register("depart", departures.handler())

	timer := s.schedule(t, "depart", "0 */15 * * * ?")
	assert.Equal(t, t0.Add(15*time.Minute), *timer.DueDate)

	s.clock.Advance(16 * time.Minute)
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 1, departures.count())

	timers, err := s.store.List(ctx, jobstore.KindTimer, 0)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, t0.Add(30*time.Minute), *timers[0].DueDate)
	assert.Equal(t, duedate.Unbounded, timers[0].MaxIterations)
}

func TestRivalConductorsRunJobOnce(t *testing.T) {
	t.Log("🚂 Two conductors race for the same departure")
	ctx := context.Background()
	s := newStation(t)

	var departures counter
	registry := NewHandlerRegistry()
	registry.Register("depart", departures.handler())

	metrics := NewMetrics(prometheus.NewRegistry())
	first := s.executor("conductor-1", WithRegistry(registry), WithMetrics(metrics))
	second := s.executor("conductor-2", WithRegistry(registry), WithMetrics(metrics))

	const jobs = 5
	for i := 0; i < jobs; i++ {
		s.executable(t, "depart")
	}

	var wg sync.WaitGroup
	for _, e := range []*Executor{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ExecuteAvailable(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	first.pool.Wait()
	second.pool.Wait()

	// Whatever one conductor could not lock is picked up on the next poll
	require.NoError(t, first.RunOnce(ctx))
	require.NoError(t, second.RunOnce(ctx))

	assert.Equal(t, jobs, departures.count())
	seen := map[string]int{}
	for _, id := range departures.seen {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s ran more than once", id)
	}
	assert.Equal(t, float64(jobs), testutil.ToFloat64(metrics.completed))
	t.Log("✓ Every departure left exactly once")
}

func TestTimerFiredByOnlyOneExecutor(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	first := s.executor("conductor-1")
	second := s.executor("conductor-2")

	s.schedule(t, "depart", "R/PT1H")
	s.clock.Advance(time.Hour)

	timers, err := s.store.FindDueTimers(ctx, s.clock.Now(), nil, 0)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	stale := timers[0].Clone()

	n, err := first.AcquireDueTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The rival read the timer before it fired
	_, err = second.fireTimer(ctx, stale, s.clock.Now())
	assert.True(t, errors.IsStaleRevision(err))

	assert.Equal(t, 1, s.count(t, jobstore.KindExecutable))
	assert.Equal(t, 1, s.count(t, jobstore.KindTimer), "exactly one successor")
}

func TestFailedJobRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	conductor := s.executor("conductor", WithBackoff(Constant(30*time.Second)))
	conductor.Registry().Register("derail", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		return Failure("signal failure", "track 4")
	}))

	job := s.executable(t, "derail")
	require.NoError(t, conductor.RunOnce(ctx))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindTimer, got.Kind)
	assert.Equal(t, 2, got.RetriesLeft)
	assert.Equal(t, "signal failure", got.ExceptionMessage)
	assert.Equal(t, "track 4", got.ExceptionDetails)
	assert.Empty(t, got.LockOwner)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, t0.Add(30*time.Second), *got.DueDate)
}

func TestExhaustedRetriesMoveToDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var events []EventType
	conductor := s.executor("conductor",
		WithBackoff(Constant(time.Second)),
		WithEventListener(EventListenerFunc(func(e Event) { events = append(events, e.Type) })),
	)
	var attempts atomic.Int32
	conductor.Registry().Register("derail", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		attempts.Add(1)
		return FailureFromError(errors.New("boiler exploded"))
	}))

	job := s.executable(t, "derail")
	for i := 0; i < 5; i++ {
		require.NoError(t, conductor.RunOnce(ctx))
		s.clock.Advance(2 * time.Second)
	}

	assert.EqualValues(t, 3, attempts.Load())
	got, err := s.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindDeadLetter, got.Kind)
	assert.Equal(t, 0, got.RetriesLeft)
	assert.Nil(t, got.DueDate)
	assert.Equal(t, "boiler exploded", got.ExceptionMessage)
	assert.Contains(t, events, EventJobDeadLettered)
}

func TestZeroBackoffRetriesInPlace(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	conductor := s.executor("conductor", WithBackoff(Constant(0)))
	var attempts atomic.Int32
	conductor.Registry().Register("flaky", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		if attempts.Add(1) == 1 {
			return Failure("points frozen", "")
		}
		return Success()
	}))

	job := s.executable(t, "flaky")
	require.NoError(t, conductor.RunOnce(ctx))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindExecutable, got.Kind)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, t0, *got.DueDate)

	require.NoError(t, conductor.RunOnce(ctx))
	_, err = s.store.Get(ctx, job.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.EqualValues(t, 2, attempts.Load())
}

func TestPanickingHandlerCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	conductor := s.executor("conductor")
	conductor.Registry().Register("crash", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		panic("runaway train")
	}))

	job := s.executable(t, "crash")
	require.NoError(t, conductor.RunOnce(ctx))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetriesLeft)
	assert.Contains(t, got.ExceptionMessage, "runaway train")
	assert.Contains(t, got.ExceptionDetails, "goroutine")
}

func TestMissingHandlerCountsAsFailure(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	conductor := s.executor("conductor")

	job := s.executable(t, "unknown-line")
	require.NoError(t, conductor.RunOnce(ctx))

	got, err := s.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "no handler registered for handler type: unknown-line", got.ExceptionMessage)
	assert.Equal(t, 2, got.RetriesLeft)
}

func TestSaturatedPoolLeavesJobsForLaterPoll(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)

	cfg := testConfig("conductor")
	cfg.Workers = 1
	conductor := NewExecutor(s.store, s.clock, cfg, createTestLogger())

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	conductor.Registry().Register("slow", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		started <- struct{}{}
		<-release
		return Success()
	}))

	for i := 0; i < 3; i++ {
		s.executable(t, "slow")
	}

	n, err := conductor.ExecuteAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	<-started

	n, err = conductor.ExecuteAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no free worker")

	close(release)
	conductor.pool.Wait()
	require.NoError(t, conductor.RunOnce(ctx))
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 0, s.count(t, jobstore.KindExecutable))
}

func TestLockedJobIsNotDispatchedTwice(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	conductor := s.executor("conductor")
	var departures counter
	conductor.Registry().Register("depart", departures.handler())

	job := s.executable(t, "depart")
	_, err := s.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		j.Lock("someone-else", s.clock.Now().Add(time.Minute))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 0, departures.count())

	// The foreign lease expires and the job becomes available again
	s.clock.Advance(2 * time.Minute)
	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 1, departures.count())
}

func TestCancelledHandlerStillRecordsOutcome(t *testing.T) {
	s := newStation(t)
	conductor := s.executor("conductor")
	ctx, cancel := context.WithCancel(context.Background())
	conductor.Registry().Register("depart", HandlerFunc(func(hctx context.Context, job *jobstore.Job) Result {
		cancel()
		<-hctx.Done()
		return Success()
	}))

	job := s.executable(t, "depart")
	_, err := conductor.ExecuteAvailable(ctx)
	require.NoError(t, err)
	conductor.pool.Wait()

	_, err = s.store.Get(context.Background(), job.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStartStop(t *testing.T) {
	s := newStation(t)
	cfg := testConfig("conductor")
	cfg.PollInterval = 10 * time.Millisecond
	conductor := NewExecutor(s.store, s.clock, cfg, createTestLogger())

	done := make(chan struct{})
	var once sync.Once
	conductor.Registry().Register("depart", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		once.Do(func() { close(done) })
		return Success()
	}))
	s.executable(t, "depart")

	assert.False(t, conductor.Running())
	conductor.Start(context.Background())
	conductor.Start(context.Background())
	assert.True(t, conductor.Running())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not executed by the poll loop")
	}

	conductor.Stop()
	assert.False(t, conductor.Running())
	conductor.Stop()
}

func TestWakeTriggersImmediatePoll(t *testing.T) {
	s := newStation(t)
	conductor := s.executor("conductor")
	ran := make(chan struct{}, 4)
	conductor.Registry().Register("depart", HandlerFunc(func(ctx context.Context, job *jobstore.Job) Result {
		ran <- struct{}{}
		return Success()
	}))

	conductor.Start(context.Background())
	defer conductor.Stop()

	// The first poll happens immediately; wait for it to find nothing
	time.Sleep(50 * time.Millisecond)
	s.executable(t, "depart")
	conductor.Wake()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("wake did not trigger a poll before the hour-long interval")
	}
}

func TestCategoryGatedPolling(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	var departures counter
	conductor := s.executor("conductor", WithCategories(jobstore.NewCategories("express")))
	conductor.Registry().Register("depart", departures.handler())

	local := s.executable(t, "depart")
	_, err := s.store.CompareAndSwap(ctx, local.ID, local.Revision, func(j *jobstore.Job) error {
		j.Category = "local"
		return nil
	})
	require.NoError(t, err)
	s.executable(t, "depart")

	require.NoError(t, conductor.RunOnce(ctx))
	assert.Equal(t, 1, departures.count(), "uncategorised job runs, disabled category waits")

	got, err := s.store.Get(ctx, local.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindExecutable, got.Kind)
}

func TestExecutorStatus(t *testing.T) {
	ctx := context.Background()
	s := newStation(t)
	reg := prometheus.NewRegistry()
	conductor := s.executor("conductor", WithMetrics(NewMetrics(reg)))
	conductor.Registry().Register("depart", HandlerFunc(func(context.Context, *jobstore.Job) Result { return Success() }))

	s.schedule(t, "depart", "PT1H")
	s.executable(t, "depart")

	status, err := conductor.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conductor", status.ExecutorID)
	assert.False(t, status.Running)
	assert.Equal(t, 2, status.WorkersTotal)
	assert.Equal(t, 1, status.Jobs[jobstore.KindTimer])
	assert.Equal(t, 1, status.Jobs[jobstore.KindExecutable])
	assert.Equal(t, 0, status.Jobs[jobstore.KindDeadLetter])
	assert.Equal(t, []string{"depart"}, status.Handlers)

	assert.Equal(t, float64(1), testutil.ToFloat64(conductor.metrics.jobsByKind.WithLabelValues("timer")))
}

func TestNewExecutorDefaults(t *testing.T) {
	s := newStation(t)
	e := NewExecutor(s.store, nil, Config{}, nil)

	def := DefaultConfig()
	cfg := e.Config()
	assert.NotEmpty(t, cfg.ExecutorID)
	assert.Equal(t, def.Workers, cfg.Workers)
	assert.Equal(t, def.PollInterval, cfg.PollInterval)
	assert.Equal(t, def.LeaseDuration, cfg.LeaseDuration)
	assert.Equal(t, def.MaxRetries, cfg.MaxRetries)
	assert.WithinDuration(t, time.Now(), e.clock.Now(), time.Minute)
}
