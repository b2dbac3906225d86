package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	testdb "github.com/teranos/pulsejob/internal/testing"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store    *jobstore.Store
	clock    *clock.Virtual
	executor *async.Executor
	service  *Service
	events   []async.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: jobstore.NewStore(testdb.CreateTestDB(t), db.SQLite3),
		clock: clock.NewVirtual(t0),
	}
	log := zaptest.NewLogger(t).Sugar()
	h.executor = async.NewExecutor(h.store, h.clock, async.Config{ExecutorID: "exec-1", PollInterval: time.Hour}, log)
	h.service = NewService(h.store, h.clock, h.executor, log,
		WithEventListener(async.EventListenerFunc(func(e async.Event) { h.events = append(h.events, e) })))
	return h
}

func boundary(scopeID string) jobstore.Descriptor {
	return jobstore.Descriptor{
		HandlerType: "trigger-timer",
		ScopeType:   jobstore.ScopeBPMN,
		ScopeID:     scopeID,
		ElementID:   "boundaryTimer1",
	}
}

func TestCreateTimerJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)

	job, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindTimer, job.Kind)
	assert.Equal(t, t0.Add(time.Hour), *job.DueDate)
	assert.Empty(t, job.Repeat)
	assert.Equal(t, duedate.Unbounded, job.MaxIterations)
	assert.Equal(t, DefaultRetries, job.RetriesLeft)
	assert.Equal(t, "boundaryTimer1", job.ElementID)

	require.Len(t, h.events, 1)
	assert.Equal(t, async.EventJobCreated, h.events[0].Type)
}

func TestCreateRepeatingTimerJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	end := t0.Add(24 * time.Hour)
	id, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Cycle("R5/PT2H/"+end.Format(time.RFC3339)))
	require.NoError(t, err)

	job, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Hour), *job.DueDate)
	assert.Equal(t, "R5/PT2H/"+end.Format(time.RFC3339), job.Repeat)
	assert.Equal(t, 5, job.MaxIterations)
	require.NotNil(t, job.EndDate)
	assert.Equal(t, end, *job.EndDate)
}

func TestCreateTimerJobRejectsBadSchedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PXYZ", time.Time{}))
	assert.True(t, errors.IsInvalidScheduleError(err))
	assert.Equal(t, "Due date could not be determined for timer job PXYZ", err.Error())

	_, err = h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Cycle("R0/PT1H"))
	assert.True(t, errors.IsInvalidScheduleError(err), "exhausted before the first occurrence")

	_, err = h.service.CreateTimerJob(ctx, jobstore.Descriptor{}, duedate.Duration("PT1H", time.Time{}))
	assert.True(t, errors.IsValidationError(err))

	_, err = h.service.CreateTimerJob(ctx, jobstore.Descriptor{HandlerType: "x", ScopeType: "dmn"}, duedate.Duration("PT1H", time.Time{}))
	assert.True(t, errors.IsValidationError(err))

	counts, err := h.store.CountByKind(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[jobstore.KindTimer])
}

func TestCreateExternalWorkerJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.service.CreateExternalWorkerJob(ctx, jobstore.Descriptor{
		ScopeType: jobstore.ScopeCMMN,
		ScopeID:   "case-1",
		TenantID:  "acme",
	}, "invoices")
	require.NoError(t, err)

	job, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindExternalWorker, job.Kind)
	assert.Equal(t, "invoices", job.Topic)
	assert.Equal(t, DefaultExternalWorkerHandler, job.HandlerType)
	assert.Nil(t, job.DueDate)

	_, err = h.service.CreateExternalWorkerJob(ctx, jobstore.Descriptor{}, "")
	assert.True(t, errors.IsValidationError(err))
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)

	require.NoError(t, h.service.CancelJob(ctx, id))
	_, err = h.store.Get(ctx, id)
	assert.True(t, errors.IsNotFoundError(err))

	err = h.service.CancelJob(ctx, id)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Equal(t, async.EventJobDeleted, h.events[len(h.events)-1].Type)
}

func TestRescheduleTimerRecreates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)
	stale, err := h.store.Get(ctx, id)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	newID, err := h.service.RescheduleTimer(ctx, id, duedate.Duration("PT30M", time.Time{}))
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = h.store.Get(ctx, id)
	assert.True(t, errors.IsNotFoundError(err))

	job, err := h.store.Get(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(40*time.Minute), *job.DueDate)
	assert.Equal(t, "boundaryTimer1", job.ElementID)

	// A poller holding the old revision can only lose
	_, err = h.store.CompareAndSwap(ctx, stale.ID, stale.Revision, func(j *jobstore.Job) error {
		j.Kind = jobstore.KindExecutable
		return nil
	})
	assert.True(t, errors.IsStaleRevision(err))
}

func TestRescheduleOnlyTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.service.CreateExternalWorkerJob(ctx, boundary("proc-1"), "orders")
	require.NoError(t, err)

	_, err = h.service.RescheduleTimer(ctx, id, duedate.Duration("PT1H", time.Time{}))
	assert.True(t, errors.IsValidationError(err))

	_, err = h.service.RescheduleTimer(ctx, "missing", duedate.Duration("PT1H", time.Time{}))
	assert.True(t, errors.IsNotFoundError(err))

	timerID, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)
	_, err = h.service.RescheduleTimer(ctx, timerID, duedate.Duration("garbage", time.Time{}))
	assert.True(t, errors.IsInvalidScheduleError(err))

	_, err = h.store.Get(ctx, timerID)
	assert.NoError(t, err, "failed reschedule keeps the original timer")
}

func TestDeleteJobsForScopeCascades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)
	_, err = h.service.CreateExternalWorkerJob(ctx, boundary("proc-1"), "orders")
	require.NoError(t, err)
	suspended, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT2H", time.Time{}))
	require.NoError(t, err)
	dead := &jobstore.Job{
		ID: "dead-1", Kind: jobstore.KindDeadLetter, Descriptor: boundary("proc-1"), CreateTime: t0,
	}
	require.NoError(t, h.store.Insert(ctx, dead))
	executable := &jobstore.Job{
		ID: "exec-1", Kind: jobstore.KindExecutable, Descriptor: boundary("proc-1"), CreateTime: t0,
	}
	require.NoError(t, h.store.Insert(ctx, executable))

	other, err := h.service.CreateTimerJob(ctx, boundary("proc-2"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)
	cmmn := boundary("proc-1")
	cmmn.ScopeType = jobstore.ScopeCMMN
	sameIDOtherKind, err := h.service.CreateTimerJob(ctx, cmmn, duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)

	_, err = h.store.CompareAndSwap(ctx, suspended, 1, func(j *jobstore.Job) error {
		j.SuspendedKind = j.Kind
		j.Kind = jobstore.KindSuspended
		return nil
	})
	require.NoError(t, err)

	n, err := h.service.DeleteJobsForScope(ctx, jobstore.ScopeBPMN, "proc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	remaining, err := h.store.List(ctx, "", 0)
	require.NoError(t, err)
	var ids []string
	for _, j := range remaining {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"dead-1", other, sameIDOtherKind}, ids)
}

func TestSuspendAndActivateScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	timerID, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)
	externalID, err := h.service.CreateExternalWorkerJob(ctx, boundary("proc-1"), "orders")
	require.NoError(t, err)

	n, err := h.service.SuspendJobsForScope(ctx, jobstore.ScopeBPMN, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.clock.Advance(2 * time.Hour)
	due, err := h.store.FindDueTimers(ctx, h.clock.Now(), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "suspended timers are not polled")

	job, err := h.store.Get(ctx, timerID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindSuspended, job.Kind)
	assert.Equal(t, jobstore.KindTimer, job.SuspendedKind)

	n, err = h.service.SuspendJobsForScope(ctx, jobstore.ScopeBPMN, "proc-1")
	require.NoError(t, err)
	assert.Zero(t, n, "already suspended")

	n, err = h.service.ActivateJobsForScope(ctx, jobstore.ScopeBPMN, "proc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err = h.store.Get(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindExternalWorker, job.Kind)
	assert.Empty(t, job.SuspendedKind)

	due, err = h.store.FindDueTimers(ctx, h.clock.Now(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMoveDeadLetterToExecutable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	dead := &jobstore.Job{
		ID:               "dead-1",
		Kind:             jobstore.KindDeadLetter,
		Descriptor:       boundary("proc-1"),
		ExceptionMessage: "boom",
		CreateTime:       t0,
	}
	require.NoError(t, h.store.Insert(ctx, dead))

	assert.True(t, errors.IsValidationError(h.service.MoveDeadLetterToExecutable(ctx, "dead-1", 0)))
	require.NoError(t, h.service.MoveDeadLetterToExecutable(ctx, "dead-1", 2))

	job, err := h.store.Get(ctx, "dead-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.KindExecutable, job.Kind)
	assert.Equal(t, 2, job.RetriesLeft)
	assert.Empty(t, job.ExceptionMessage)
	require.NotNil(t, job.DueDate)
	assert.Equal(t, t0, *job.DueDate)

	err = h.service.MoveDeadLetterToExecutable(ctx, "dead-1", 2)
	assert.True(t, errors.IsValidationError(err), "no longer a dead letter")
}

func TestRegisterHandlerRunsTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fired := 0
	require.NoError(t, h.service.RegisterHandler("trigger-timer", async.HandlerFunc(func(ctx context.Context, job *jobstore.Job) async.Result {
		fired++
		return async.Success()
	})))

	_, err := h.service.CreateTimerJob(ctx, boundary("proc-1"), duedate.Duration("PT1H", time.Time{}))
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.executor.RunOnce(ctx))
	assert.Equal(t, 1, fired)

	noExecutor := NewService(h.store, h.clock, nil, nil)
	assert.Error(t, noExecutor.RegisterHandler("x", async.HandlerFunc(func(context.Context, *jobstore.Job) async.Result { return async.Success() })))
}
