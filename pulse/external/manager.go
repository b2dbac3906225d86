// Package external implements the lease protocol for jobs performed by
// out-of-process workers: acquire and lock, then complete, fail, terminate,
// raise a business error or release the lease.
//
// Every check runs against the job's current stored state, never against a
// worker's cached copy, and every write is a revision-guarded
// compare-and-swap. A lost race surfaces to the worker as a lock ownership
// error so it can retry later.
package external

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// DefaultFollowUpRetries is the retry budget of follow-up jobs.
const DefaultFollowUpRetries = 3

// Waker is nudged after a follow-up job is created.
type Waker interface {
	Wake()
}

// Option customises a Manager.
type Option func(*Manager)

// WithCapabilities replaces the default scope capabilities.
func WithCapabilities(c ScopeCapabilities) Option {
	return func(m *Manager) { m.capabilities = c }
}

// WithCategories restricts acquisition to the enabled categories.
func WithCategories(c *jobstore.Categories) Option {
	return func(m *Manager) { m.categories = c }
}

// WithEventListener delivers lease lifecycle events to l.
func WithEventListener(l async.EventListener) Option {
	return func(m *Manager) { m.listener = l }
}

// WithWaker nudges w whenever a follow-up job is inserted.
func WithWaker(w Waker) Option {
	return func(m *Manager) { m.waker = w }
}

// WithFollowUpRetries sets the retry budget of follow-up jobs.
func WithFollowUpRetries(n int) Option {
	return func(m *Manager) { m.followUpRetries = n }
}

// Manager runs the external-worker lease protocol over a job store.
type Manager struct {
	store           *jobstore.Store
	clock           clock.Clock
	capabilities    ScopeCapabilities
	categories      *jobstore.Categories
	listener        async.EventListener
	waker           Waker
	followUpRetries int
	logger          *zap.SugaredLogger
}

// NewManager creates a lease manager.
func NewManager(store *jobstore.Store, clk clock.Clock, log *zap.SugaredLogger, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		store:           store,
		clock:           clk,
		capabilities:    DefaultCapabilities{},
		followUpRetries: DefaultFollowUpRetries,
		logger:          log.Named("external"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AcquireRequest asks for up to NumberOfTasks jobs on a topic.
type AcquireRequest struct {
	Topic         string
	LockDuration  time.Duration
	WorkerID      string
	NumberOfTasks int
	ScopeType     jobstore.ScopeType
	TenantID      string
}

// FailRequest reports a failed attempt. A nil Retries decrements the
// remaining retries; a non-nil value replaces them.
type FailRequest struct {
	WorkerID     string
	Retries      *int
	RetryTimeout time.Duration
	ErrorMessage string
	ErrorDetails string
}

// UnacquireRequest releases the leases of a worker, optionally one job or one tenant only.
type UnacquireRequest struct {
	WorkerID string
	JobID    string
	TenantID string
}

// AcquireAndLock locks up to NumberOfTasks available jobs for the worker and
// returns the ones it won. Jobs lost to a concurrent worker are skipped, so
// the result may be shorter than requested or empty.
func (m *Manager) AcquireAndLock(ctx context.Context, req AcquireRequest) ([]*jobstore.Job, error) {
	switch {
	case req.Topic == "":
		return nil, errors.NewValidationf("topic is required")
	case req.LockDuration <= 0:
		return nil, errors.NewValidationf("lockDuration is required")
	case req.WorkerID == "":
		return nil, errors.NewValidationf("workerId is required")
	case req.NumberOfTasks < 0:
		return nil, errors.NewValidationf("numberOfTasks must be positive")
	}
	want := req.NumberOfTasks
	if want == 0 {
		want = 1
	}

	now := m.clock.Now()
	filter := jobstore.ExternalFilter{Topic: req.Topic, ScopeType: req.ScopeType, TenantID: req.TenantID}
	// Fetch a few extra candidates to make up for races lost to other workers
	candidates, err := m.store.FindExternalWorker(ctx, now, filter, m.categories, want*2)
	if err != nil {
		return nil, err
	}

	expires := now.Add(req.LockDuration)
	acquired := make([]*jobstore.Job, 0, want)
	for _, job := range candidates {
		if len(acquired) == want {
			break
		}
		rev, err := m.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
			j.Lock(req.WorkerID, expires)
			return nil
		})
		if errors.IsStaleRevision(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to lock job %s for %s", job.ID, req.WorkerID)
		}
		job.Revision = rev
		job.Lock(req.WorkerID, expires)
		acquired = append(acquired, job)

		ev := async.NewEvent(async.EventJobLocked, job, now)
		ev.WorkerID = req.WorkerID
		m.emit(ev)
	}

	if len(acquired) > 0 {
		m.logger.Debugw("Acquired external worker jobs",
			logger.FieldWorkerID, req.WorkerID,
			logger.FieldTopic, req.Topic,
			logger.FieldCount, len(acquired))
	}
	return acquired, nil
}

// Complete finishes a job the worker holds. The job is deleted and a
// follow-up job carrying the variables continues the owning scope.
func (m *Manager) Complete(ctx context.Context, jobID, workerID string, vars []Variable) error {
	if err := ValidateVariables(vars); err != nil {
		return err
	}
	return m.finish(ctx, jobID, workerID, HandlerComplete, FollowUp{Variables: vars}, nil)
}

// Terminate ends the job's scope abnormally. Only scopes that support
// termination accept it.
func (m *Manager) Terminate(ctx context.Context, jobID, workerID string, vars []Variable) error {
	if err := ValidateVariables(vars); err != nil {
		return err
	}
	return m.finish(ctx, jobID, workerID, HandlerTerminate, FollowUp{Variables: vars}, func(job *jobstore.Job) error {
		if !m.capabilities.SupportsTermination(job.ScopeType) {
			return errors.NewUnsupportedOperationf("Job %s belongs to a %s scope, which does not support termination", job.ID, job.ScopeType)
		}
		return nil
	})
}

// RaiseBusinessError propagates errorCode as a business fault in the job's
// scope. Only scopes that support business errors accept it.
func (m *Manager) RaiseBusinessError(ctx context.Context, jobID, workerID, errorCode string, vars []Variable) error {
	if err := ValidateVariables(vars); err != nil {
		return err
	}
	payload := FollowUp{ErrorCode: errorCode, Variables: vars}
	return m.finish(ctx, jobID, workerID, HandlerBusinessError, payload, func(job *jobstore.Job) error {
		if !m.capabilities.SupportsBusinessError(job.ScopeType) {
			return errors.NewUnsupportedOperationf("Job %s belongs to a %s scope, which does not support business errors", job.ID, job.ScopeType)
		}
		return nil
	})
}

// finish deletes a held job and inserts its follow-up in one transaction.
func (m *Manager) finish(ctx context.Context, jobID, workerID, handlerType string, payload FollowUp, allowed func(*jobstore.Job) error) error {
	if workerID == "" {
		return errors.NewValidationf("workerId is required")
	}
	now := m.clock.Now()

	var job, next *jobstore.Job
	err := m.store.Tx(ctx, func(tx *jobstore.Tx) error {
		var err error
		job, err = held(ctx, tx, jobID, workerID, now)
		if err != nil {
			return err
		}
		if allowed != nil {
			if err := allowed(job); err != nil {
				return err
			}
		}

		if err := tx.DeleteRevision(ctx, job.ID, job.Revision); err != nil {
			return lostLock(err, workerID)
		}

		payload.ExternalJobID = job.ID
		payload.WorkerID = workerID
		payload.Topic = job.Topic
		next, err = followUpJob(job, handlerType, payload, m.followUpRetries, now)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, next)
	})
	if err != nil {
		return err
	}

	m.logger.Debugw("External worker job finished",
		logger.FieldJobID, job.ID,
		logger.FieldWorkerID, workerID,
		logger.FieldHandler, handlerType)

	ev := async.NewEvent(async.EventJobDeleted, job, now)
	ev.WorkerID = workerID
	ev.SuccessorID = next.ID
	m.emit(ev)
	m.emit(async.NewEvent(async.EventJobCreated, next, now))
	if m.waker != nil {
		m.waker.Wake()
	}
	return nil
}

// Fail records a failed attempt and releases the lease. With a retry timeout
// the job stays invisible to acquisition until the timeout elapses. The job is
// never deleted; with no retries left it stays parked for the owning scope.
func (m *Manager) Fail(ctx context.Context, jobID string, req FailRequest) error {
	if req.WorkerID == "" {
		return errors.NewValidationf("workerId is required")
	}
	if req.Retries != nil && *req.Retries < 0 {
		return errors.NewValidationf("retries must not be negative")
	}
	if req.RetryTimeout < 0 {
		return errors.NewValidationf("retryTimeout must not be negative")
	}
	now := m.clock.Now()

	job, err := held(ctx, m.store, jobID, req.WorkerID, now)
	if err != nil {
		return err
	}

	var retries int
	_, err = m.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		if req.Retries != nil {
			j.RetriesLeft = *req.Retries
		} else if j.RetriesLeft > 0 {
			j.RetriesLeft--
		}
		j.ExceptionMessage = req.ErrorMessage
		j.ExceptionDetails = req.ErrorDetails
		j.ClearLock()
		if req.RetryTimeout > 0 {
			cooldown := now.Add(req.RetryTimeout)
			j.LockExpirationTime = &cooldown
		}
		retries = j.RetriesLeft
		return nil
	})
	if err != nil {
		return lostLock(err, req.WorkerID)
	}

	m.logger.Infow("External worker job failed",
		logger.FieldJobID, job.ID,
		logger.FieldWorkerID, req.WorkerID,
		logger.FieldRetries, retries,
		"failure", req.ErrorMessage)

	ev := async.NewEvent(async.EventJobFailed, job, now)
	ev.WorkerID = req.WorkerID
	ev.Message = req.ErrorMessage
	m.emit(ev)
	return nil
}

// Unacquire releases leases held by a worker and returns how many it
// released. Holding no leases at all is not an error; a tenant filter that
// matches none of the worker's leases is. Releasing a single job the worker
// does not hold, or that does not exist, is a validation error.
func (m *Manager) Unacquire(ctx context.Context, req UnacquireRequest) (int, error) {
	if req.WorkerID == "" {
		return 0, errors.NewValidationf("workerId is required")
	}
	now := m.clock.Now()

	if req.JobID != "" {
		job, err := held(ctx, m.store, req.JobID, req.WorkerID, now)
		if err != nil {
			return 0, notHeld(err, req)
		}
		if req.TenantID != "" && job.TenantID != req.TenantID {
			return 0, errors.NewValidationf("Job %s does not belong to tenant %s", job.ID, req.TenantID)
		}
		if err := m.release(ctx, job, req.WorkerID, now); err != nil {
			return 0, notHeld(lostLock(err, req.WorkerID), req)
		}
		return 1, nil
	}

	locked, err := m.store.ListLockedBy(ctx, req.WorkerID, now)
	if err != nil {
		return 0, err
	}
	if len(locked) == 0 {
		return 0, nil
	}

	targets := locked
	if req.TenantID != "" {
		targets = targets[:0:0]
		for _, job := range locked {
			if job.TenantID == req.TenantID {
				targets = append(targets, job)
			}
		}
		if len(targets) == 0 {
			return 0, errors.NewValidationf("Worker %s holds no jobs for tenant %s", req.WorkerID, req.TenantID)
		}
	}

	released := 0
	for _, job := range targets {
		err := m.release(ctx, job, req.WorkerID, now)
		if errors.IsStaleRevision(err) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}

	m.logger.Debugw("Released external worker leases",
		logger.FieldWorkerID, req.WorkerID,
		logger.FieldTenantID, req.TenantID,
		logger.FieldCount, released)
	return released, nil
}

func (m *Manager) release(ctx context.Context, job *jobstore.Job, workerID string, now time.Time) error {
	_, err := m.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		j.ClearLock()
		return nil
	})
	if err != nil {
		return err
	}
	ev := async.NewEvent(async.EventJobUnlocked, job, now)
	ev.WorkerID = workerID
	m.emit(ev)
	return nil
}

func (m *Manager) emit(ev async.Event) {
	if m.listener != nil {
		m.listener.OnJobEvent(ev)
	}
}

// held loads an external-worker job and checks that workerID holds a live lease on it.
func held(ctx context.Context, jobs jobstore.Jobs, jobID, workerID string, now time.Time) (*jobstore.Job, error) {
	job, err := jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Kind != jobstore.KindExternalWorker {
		return nil, errors.WithDetail(
			errors.NewNotFoundf("Could not find external worker job %s", jobID),
			"Job ID: "+jobID)
	}
	if job.LockOwner != workerID || !job.IsLocked(now) {
		return nil, errors.WithDetail(
			errors.NewLockOwnershipf("%s does not hold a lock on the requested job", workerID),
			"Job ID: "+jobID)
	}
	return job, nil
}

// notHeld turns a missing job or lease into a validation error for unacquire.
func notHeld(err error, req UnacquireRequest) error {
	if errors.IsNotFoundError(err) || errors.IsLockOwnershipError(err) {
		return errors.WithDetail(
			errors.NewValidationf("%s holds no lease on job %s", req.WorkerID, req.JobID),
			err.Error())
	}
	return err
}

// lostLock reports a lost compare-and-swap race as a lock ownership error.
func lostLock(err error, workerID string) error {
	if errors.IsStaleRevision(err) {
		return errors.NewLockOwnershipf("%s does not hold a lock on the requested job", workerID)
	}
	return err
}
