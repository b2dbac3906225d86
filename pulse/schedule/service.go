// Package schedule is the surface collaborators use to create, cancel and
// reschedule jobs and to manage the jobs of a whole scope.
//
// A timer is never rescheduled in place: the old job is deleted and a new one
// inserted in the same transaction, so a poller holding the old revision can
// only lose its compare-and-swap.
package schedule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/clock"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// DefaultRetries is the retry budget of newly created jobs.
const DefaultRetries = 3

// DefaultExternalWorkerHandler is the handler type recorded on external-worker
// jobs created without one.
const DefaultExternalWorkerHandler = "external-worker"

// Service creates and manages jobs on behalf of the workflow engine.
type Service struct {
	store    *jobstore.Store
	clock    clock.Clock
	executor *async.Executor
	listener async.EventListener
	retries  int
	logger   *zap.SugaredLogger
}

// Option customises a Service.
type Option func(*Service)

// WithEventListener delivers job created and deleted events to l.
func WithEventListener(l async.EventListener) Option {
	return func(s *Service) { s.listener = l }
}

// WithRetries sets the retry budget of jobs the service creates.
func WithRetries(n int) Option {
	return func(s *Service) { s.retries = n }
}

// NewService creates a collaborator service. executor may be nil, in which
// case RegisterHandler fails and no wake hints are sent.
func NewService(store *jobstore.Store, clk clock.Clock, executor *async.Executor, log *zap.SugaredLogger, opts ...Option) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Service{
		store:    store,
		clock:    clk,
		executor: executor,
		retries:  DefaultRetries,
		logger:   log.Named("schedule"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler registers a handler with the executor. It panics if the
// handler type is already registered.
func (s *Service) RegisterHandler(handlerType string, handler async.JobHandler) error {
	if s.executor == nil {
		return errors.Newf("no executor to register handler %s with", handlerType)
	}
	s.executor.Registry().Register(handlerType, handler)
	return nil
}

// CreateTimerJob resolves the first due date of spec and stores a timer job.
// Repeating specs record their expression, remaining repetitions and end date
// so the executor can schedule each successor.
func (s *Service) CreateTimerJob(ctx context.Context, desc jobstore.Descriptor, spec duedate.Spec) (string, error) {
	if err := validateDescriptor(desc); err != nil {
		return "", err
	}
	now := s.clock.Now()
	job, err := s.timerJob(desc, spec, now)
	if err != nil {
		return "", err
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return "", err
	}

	s.logger.Debugw("Timer job created",
		logger.FieldJobID, job.ID,
		logger.FieldHandler, desc.HandlerType,
		logger.FieldDueDate, *job.DueDate,
		"repeat", job.Repeat)
	s.created(job, now)
	return job.ID, nil
}

func (s *Service) timerJob(desc jobstore.Descriptor, spec duedate.Spec, now time.Time) (*jobstore.Job, error) {
	res, err := duedate.Resolve(spec, now)
	if err != nil {
		return nil, err
	}
	if res.Exhausted {
		return nil, errors.NewInvalidSchedulef("Timer expression %s has no occurrence after %s", spec.Expression, now.Format(time.RFC3339))
	}

	job := &jobstore.Job{
		ID:            jobstore.NewID(),
		Kind:          jobstore.KindTimer,
		Descriptor:    desc,
		DueDate:       &res.At,
		MaxIterations: duedate.Unbounded,
		RetriesLeft:   s.retries,
		CreateTime:    now,
	}
	if res.Repeat != nil {
		job.Repeat = res.Repeat.Expression
		job.MaxIterations = res.Repeat.Remaining
		job.EndDate = res.Repeat.End
	}
	return job, nil
}

// CreateExternalWorkerJob stores a job for out-of-process workers polling topic.
func (s *Service) CreateExternalWorkerJob(ctx context.Context, desc jobstore.Descriptor, topic string) (string, error) {
	if topic == "" {
		return "", errors.NewValidationf("topic is required")
	}
	if desc.HandlerType == "" {
		desc.HandlerType = DefaultExternalWorkerHandler
	}
	if err := validateDescriptor(desc); err != nil {
		return "", err
	}

	now := s.clock.Now()
	job := &jobstore.Job{
		ID:            jobstore.NewID(),
		Kind:          jobstore.KindExternalWorker,
		Descriptor:    desc,
		Topic:         topic,
		MaxIterations: duedate.Unbounded,
		RetriesLeft:   s.retries,
		CreateTime:    now,
	}
	if err := s.store.Insert(ctx, job); err != nil {
		return "", err
	}

	s.logger.Debugw("External worker job created", logger.FieldJobID, job.ID, logger.FieldTopic, topic)
	s.created(job, now)
	return job.ID, nil
}

// CancelJob deletes a job of any kind.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		err = s.store.DeleteRevision(ctx, job.ID, job.Revision)
		if errors.IsStaleRevision(err) {
			// Changed under us; look again
			continue
		}
		if err != nil {
			return err
		}
		s.emit(async.NewEvent(async.EventJobDeleted, job, s.clock.Now()))
		return nil
	}
	return errors.Newf("job %s kept changing, gave up cancelling after %d attempts", jobID, attempts)
}

// RescheduleTimer replaces a timer with a new one due according to spec and
// returns the new job's id.
func (s *Service) RescheduleTimer(ctx context.Context, jobID string, spec duedate.Spec) (string, error) {
	now := s.clock.Now()
	var old, next *jobstore.Job

	err := s.store.Tx(ctx, func(tx *jobstore.Tx) error {
		var err error
		old, err = tx.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if old.Kind != jobstore.KindTimer {
			return errors.NewValidationf("Job %s is a %s job, only timers can be rescheduled", jobID, old.Kind)
		}
		next, err = s.timerJob(old.Descriptor, spec, now)
		if err != nil {
			return err
		}
		next.RetriesLeft = old.RetriesLeft
		if err := tx.DeleteRevision(ctx, old.ID, old.Revision); err != nil {
			return err
		}
		return tx.Insert(ctx, next)
	})
	if err != nil {
		return "", err
	}

	ev := async.NewEvent(async.EventJobDeleted, old, now)
	ev.SuccessorID = next.ID
	s.emit(ev)
	s.created(next, now)
	s.logger.Debugw("Timer rescheduled", logger.FieldJobID, next.ID, "previous", old.ID, logger.FieldDueDate, *next.DueDate)
	return next.ID, nil
}

// DeleteJobsForScope removes every job of a scope except dead letters and
// returns how many were removed.
func (s *Service) DeleteJobsForScope(ctx context.Context, scopeType jobstore.ScopeType, scopeID string) (int64, error) {
	var n int64
	err := s.store.Tx(ctx, func(tx *jobstore.Tx) error {
		var err error
		n, err = tx.DeleteForScope(ctx, scopeType, scopeID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debugw("Deleted jobs for scope",
		logger.FieldScopeType, scopeType,
		logger.FieldScopeID, scopeID,
		logger.FieldCount, n)
	return n, nil
}

// SuspendJobsForScope parks the timer, executable and external-worker jobs of
// a scope. Suspended jobs are never polled or acquired.
func (s *Service) SuspendJobsForScope(ctx context.Context, scopeType jobstore.ScopeType, scopeID string) (int, error) {
	return s.moveScope(ctx, scopeType, scopeID, func(j *jobstore.Job) bool {
		switch j.Kind {
		case jobstore.KindTimer, jobstore.KindExecutable, jobstore.KindExternalWorker:
			j.SuspendedKind = j.Kind
			j.Kind = jobstore.KindSuspended
			j.ClearLock()
			return true
		}
		return false
	})
}

// ActivateJobsForScope returns the suspended jobs of a scope to the kind they
// were suspended from.
func (s *Service) ActivateJobsForScope(ctx context.Context, scopeType jobstore.ScopeType, scopeID string) (int, error) {
	n, err := s.moveScope(ctx, scopeType, scopeID, func(j *jobstore.Job) bool {
		if j.Kind != jobstore.KindSuspended || !j.SuspendedKind.Valid() {
			return false
		}
		j.Kind = j.SuspendedKind
		j.SuspendedKind = ""
		return true
	})
	if err == nil && n > 0 {
		s.wake()
	}
	return n, err
}

func (s *Service) moveScope(ctx context.Context, scopeType jobstore.ScopeType, scopeID string, move func(*jobstore.Job) bool) (int, error) {
	moved := 0
	err := s.store.Tx(ctx, func(tx *jobstore.Tx) error {
		moved = 0
		jobs, err := tx.ListForScope(ctx, scopeType, scopeID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if !move(job.Clone()) {
				continue
			}
			if _, err := tx.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
				move(j)
				return nil
			}); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// MoveDeadLetterToExecutable gives a dead-lettered job a fresh retry budget
// and makes it executable again.
func (s *Service) MoveDeadLetterToExecutable(ctx context.Context, jobID string, retries int) error {
	if retries <= 0 {
		return errors.NewValidationf("retries must be positive")
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Kind != jobstore.KindDeadLetter {
		return errors.NewValidationf("Job %s is a %s job, not a dead letter", jobID, job.Kind)
	}

	now := s.clock.Now()
	_, err = s.store.CompareAndSwap(ctx, job.ID, job.Revision, func(j *jobstore.Job) error {
		j.Kind = jobstore.KindExecutable
		j.RetriesLeft = retries
		j.DueDate = &now
		j.ExceptionMessage = ""
		j.ExceptionDetails = ""
		j.ClearLock()
		return nil
	})
	if errors.IsStaleRevision(err) {
		return errors.NewValidationf("Job %s changed concurrently, try again", jobID)
	}
	if err != nil {
		return err
	}
	s.logger.Infow("Dead letter job moved to executable", logger.FieldJobID, jobID, logger.FieldRetries, retries)
	s.wake()
	return nil
}

func (s *Service) created(job *jobstore.Job, now time.Time) {
	s.emit(async.NewEvent(async.EventJobCreated, job, now))
	s.wake()
}

func (s *Service) emit(ev async.Event) {
	if s.listener != nil {
		s.listener.OnJobEvent(ev)
	}
}

func (s *Service) wake() {
	if s.executor != nil {
		s.executor.Wake()
	}
}

func validateDescriptor(desc jobstore.Descriptor) error {
	if desc.HandlerType == "" {
		return errors.NewValidationf("handler type is required")
	}
	switch desc.ScopeType {
	case "", jobstore.ScopeBPMN, jobstore.ScopeCMMN:
		return nil
	}
	return errors.NewValidationf("unknown scope type %s", desc.ScopeType)
}
