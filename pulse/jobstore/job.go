// Package jobstore persists timer, executable, suspended, dead-letter and
// external-worker jobs in a single table and mutates them only through
// revision-guarded compare-and-swap.
package jobstore

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the collection a job currently belongs to.
type Kind string

const (
	KindTimer          Kind = "timer"
	KindExecutable     Kind = "executable"
	KindSuspended      Kind = "suspended"
	KindDeadLetter     Kind = "deadletter"
	KindExternalWorker Kind = "externalworker"
)

// Kinds lists every job kind in lifecycle order.
var Kinds = []Kind{KindTimer, KindExecutable, KindSuspended, KindDeadLetter, KindExternalWorker}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ScopeType names the kind of instance that owns a job.
type ScopeType string

const (
	ScopeBPMN ScopeType = "bpmn"
	ScopeCMMN ScopeType = "cmmn"
)

// Descriptor is the immutable part of a job supplied by the collaborator that
// created it. Scope identifiers are opaque and never dereferenced here.
type Descriptor struct {
	HandlerType          string
	HandlerConfiguration []byte

	ScopeType         ScopeType
	ScopeID           string
	SubScopeID        string
	ScopeDefinitionID string
	ElementID         string
	ElementName       string

	Category string
	TenantID string
}

// Job is one row of the jobs table.
type Job struct {
	ID       string
	Revision int64
	Kind     Kind
	Descriptor

	// Topic is set for external-worker jobs.
	Topic string

	// DueDate is when a timer fires. Executable jobs keep the instant they
	// became runnable.
	DueDate *time.Time
	EndDate *time.Time

	// Repeat is the cycle or cron expression that produced a repeating timer.
	Repeat string
	// MaxIterations is the number of occurrences left including this one, -1 when unbounded.
	MaxIterations int

	RetriesLeft int

	LockOwner          string
	LockExpirationTime *time.Time

	ExceptionMessage string
	ExceptionDetails string

	// SuspendedKind remembers the kind to restore when a suspended job is activated.
	SuspendedKind Kind

	CreateTime time.Time
}

// NewID generates a job identifier.
func NewID() string {
	return uuid.NewString()
}

// IsLocked reports whether a lease is held on the job at now. An expired
// lease counts as unlocked.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockOwner != "" && j.LockExpirationTime != nil && j.LockExpirationTime.After(now)
}

// IsRepeating reports whether firing the job schedules a successor.
func (j *Job) IsRepeating() bool {
	return j.Repeat != ""
}

// Lock records owner as lease holder until expires.
func (j *Job) Lock(owner string, expires time.Time) {
	j.LockOwner = owner
	j.LockExpirationTime = &expires
}

// ClearLock drops any lease.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockExpirationTime = nil
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.HandlerConfiguration != nil {
		c.HandlerConfiguration = append([]byte(nil), j.HandlerConfiguration...)
	}
	c.DueDate = cloneTime(j.DueDate)
	c.EndDate = cloneTime(j.EndDate)
	c.LockExpirationTime = cloneTime(j.LockExpirationTime)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
