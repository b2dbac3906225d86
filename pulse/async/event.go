package async

import (
	"time"

	"github.com/teranos/pulsejob/pulse/jobstore"
)

// EventType names a job lifecycle transition.
type EventType string

const (
	EventJobCreated      EventType = "job_created"
	EventJobDeleted      EventType = "job_deleted"
	EventTimerFired      EventType = "timer_fired"
	EventJobLocked       EventType = "job_locked"
	EventJobUnlocked     EventType = "job_unlocked"
	EventJobExecuted     EventType = "job_executed"
	EventJobFailed       EventType = "job_failed"
	EventJobDeadLettered EventType = "job_dead_lettered"
)

// Event describes one lifecycle transition, for history recording and live streaming.
type Event struct {
	Type        EventType          `json:"type"`
	JobID       string             `json:"job_id"`
	Kind        jobstore.Kind      `json:"kind,omitempty"`
	HandlerType string             `json:"handler_type,omitempty"`
	ScopeType   jobstore.ScopeType `json:"scope_type,omitempty"`
	ScopeID     string             `json:"scope_id,omitempty"`
	WorkerID    string             `json:"worker_id,omitempty"`
	SuccessorID string             `json:"successor_id,omitempty"`
	Message     string             `json:"message,omitempty"`
	Time        time.Time          `json:"time"`
}

// NewEvent builds an event for job at time at.
func NewEvent(t EventType, job *jobstore.Job, at time.Time) Event {
	return Event{
		Type:        t,
		JobID:       job.ID,
		Kind:        job.Kind,
		HandlerType: job.HandlerType,
		ScopeType:   job.ScopeType,
		ScopeID:     job.ScopeID,
		Time:        at,
	}
}

// EventListener receives lifecycle events. Implementations must not block.
type EventListener interface {
	OnJobEvent(Event)
}

// EventListenerFunc adapts a function to EventListener.
type EventListenerFunc func(Event)

// OnJobEvent calls f.
func (f EventListenerFunc) OnJobEvent(e Event) {
	f(e)
}

// Listeners fans an event out to several listeners.
type Listeners []EventListener

// OnJobEvent delivers e to every listener in order.
func (ls Listeners) OnJobEvent(e Event) {
	for _, l := range ls {
		if l != nil {
			l.OnJobEvent(e)
		}
	}
}
