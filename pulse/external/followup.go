package external

import (
	"encoding/json"
	"time"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// Handler types of the executable jobs that carry a worker's outcome back to
// the owning scope.
const (
	HandlerComplete      = "external-worker-complete"
	HandlerTerminate     = "external-worker-terminate"
	HandlerBusinessError = "external-worker-bpmn-error"
)

// FollowUp is the handler configuration of a follow-up job.
type FollowUp struct {
	ExternalJobID string     `json:"externalJobId"`
	WorkerID      string     `json:"workerId"`
	Topic         string     `json:"topic"`
	ErrorCode     string     `json:"errorCode,omitempty"`
	Variables     []Variable `json:"variables,omitempty"`
}

// ParseFollowUp decodes the handler configuration of a follow-up job.
func ParseFollowUp(job *jobstore.Job) (FollowUp, error) {
	var f FollowUp
	if err := json.Unmarshal(job.HandlerConfiguration, &f); err != nil {
		return FollowUp{}, errors.Wrapf(err, "failed to decode follow-up configuration of job %s", job.ID)
	}
	return f, nil
}

// followUpJob builds the executable job that continues the scope of an
// external-worker job once the worker is done with it.
func followUpJob(src *jobstore.Job, handlerType string, payload FollowUp, retries int, now time.Time) (*jobstore.Job, error) {
	cfg, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode follow-up configuration")
	}

	desc := src.Descriptor
	desc.HandlerType = handlerType
	desc.HandlerConfiguration = cfg

	return &jobstore.Job{
		ID:            jobstore.NewID(),
		Kind:          jobstore.KindExecutable,
		Descriptor:    desc,
		MaxIterations: duedate.Unbounded,
		RetriesLeft:   retries,
		CreateTime:    now,
	}, nil
}
