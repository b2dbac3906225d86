package server

import (
	"context"
	"time"

	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/pulse/duedate"
	"github.com/teranos/pulsejob/pulse/external"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// VariableSource supplies the process variables handed to an external worker
// together with a job it acquired.
type VariableSource interface {
	Variables(ctx context.Context, job *jobstore.Job) ([]external.Variable, error)
}

// JobResponse is the wire form of a job.
type JobResponse struct {
	ID                 string              `json:"id"`
	Kind               jobstore.Kind       `json:"kind"`
	HandlerType        string              `json:"handlerType,omitempty"`
	Topic              string              `json:"topic,omitempty"`
	ScopeType          jobstore.ScopeType  `json:"scopeType,omitempty"`
	ScopeID            string              `json:"scopeId,omitempty"`
	SubScopeID         string              `json:"subScopeId,omitempty"`
	ScopeDefinitionID  string              `json:"scopeDefinitionId,omitempty"`
	ElementID          string              `json:"elementId,omitempty"`
	ElementName        string              `json:"elementName,omitempty"`
	Category           string              `json:"category,omitempty"`
	TenantID           string              `json:"tenantId"`
	Retries            int                 `json:"retries"`
	DueDate            *time.Time          `json:"dueDate,omitempty"`
	Repeat             string              `json:"repeat,omitempty"`
	LockOwner          string              `json:"lockOwner,omitempty"`
	LockExpirationTime *time.Time          `json:"lockExpirationTime,omitempty"`
	ExceptionMessage   string              `json:"exceptionMessage,omitempty"`
	CreateTime         time.Time           `json:"createTime"`
	Variables          []external.Variable `json:"variables"`
}

// NewJobResponse renders a job for the HTTP API. Variables are never null.
func NewJobResponse(job *jobstore.Job, vars []external.Variable) JobResponse {
	if vars == nil {
		vars = []external.Variable{}
	}
	return JobResponse{
		ID:                 job.ID,
		Kind:               job.Kind,
		HandlerType:        job.HandlerType,
		Topic:              job.Topic,
		ScopeType:          job.ScopeType,
		ScopeID:            job.ScopeID,
		SubScopeID:         job.SubScopeID,
		ScopeDefinitionID:  job.ScopeDefinitionID,
		ElementID:          job.ElementID,
		ElementName:        job.ElementName,
		Category:           job.Category,
		TenantID:           job.TenantID,
		Retries:            job.RetriesLeft,
		DueDate:            job.DueDate,
		Repeat:             job.Repeat,
		LockOwner:          job.LockOwner,
		LockExpirationTime: job.LockExpirationTime,
		ExceptionMessage:   job.ExceptionMessage,
		CreateTime:         job.CreateTime,
		Variables:          vars,
	}
}

// AcquireRequest is the body of POST /acquire/jobs.
type AcquireRequest struct {
	Topic         string `json:"topic"`
	LockDuration  string `json:"lockDuration"`
	WorkerID      string `json:"workerId"`
	NumberOfTasks int    `json:"numberOfTasks"`
	ScopeType     string `json:"scopeType"`
	TenantID      string `json:"tenantId"`
}

// CompleteRequest is the body of complete and cmmnTerminate.
type CompleteRequest struct {
	WorkerID  string              `json:"workerId"`
	Variables []external.Variable `json:"variables"`
}

// BusinessErrorRequest is the body of bpmnError.
type BusinessErrorRequest struct {
	WorkerID  string              `json:"workerId"`
	ErrorCode string              `json:"errorCode"`
	Variables []external.Variable `json:"variables"`
}

// FailRequest is the body of fail.
type FailRequest struct {
	WorkerID     string `json:"workerId"`
	Retries      *int   `json:"retries"`
	RetryTimeout string `json:"retryTimeout"`
	ErrorMessage string `json:"errorMessage"`
	ErrorDetails string `json:"errorDetails"`
}

// UnacquireRequest is the body of both unacquire endpoints.
type UnacquireRequest struct {
	WorkerID string `json:"workerId"`
	TenantID string `json:"tenantId"`
}

// RetryRequest is the body of POST /jobs/{id}/retry.
type RetryRequest struct {
	Retries int `json:"retries"`
}

// parseDuration reads an ISO-8601 duration such as PT10M, measured from now.
// An empty value yields zero.
func parseDuration(field, value string, now time.Time) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	p, err := duedate.ParsePeriod(value)
	if err != nil {
		return 0, errors.WithDetail(
			errors.NewValidationf("%s %s is not an ISO-8601 duration", field, value),
			err.Error())
	}
	return p.Duration(now), nil
}
