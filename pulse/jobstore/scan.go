package jobstore

import (
	"database/sql"
	"time"
)

// jobColumns is the column list for every job SELECT and INSERT, in scan order.
const jobColumns = `id, revision, kind, handler_type, handler_configuration, topic,
	element_id, element_name, scope_type, scope_id, sub_scope_id, scope_definition_id,
	category, tenant_id, due_date, end_date, repeat, max_iterations, retries_left,
	lock_owner, lock_expiration_time, exception_message, exception_details,
	suspended_kind, create_time`

const jobPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

// jobScanArgs holds the nullable and converted columns while scanning a row.
type jobScanArgs struct {
	HandlerConfiguration string
	DueDate              sql.NullInt64
	EndDate              sql.NullInt64
	LockExpirationTime   sql.NullInt64
	CreateTime           int64
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var args jobScanArgs
	err := row.Scan(
		&job.ID,
		&job.Revision,
		&job.Kind,
		&job.HandlerType,
		&args.HandlerConfiguration,
		&job.Topic,
		&job.ElementID,
		&job.ElementName,
		&job.ScopeType,
		&job.ScopeID,
		&job.SubScopeID,
		&job.ScopeDefinitionID,
		&job.Category,
		&job.TenantID,
		&args.DueDate,
		&args.EndDate,
		&job.Repeat,
		&job.MaxIterations,
		&job.RetriesLeft,
		&job.LockOwner,
		&args.LockExpirationTime,
		&job.ExceptionMessage,
		&job.ExceptionDetails,
		&job.SuspendedKind,
		&args.CreateTime,
	)
	if err != nil {
		return nil, err
	}

	if args.HandlerConfiguration != "" {
		job.HandlerConfiguration = []byte(args.HandlerConfiguration)
	}
	job.DueDate = fromMillis(args.DueDate)
	job.EndDate = fromMillis(args.EndDate)
	job.LockExpirationTime = fromMillis(args.LockExpirationTime)
	job.CreateTime = time.UnixMilli(args.CreateTime).UTC()
	return &job, nil
}

// insertArgs returns values in jobColumns order.
func insertArgs(job *Job) []interface{} {
	return []interface{}{
		job.ID,
		job.Revision,
		job.Kind,
		job.HandlerType,
		string(job.HandlerConfiguration),
		job.Topic,
		job.ElementID,
		job.ElementName,
		job.ScopeType,
		job.ScopeID,
		job.SubScopeID,
		job.ScopeDefinitionID,
		job.Category,
		job.TenantID,
		toMillis(job.DueDate),
		toMillis(job.EndDate),
		job.Repeat,
		job.MaxIterations,
		job.RetriesLeft,
		job.LockOwner,
		toMillis(job.LockExpirationTime),
		job.ExceptionMessage,
		job.ExceptionDetails,
		job.SuspendedKind,
		job.CreateTime.UnixMilli(),
	}
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
