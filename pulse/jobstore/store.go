package jobstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
)

// Jobs is the operation set available both directly on a Store and inside a
// transaction started with Store.Tx.
type Jobs interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	DeleteRevision(ctx context.Context, id string, revision int64) error
	CompareAndSwap(ctx context.Context, id string, expected int64, mutate func(*Job) error) (int64, error)
	FindDueTimers(ctx context.Context, now time.Time, categories *Categories, limit int) ([]*Job, error)
	FindExecutable(ctx context.Context, now time.Time, categories *Categories, limit int) ([]*Job, error)
	FindExternalWorker(ctx context.Context, now time.Time, filter ExternalFilter, categories *Categories, limit int) ([]*Job, error)
	ListLockedBy(ctx context.Context, workerID string, now time.Time) ([]*Job, error)
	ListForScope(ctx context.Context, scopeType ScopeType, scopeID string) ([]*Job, error)
	DeleteForScope(ctx context.Context, scopeType ScopeType, scopeID string) (int64, error)
	CountByKind(ctx context.Context) (map[Kind]int, error)
	List(ctx context.Context, kind Kind, limit int) ([]*Job, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ops implements Jobs over either a *sql.DB or a *sql.Tx.
type ops struct {
	q       querier
	dialect db.Dialect
}

// Store handles persistence of jobs.
type Store struct {
	ops
	db *sql.DB
}

// Tx is a Store bound to one database transaction.
type Tx struct {
	ops
}

var (
	_ Jobs = (*Store)(nil)
	_ Jobs = (*Tx)(nil)
)

// NewStore creates a job store over an open, migrated database.
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{ops: ops{q: conn, dialect: dialect}, db: conn}
}

// Dialect returns the SQL dialect of the underlying database.
func (s *Store) Dialect() db.Dialect {
	return s.dialect
}

// Tx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back otherwise; fn's error is returned unchanged so callers
// can still test it with errors.Is.
func (s *Store) Tx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin job transaction")
	}
	if err := fn(&Tx{ops: ops{q: sqlTx, dialect: s.dialect}}); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit job transaction")
	}
	return nil
}

func (o *ops) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return o.q.ExecContext(ctx, o.dialect.Rebind(query), args...)
}

func (o *ops) query(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := o.q.QueryContext(ctx, o.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// Insert stores a new job. A zero revision is stored as 1.
func (o *ops) Insert(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.NewValidationf("job id is required")
	}
	if !job.Kind.Valid() {
		return errors.NewValidationf("unknown job kind %q", job.Kind)
	}
	if job.CreateTime.IsZero() {
		return errors.NewValidationf("job %s has no create time", job.ID)
	}
	if job.Revision == 0 {
		job.Revision = 1
	}

	query := `INSERT INTO jobs (` + jobColumns + `) VALUES (` + jobPlaceholders + `)`
	if _, err := o.exec(ctx, query, insertArgs(job)...); err != nil {
		if db.IsUniqueViolation(err) {
			return errors.NewValidationf("job %s already exists", job.ID)
		}
		return errors.Wrapf(err, "failed to insert job %s", job.ID)
	}
	return nil
}

// Get retrieves a job by id.
func (o *ops) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	job, err := scanJob(o.q.QueryRowContext(ctx, o.dialect.Rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.WithDetailf(errors.NewNotFoundf("Could not find job %s", id), "Job ID: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", id)
	}
	return job, nil
}

// Delete removes a job regardless of its revision.
func (o *ops) Delete(ctx context.Context, id string) error {
	result, err := o.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundf("Could not find job %s", id)
	}
	return nil
}

// DeleteRevision removes a job only if it is still at revision. A lost race
// returns ErrStaleRevision.
func (o *ops) DeleteRevision(ctx context.Context, id string, revision int64) error {
	result, err := o.exec(ctx, `DELETE FROM jobs WHERE id = ? AND revision = ?`, id, revision)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Wrapf(errors.ErrStaleRevision, "job %s revision %d", id, revision)
	}
	return nil
}

// CompareAndSwap applies mutate to the job and persists the result only if
// the stored revision still equals expected. It returns the new revision.
//
// A missing job or a revision mismatch yields ErrStaleRevision: another
// poller or worker got there first. Errors from mutate are returned as is and
// nothing is written.
func (o *ops) CompareAndSwap(ctx context.Context, id string, expected int64, mutate func(*Job) error) (int64, error) {
	current, err := o.Get(ctx, id)
	if errors.IsNotFoundError(err) {
		return 0, errors.Wrapf(errors.ErrStaleRevision, "job %s is gone", id)
	}
	if err != nil {
		return 0, err
	}
	if current.Revision != expected {
		return 0, errors.Wrapf(errors.ErrStaleRevision, "job %s at revision %d, expected %d", id, current.Revision, expected)
	}

	if err := mutate(current); err != nil {
		return 0, err
	}
	if !current.Kind.Valid() {
		return 0, errors.NewValidationf("unknown job kind %q", current.Kind)
	}

	query := `UPDATE jobs SET
		kind = ?, handler_type = ?, handler_configuration = ?, topic = ?,
		element_id = ?, element_name = ?, scope_type = ?, scope_id = ?,
		sub_scope_id = ?, scope_definition_id = ?, category = ?, tenant_id = ?,
		due_date = ?, end_date = ?, repeat = ?, max_iterations = ?, retries_left = ?,
		lock_owner = ?, lock_expiration_time = ?, exception_message = ?,
		exception_details = ?, suspended_kind = ?, revision = revision + 1
		WHERE id = ? AND revision = ?`

	result, err := o.exec(ctx, query,
		current.Kind,
		current.HandlerType,
		string(current.HandlerConfiguration),
		current.Topic,
		current.ElementID,
		current.ElementName,
		current.ScopeType,
		current.ScopeID,
		current.SubScopeID,
		current.ScopeDefinitionID,
		current.Category,
		current.TenantID,
		toMillis(current.DueDate),
		toMillis(current.EndDate),
		current.Repeat,
		current.MaxIterations,
		current.RetriesLeft,
		current.LockOwner,
		toMillis(current.LockExpirationTime),
		current.ExceptionMessage,
		current.ExceptionDetails,
		current.SuspendedKind,
		id,
		expected,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to update job %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return 0, errors.Wrapf(errors.ErrStaleRevision, "job %s revision %d", id, expected)
	}
	return expected + 1, nil
}

// ExternalFilter narrows external-worker acquisition.
type ExternalFilter struct {
	Topic     string
	ScopeType ScopeType
	TenantID  string
}

// availableAt is the lease visibility predicate: no lease, or one that has expired.
const availableAt = `(lock_expiration_time IS NULL OR lock_expiration_time <= ?)`

// FindDueTimers returns timer jobs due at or before now, oldest due date first.
func (o *ops) FindDueTimers(ctx context.Context, now time.Time, categories *Categories, limit int) ([]*Job, error) {
	where, args := categoryFilter(`kind = ? AND due_date <= ?`,
		[]interface{}{KindTimer, now.UnixMilli()}, categories)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where +
		` ORDER BY due_date ASC, create_time ASC, id ASC`
	query, args = withLimit(query, args, limit)

	jobs, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find due timers")
	}
	return jobs, nil
}

// FindExecutable returns executable jobs whose lease is absent or expired at
// now, in the order they became runnable. Rows without a due date became
// runnable when they were created.
func (o *ops) FindExecutable(ctx context.Context, now time.Time, categories *Categories, limit int) ([]*Job, error) {
	where, args := categoryFilter(`kind = ? AND `+availableAt,
		[]interface{}{KindExecutable, now.UnixMilli()}, categories)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where +
		` ORDER BY COALESCE(due_date, create_time) ASC, create_time ASC, id ASC`
	query, args = withLimit(query, args, limit)

	jobs, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find executable jobs")
	}
	return jobs, nil
}

// FindExternalWorker returns unlocked external-worker jobs on a topic that
// still have retries left.
func (o *ops) FindExternalWorker(ctx context.Context, now time.Time, filter ExternalFilter, categories *Categories, limit int) ([]*Job, error) {
	clause := `kind = ? AND topic = ? AND retries_left > 0 AND ` + availableAt
	args := []interface{}{KindExternalWorker, filter.Topic, now.UnixMilli()}
	if filter.ScopeType != "" {
		clause += ` AND scope_type = ?`
		args = append(args, filter.ScopeType)
	}
	if filter.TenantID != "" {
		clause += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	where, args := categoryFilter(clause, args, categories)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where +
		` ORDER BY create_time ASC, id ASC`
	query, args = withLimit(query, args, limit)

	jobs, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find external worker jobs for topic %s", filter.Topic)
	}
	return jobs, nil
}

// ListLockedBy returns external-worker jobs on which workerID holds a live lease.
func (o *ops) ListLockedBy(ctx context.Context, workerID string, now time.Time) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE kind = ? AND lock_owner = ? AND lock_expiration_time > ?
		ORDER BY create_time ASC, id ASC`

	jobs, err := o.query(ctx, query, KindExternalWorker, workerID, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs locked by %s", workerID)
	}
	return jobs, nil
}

// ListForScope returns every job owned by a scope, including dead letters.
func (o *ops) ListForScope(ctx context.Context, scopeType ScopeType, scopeID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE scope_type = ? AND scope_id = ?
		ORDER BY create_time ASC, id ASC`

	jobs, err := o.query(ctx, query, scopeType, scopeID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list jobs for %s scope %s", scopeType, scopeID)
	}
	return jobs, nil
}

// DeleteForScope removes the timer, executable, suspended and external-worker
// jobs of a scope and returns how many were removed. Dead letters are kept for
// operators.
func (o *ops) DeleteForScope(ctx context.Context, scopeType ScopeType, scopeID string) (int64, error) {
	query := `DELETE FROM jobs WHERE scope_type = ? AND scope_id = ? AND kind IN (?, ?, ?, ?)`
	result, err := o.exec(ctx, query, scopeType, scopeID,
		KindTimer, KindExecutable, KindSuspended, KindExternalWorker)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete jobs for %s scope %s", scopeType, scopeID)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}

// CountByKind returns the number of jobs per kind. Kinds without jobs are present with 0.
func (o *ops) CountByKind(ctx context.Context) (map[Kind]int, error) {
	rows, err := o.q.QueryContext(ctx, `SELECT kind, COUNT(*) FROM jobs GROUP BY kind`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = 0
	}
	for rows.Next() {
		var kind Kind
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[kind] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// List returns jobs of one kind, or of every kind when kind is empty.
func (o *ops) List(ctx context.Context, kind Kind, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY create_time ASC, id ASC`
	query, args = withLimit(query, args, limit)

	jobs, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	return jobs, nil
}

// categoryFilter appends the allow-list predicate to where.
func categoryFilter(where string, args []interface{}, categories *Categories) (string, []interface{}) {
	enabled := categories.List()
	if len(enabled) == 0 {
		return where, args
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(enabled)), ", ")
	where += ` AND (category = '' OR category IN (` + placeholders + `))`
	for _, c := range enabled {
		args = append(args, c)
	}
	return where, args
}

func withLimit(query string, args []interface{}, limit int) (string, []interface{}) {
	if limit <= 0 {
		return query, args
	}
	return query + ` LIMIT ?`, append(args, limit)
}
