package schedule

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/pulsejob/db"
	"github.com/teranos/pulsejob/errors"
	"github.com/teranos/pulsejob/logger"
	"github.com/teranos/pulsejob/pulse/async"
	"github.com/teranos/pulsejob/pulse/jobstore"
)

// HistoryCleanupHandler is the handler type of the timer that prunes job history.
const HistoryCleanupHandler = "history-cleanup"

// HistoryEntry is one recorded lifecycle event.
type HistoryEntry struct {
	ID int64 `json:"id"`
	async.Event
}

// History persists job lifecycle events so they can be inspected after the
// job itself is gone.
type History struct {
	db      *sql.DB
	dialect db.Dialect
	logger  *zap.SugaredLogger
}

// NewHistory creates a history store over a migrated database.
func NewHistory(conn *sql.DB, dialect db.Dialect, log *zap.SugaredLogger) *History {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &History{db: conn, dialect: dialect, logger: log.Named("history")}
}

// Record stores one event.
func (h *History) Record(ctx context.Context, ev async.Event) error {
	query := `
		INSERT INTO job_events (
			job_id, type, kind, handler_type, scope_type, scope_id,
			worker_id, successor_id, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := h.db.ExecContext(ctx, h.dialect.Rebind(query),
		ev.JobID,
		ev.Type,
		ev.Kind,
		ev.HandlerType,
		ev.ScopeType,
		ev.ScopeID,
		ev.WorkerID,
		ev.SuccessorID,
		ev.Message,
		ev.Time.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to record %s event for job %s", ev.Type, ev.JobID)
	}
	return nil
}

// OnJobEvent records ev, logging instead of returning failures.
func (h *History) OnJobEvent(ev async.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Record(ctx, ev); err != nil && !db.IsDatabaseClosed(err) {
		h.logger.Warnw("Failed to record job event", logger.FieldJobID, ev.JobID, "error", err)
	}
}

// ForJob returns the events of one job, oldest first.
func (h *History) ForJob(ctx context.Context, jobID string) ([]HistoryEntry, error) {
	return h.list(ctx, `WHERE job_id = ? ORDER BY id ASC`, jobID)
}

// Recent returns the newest events, newest first.
func (h *History) Recent(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return h.list(ctx, `ORDER BY id DESC LIMIT ?`, limit)
}

func (h *History) list(ctx context.Context, tail string, args ...interface{}) ([]HistoryEntry, error) {
	query := `
		SELECT id, job_id, type, kind, handler_type, scope_type, scope_id,
		       worker_id, successor_id, message, created_at
		FROM job_events
	` + tail

	rows, err := h.db.QueryContext(ctx, h.dialect.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job events")
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var createdAt int64
		if err := rows.Scan(
			&e.ID,
			&e.JobID,
			&e.Type,
			&e.Kind,
			&e.HandlerType,
			&e.ScopeType,
			&e.ScopeID,
			&e.WorkerID,
			&e.SuccessorID,
			&e.Message,
			&createdAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan job event")
		}
		e.Time = time.UnixMilli(createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job events")
	}
	return entries, nil
}

// Prune deletes events recorded before cutoff and returns how many it deleted.
func (h *History) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := h.db.ExecContext(ctx, h.dialect.Rebind(`DELETE FROM job_events WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune job events")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

// CleanupHandler returns a job handler that prunes events older than
// retention, measured from now().
func (h *History) CleanupHandler(retention time.Duration, now func() time.Time) async.JobHandler {
	return async.HandlerFunc(func(ctx context.Context, _ *jobstore.Job) async.Result {
		n, err := h.Prune(ctx, now().Add(-retention))
		if err != nil {
			return async.FailureFromError(err)
		}
		logger.FromContext(ctx, h.logger).Infow("Pruned job history", logger.FieldCount, n, "retention", retention)
		return async.Success()
	})
}
