package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carebrain/internal/domain"
)

// InsertException writes x unless its signal already has an open exception.
func (r Repo) InsertException(ctx context.Context, q DBTX, x domain.Exception) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO exceptions(id,signal_id,resident_id,severity,state,correlation_id,created_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		x.ID, x.SignalID, x.ResidentID, x.Severity, x.State, x.CorrelationID, FormatTime(x.CreatedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

const exceptionColumns = `id,signal_id,resident_id,severity,state,COALESCE(decision,''),COALESCE(decision_reason,''),COALESCE(assigned_task_id,''),
COALESCE(triaged_by,''),triaged_at,COALESCE(resolved_by,''),resolved_at,COALESCE(resolution,''),correlation_id,created_at`

func scanException(s scanner) (domain.Exception, error) {
	var (
		x                 domain.Exception
		triaged, resolved sql.NullString
		created           string
	)
	if err := s.Scan(&x.ID, &x.SignalID, &x.ResidentID, &x.Severity, &x.State, &x.Decision, &x.DecisionReason, &x.AssignedTaskID,
		&x.TriagedBy, &triaged, &x.ResolvedBy, &resolved, &x.Resolution, &x.CorrelationID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return x, ErrNotFound
		}
		return x, err
	}
	var err error
	if x.TriagedAt, err = parseNullTime(triaged); err != nil {
		return x, err
	}
	if x.ResolvedAt, err = parseNullTime(resolved); err != nil {
		return x, err
	}
	x.CreatedAt, err = ParseTime(created)
	return x, err
}

func (r Repo) GetException(ctx context.Context, q DBTX, id string) (domain.Exception, error) {
	return scanException(r.q(q).QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE id=?`, id))
}

// OpenExceptionForSignal returns the non-resolved exception of a signal.
func (r Repo) OpenExceptionForSignal(ctx context.Context, q DBTX, signalID string) (domain.Exception, error) {
	return scanException(r.q(q).QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE signal_id=? AND state!='RESOLVED'`, signalID))
}

// ExceptionForTask returns the exception that spawned a task.
func (r Repo) ExceptionForTask(ctx context.Context, q DBTX, taskID string) (domain.Exception, error) {
	return scanException(r.q(q).QueryRowContext(ctx, `SELECT `+exceptionColumns+` FROM exceptions WHERE assigned_task_id=?`, taskID))
}

type ExceptionFilter struct {
	ResidentID string
	SignalID   string
	State      string
	Limit      int
}

func (r Repo) ListExceptions(ctx context.Context, q DBTX, f ExceptionFilter) ([]domain.Exception, error) {
	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE 1=1`
	var args []any
	if f.ResidentID != "" {
		query += ` AND resident_id=?`
		args = append(args, f.ResidentID)
	}
	if f.SignalID != "" {
		query += ` AND signal_id=?`
		args = append(args, f.SignalID)
	}
	if f.State != "" {
		query += ` AND state=?`
		args = append(args, f.State)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Exception
	for rows.Next() {
		x, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// TriageException moves a PENDING exception to next.State. Only one caller
// can win; the rest see false.
func (r Repo) TriageException(ctx context.Context, q DBTX, next domain.Exception) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE exceptions SET state=?, decision=?, decision_reason=?, triaged_by=?, triaged_at=?,
  resolved_by=?, resolved_at=?, resolution=?
WHERE id=? AND state='PENDING'`,
		next.State, next.Decision, nullable(next.DecisionReason), next.TriagedBy, nullableTime(next.TriagedAt),
		nullable(next.ResolvedBy), nullableTime(next.ResolvedAt), nullable(next.Resolution), next.ID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) AssignExceptionTask(ctx context.Context, q DBTX, exceptionID, taskID string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE exceptions SET assigned_task_id=? WHERE id=? AND assigned_task_id IS NULL`, taskID, exceptionID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ResolveException closes a TRIAGED exception.
func (r Repo) ResolveException(ctx context.Context, q DBTX, id, by, resolution string, at time.Time) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE exceptions SET state='RESOLVED', resolved_by=?, resolved_at=?, resolution=? WHERE id=? AND state='TRIAGED'`,
		by, FormatTime(at), resolution, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CountOpenExceptions counts a resident's non-resolved exceptions whose
// severity is one of severities.
func (r Repo) CountOpenExceptions(ctx context.Context, q DBTX, residentID string, severities []string) (int, error) {
	if len(severities) == 0 {
		return 0, nil
	}
	args := []any{residentID}
	for _, s := range severities {
		args = append(args, s)
	}
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM exceptions WHERE resident_id=? AND state!='RESOLVED' AND severity IN (`+placeholders(len(severities))+`)`, args...).Scan(&n)
	return n, err
}
