package repo

import (
	"context"
	"database/sql"
	"errors"

	"carebrain/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, q DBTX, t domain.Task) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO tasks(id,resident_id,category,title,priority,state,due_at,assignee_id,created_from_exception_id,blocked_reason,correlation_id,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ResidentID, t.Category, t.Title, t.Priority, t.State, FormatTime(t.DueAt), nullable(t.AssigneeID),
		nullable(t.CreatedFromExceptionID), nullable(t.BlockedReason), t.CorrelationID, FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt), nullableTime(t.CompletedAt))
	return err
}

const taskColumns = `id,resident_id,category,title,priority,state,due_at,COALESCE(assignee_id,''),COALESCE(created_from_exception_id,''),
COALESCE(blocked_reason,''),correlation_id,created_at,updated_at,completed_at`

func scanTask(s scanner) (domain.Task, error) {
	var (
		t                     domain.Task
		due, created, updated string
		completed             sql.NullString
	)
	if err := s.Scan(&t.ID, &t.ResidentID, &t.Category, &t.Title, &t.Priority, &t.State, &due, &t.AssigneeID, &t.CreatedFromExceptionID,
		&t.BlockedReason, &t.CorrelationID, &created, &updated, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	var err error
	if t.DueAt, err = ParseTime(due); err != nil {
		return t, err
	}
	if t.CreatedAt, err = ParseTime(created); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = ParseTime(updated); err != nil {
		return t, err
	}
	t.CompletedAt, err = parseNullTime(completed)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, q DBTX, id string) (domain.Task, error) {
	return scanTask(r.q(q).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilter struct {
	ResidentID string
	// OpenOnly leaves out completed tasks.
	OpenOnly bool
	Limit    int
}

func (r Repo) ListTasks(ctx context.Context, q DBTX, f TaskFilter) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.ResidentID != "" {
		query += ` AND resident_id=?`
		args = append(args, f.ResidentID)
	}
	if f.OpenOnly {
		query += ` AND state!='completed'`
	}
	query += ` ORDER BY due_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask writes next only when the stored state still equals from.
func (r Repo) UpdateTask(ctx context.Context, q DBTX, next domain.Task, from string) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE tasks SET state=?, assignee_id=?, blocked_reason=?, updated_at=?, completed_at=? WHERE id=? AND state=?`,
		next.State, nullable(next.AssigneeID), nullable(next.BlockedReason), FormatTime(next.UpdatedAt), nullableTime(next.CompletedAt), next.ID, from)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CountOutstandingTasks counts a resident's unfinished tasks with one of
// the given priorities.
func (r Repo) CountOutstandingTasks(ctx context.Context, q DBTX, residentID string, priorities []string) (int, error) {
	if len(priorities) == 0 {
		return 0, nil
	}
	args := []any{residentID}
	for _, p := range priorities {
		args = append(args, p)
	}
	var n int
	err := r.q(q).QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE resident_id=? AND state!='completed' AND priority IN (`+placeholders(len(priorities))+`)`, args...).Scan(&n)
	return n, err
}
