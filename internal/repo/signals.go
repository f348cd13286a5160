package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carebrain/internal/domain"
)

// InsertSignal writes s unless an undismissed signal already covers the
// same (rule, resident, window_start). It reports whether s was written.
func (r Repo) InsertSignal(ctx context.Context, q DBTX, s domain.Signal) (bool, error) {
	why, err := json.Marshal(s.Why)
	if err != nil {
		return false, fmt.Errorf("marshal why: %w", err)
	}
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO signals(id,resident_id,rule_id,severity,title,summary,why_json,window_start,detected_at,correlation_id,dismissed)
VALUES (?,?,?,?,?,?,?,?,?,?,0) ON CONFLICT DO NOTHING`,
		s.ID, s.ResidentID, s.RuleID, s.Severity, s.Title, s.Summary, string(why), FormatTime(s.WindowStart), FormatTime(s.DetectedAt), s.CorrelationID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

const signalColumns = `s.id,s.resident_id,s.rule_id,s.severity,s.title,s.summary,s.why_json,s.window_start,s.detected_at,s.correlation_id,s.dismissed,s.dismissed_at,COALESCE(s.dismissed_by,''),COALESCE(s.dismiss_reason,'')`

func scanSignal(sc scanner) (domain.Signal, error) {
	var (
		s                  domain.Signal
		why, start, detect string
		dismissed          int
		dismissedAt        sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.ResidentID, &s.RuleID, &s.Severity, &s.Title, &s.Summary, &why, &start, &detect, &s.CorrelationID,
		&dismissed, &dismissedAt, &s.DismissedBy, &s.DismissReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	if err := json.Unmarshal([]byte(why), &s.Why); err != nil {
		return s, fmt.Errorf("signal %s why: %w", s.ID, err)
	}
	var err error
	if s.WindowStart, err = ParseTime(start); err != nil {
		return s, err
	}
	if s.DetectedAt, err = ParseTime(detect); err != nil {
		return s, err
	}
	s.Dismissed = dismissed == 1
	s.DismissedAt, err = parseNullTime(dismissedAt)
	return s, err
}

func (r Repo) GetSignal(ctx context.Context, q DBTX, id string) (domain.Signal, error) {
	return scanSignal(r.q(q).QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals s WHERE s.id=?`, id))
}

// OpenSignalFor returns the undismissed signal covering a window.
func (r Repo) OpenSignalFor(ctx context.Context, q DBTX, ruleID, residentID string, windowStart time.Time) (domain.Signal, error) {
	return scanSignal(r.q(q).QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signals s
WHERE s.rule_id=? AND s.resident_id=? AND s.window_start=? AND s.dismissed=0`, ruleID, residentID, FormatTime(windowStart)))
}

type SignalFilter struct {
	ResidentID string
	AgencyID   string
	// IncludeDismissed also returns soft-dismissed signals.
	IncludeDismissed bool
	Limit            int
}

// ListSignals returns signals newest first.
func (r Repo) ListSignals(ctx context.Context, q DBTX, f SignalFilter) ([]domain.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals s JOIN residents res ON res.id=s.resident_id WHERE 1=1`
	var args []any
	if f.ResidentID != "" {
		query += ` AND s.resident_id=?`
		args = append(args, f.ResidentID)
	}
	if f.AgencyID != "" {
		query += ` AND res.agency_id=?`
		args = append(args, f.AgencyID)
	}
	if !f.IncludeDismissed {
		query += ` AND s.dismissed=0`
	}
	query += ` ORDER BY s.detected_at DESC, s.id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DismissSignal soft-dismisses an undismissed signal.
func (r Repo) DismissSignal(ctx context.Context, q DBTX, id, by, reason string, at time.Time) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE signals SET dismissed=1, dismissed_at=?, dismissed_by=?, dismiss_reason=? WHERE id=? AND dismissed=0`,
		FormatTime(at), by, reason, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}
