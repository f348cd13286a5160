package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"carebrain/internal/domain"
)

// InsertTimelineEvent appends e unless its event key is already present.
func (r Repo) InsertTimelineEvent(ctx context.Context, q DBTX, e domain.TimelineEvent) (bool, error) {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO timeline_events(id,event_key,correlation_id,resident_id,actor_type,actor_id,event_type,source_table,source_id,occurred_at,payload_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(event_key) DO NOTHING`,
		e.ID, e.EventKey, e.CorrelationID, nullable(e.ResidentID), e.ActorType, e.ActorID, e.EventType, e.SourceTable, e.SourceID,
		FormatTime(e.OccurredAt), payload)
	if err != nil {
		return false, err
	}
	return affected(res)
}

const timelineColumns = `seq,id,event_key,correlation_id,COALESCE(resident_id,''),actor_type,actor_id,event_type,source_table,source_id,occurred_at,payload_json`

func scanTimelineEvent(s scanner) (domain.TimelineEvent, error) {
	var (
		e       domain.TimelineEvent
		at      string
		payload string
	)
	if err := s.Scan(&e.Seq, &e.ID, &e.EventKey, &e.CorrelationID, &e.ResidentID, &e.ActorType, &e.ActorID, &e.EventType,
		&e.SourceTable, &e.SourceID, &at, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, ErrNotFound
		}
		return e, err
	}
	e.Payload = []byte(payload)
	var err error
	e.OccurredAt, err = ParseTime(at)
	return e, err
}

func (r Repo) GetTimelineEventByKey(ctx context.Context, q DBTX, key string) (domain.TimelineEvent, error) {
	return scanTimelineEvent(r.q(q).QueryRowContext(ctx, `SELECT `+timelineColumns+` FROM timeline_events WHERE event_key=?`, key))
}

// TimelineFilter selects timeline events. Every set field narrows the
// result. AfterSeq pages forward in append order.
type TimelineFilter struct {
	ResidentID    string
	CorrelationID string
	ActorID       string
	ActorType     string
	EventType     string
	AfterSeq      int64
	Limit         int
}

func (r Repo) ListTimeline(ctx context.Context, q DBTX, f TimelineFilter) ([]domain.TimelineEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ResidentID != "" {
		clauses = append(clauses, "resident_id=?")
		args = append(args, f.ResidentID)
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id=?")
		args = append(args, f.CorrelationID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.ActorType != "" {
		clauses = append(clauses, "actor_type=?")
		args = append(args, f.ActorType)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.AfterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, f.AfterSeq)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM timeline_events WHERE %s ORDER BY seq ASC LIMIT ?`, timelineColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestTimelineSeq returns the highest sequence number, 0 when empty.
func (r Repo) LatestTimelineSeq(ctx context.Context, q DBTX) (int64, error) {
	var seq int64
	err := r.q(q).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM timeline_events`).Scan(&seq)
	return seq, err
}
