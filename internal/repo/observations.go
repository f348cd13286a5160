package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"carebrain/internal/domain"
)

// InsertObservation stores o unless its resident already used its
// idempotency key.
// It reports whether a row was written.
func (r Repo) InsertObservation(ctx context.Context, q DBTX, o domain.Observation, recordedAt time.Time) (bool, error) {
	payload := string(o.Payload)
	if payload == "" {
		payload = "{}"
	}
	var value any
	if o.Value != nil {
		value = *o.Value
	}
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO observations(id,resident_id,source,domain,metric,value,payload_json,observed_at,correlation_id,idempotency_key,actor_type,actor_id,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		o.ID, o.ResidentID, o.Source, o.Domain, nullable(o.Metric), value, payload, FormatTime(o.ObservedAt),
		o.CorrelationID, nullable(o.IdempotencyKey), o.ActorType, o.ActorID, FormatTime(recordedAt))
	if err != nil {
		return false, err
	}
	return affected(res)
}

const observationColumns = `id,resident_id,source,domain,COALESCE(metric,''),value,payload_json,observed_at,correlation_id,COALESCE(idempotency_key,''),actor_type,actor_id`

func scanObservation(s scanner) (domain.Observation, error) {
	var (
		o       domain.Observation
		value   sql.NullFloat64
		payload string
		at      string
	)
	if err := s.Scan(&o.ID, &o.ResidentID, &o.Source, &o.Domain, &o.Metric, &value, &payload, &at, &o.CorrelationID, &o.IdempotencyKey, &o.ActorType, &o.ActorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, ErrNotFound
		}
		return o, err
	}
	if value.Valid {
		v := value.Float64
		o.Value = &v
	}
	if payload != "" && payload != "{}" {
		o.Payload = []byte(payload)
	}
	var err error
	o.ObservedAt, err = ParseTime(at)
	return o, err
}

func (r Repo) GetObservation(ctx context.Context, q DBTX, id string) (domain.Observation, error) {
	return scanObservation(r.q(q).QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE id=?`, id))
}

// GetObservationByKey looks up an observation by the idempotency key its
// resident submitted it with. Keys are scoped per resident.
func (r Repo) GetObservationByKey(ctx context.Context, q DBTX, residentID, key string) (domain.Observation, error) {
	return scanObservation(r.q(q).QueryRowContext(ctx, `SELECT `+observationColumns+` FROM observations WHERE resident_id=? AND idempotency_key=?`, residentID, key))
}

// ObservationsBetween returns a resident's observations with observed_at in
// (from, to], oldest first.
func (r Repo) ObservationsBetween(ctx context.Context, q DBTX, residentID string, from, to time.Time) ([]domain.Observation, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT `+observationColumns+` FROM observations
WHERE resident_id=? AND observed_at>? AND observed_at<=? ORDER BY observed_at ASC, id ASC`,
		residentID, FormatTime(from), FormatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
