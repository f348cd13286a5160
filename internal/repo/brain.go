package repo

import (
	"context"
	"database/sql"
	"errors"

	"carebrain/internal/domain"
)

func (r Repo) InsertBrainState(ctx context.Context, q DBTX, s domain.BrainState) error {
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO brain_states(resident_id,care_state,emergency_state,connectivity,version,last_transition_at,last_transition_by) VALUES (?,?,?,?,?,?,?)`,
		s.ResidentID, s.CareState, s.EmergencyState, s.Connectivity, s.Version, FormatTime(s.LastTransitionAt), s.LastTransitionBy)
	return err
}

func (r Repo) GetBrainState(ctx context.Context, q DBTX, residentID string) (domain.BrainState, error) {
	var (
		s  domain.BrainState
		at string
	)
	err := r.q(q).QueryRowContext(ctx, `SELECT resident_id,care_state,emergency_state,connectivity,version,last_transition_at,last_transition_by FROM brain_states WHERE resident_id=?`, residentID).
		Scan(&s.ResidentID, &s.CareState, &s.EmergencyState, &s.Connectivity, &s.Version, &at, &s.LastTransitionBy)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.LastTransitionAt, err = ParseTime(at)
	return s, err
}

// SwapBrainState writes next only if the stored version still equals
// expected. It reports false when another writer got there first.
func (r Repo) SwapBrainState(ctx context.Context, q DBTX, next domain.BrainState, expected int64) (bool, error) {
	res, err := r.q(q).ExecContext(ctx, `UPDATE brain_states SET care_state=?, emergency_state=?, connectivity=?, version=?, last_transition_at=?, last_transition_by=?
WHERE resident_id=? AND version=?`,
		next.CareState, next.EmergencyState, next.Connectivity, next.Version, FormatTime(next.LastTransitionAt), next.LastTransitionBy,
		next.ResidentID, expected)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r Repo) InsertHistory(ctx context.Context, q DBTX, h domain.BrainStateHistory) (int64, error) {
	res, err := r.q(q).ExecContext(ctx, `INSERT INTO brain_state_history(resident_id,action,prev_care_state,new_care_state,prev_emergency_state,new_emergency_state,prev_connectivity,new_connectivity,version,actor_type,actor_id,reason,correlation_id,occurred_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.ResidentID, h.Action, h.PrevCareState, h.NewCareState, h.PrevEmergency, h.NewEmergency, h.PrevConnectivity, h.NewConnectivity,
		h.Version, h.ActorType, h.ActorID, nullable(h.Reason), h.CorrelationID, FormatTime(h.OccurredAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListHistory returns a resident's transitions in version order.
func (r Repo) ListHistory(ctx context.Context, q DBTX, residentID string) ([]domain.BrainStateHistory, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT id,resident_id,action,prev_care_state,new_care_state,prev_emergency_state,new_emergency_state,prev_connectivity,new_connectivity,version,actor_type,actor_id,COALESCE(reason,''),correlation_id,occurred_at
FROM brain_state_history WHERE resident_id=? ORDER BY version ASC`, residentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BrainStateHistory
	for rows.Next() {
		var (
			h  domain.BrainStateHistory
			at string
		)
		if err := rows.Scan(&h.ID, &h.ResidentID, &h.Action, &h.PrevCareState, &h.NewCareState, &h.PrevEmergency, &h.NewEmergency,
			&h.PrevConnectivity, &h.NewConnectivity, &h.Version, &h.ActorType, &h.ActorID, &h.Reason, &h.CorrelationID, &at); err != nil {
			return nil, err
		}
		if h.OccurredAt, err = ParseTime(at); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
