package engine

import (
	"context"
	"fmt"
	"strconv"

	"carebrain/internal/domain"
)

// ActionActivate marks the history row written when a resident is created.
const ActionActivate = "ACTIVATE"

// Replay folds a resident's history in version order and returns the
// projection it implies. Gaps, table violations and rows whose recorded
// previous state disagrees with the fold are errors.
func Replay(history []domain.BrainStateHistory) (domain.BrainState, error) {
	if len(history) == 0 {
		return domain.BrainState{}, fmt.Errorf("empty history")
	}
	first := history[0]
	if first.Action != ActionActivate || first.Version != 1 {
		return domain.BrainState{}, fmt.Errorf("history must start with %s at version 1", ActionActivate)
	}
	st := domain.BrainState{
		ResidentID:       first.ResidentID,
		CareState:        first.NewCareState,
		EmergencyState:   first.NewEmergency,
		Connectivity:     first.NewConnectivity,
		Version:          1,
		LastTransitionAt: first.OccurredAt,
		LastTransitionBy: first.ActorID,
	}
	for _, h := range history[1:] {
		if h.Version != st.Version+1 {
			return st, fmt.Errorf("version gap: %d follows %d", h.Version, st.Version)
		}
		if h.PrevCareState != st.CareState || h.PrevEmergency != st.EmergencyState || h.PrevConnectivity != st.Connectivity {
			return st, fmt.Errorf("version %d: recorded previous state does not match replay", h.Version)
		}
		next, err := Apply(st, h.Action)
		if err != nil {
			return st, fmt.Errorf("version %d: %w", h.Version, err)
		}
		if next.CareState != h.NewCareState || next.EmergencyState != h.NewEmergency || next.Connectivity != h.NewConnectivity {
			return st, fmt.Errorf("version %d: recorded new state does not match %s", h.Version, h.Action)
		}
		next.Version = h.Version
		next.LastTransitionAt = h.OccurredAt
		next.LastTransitionBy = h.ActorID
		st = next
	}
	return st, nil
}

// VerifyBrainState replays the stored history of a resident and compares it
// with the stored projection.
func (e Engine) VerifyBrainState(ctx context.Context, residentID string) (domain.BrainState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	history, err := e.Repo.ListHistory(ctx, nil, residentID)
	if err != nil {
		return domain.BrainState{}, classify(err)
	}
	if len(history) == 0 {
		return domain.BrainState{}, newError(CodeNoBrainState, "resident %s has no history", residentID)
	}
	replayed, err := Replay(history)
	if err != nil {
		return replayed, err
	}
	stored, err := e.Repo.GetBrainState(ctx, nil, residentID)
	if err != nil {
		return replayed, classify(err)
	}
	if stored.CareState != replayed.CareState || stored.EmergencyState != replayed.EmergencyState ||
		stored.Connectivity != replayed.Connectivity || stored.Version != replayed.Version {
		return replayed, fmt.Errorf("stored state v%d (%s/%s/%s) differs from replay v%d (%s/%s/%s)",
			stored.Version, stored.CareState, stored.EmergencyState, stored.Connectivity,
			replayed.Version, replayed.CareState, replayed.EmergencyState, replayed.Connectivity)
	}
	return replayed, nil
}

// History returns the transition log of a resident, oldest first.
func (e Engine) History(ctx context.Context, residentID string) ([]domain.BrainStateHistory, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	h, err := e.Repo.ListHistory(ctx, nil, residentID)
	return h, classify(err)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
