package engine

import (
	"context"
	"errors"

	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
)

type axis int

const (
	careAxis axis = iota
	emergencyAxis
	connectivityAxis
)

type edge struct {
	axis axis
	from string
	to   string
}

var transitions = map[string]edge{
	domain.ActionStartPreparation:  {careAxis, domain.CareIdle, domain.CarePreparing},
	domain.ActionBeginCare:         {careAxis, domain.CarePreparing, domain.CareActive},
	domain.ActionCancelPreparation: {careAxis, domain.CarePreparing, domain.CareIdle},
	domain.ActionPauseCare:         {careAxis, domain.CareActive, domain.CarePaused},
	domain.ActionResumeCare:        {careAxis, domain.CarePaused, domain.CareActive},
	domain.ActionBeginCompletion:   {careAxis, domain.CareActive, domain.CareCompleting},
	domain.ActionCompleteSession:   {careAxis, domain.CareCompleting, domain.CareIdle},

	domain.ActionRaiseEmergency:   {emergencyAxis, domain.EmergencyNone, domain.EmergencyPending},
	domain.ActionConfirmEmergency: {emergencyAxis, domain.EmergencyPending, domain.EmergencyActive},
	domain.ActionResolveEmergency: {emergencyAxis, domain.EmergencyActive, domain.EmergencyNone},
	domain.ActionCancelEmergency:  {emergencyAxis, domain.EmergencyPending, domain.EmergencyNone},

	domain.ActionGoOffline: {connectivityAxis, domain.Online, domain.Offline},
	domain.ActionGoOnline:  {connectivityAxis, domain.Offline, domain.Online},
}

func (a axis) value(s domain.BrainState) string {
	switch a {
	case careAxis:
		return s.CareState
	case emergencyAxis:
		return s.EmergencyState
	}
	return s.Connectivity
}

func (a axis) set(s *domain.BrainState, v string) {
	switch a {
	case careAxis:
		s.CareState = v
	case emergencyAxis:
		s.EmergencyState = v
	default:
		s.Connectivity = v
	}
}

// Apply computes the state reached by action from cur without touching
// storage or guard rules. Version and audit fields are left unchanged.
func Apply(cur domain.BrainState, action string) (domain.BrainState, error) {
	ed, ok := transitions[action]
	if !ok {
		return cur, newError(CodeInvalidTransition, "unknown action %q", action)
	}
	if ed.axis == careAxis && cur.EmergencyState == domain.EmergencyActive && action != domain.ActionPauseCare {
		return cur, &Error{
			Code:    CodeBlockedByEmergency,
			Message: "an active emergency only allows PAUSE_CARE on the care axis",
			Details: map[string]any{"action": action, "emergency_state": cur.EmergencyState},
		}
	}
	current := ed.axis.value(cur)
	if current == ed.to {
		return cur, &Error{
			Code:    CodeSameState,
			Message: action + " would leave the state unchanged",
			Details: map[string]any{"action": action, "state": current},
		}
	}
	if current != ed.from {
		return cur, &Error{
			Code:    CodeInvalidActionForState,
			Message: action + " is not allowed from " + current,
			Details: map[string]any{"action": action, "state": current, "requires": ed.from},
		}
	}
	next := cur
	ed.axis.set(&next, ed.to)
	return next, nil
}

// TransitionRequest asks for one state machine step.
type TransitionRequest struct {
	ResidentID      string
	ExpectedVersion int64
	Action          string
	Actor           domain.Actor
	Reason          string
	CorrelationID   string
}

// Transition applies req as a compare-and-swap on the resident's version.
// Guard rules are evaluated for every caller and cannot be bypassed.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) (domain.BrainState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	st, err := e.transition(ctx, req)
	return st, classify(err)
}

func (e Engine) transition(ctx context.Context, req TransitionRequest) (domain.BrainState, error) {
	if req.ResidentID == "" {
		return domain.BrainState{}, invalid("resident id is required")
	}
	if err := validActor(req.Actor); err != nil {
		return domain.BrainState{}, err
	}
	perm := auth.PermStateTransition
	if req.Action == domain.ActionRaiseEmergency {
		perm = auth.PermEmergencyRaise
	}
	if err := e.Auth.Require(req.Actor, perm); err != nil {
		return domain.BrainState{}, err
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = NewCorrelationID()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BrainState{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetBrainState(ctx, tx, req.ResidentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.BrainState{}, newError(CodeNoBrainState, "resident %s has no brain state; activate it first", req.ResidentID)
		}
		return domain.BrainState{}, err
	}
	if _, ok := transitions[req.Action]; !ok {
		return cur, newError(CodeInvalidTransition, "unknown action %q", req.Action)
	}
	if req.ExpectedVersion != cur.Version {
		return cur, versionMismatch(cur, req.ExpectedVersion)
	}
	next, err := Apply(cur, req.Action)
	if err != nil {
		return cur, err
	}
	if err := e.checkGuards(ctx, tx, cur, req.Action); err != nil {
		return cur, err
	}
	now := e.now()
	next.Version = cur.Version + 1
	next.LastTransitionAt = now
	next.LastTransitionBy = req.Actor.ID

	swapped, err := e.Repo.SwapBrainState(ctx, tx, next, cur.Version)
	if err != nil {
		return cur, err
	}
	if !swapped {
		latest, err := e.Repo.GetBrainState(ctx, tx, req.ResidentID)
		if err != nil {
			return cur, err
		}
		return latest, versionMismatch(latest, req.ExpectedVersion)
	}
	hist := domain.BrainStateHistory{
		ResidentID:       req.ResidentID,
		Action:           req.Action,
		PrevCareState:    cur.CareState,
		NewCareState:     next.CareState,
		PrevEmergency:    cur.EmergencyState,
		NewEmergency:     next.EmergencyState,
		PrevConnectivity: cur.Connectivity,
		NewConnectivity:  next.Connectivity,
		Version:          next.Version,
		ActorType:        req.Actor.Type,
		ActorID:          req.Actor.ID,
		Reason:           req.Reason,
		CorrelationID:    corr,
		OccurredAt:       now,
	}
	histID, err := e.Repo.InsertHistory(ctx, tx, hist)
	if err != nil {
		return cur, err
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    req.ResidentID,
		Actor:         req.Actor,
		Type:          "brain_state.transitioned",
		SourceTable:   "brain_state_history",
		SourceID:      itoa(histID),
		OccurredAt:    now,
		Payload: events.Payload{
			"action":          req.Action,
			"care_state":      next.CareState,
			"emergency_state": next.EmergencyState,
			"connectivity":    next.Connectivity,
			"version":         next.Version,
			"reason":          req.Reason,
		},
	}); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	return next, nil
}

func versionMismatch(cur domain.BrainState, expected int64) *Error {
	c := cur
	return &Error{
		Code:    CodeVersionMismatch,
		Message: "brain state changed since it was read; reload and retry",
		Details: map[string]any{"expected_version": expected, "current_version": cur.Version},
		Current: &c,
	}
}

// TransitionResult is the boundary form of a transition outcome.
type TransitionResult struct {
	Success    bool               `json:"success"`
	ErrorCode  Code               `json:"error_code,omitempty"`
	Message    string             `json:"message,omitempty"`
	Block      *Block             `json:"block,omitempty"`
	NewState   *domain.BrainState `json:"new_state,omitempty"`
	NewVersion int64              `json:"new_version,omitempty"`
	// Current carries the authoritative state after a version mismatch.
	Current    *domain.BrainState `json:"current,omitempty"`
}

// RequestTransition wraps Transition into a result value. Untyped errors
// are still returned as errors.
func (e Engine) RequestTransition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	st, err := e.Transition(ctx, req)
	if err == nil {
		return TransitionResult{Success: true, NewState: &st, NewVersion: st.Version}, nil
	}
	ce, ok := AsError(err)
	if !ok {
		return TransitionResult{}, err
	}
	return TransitionResult{ErrorCode: ce.Code, Message: ce.Message, Block: ce.Block, Current: ce.Current}, nil
}

// GetBrainState returns the current projection for a resident.
func (e Engine) GetBrainState(ctx context.Context, residentID string) (domain.BrainState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	st, err := e.Repo.GetBrainState(ctx, nil, residentID)
	if errors.Is(err, repo.ErrNotFound) {
		return st, newError(CodeNoBrainState, "resident %s has no brain state", residentID)
	}
	return st, classify(err)
}

// ActivateRequest registers a resident and creates its brain state.
type ActivateRequest struct {
	Resident      domain.Resident
	Baselines     map[string]float64
	Actor         domain.Actor
	CorrelationID string
}

// ActivateResident creates the resident and its first brain state at
// version 1. Activating an existing resident returns its current state.
func (e Engine) ActivateResident(ctx context.Context, req ActivateRequest) (domain.BrainState, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	st, err := e.activate(ctx, req)
	return st, classify(err)
}

func (e Engine) activate(ctx context.Context, req ActivateRequest) (domain.BrainState, error) {
	res := req.Resident
	if res.ID == "" || res.AgencyID == "" {
		return domain.BrainState{}, invalid("resident id and agency id are required")
	}
	if res.ServiceModel == "" {
		res.ServiceModel = "standard"
	}
	if err := validActor(req.Actor); err != nil {
		return domain.BrainState{}, err
	}
	if err := e.Auth.Require(req.Actor, auth.PermResidentWrite); err != nil {
		return domain.BrainState{}, err
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = NewCorrelationID()
	}
	now := e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BrainState{}, err
	}
	defer tx.Rollback()

	if existing, err := e.Repo.GetBrainState(ctx, tx, res.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.BrainState{}, err
	}
	res.CreatedAt = now
	if err := e.Repo.InsertResident(ctx, tx, res); err != nil {
		return domain.BrainState{}, err
	}
	for metric, v := range req.Baselines {
		if err := e.Repo.UpsertBaseline(ctx, tx, domain.Baseline{ResidentID: res.ID, Metric: metric, Value: v, UpdatedAt: now}); err != nil {
			return domain.BrainState{}, err
		}
	}
	st := domain.BrainState{
		ResidentID:       res.ID,
		CareState:        domain.CareIdle,
		EmergencyState:   domain.EmergencyNone,
		Connectivity:     domain.Online,
		Version:          1,
		LastTransitionAt: now,
		LastTransitionBy: req.Actor.ID,
	}
	if err := e.Repo.InsertBrainState(ctx, tx, st); err != nil {
		return domain.BrainState{}, err
	}
	if _, err := e.Repo.InsertHistory(ctx, tx, domain.BrainStateHistory{
		ResidentID:      res.ID,
		Action:          ActionActivate,
		NewCareState:    st.CareState,
		NewEmergency:    st.EmergencyState,
		NewConnectivity: st.Connectivity,
		Version:         st.Version,
		ActorType:       req.Actor.Type,
		ActorID:         req.Actor.ID,
		CorrelationID:   corr,
		OccurredAt:      now,
	}); err != nil {
		return domain.BrainState{}, err
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    res.ID,
		Actor:         req.Actor,
		Type:          "resident.activated",
		SourceTable:   "residents",
		SourceID:      res.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"agency_id":           res.AgencyID,
			"service_model":       res.ServiceModel,
			"supervision_enabled": res.SupervisionEnabled,
		},
	}); err != nil {
		return domain.BrainState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BrainState{}, err
	}
	return st, nil
}
