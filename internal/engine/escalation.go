package engine

import (
	"context"
	"errors"

	"carebrain/internal/domain"
	"carebrain/internal/events"
	"carebrain/internal/repo"
)

// ResidentPolicy is the part of a resident that decides oversight.
type ResidentPolicy struct {
	SupervisionEnabled bool
	ServiceModel       string
}

type EscalationPolicy struct {
	MinSeverity            string
	OversightServiceModels []string
}

// ShouldEscalate reports whether a signal of the given severity needs a
// supervisor. It depends on the resident and the policy, never on who
// raised the signal.
func ShouldEscalate(severity string, res ResidentPolicy, p EscalationPolicy) bool {
	floor := p.MinSeverity
	if floor == "" {
		floor = domain.SeverityWarning
	}
	if domain.SeverityRank(severity) < domain.SeverityRank(floor) {
		return false
	}
	if res.SupervisionEnabled {
		return true
	}
	for _, m := range p.OversightServiceModels {
		if m == res.ServiceModel {
			return true
		}
	}
	return false
}

func (e Engine) escalationPolicy() EscalationPolicy {
	if e.Config == nil {
		return EscalationPolicy{MinSeverity: domain.SeverityWarning}
	}
	return EscalationPolicy{
		MinSeverity:            e.Config.Escalation.MinSeverity,
		OversightServiceModels: e.Config.Escalation.OversightServiceModels,
	}
}

// OnSignal escalates a stored signal. It returns the signal's open
// exception when one exists, and nil when the policy does not escalate.
func (e Engine) OnSignal(ctx context.Context, signalID string) (*domain.Exception, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	x, err := e.onSignal(ctx, signalID)
	return x, classify(err)
}

func (e Engine) onSignal(ctx context.Context, signalID string) (*domain.Exception, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	sig, err := e.Repo.GetSignal(ctx, tx, signalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, notFound("signal", signalID)
		}
		return nil, err
	}
	res, err := e.Repo.GetResident(ctx, tx, sig.ResidentID)
	if err != nil {
		return nil, err
	}
	x, err := e.onSignalTx(ctx, tx, res, sig)
	if err != nil {
		return nil, err
	}
	return x, tx.Commit()
}

func (e Engine) onSignalTx(ctx context.Context, tx repo.DBTX, res domain.Resident, sig domain.Signal) (*domain.Exception, error) {
	if sig.Dismissed {
		return nil, nil
	}
	open, err := e.Repo.OpenExceptionForSignal(ctx, tx, sig.ID)
	if err == nil {
		return &open, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if !ShouldEscalate(sig.Severity, ResidentPolicy{SupervisionEnabled: res.SupervisionEnabled, ServiceModel: res.ServiceModel}, e.escalationPolicy()) {
		return nil, nil
	}
	now := e.now()
	x := domain.Exception{
		ID:            newID(),
		SignalID:      sig.ID,
		ResidentID:    sig.ResidentID,
		Severity:      sig.Severity,
		State:         domain.ExceptionPending,
		CorrelationID: sig.CorrelationID,
		CreatedAt:     now,
	}
	inserted, err := e.Repo.InsertException(ctx, tx, x)
	if err != nil {
		return nil, err
	}
	if !inserted {
		open, err := e.Repo.OpenExceptionForSignal(ctx, tx, sig.ID)
		if err != nil {
			return nil, err
		}
		return &open, nil
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: sig.CorrelationID,
		ResidentID:    sig.ResidentID,
		Actor:         triageActor,
		Type:          "exception.created",
		SourceTable:   "exceptions",
		SourceID:      x.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"signal_id": sig.ID,
			"severity":  sig.Severity,
		},
	}); err != nil {
		return nil, err
	}
	return &x, nil
}
