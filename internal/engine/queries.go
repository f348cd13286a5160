package engine

import (
	"context"
	"errors"

	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
	"carebrain/internal/rules"
)

// SignalQuery selects signals by resident or by agency.
type SignalQuery struct {
	ResidentID       string
	AgencyID         string
	IncludeDismissed bool
	Limit            int
}

// ListActiveSignals returns undismissed signals, newest first.
func (e Engine) ListActiveSignals(ctx context.Context, q SignalQuery) ([]domain.Signal, error) {
	if q.ResidentID == "" && q.AgencyID == "" {
		return nil, invalid("resident id or agency id is required")
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListSignals(ctx, nil, repo.SignalFilter{
		ResidentID:       q.ResidentID,
		AgencyID:         q.AgencyID,
		IncludeDismissed: q.IncludeDismissed,
		Limit:            q.Limit,
	})
	return list, classify(err)
}

func (e Engine) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	s, err := e.Repo.GetSignal(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return s, notFound("signal", id)
	}
	return s, classify(err)
}

func (e Engine) ListExceptions(ctx context.Context, f repo.ExceptionFilter) ([]domain.Exception, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListExceptions(ctx, nil, f)
	return list, classify(err)
}

func (e Engine) GetException(ctx context.Context, id string) (domain.Exception, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	x, err := e.Repo.GetException(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return x, notFound("exception", id)
	}
	return x, classify(err)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListTasks(ctx, nil, f)
	return list, classify(err)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	t, err := e.Repo.GetTask(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task", id)
	}
	return t, classify(err)
}

// Timeline returns recorded events in sequence order.
func (e Engine) Timeline(ctx context.Context, f repo.TimelineFilter) ([]domain.TimelineEvent, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListTimeline(ctx, nil, f)
	return list, classify(err)
}

func (e Engine) GetResident(ctx context.Context, id string) (domain.Resident, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	r, err := e.Repo.GetResident(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return r, notFound("resident", id)
	}
	return r, classify(err)
}

func (e Engine) ListResidents(ctx context.Context, agencyID string) ([]domain.Resident, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListResidents(ctx, nil, agencyID)
	return list, classify(err)
}

// SetBaseline records a resident's reference value for a metric.
func (e Engine) SetBaseline(ctx context.Context, residentID, metric string, value float64, actor domain.Actor) (domain.Baseline, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	b, err := e.setBaseline(ctx, residentID, metric, value, actor)
	return b, classify(err)
}

func (e Engine) setBaseline(ctx context.Context, residentID, metric string, value float64, actor domain.Actor) (domain.Baseline, error) {
	if metric == "" {
		return domain.Baseline{}, invalid("metric is required")
	}
	if err := validActor(actor); err != nil {
		return domain.Baseline{}, err
	}
	if err := e.Auth.Require(actor, auth.PermResidentWrite); err != nil {
		return domain.Baseline{}, err
	}
	now := e.now()
	b := domain.Baseline{ResidentID: residentID, Metric: metric, Value: value, UpdatedAt: now}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return b, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetResident(ctx, tx, residentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return b, notFound("resident", residentID)
		}
		return b, err
	}
	if err := e.Repo.UpsertBaseline(ctx, tx, b); err != nil {
		return b, err
	}
	if err := e.record(ctx, tx, events.Event{
		Key:           events.Key("baselines", residentID+"/"+metric, "baseline.set") + ":" + now.Format(repo.TimeLayout),
		CorrelationID: NewCorrelationID(),
		ResidentID:    residentID,
		Actor:         actor,
		Type:          "baseline.set",
		SourceTable:   "baselines",
		SourceID:      residentID + "/" + metric,
		OccurredAt:    now,
		Payload:       events.Payload{"metric": metric, "value": value},
	}); err != nil {
		return b, err
	}
	return b, tx.Commit()
}

// ListRules returns the stored catalog, optionally for one category.
func (e Engine) ListRules(ctx context.Context, category string) ([]domain.Rule, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	list, err := e.Repo.ListRules(ctx, nil, category, false)
	return list, classify(err)
}

// ImportRules validates and upserts a rule catalog. Evaluation picks the
// new rules up on its next call.
func (e Engine) ImportRules(ctx context.Context, list []domain.Rule, actor domain.Actor) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	n, err := e.importRules(ctx, list, actor)
	return n, classify(err)
}

func (e Engine) importRules(ctx context.Context, list []domain.Rule, actor domain.Actor) (int, error) {
	if err := validActor(actor); err != nil {
		return 0, err
	}
	if err := e.Auth.Require(actor, auth.PermRulesWrite); err != nil {
		return 0, err
	}
	seen := map[string]bool{}
	ids := make([]string, 0, len(list))
	for _, r := range list {
		if seen[r.ID] {
			return 0, invalid("rule %s appears twice", r.ID)
		}
		seen[r.ID] = true
		if err := rules.Validate(r); err != nil {
			return 0, &Error{Code: CodeInvalidRequest, Message: err.Error(), Details: map[string]any{"rule_id": r.ID}}
		}
		ids = append(ids, r.ID)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, r := range list {
		if err := e.Repo.UpsertRule(ctx, tx, r, now); err != nil {
			return 0, err
		}
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: NewCorrelationID(),
		Actor:         actor,
		Type:          "rules.imported",
		SourceTable:   "rules",
		SourceID:      newID(),
		OccurredAt:    now,
		Payload:       events.Payload{"rule_ids": ids},
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	e.Catalog.Invalidate()
	e.logger().Info("rule catalog imported", "rules", len(list), "actor_id", actor.ID)
	return len(list), nil
}
