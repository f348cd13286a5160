package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
	"carebrain/internal/rules"
)

var observationSources = map[string]bool{"device": true, "task": true, "voice": true, "manual": true, "family": true}

// familySeverities are the ratings a family member may give a report.
var familySeverities = map[string]bool{"info": true, "concern": true, "urgent": true, "critical": true}

// ObservationInput is an observation as submitted by a collaborator.
type ObservationInput struct {
	ResidentID     string
	Source         string
	Domain         string
	Metric         string
	Value          *float64
	Payload        json.RawMessage
	ObservedAt     time.Time
	CorrelationID  string
	IdempotencyKey string
	Actor          domain.Actor
}

// EvaluationReport summarizes one evaluation pass.
type EvaluationReport struct {
	Created  []domain.Signal `json:"created"`
	Existing []domain.Signal `json:"existing"`
	Passed   []string        `json:"passed"`
	Failures []rules.Failure `json:"failures"`
}

type ObservationResult struct {
	Observation domain.Observation `json:"observation"`
	// Duplicate is true when the idempotency key was seen before.
	Duplicate   bool               `json:"duplicate"`
	Evaluation  EvaluationReport   `json:"evaluation"`
	Exceptions  []domain.Exception `json:"exceptions"`
}

// SubmitObservation stores an observation and runs the rules of its domain
// against it. Retrying with the same idempotency key stores nothing new and
// re-runs evaluation, which deduplicates.
func (e Engine) SubmitObservation(ctx context.Context, in ObservationInput) (ObservationResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.submit(ctx, in, auth.PermObservationSubmit)
	return res, classify(err)
}

// FamilyWrite is a family report about a resident.
type FamilyWrite struct {
	ResidentID     string
	FamilyMemberID string
	// Severity is the reporter's own rating, matched by report rules.
	Severity       string
	Message        string
	ObservedAt     time.Time
	CorrelationID  string
	IdempotencyKey string
}

// OnFamilyWrite records a family report as an observation in the
// family_report domain. It takes the same path as any other observation.
func (e Engine) OnFamilyWrite(ctx context.Context, w FamilyWrite) (ObservationResult, error) {
	if !familySeverities[w.Severity] {
		return ObservationResult{}, invalid("unknown family report severity %q", w.Severity)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	payload, err := json.Marshal(map[string]string{"severity": w.Severity, "message": w.Message})
	if err != nil {
		return ObservationResult{}, err
	}
	res, err := e.submit(ctx, ObservationInput{
		ResidentID:     w.ResidentID,
		Source:         "family",
		Domain:         "family_report",
		Payload:        payload,
		ObservedAt:     w.ObservedAt,
		CorrelationID:  w.CorrelationID,
		IdempotencyKey: w.IdempotencyKey,
		Actor:          domain.Actor{Type: domain.ActorFamily, ID: w.FamilyMemberID},
	}, auth.PermFamilyWrite)
	return res, classify(err)
}

func (e Engine) submit(ctx context.Context, in ObservationInput, perm string) (ObservationResult, error) {
	if in.ResidentID == "" || in.Domain == "" {
		return ObservationResult{}, invalid("resident id and domain are required")
	}
	if !observationSources[in.Source] {
		return ObservationResult{}, invalid("unknown observation source %q", in.Source)
	}
	if len(in.Payload) > 0 && !json.Valid(in.Payload) {
		return ObservationResult{}, invalid("payload is not valid JSON")
	}
	if err := validActor(in.Actor); err != nil {
		return ObservationResult{}, err
	}
	if err := e.Auth.Require(in.Actor, perm); err != nil {
		return ObservationResult{}, err
	}
	if _, err := e.Repo.GetResident(ctx, nil, in.ResidentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ObservationResult{}, notFound("resident", in.ResidentID)
		}
		return ObservationResult{}, err
	}
	now := e.now()
	obs := domain.Observation{
		ID:             observationID(in.ResidentID, in.IdempotencyKey),
		ResidentID:     in.ResidentID,
		Source:         in.Source,
		Domain:         in.Domain,
		Metric:         in.Metric,
		Value:          in.Value,
		Payload:        in.Payload,
		ObservedAt:     in.ObservedAt.UTC(),
		CorrelationID:  in.CorrelationID,
		IdempotencyKey: in.IdempotencyKey,
		ActorType:      in.Actor.Type,
		ActorID:        in.Actor.ID,
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = now
	}
	obs.ObservedAt = obs.ObservedAt.Truncate(time.Millisecond)
	if obs.CorrelationID == "" {
		obs.CorrelationID = NewCorrelationID()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ObservationResult{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertObservation(ctx, tx, obs, now)
	if err != nil {
		return ObservationResult{}, err
	}
	if !inserted {
		stored, err := e.Repo.GetObservationByKey(ctx, tx, obs.ResidentID, obs.IdempotencyKey)
		if err != nil {
			return ObservationResult{}, err
		}
		obs = stored
	} else if err := e.record(ctx, tx, events.Event{
		CorrelationID: obs.CorrelationID,
		ResidentID:    obs.ResidentID,
		Actor:         in.Actor,
		Type:          "observation.recorded",
		SourceTable:   "observations",
		SourceID:      obs.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"source": obs.Source,
			"domain": obs.Domain,
			"metric": obs.Metric,
			"value":  obs.Value,
		},
	}); err != nil {
		return ObservationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ObservationResult{}, err
	}

	report, exceptions, err := e.evaluate(ctx, obs.ResidentID, &obs, []string{obs.Domain}, obs.ObservedAt)
	if err != nil {
		return ObservationResult{}, err
	}
	return ObservationResult{Observation: obs, Duplicate: !inserted, Evaluation: report, Exceptions: exceptions}, nil
}

func observationID(residentID, key string) string {
	if key == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(residentID+"|"+key)).String()
}

// Evaluate runs the rules of trigger's domain for a resident as of the
// trigger's observed_at. A nil trigger evaluates every category as of now.
func (e Engine) Evaluate(ctx context.Context, residentID string, trigger *domain.Observation) (EvaluationReport, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	var (
		categories []string
		at         = e.now()
		err        error
	)
	if trigger != nil {
		categories = []string{trigger.Domain}
		at = trigger.ObservedAt
	} else if categories, err = e.Repo.RuleCategories(ctx, nil); err != nil {
		return EvaluationReport{}, classify(err)
	}
	report, _, err := e.evaluate(ctx, residentID, trigger, categories, at)
	return report, classify(err)
}

// evaluate runs outside any transaction. Each fired rule gets its own
// transaction for the signal, its exception and their timeline events.
func (e Engine) evaluate(ctx context.Context, residentID string, trigger *domain.Observation, categories []string, at time.Time) (EvaluationReport, []domain.Exception, error) {
	var report EvaluationReport
	res, err := e.Repo.GetResident(ctx, nil, residentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return report, nil, notFound("resident", residentID)
		}
		return report, nil, err
	}
	var compiled []rules.Compiled
	for _, c := range categories {
		list, failures, err := e.Catalog.ForCategory(ctx, c)
		if err != nil {
			return report, nil, err
		}
		compiled = append(compiled, list...)
		report.Failures = append(report.Failures, failures...)
	}
	if len(compiled) == 0 {
		return report, nil, nil
	}
	baseline, err := e.Repo.Baselines(ctx, nil, residentID)
	if err != nil {
		return report, nil, err
	}
	var widest time.Duration
	for _, c := range compiled {
		if w := c.Rule.Window(); w > widest {
			widest = w
		}
	}
	from := at.Add(-widest)
	if widest == 0 {
		from = at.Add(-time.Nanosecond)
	}
	window, err := e.Repo.ObservationsBetween(ctx, nil, residentID, from, at)
	if err != nil {
		return report, nil, err
	}
	in := rules.Input{Trigger: trigger, Window: window, Baseline: baseline, Now: at}
	corr := NewCorrelationID()
	if trigger != nil {
		corr = trigger.CorrelationID
	}

	var exceptions []domain.Exception
	for _, c := range compiled {
		out, err := c.Evaluate(in)
		if err != nil {
			e.logger().Warn("rule evaluation failed", "rule_id", c.Rule.ID, "resident_id", residentID, "error", err)
			report.Failures = append(report.Failures, rules.NewFailure(c.Rule.ID, err))
			continue
		}
		if !out.Fired {
			report.Passed = append(report.Passed, c.Rule.ID)
			continue
		}
		sig, created, x, err := e.raiseSignal(ctx, res, c.Rule, out, corr)
		if err != nil {
			return report, exceptions, err
		}
		if created {
			report.Created = append(report.Created, sig)
		} else {
			report.Existing = append(report.Existing, sig)
		}
		if x != nil {
			exceptions = append(exceptions, *x)
		}
	}
	return report, exceptions, nil
}

// raiseSignal stores a fired rule as a signal unless an undismissed signal
// already covers its window. A new signal goes through escalation in the
// same transaction.
func (e Engine) raiseSignal(ctx context.Context, res domain.Resident, rule domain.Rule, out rules.Outcome, corr string) (domain.Signal, bool, *domain.Exception, error) {
	now := e.now()
	sig := domain.Signal{
		ID:            newID(),
		ResidentID:    res.ID,
		RuleID:        rule.ID,
		Severity:      rule.Severity,
		Title:         rule.Title,
		Summary:       out.Summary,
		Why:           out.Why,
		WindowStart:   out.WindowStart,
		DetectedAt:    now,
		CorrelationID: corr,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sig, false, nil, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertSignal(ctx, tx, sig)
	if err != nil {
		return sig, false, nil, err
	}
	if !inserted {
		existing, err := e.Repo.OpenSignalFor(ctx, tx, rule.ID, res.ID, out.WindowStart)
		if err != nil {
			return sig, false, nil, err
		}
		var open *domain.Exception
		if x, err := e.Repo.OpenExceptionForSignal(ctx, tx, existing.ID); err == nil {
			open = &x
		} else if !errors.Is(err, repo.ErrNotFound) {
			return sig, false, nil, err
		}
		return existing, false, open, nil
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    res.ID,
		Actor:         ruleEngineActor,
		Type:          "signal.created",
		SourceTable:   "signals",
		SourceID:      sig.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"rule_id":      rule.ID,
			"severity":     rule.Severity,
			"summary":      out.Summary,
			"window_start": out.WindowStart,
		},
	}); err != nil {
		return sig, false, nil, err
	}
	x, err := e.onSignalTx(ctx, tx, res, sig)
	if err != nil {
		return sig, false, nil, err
	}
	if err := tx.Commit(); err != nil {
		return sig, false, nil, err
	}
	e.logger().Info("signal raised", "signal_id", sig.ID, "rule_id", rule.ID, "resident_id", res.ID, "escalated", x != nil)
	return sig, true, x, nil
}
