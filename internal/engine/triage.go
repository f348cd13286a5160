package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
)

const (
	DecisionAcknowledge = "acknowledge"
	DecisionEscalate    = "escalate"
	DecisionDismiss     = "dismiss"
)

type TriageRequest struct {
	ExceptionID   string
	Decision      string
	Actor         domain.Actor
	Comments      string
	// AssigneeID overrides the resident's primary caregiver for an
	// escalation task.
	AssigneeID    string
	CorrelationID string
}

type TriageResult struct {
	Exception domain.Exception `json:"exception"`
	Task      *domain.Task     `json:"task,omitempty"`
}

// Triage records a supervisor decision on a PENDING exception. Only one
// decision per exception is accepted; later callers get
// EXCEPTION_ALREADY_TRIAGED.
func (e Engine) Triage(ctx context.Context, req TriageRequest) (TriageResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.triage(ctx, req)
	return res, classify(err)
}

func (e Engine) triage(ctx context.Context, req TriageRequest) (TriageResult, error) {
	switch req.Decision {
	case DecisionAcknowledge, DecisionEscalate:
	case DecisionDismiss:
		if strings.TrimSpace(req.Comments) == "" {
			return TriageResult{}, invalid("dismissing an exception requires a reason")
		}
	default:
		return TriageResult{}, invalid("unknown triage decision %q", req.Decision)
	}
	if err := validActor(req.Actor); err != nil {
		return TriageResult{}, err
	}
	if err := e.Auth.Require(req.Actor, auth.PermExceptionTriage); err != nil {
		return TriageResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TriageResult{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetException(ctx, tx, req.ExceptionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TriageResult{}, notFound("exception", req.ExceptionID)
		}
		return TriageResult{}, err
	}
	if cur.State != domain.ExceptionPending {
		return TriageResult{}, alreadyTriaged(cur)
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = cur.CorrelationID
	}
	now := e.now()
	next := cur
	next.Decision = req.Decision
	next.DecisionReason = req.Comments
	next.TriagedBy = req.Actor.ID
	next.TriagedAt = &now
	next.State = domain.ExceptionTriaged
	if req.Decision == DecisionDismiss {
		next.State = domain.ExceptionResolved
		next.ResolvedBy = req.Actor.ID
		next.ResolvedAt = &now
		next.Resolution = "dismissed: " + req.Comments
	}
	won, err := e.Repo.TriageException(ctx, tx, next)
	if err != nil {
		return TriageResult{}, err
	}
	if !won {
		latest, err := e.Repo.GetException(ctx, tx, cur.ID)
		if err != nil {
			return TriageResult{}, err
		}
		return TriageResult{}, alreadyTriaged(latest)
	}
	evType := "exception.triaged"
	if req.Decision == DecisionDismiss {
		evType = "exception.dismissed"
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    cur.ResidentID,
		Actor:         req.Actor,
		Type:          evType,
		SourceTable:   "exceptions",
		SourceID:      cur.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"decision": req.Decision,
			"comments": req.Comments,
			"state":    next.State,
		},
	}); err != nil {
		return TriageResult{}, err
	}

	result := TriageResult{Exception: next}
	if req.Decision == DecisionEscalate {
		task, err := e.escalationTask(ctx, tx, next, req, corr, now)
		if err != nil {
			return TriageResult{}, err
		}
		result.Exception.AssignedTaskID = task.ID
		result.Task = &task
	}
	if err := tx.Commit(); err != nil {
		return TriageResult{}, err
	}
	e.logger().Info("exception triaged", "exception_id", cur.ID, "decision", req.Decision, "actor_id", req.Actor.ID)
	return result, nil
}

func alreadyTriaged(x domain.Exception) *Error {
	return &Error{
		Code:    CodeExceptionAlreadyTriaged,
		Message: "exception " + x.ID + " was already triaged; reload it",
		Details: map[string]any{"state": x.State, "decision": x.Decision, "triaged_by": x.TriagedBy},
	}
}

// escalationTask creates the follow-up task of an escalated exception and
// links it back.
func (e Engine) escalationTask(ctx context.Context, tx repo.DBTX, x domain.Exception, req TriageRequest, corr string, now time.Time) (domain.Task, error) {
	sig, err := e.Repo.GetSignal(ctx, tx, x.SignalID)
	if err != nil {
		return domain.Task{}, err
	}
	assignee := req.AssigneeID
	if assignee == "" {
		res, err := e.Repo.GetResident(ctx, tx, x.ResidentID)
		if err != nil {
			return domain.Task{}, err
		}
		assignee = res.PrimaryCaregiverID
	}
	priority := PriorityForSeverity(x.Severity)
	task := domain.Task{
		ID:                     newID(),
		ResidentID:             x.ResidentID,
		Category:               e.escalationCategory(),
		Title:                  "Follow up: " + sig.Title,
		Priority:               priority,
		State:                  domain.TaskPending,
		DueAt:                  now.Add(e.sla(priority)),
		AssigneeID:             assignee,
		CreatedFromExceptionID: x.ID,
		CorrelationID:          corr,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.AssignExceptionTask(ctx, tx, x.ID, task.ID); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    x.ResidentID,
		Actor:         req.Actor,
		Type:          "task.created",
		SourceTable:   "tasks",
		SourceID:      task.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"exception_id": x.ID,
			"priority":     task.Priority,
			"due_at":       task.DueAt,
			"assignee_id":  task.AssigneeID,
		},
	}); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// PriorityForSeverity maps a signal severity onto the priority of the task
// that follows it up.
func PriorityForSeverity(severity string) string {
	switch severity {
	case domain.SeverityCritical:
		return domain.PriorityUrgent
	case domain.SeverityUrgent:
		return domain.PriorityHigh
	case domain.SeverityWarning:
		return domain.PriorityNormal
	}
	return domain.PriorityLow
}

func (e Engine) sla(priority string) time.Duration {
	if e.Config != nil {
		if d, ok := e.Config.Tasks.SLA[priority]; ok && d > 0 {
			return d.Std()
		}
	}
	return 24 * time.Hour
}

func (e Engine) escalationCategory() string {
	if e.Config != nil && e.Config.Tasks.EscalationCategory != "" {
		return e.Config.Tasks.EscalationCategory
	}
	return "follow_up"
}

// ResolveException closes a TRIAGED exception by hand.
func (e Engine) ResolveException(ctx context.Context, exceptionID string, actor domain.Actor, justification string) (domain.Exception, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	x, err := e.resolveException(ctx, exceptionID, actor, justification)
	return x, classify(err)
}

func (e Engine) resolveException(ctx context.Context, id string, actor domain.Actor, justification string) (domain.Exception, error) {
	if strings.TrimSpace(justification) == "" {
		return domain.Exception{}, invalid("resolving an exception requires a justification")
	}
	if err := validActor(actor); err != nil {
		return domain.Exception{}, err
	}
	if err := e.Auth.Require(actor, auth.PermExceptionResolve); err != nil {
		return domain.Exception{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Exception{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetException(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Exception{}, notFound("exception", id)
		}
		return domain.Exception{}, err
	}
	if cur.State != domain.ExceptionTriaged {
		return cur, &Error{
			Code:    CodeInvalidExceptionTransition,
			Message: "only a TRIAGED exception can be resolved; this one is " + cur.State,
			Details: map[string]any{"state": cur.State},
		}
	}
	now := e.now()
	x, err := e.resolveTx(ctx, tx, cur, actor, justification, cur.CorrelationID, now)
	if err != nil {
		return cur, err
	}
	return x, tx.Commit()
}

// resolveTx moves a TRIAGED exception to RESOLVED and records it.
func (e Engine) resolveTx(ctx context.Context, tx repo.DBTX, cur domain.Exception, actor domain.Actor, resolution, corr string, now time.Time) (domain.Exception, error) {
	ok, err := e.Repo.ResolveException(ctx, tx, cur.ID, actor.ID, resolution, now)
	if err != nil {
		return cur, err
	}
	if !ok {
		return cur, &Error{Code: CodeInvalidExceptionTransition, Message: "exception " + cur.ID + " is no longer TRIAGED"}
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    cur.ResidentID,
		Actor:         actor,
		Type:          "exception.resolved",
		SourceTable:   "exceptions",
		SourceID:      cur.ID,
		OccurredAt:    now,
		Payload:       events.Payload{"resolution": resolution},
	}); err != nil {
		return cur, err
	}
	next := cur
	next.State = domain.ExceptionResolved
	next.ResolvedBy = actor.ID
	next.ResolvedAt = &now
	next.Resolution = resolution
	return next, nil
}

// DismissSignal soft-dismisses a signal. The row stays for audit and a
// later evaluation of the same window may raise it again.
func (e Engine) DismissSignal(ctx context.Context, signalID string, actor domain.Actor, reason string) (domain.Signal, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	s, err := e.dismissSignal(ctx, signalID, actor, reason)
	return s, classify(err)
}

func (e Engine) dismissSignal(ctx context.Context, id string, actor domain.Actor, reason string) (domain.Signal, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.Signal{}, invalid("dismissing a signal requires a reason")
	}
	if err := validActor(actor); err != nil {
		return domain.Signal{}, err
	}
	if err := e.Auth.Require(actor, auth.PermSignalDismiss); err != nil {
		return domain.Signal{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Signal{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetSignal(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Signal{}, notFound("signal", id)
		}
		return domain.Signal{}, err
	}
	now := e.now()
	ok, err := e.Repo.DismissSignal(ctx, tx, id, actor.ID, reason, now)
	if err != nil {
		return cur, err
	}
	if !ok {
		return cur, &Error{Code: CodeSameState, Message: "signal " + id + " is already dismissed"}
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: cur.CorrelationID,
		ResidentID:    cur.ResidentID,
		Actor:         actor,
		Type:          "signal.dismissed",
		SourceTable:   "signals",
		SourceID:      id,
		OccurredAt:    now,
		Payload:       events.Payload{"reason": reason},
	}); err != nil {
		return cur, err
	}
	if err := tx.Commit(); err != nil {
		return cur, err
	}
	cur.Dismissed = true
	cur.DismissedAt = &now
	cur.DismissedBy = actor.ID
	cur.DismissReason = reason
	return cur, nil
}
