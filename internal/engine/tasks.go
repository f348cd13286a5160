package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"carebrain/internal/board"
	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
)

const (
	TaskActionStart    = "start"
	TaskActionComplete = "complete"
	TaskActionBlock    = "block"
	TaskActionUnblock  = "unblock"
)

var taskMoves = map[string]struct {
	from []string
	to   string
}{
	TaskActionStart:    {[]string{domain.TaskPending}, domain.TaskInProgress},
	TaskActionComplete: {[]string{domain.TaskPending, domain.TaskInProgress}, domain.TaskCompleted},
	TaskActionBlock:    {[]string{domain.TaskPending, domain.TaskInProgress}, domain.TaskBlocked},
	TaskActionUnblock:  {[]string{domain.TaskBlocked}, domain.TaskPending},
}

// NewTask is a routine task handed in by a scheduler or a caregiver.
type NewTask struct {
	ResidentID    string
	Category      string
	Title         string
	Priority      string
	DueAt         time.Time
	AssigneeID    string
	CorrelationID string
	Actor         domain.Actor
}

func (e Engine) CreateTask(ctx context.Context, in NewTask) (domain.Task, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	t, err := e.createTask(ctx, in)
	return t, classify(err)
}

func (e Engine) createTask(ctx context.Context, in NewTask) (domain.Task, error) {
	if in.ResidentID == "" || in.Title == "" || in.Category == "" {
		return domain.Task{}, invalid("resident id, category and title are required")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityNormal
	}
	if domain.PriorityRank(in.Priority) == 0 {
		return domain.Task{}, invalid("unknown priority %q", in.Priority)
	}
	if err := validActor(in.Actor); err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(in.Actor, auth.PermTaskWrite); err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	due := in.DueAt.UTC()
	if due.IsZero() {
		due = now.Add(e.sla(in.Priority))
	}
	corr := in.CorrelationID
	if corr == "" {
		corr = NewCorrelationID()
	}
	t := domain.Task{
		ID:            newID(),
		ResidentID:    in.ResidentID,
		Category:      in.Category,
		Title:         in.Title,
		Priority:      in.Priority,
		State:         domain.TaskPending,
		DueAt:         due.Truncate(time.Millisecond),
		AssigneeID:    in.AssigneeID,
		CorrelationID: corr,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetResident(ctx, tx, in.ResidentID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, notFound("resident", in.ResidentID)
		}
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.record(ctx, tx, events.Event{
		CorrelationID: corr,
		ResidentID:    t.ResidentID,
		Actor:         in.Actor,
		Type:          "task.created",
		SourceTable:   "tasks",
		SourceID:      t.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"category": t.Category,
			"priority": t.Priority,
			"due_at":   t.DueAt,
		},
	}); err != nil {
		return domain.Task{}, err
	}
	return t, tx.Commit()
}

type TaskUpdate struct {
	TaskID        string
	Action        string
	// Reason is required to block a task.
	Reason        string
	AssigneeID    string
	CorrelationID string
	Actor         domain.Actor
}

type TaskUpdateResult struct {
	Task              domain.Task       `json:"task"`
	// ResolvedException is set when completing the task closed the
	// exception it was created from.
	ResolvedException *domain.Exception `json:"resolved_exception,omitempty"`
}

// UpdateTaskState moves a task along its lifecycle. Completing an
// escalation task resolves its TRIAGED exception in the same write.
func (e Engine) UpdateTaskState(ctx context.Context, req TaskUpdate) (TaskUpdateResult, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.updateTask(ctx, req)
	return res, classify(err)
}

func (e Engine) updateTask(ctx context.Context, req TaskUpdate) (TaskUpdateResult, error) {
	move, ok := taskMoves[req.Action]
	if !ok {
		return TaskUpdateResult{}, invalid("unknown task action %q", req.Action)
	}
	if req.Action == TaskActionBlock && strings.TrimSpace(req.Reason) == "" {
		return TaskUpdateResult{}, invalid("blocking a task requires a reason")
	}
	if err := validActor(req.Actor); err != nil {
		return TaskUpdateResult{}, err
	}
	if err := e.Auth.Require(req.Actor, auth.PermTaskWrite); err != nil {
		return TaskUpdateResult{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TaskUpdateResult{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTask(ctx, tx, req.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TaskUpdateResult{}, notFound("task", req.TaskID)
		}
		return TaskUpdateResult{}, err
	}
	if !contains(move.from, cur.State) {
		return TaskUpdateResult{Task: cur}, &Error{
			Code:    CodeInvalidTaskTransition,
			Message: req.Action + " is not allowed for a " + cur.State + " task",
			Details: map[string]any{"state": cur.State, "action": req.Action},
		}
	}
	if req.Action == TaskActionStart && cur.CreatedFromExceptionID == "" {
		st, err := e.Repo.GetBrainState(ctx, tx, cur.ResidentID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return TaskUpdateResult{}, err
		}
		if err == nil && st.EmergencyState == domain.EmergencyActive {
			return TaskUpdateResult{Task: cur}, &Error{
				Code:    CodeBlockedByEmergency,
				Message: "routine tasks cannot start during an active emergency",
				Details: map[string]any{"emergency_state": st.EmergencyState},
			}
		}
	}
	now := e.now()
	next := cur
	next.State = move.to
	next.UpdatedAt = now
	next.BlockedReason = ""
	switch req.Action {
	case TaskActionBlock:
		next.BlockedReason = req.Reason
	case TaskActionComplete:
		next.CompletedAt = &now
	}
	if req.AssigneeID != "" {
		next.AssigneeID = req.AssigneeID
	}
	ok, err = e.Repo.UpdateTask(ctx, tx, next, cur.State)
	if err != nil {
		return TaskUpdateResult{}, err
	}
	if !ok {
		return TaskUpdateResult{Task: cur}, &Error{Code: CodeInvalidTaskTransition, Message: "task " + cur.ID + " changed concurrently; reload it"}
	}
	corr := req.CorrelationID
	if corr == "" {
		corr = cur.CorrelationID
	}
	if err := e.record(ctx, tx, events.Event{
		Key:           events.Key("tasks", cur.ID, "task."+req.Action) + ":" + now.Format(repo.TimeLayout),
		CorrelationID: corr,
		ResidentID:    cur.ResidentID,
		Actor:         req.Actor,
		Type:          "task." + req.Action,
		SourceTable:   "tasks",
		SourceID:      cur.ID,
		OccurredAt:    now,
		Payload: events.Payload{
			"from":   cur.State,
			"to":     next.State,
			"reason": req.Reason,
		},
	}); err != nil {
		return TaskUpdateResult{}, err
	}

	result := TaskUpdateResult{Task: next}
	if req.Action == TaskActionComplete && cur.CreatedFromExceptionID != "" {
		x, err := e.Repo.GetException(ctx, tx, cur.CreatedFromExceptionID)
		if err != nil {
			return TaskUpdateResult{}, err
		}
		if x.State == domain.ExceptionTriaged {
			resolved, err := e.resolveTx(ctx, tx, x, req.Actor, "task "+cur.ID+" completed", corr, now)
			if err != nil {
				return TaskUpdateResult{}, err
			}
			result.ResolvedException = &resolved
		}
	}
	if err := tx.Commit(); err != nil {
		return TaskUpdateResult{}, err
	}
	return result, nil
}

// Board buckets a resident's open tasks with the engine clock.
func (e Engine) Board(ctx context.Context, residentID string) (board.Board, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	tasks, err := e.Repo.ListTasks(ctx, nil, repo.TaskFilter{ResidentID: residentID, OpenOnly: true})
	if err != nil {
		return board.Board{}, classify(err)
	}
	return board.Bucket(tasks, e.now(), e.windows()), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
