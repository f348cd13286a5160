package server

import (
	"time"

	"carebrain/internal/board"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/rules"
)

// Request payloads

type ActivateResidentRequest struct {
	ID                 string             `json:"id"`
	AgencyID           string             `json:"agency_id"`
	DisplayName        string             `json:"display_name,omitempty"`
	SupervisionEnabled bool               `json:"supervision_enabled,omitempty"`
	ServiceModel       string             `json:"service_model,omitempty"`
	PrimaryCaregiverID string             `json:"primary_caregiver_id,omitempty"`
	Baselines          map[string]float64 `json:"baselines,omitempty"`
	CorrelationID      string             `json:"correlation_id,omitempty"`
}

type BaselineRequest struct {
	Value float64 `json:"value"`
}

type ObservationRequest struct {
	Source         string         `json:"source" enum:"device,task,voice,manual,family"`
	Domain         string         `json:"domain"`
	Metric         string         `json:"metric,omitempty"`
	Value          *float64       `json:"value,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ObservedAt     *time.Time     `json:"observed_at,omitempty" format:"date-time"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type FamilyReportRequest struct {
	Severity       string     `json:"severity" enum:"info,concern,urgent,critical"`
	Message        string     `json:"message"`
	ObservedAt     *time.Time `json:"observed_at,omitempty" format:"date-time"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
}

type TransitionRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	Action          string `json:"action" example:"START_PREPARATION"`
	Reason          string `json:"reason,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
}

type DismissSignalRequest struct {
	Reason string `json:"reason"`
}

type TriageRequest struct {
	Decision      string `json:"decision" enum:"acknowledge,escalate,dismiss"`
	Comments      string `json:"comments,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type ResolveExceptionRequest struct {
	Justification string `json:"justification"`
}

type CreateTaskRequest struct {
	Category      string     `json:"category"`
	Title         string     `json:"title"`
	Priority      string     `json:"priority,omitempty" enum:"urgent,high,normal,low"`
	DueAt         *time.Time `json:"due_at,omitempty" format:"date-time"`
	AssigneeID    string     `json:"assignee_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

type UpdateTaskRequest struct {
	Action        string `json:"action" enum:"start,complete,block,unblock"`
	Reason        string `json:"reason,omitempty"`
	AssigneeID    string `json:"assignee_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	ActorType  string `json:"actor_type" enum:"FAMILY,CAREGIVER,SUPERVISOR,AGENCY,SYSTEM,DEVICE"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	ActorType   string   `json:"actor_type"`
	Source      string   `json:"source"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ResidentResponse struct {
	Resident   domain.Resident    `json:"resident"`
	BrainState *domain.BrainState `json:"brain_state,omitempty"`
}

type ResidentList struct {
	Items []domain.Resident `json:"items"`
}

type VerifyResponse struct {
	Consistent bool              `json:"consistent"`
	State      domain.BrainState `json:"state"`
	Detail     string            `json:"detail,omitempty"`
}

type HistoryList struct {
	Items []domain.BrainStateHistory `json:"items"`
}

type ObservationResponse struct {
	Observation domain.Observation `json:"observation"`
	Duplicate   bool               `json:"duplicate"`
	Signals     []domain.Signal    `json:"signals"`
	Existing    []domain.Signal    `json:"existing_signals"`
	Exceptions  []domain.Exception `json:"exceptions"`
	Failures    []rules.Failure    `json:"rule_failures"`
}

type SignalList struct {
	Items []domain.Signal `json:"items"`
}

type ExceptionList struct {
	Items []domain.Exception `json:"items"`
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type RuleList struct {
	Items []domain.Rule `json:"items"`
}

type RuleImportResponse struct {
	Imported int `json:"imported"`
}

type TimelinePage struct {
	Items      []domain.TimelineEvent `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type BoardResponse struct {
	ResidentID string        `json:"resident_id"`
	Now        []domain.Task `json:"now"`
	Next       []domain.Task `json:"next"`
	Later      []domain.Task `json:"later"`
}

func observationResponse(res engine.ObservationResult) ObservationResponse {
	return ObservationResponse{
		Observation: res.Observation,
		Duplicate:   res.Duplicate,
		Signals:     nonNilSlice(res.Evaluation.Created),
		Existing:    nonNilSlice(res.Evaluation.Existing),
		Exceptions:  nonNilSlice(res.Exceptions),
		Failures:    nonNilSlice(res.Evaluation.Failures),
	}
}

func boardResponse(residentID string, b board.Board) BoardResponse {
	return BoardResponse{
		ResidentID: residentID,
		Now:        nonNilSlice(b.Now),
		Next:       nonNilSlice(b.Next),
		Later:      nonNilSlice(b.Later),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
