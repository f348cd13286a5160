package domain

import (
	"encoding/json"
	"time"
)

// Care session lifecycle.
const (
	CareIdle       = "IDLE"
	CarePreparing  = "PREPARING"
	CareActive     = "ACTIVE"
	CarePaused     = "PAUSED"
	CareCompleting = "COMPLETING"
)

// Emergency axis.
const (
	EmergencyNone    = "NONE"
	EmergencyPending = "PENDING"
	EmergencyActive  = "ACTIVE"
)

const (
	Online  = "ONLINE"
	Offline = "OFFLINE"
)

const (
	ActorFamily     = "FAMILY"
	ActorCaregiver  = "CAREGIVER"
	ActorSupervisor = "SUPERVISOR"
	ActorAgency     = "AGENCY"
	ActorSystem     = "SYSTEM"
	ActorDevice     = "DEVICE"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityUrgent   = "urgent"
	SeverityCritical = "critical"
)

const (
	ExceptionPending  = "PENDING"
	ExceptionTriaged  = "TRIAGED"
	ExceptionResolved = "RESOLVED"
)

const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
)

// Transition actions accepted by the state machine.
const (
	ActionStartPreparation  = "START_PREPARATION"
	ActionBeginCare         = "BEGIN_CARE"
	ActionCancelPreparation = "CANCEL_PREPARATION"
	ActionPauseCare         = "PAUSE_CARE"
	ActionResumeCare        = "RESUME_CARE"
	ActionBeginCompletion   = "BEGIN_COMPLETION"
	ActionCompleteSession   = "COMPLETE_SESSION"

	ActionRaiseEmergency   = "RAISE_EMERGENCY"
	ActionConfirmEmergency = "CONFIRM_EMERGENCY"
	ActionResolveEmergency = "RESOLVE_EMERGENCY"
	ActionCancelEmergency  = "CANCEL_EMERGENCY"

	ActionGoOffline = "GO_OFFLINE"
	ActionGoOnline  = "GO_ONLINE"
)

// Actions lists every transition action in table order.
var Actions = []string{
	ActionStartPreparation, ActionBeginCare, ActionCancelPreparation, ActionPauseCare,
	ActionResumeCare, ActionBeginCompletion, ActionCompleteSession,
	ActionRaiseEmergency, ActionConfirmEmergency, ActionResolveEmergency, ActionCancelEmergency,
	ActionGoOffline, ActionGoOnline,
}

func IsAction(a string) bool {
	for _, known := range Actions {
		if known == a {
			return true
		}
	}
	return false
}

// Actor identifies who caused a write.
type Actor struct {
	Type string `json:"actor_type"`
	ID   string `json:"actor_id"`
}

type Resident struct {
	ID                 string    `json:"id"`
	AgencyID           string    `json:"agency_id"`
	DisplayName        string    `json:"display_name,omitempty"`
	SupervisionEnabled bool      `json:"supervision_enabled"`
	ServiceModel       string    `json:"service_model"`
	PrimaryCaregiverID string    `json:"primary_caregiver_id,omitempty"`
	CreatedAt          time.Time `json:"created_at" format:"date-time"`
}

type Baseline struct {
	ResidentID string    `json:"resident_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	UpdatedAt  time.Time `json:"updated_at" format:"date-time"`
}

type BrainState struct {
	ResidentID       string    `json:"resident_id"`
	CareState        string    `json:"care_state" enum:"IDLE,PREPARING,ACTIVE,PAUSED,COMPLETING"`
	EmergencyState   string    `json:"emergency_state" enum:"NONE,PENDING,ACTIVE"`
	Connectivity     string    `json:"connectivity" enum:"ONLINE,OFFLINE"`
	Version          int64     `json:"version"`
	LastTransitionAt time.Time `json:"last_transition_at" format:"date-time"`
	LastTransitionBy string    `json:"last_transition_by"`
}

type BrainStateHistory struct {
	ID               int64     `json:"id"`
	ResidentID       string    `json:"resident_id"`
	Action           string    `json:"action"`
	PrevCareState    string    `json:"prev_care_state"`
	NewCareState     string    `json:"new_care_state"`
	PrevEmergency    string    `json:"prev_emergency_state"`
	NewEmergency     string    `json:"new_emergency_state"`
	PrevConnectivity string    `json:"prev_connectivity"`
	NewConnectivity  string    `json:"new_connectivity"`
	Version          int64     `json:"version"`
	ActorType        string    `json:"actor_type"`
	ActorID          string    `json:"actor_id"`
	Reason           string    `json:"reason,omitempty"`
	CorrelationID    string    `json:"correlation_id"`
	OccurredAt       time.Time `json:"occurred_at" format:"date-time"`
}

type Observation struct {
	ID             string          `json:"id"`
	ResidentID     string          `json:"resident_id"`
	Source         string          `json:"source" enum:"device,task,voice,manual,family"`
	Domain         string          `json:"domain"`
	Metric         string          `json:"metric,omitempty"`
	Value          *float64        `json:"value,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ObservedAt     time.Time       `json:"observed_at" format:"date-time"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ActorType      string          `json:"actor_type"`
	ActorID        string          `json:"actor_id"`
}

// Rule is a declarative detection record interpreted by the rules package.
type Rule struct {
	ID            string          `json:"id"`
	Category      string          `json:"category"`
	Kind          string          `json:"kind" enum:"threshold,count_in_window,correlation,report"`
	Params        json.RawMessage `json:"params"`
	WindowSeconds int64           `json:"window_seconds"`
	Severity      string          `json:"severity" enum:"info,warning,urgent,critical"`
	Title         string          `json:"title"`
	HumanAction   string          `json:"human_action"`
	Enabled       bool            `json:"enabled"`
}

func (r Rule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type ObservedPoint struct {
	ObservationID string    `json:"observation_id"`
	ObservedAt    time.Time `json:"observed_at"`
	Domain        string    `json:"domain"`
	Metric        string    `json:"metric,omitempty"`
	Value         *float64  `json:"value,omitempty"`
	Detail        string    `json:"detail,omitempty"`
}

type RuleFired struct {
	RuleID    string `json:"rule_id"`
	Kind      string `json:"kind"`
	Threshold string `json:"threshold"`
}

// Why is the explainability block every signal carries.
type Why struct {
	Observed       []ObservedPoint `json:"observed"`
	RulesFired     []RuleFired     `json:"rulesFired"`
	DataUsed       []string        `json:"dataUsed"`
	CannotConclude []string        `json:"cannotConclude"`
	HumanAction    string          `json:"humanAction"`
}

type Signal struct {
	ID            string     `json:"id"`
	ResidentID    string     `json:"resident_id"`
	RuleID        string     `json:"rule_id"`
	Severity      string     `json:"severity" enum:"info,warning,urgent,critical"`
	Title         string     `json:"title"`
	Summary       string     `json:"summary"`
	Why           Why        `json:"why"`
	WindowStart   time.Time  `json:"window_start" format:"date-time"`
	DetectedAt    time.Time  `json:"detected_at" format:"date-time"`
	CorrelationID string     `json:"correlation_id"`
	Dismissed     bool       `json:"dismissed"`
	DismissedAt   *time.Time `json:"dismissed_at,omitempty" format:"date-time"`
	DismissedBy   string     `json:"dismissed_by,omitempty"`
	DismissReason string     `json:"dismiss_reason,omitempty"`
}

type Exception struct {
	ID             string     `json:"id"`
	SignalID       string     `json:"signal_id"`
	ResidentID     string     `json:"resident_id"`
	Severity       string     `json:"severity"`
	State          string     `json:"state" enum:"PENDING,TRIAGED,RESOLVED"`
	Decision       string     `json:"decision,omitempty"`
	DecisionReason string     `json:"decision_reason,omitempty"`
	AssignedTaskID string     `json:"assigned_task_id,omitempty"`
	TriagedBy      string     `json:"triaged_by,omitempty"`
	TriagedAt      *time.Time `json:"triaged_at,omitempty" format:"date-time"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty" format:"date-time"`
	Resolution     string     `json:"resolution,omitempty"`
	CorrelationID  string     `json:"correlation_id"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID                     string     `json:"id"`
	ResidentID             string     `json:"resident_id"`
	Category               string     `json:"category"`
	Title                  string     `json:"title"`
	Priority               string     `json:"priority" enum:"urgent,high,normal,low"`
	State                  string     `json:"state" enum:"pending,in_progress,completed,blocked"`
	DueAt                  time.Time  `json:"due_at" format:"date-time"`
	AssigneeID             string     `json:"assignee_id,omitempty"`
	CreatedFromExceptionID string     `json:"created_from_exception_id,omitempty"`
	BlockedReason          string     `json:"blocked_reason,omitempty"`
	CorrelationID          string     `json:"correlation_id"`
	CreatedAt              time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt              time.Time  `json:"updated_at" format:"date-time"`
	CompletedAt            *time.Time `json:"completed_at,omitempty" format:"date-time"`
}

type TimelineEvent struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	EventKey      string          `json:"event_key"`
	CorrelationID string          `json:"correlation_id"`
	ResidentID    string          `json:"resident_id,omitempty"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	EventType     string          `json:"event_type"`
	SourceTable   string          `json:"source_table"`
	SourceID      string          `json:"source_id"`
	OccurredAt    time.Time       `json:"occurred_at" format:"date-time"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// SeverityRank orders severities; unknown values rank below info.
func SeverityRank(s string) int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityUrgent:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

func PriorityRank(p string) int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}
