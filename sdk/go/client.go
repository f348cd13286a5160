package carebrainsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a typed Carebrain HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Resident struct {
	ID                 string    `json:"id"`
	AgencyID           string    `json:"agency_id"`
	DisplayName        string    `json:"display_name,omitempty"`
	SupervisionEnabled bool      `json:"supervision_enabled"`
	ServiceModel       string    `json:"service_model"`
	PrimaryCaregiverID string    `json:"primary_caregiver_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type BrainState struct {
	ResidentID       string    `json:"resident_id"`
	CareState        string    `json:"care_state"`
	EmergencyState   string    `json:"emergency_state"`
	Connectivity     string    `json:"connectivity"`
	Version          int64     `json:"version"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	LastTransitionBy string    `json:"last_transition_by"`
}

// Why explains a signal: what was observed, which rules fired, and what a
// human should do next.
type Why struct {
	Observed       []map[string]any `json:"observed"`
	RulesFired     []map[string]any `json:"rulesFired"`
	DataUsed       []string         `json:"dataUsed"`
	CannotConclude []string         `json:"cannotConclude"`
	HumanAction    string           `json:"humanAction"`
}

type Signal struct {
	ID            string    `json:"id"`
	ResidentID    string    `json:"resident_id"`
	RuleID        string    `json:"rule_id"`
	Severity      string    `json:"severity"`
	Title         string    `json:"title"`
	Summary       string    `json:"summary"`
	Why           Why       `json:"why"`
	DetectedAt    time.Time `json:"detected_at"`
	CorrelationID string    `json:"correlation_id"`
	Dismissed     bool      `json:"dismissed"`
}

type Exception struct {
	ID             string `json:"id"`
	SignalID       string `json:"signal_id"`
	ResidentID     string `json:"resident_id"`
	Severity       string `json:"severity"`
	State          string `json:"state"`
	Decision       string `json:"decision,omitempty"`
	AssignedTaskID string `json:"assigned_task_id,omitempty"`
	Resolution     string `json:"resolution,omitempty"`
	CorrelationID  string `json:"correlation_id"`
}

type Task struct {
	ID                     string    `json:"id"`
	ResidentID             string    `json:"resident_id"`
	Category               string    `json:"category"`
	Title                  string    `json:"title"`
	Priority               string    `json:"priority"`
	State                  string    `json:"state"`
	DueAt                  time.Time `json:"due_at"`
	AssigneeID             string    `json:"assignee_id,omitempty"`
	CreatedFromExceptionID string    `json:"created_from_exception_id,omitempty"`
	CorrelationID          string    `json:"correlation_id"`
}

type Observation struct {
	ID            string    `json:"id"`
	ResidentID    string    `json:"resident_id"`
	Source        string    `json:"source"`
	Domain        string    `json:"domain"`
	Metric        string    `json:"metric,omitempty"`
	Value         *float64  `json:"value,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
	CorrelationID string    `json:"correlation_id"`
}

type ObservationResult struct {
	Observation Observation `json:"observation"`
	Duplicate   bool        `json:"duplicate"`
	Signals     []Signal    `json:"signals"`
	Existing    []Signal    `json:"existing_signals"`
	Exceptions  []Exception `json:"exceptions"`
}

type TransitionResult struct {
	Success    bool        `json:"success"`
	NewState   *BrainState `json:"new_state,omitempty"`
	NewVersion int64       `json:"new_version"`
}

type TriageResult struct {
	Exception Exception `json:"exception"`
	Task      *Task     `json:"task,omitempty"`
}

type TaskUpdateResult struct {
	Task              Task       `json:"task"`
	ResolvedException *Exception `json:"resolved_exception,omitempty"`
}

type Board struct {
	ResidentID string `json:"resident_id"`
	Now        []Task `json:"now"`
	Next       []Task `json:"next"`
	Later      []Task `json:"later"`
}

type TimelineEvent struct {
	Seq           int64           `json:"seq"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	ResidentID    string          `json:"resident_id,omitempty"`
	ActorType     string          `json:"actor_type"`
	ActorID       string          `json:"actor_id"`
	EventType     string          `json:"event_type"`
	SourceTable   string          `json:"source_table"`
	SourceID      string          `json:"source_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// TimelinePage wraps a timeline listing with its cursor.
type TimelinePage struct {
	Items      []TimelineEvent `json:"items"`
	NextCursor string          `json:"next_cursor"`
}

// TimelineQuery filters a timeline listing. Empty fields are ignored.
type TimelineQuery struct {
	ResidentID    string
	CorrelationID string
	ActorID       string
	EventType     string
	Limit         int
	Cursor        string
}

// ObservationInput is a collaborator observation.
type ObservationInput struct {
	Source         string         `json:"source"`
	Domain         string         `json:"domain"`
	Metric         string         `json:"metric,omitempty"`
	Value          *float64       `json:"value,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	ObservedAt     *time.Time     `json:"observed_at,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code
// when the body has one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ErrorCode returns the envelope code of an API error, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// DevLogin mints a token on servers started with dev login enabled and
// stores it as the client's bearer token.
func (c *Client) DevLogin(ctx context.Context, actorType, actorID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_type": actorType, "actor_id": actorID}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// ActivateResident creates a resident and its first brain state.
func (c *Client) ActivateResident(ctx context.Context, r Resident, baselines map[string]float64) (Resident, BrainState, error) {
	body := map[string]any{
		"id":                   r.ID,
		"agency_id":            r.AgencyID,
		"display_name":         r.DisplayName,
		"supervision_enabled":  r.SupervisionEnabled,
		"service_model":        r.ServiceModel,
		"primary_caregiver_id": r.PrimaryCaregiverID,
	}
	if len(baselines) > 0 {
		body["baselines"] = baselines
	}
	var resp struct {
		Resident   Resident   `json:"resident"`
		BrainState BrainState `json:"brain_state"`
	}
	err := c.do(ctx, http.MethodPost, "residents", body, &resp)
	return resp.Resident, resp.BrainState, err
}

// SetBaseline sets the reference value of a metric for a resident.
func (c *Client) SetBaseline(ctx context.Context, residentID, metric string, value float64) error {
	endpoint := fmt.Sprintf("residents/%s/baselines/%s", url.PathEscape(residentID), url.PathEscape(metric))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, nil)
}

func (c *Client) GetBrainState(ctx context.Context, residentID string) (BrainState, error) {
	var resp BrainState
	err := c.do(ctx, http.MethodGet, c.residentPath(residentID, "brain-state"), nil, &resp)
	return resp, err
}

// Transition applies action when the resident is still at expectedVersion.
// A stale version fails with code VERSION_MISMATCH.
func (c *Client) Transition(ctx context.Context, residentID string, expectedVersion int64, action, reason string) (TransitionResult, error) {
	body := map[string]any{
		"expected_version": expectedVersion,
		"action":           action,
		"reason":           reason,
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.residentPath(residentID, "transitions"), body, &resp)
	return resp, err
}

func (c *Client) SubmitObservation(ctx context.Context, residentID string, in ObservationInput) (ObservationResult, error) {
	var resp ObservationResult
	err := c.do(ctx, http.MethodPost, c.residentPath(residentID, "observations"), in, &resp)
	return resp, err
}

// FamilyReport submits a report as the authenticated family member.
func (c *Client) FamilyReport(ctx context.Context, residentID, severity, message, idempotencyKey string) (ObservationResult, error) {
	body := map[string]any{
		"severity": severity,
		"message":  message,
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	var resp ObservationResult
	err := c.do(ctx, http.MethodPost, c.residentPath(residentID, "family-reports"), body, &resp)
	return resp, err
}

func (c *Client) ListSignals(ctx context.Context, residentID string) ([]Signal, error) {
	var resp struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.residentPath(residentID, "signals"), nil, &resp)
	return resp.Items, err
}

func (c *Client) ListAgencySignals(ctx context.Context, agencyID string) ([]Signal, error) {
	var resp struct {
		Items []Signal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("agencies/%s/signals", url.PathEscape(agencyID)), nil, &resp)
	return resp.Items, err
}

func (c *Client) DismissSignal(ctx context.Context, signalID, reason string) (Signal, error) {
	var resp Signal
	endpoint := fmt.Sprintf("signals/%s/dismiss", url.PathEscape(signalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) ListExceptions(ctx context.Context, residentID, state string) ([]Exception, error) {
	endpoint := c.residentPath(residentID, "exceptions")
	if state != "" {
		endpoint += "?state=" + url.QueryEscape(state)
	}
	var resp struct {
		Items []Exception `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Triage records a decision on a pending exception. Losing a race to
// another supervisor fails with code EXCEPTION_ALREADY_TRIAGED.
func (c *Client) Triage(ctx context.Context, exceptionID, decision, comments string) (TriageResult, error) {
	body := map[string]any{
		"decision": decision,
		"comments": comments,
	}
	var resp TriageResult
	endpoint := fmt.Sprintf("exceptions/%s/triage", url.PathEscape(exceptionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) ResolveException(ctx context.Context, exceptionID, justification string) (Exception, error) {
	var resp Exception
	endpoint := fmt.Sprintf("exceptions/%s/resolve", url.PathEscape(exceptionID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"justification": justification}, &resp)
	return resp, err
}

func (c *Client) CreateTask(ctx context.Context, residentID, category, title, priority string, dueAt time.Time) (Task, error) {
	body := map[string]any{
		"category": category,
		"title":    title,
	}
	if priority != "" {
		body["priority"] = priority
	}
	if !dueAt.IsZero() {
		body["due_at"] = dueAt.UTC()
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.residentPath(residentID, "tasks"), body, &resp)
	return resp, err
}

// UpdateTask applies start, complete, block or unblock to a task.
func (c *Client) UpdateTask(ctx context.Context, taskID, action, reason string) (TaskUpdateResult, error) {
	body := map[string]any{"action": action}
	if reason != "" {
		body["reason"] = reason
	}
	var resp TaskUpdateResult
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%s", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

func (c *Client) Board(ctx context.Context, residentID string) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, c.residentPath(residentID, "board"), nil, &resp)
	return resp, err
}

// Timeline returns one page of timeline events in sequence order.
func (c *Client) Timeline(ctx context.Context, q TimelineQuery) (TimelinePage, error) {
	params := url.Values{}
	for k, v := range map[string]string{
		"resident_id":    q.ResidentID,
		"correlation_id": q.CorrelationID,
		"actor_id":       q.ActorID,
		"event_type":     q.EventType,
		"cursor":         q.Cursor,
	} {
		if v != "" {
			params.Set(k, v)
		}
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "timeline"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp TimelinePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ImportRules uploads a YAML or JSON rule catalog.
func (c *Client) ImportRules(ctx context.Context, catalog []byte) (int, error) {
	var resp struct {
		Imported int `json:"imported"`
	}
	err := c.send(ctx, http.MethodPut, "rules", "application/yaml", bytes.NewReader(catalog), &resp)
	return resp.Imported, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) residentPath(residentID, p string) string {
	return fmt.Sprintf("residents/%s/%s", url.PathEscape(residentID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
