package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebrain/internal/app"
	"carebrain/internal/config"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
)

const testSecret = "test-secret"

var (
	agencyHeaders     = actorHeaders(domain.ActorAgency, "agency-admin")
	supervisorHeaders = actorHeaders(domain.ActorSupervisor, "sup-1")
	caregiverHeaders  = actorHeaders(domain.ActorCaregiver, "cg-1")
	familyHeaders     = actorHeaders(domain.ActorFamily, "fam-1")
)

func actorHeaders(actorType, id string) map[string]string {
	return map[string]string{"X-Actor-Type": actorType, "X-Actor-Id": id}
}

type testServer struct {
	*httptest.Server
	Engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, conn, err := app.Open(context.Background(), t.TempDir(), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	handler, err := New(Config{
		Engine: eng,
		Auth: AuthConfig{
			JWTSecret:              testSecret,
			APIKeys:                map[string]domain.Actor{"device-key": {Type: domain.ActorDevice, ID: "sensor-1"}},
			AllowLegacyActorHeader: true,
			DevLogin:               true,
			Logger:                 logger,
		},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, Engine: eng}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func requireAPIError(t *testing.T, res *http.Response, data []byte, status int, code string) errorEnvelope {
	t.Helper()
	require.Equal(t, status, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	require.Equal(t, code, env.Error.Code, string(data))
	return env
}

func (s *testServer) activate(t *testing.T, id string, supervised bool) ResidentResponse {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.URL+"/v1/residents", ActivateResidentRequest{
		ID:                 id,
		AgencyID:           "agency-1",
		SupervisionEnabled: supervised,
		PrimaryCaregiverID: "cg-1",
	}, agencyHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[ResidentResponse](t, data)
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	health := decode[HealthResponse](t, data)
	assert.Equal(t, "ok", health.Status)
	assert.GreaterOrEqual(t, health.SchemaVersion, 1)
}

func TestRequestsRequireAuthentication(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/residents", nil, nil)
	requireAPIError(t, res, data, http.StatusUnauthorized, "UNAUTHORIZED")

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	requireAPIError(t, res, data, http.StatusUnauthorized, "INVALID_CREDENTIALS")

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Actor-Id": "x", "X-Actor-Type": "ROBOT"})
	requireAPIError(t, res, data, http.StatusUnauthorized, "INVALID_CREDENTIALS")
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", DevLoginRequest{ActorID: "sup-7", ActorType: domain.ActorSupervisor}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	who := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "sup-7", who.ActorID)
	assert.Equal(t, domain.ActorSupervisor, who.ActorType)
	assert.Equal(t, "jwt", who.Source)
	assert.Contains(t, who.Permissions, "exception.triage")
}

func TestAPIKeyAuthenticatesDevice(t *testing.T) {
	srv := newTestServer(t)
	srv.activate(t, "r-dev", false)
	headers := map[string]string{"X-Api-Key": "device-key", "Idempotency-Key": "reading-1"}
	body := map[string]any{"source": "device", "domain": "vitals", "metric": "spo2", "value": 97}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/residents/r-dev/observations", body, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	first := decode[ObservationResponse](t, data)
	assert.False(t, first.Duplicate)
	assert.Equal(t, domain.ActorDevice, first.Observation.ActorType)
	assert.Empty(t, first.Signals)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/residents/r-dev/observations", body, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	second := decode[ObservationResponse](t, data)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Observation.ID, second.Observation.ID)

	// Devices may submit but not read state.
	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/residents/r-dev/brain-state", nil, map[string]string{"X-Api-Key": "device-key"})
	requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")
}

func TestFamilyReportEscalationOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	srv.activate(t, "r1", true)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/residents/r1/family-reports", FamilyReportRequest{
		Severity: "critical",
		Message:  "Mum sounded confused on the phone",
	}, familyHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	report := decode[ObservationResponse](t, data)
	require.Len(t, report.Signals, 1)
	require.Len(t, report.Exceptions, 1)
	sig := report.Signals[0]
	x := report.Exceptions[0]
	assert.Equal(t, "family.report.critical", sig.RuleID)
	assert.NotEmpty(t, sig.Why.HumanAction)
	assert.Equal(t, domain.ExceptionPending, x.State)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/residents/r1/signals", nil, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[SignalList](t, data).Items, 1)

	triageURL := srv.URL + "/v1/exceptions/" + x.ID + "/triage"
	res, data = doJSON(t, http.MethodPost, triageURL, TriageRequest{Decision: engine.DecisionEscalate}, caregiverHeaders)
	requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")

	res, data = doJSON(t, http.MethodPost, triageURL, TriageRequest{Decision: engine.DecisionEscalate, Comments: "visit today"}, supervisorHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	triaged := decode[engine.TriageResult](t, data)
	require.NotNil(t, triaged.Task)
	assert.Equal(t, domain.ExceptionTriaged, triaged.Exception.State)
	assert.Equal(t, domain.PriorityUrgent, triaged.Task.Priority)
	assert.Equal(t, "cg-1", triaged.Task.AssigneeID)

	res, data = doJSON(t, http.MethodPost, triageURL, TriageRequest{Decision: engine.DecisionAcknowledge}, supervisorHeaders)
	requireAPIError(t, res, data, http.StatusConflict, string(engine.CodeExceptionAlreadyTriaged))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/residents/r1/board", nil, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	board := decode[BoardResponse](t, data)
	require.Len(t, board.Now, 1)
	assert.Equal(t, triaged.Task.ID, board.Now[0].ID)

	res, data = doJSON(t, http.MethodPatch, srv.URL+"/v1/tasks/"+triaged.Task.ID, UpdateTaskRequest{Action: engine.TaskActionComplete}, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[engine.TaskUpdateResult](t, data)
	assert.Equal(t, domain.TaskCompleted, done.Task.State)
	require.NotNil(t, done.ResolvedException)
	assert.Equal(t, domain.ExceptionResolved, done.ResolvedException.State)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/timeline?correlation_id="+x.CorrelationID, nil, supervisorHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var types []string
	for _, ev := range decode[TimelinePage](t, data).Items {
		types = append(types, ev.EventType)
	}
	assert.Subset(t, types, []string{
		"observation.recorded",
		"signal.created",
		"exception.created",
		"exception.triaged",
		"task.created",
		"exception.resolved",
	})
}

func TestTransitionErrorsMapToStatuses(t *testing.T) {
	srv := newTestServer(t)
	activated := srv.activate(t, "r2", false)
	require.NotNil(t, activated.BrainState)
	require.EqualValues(t, 1, activated.BrainState.Version)
	url := srv.URL + "/v1/residents/r2/transitions"

	res, data := doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 1, Action: domain.ActionStartPreparation}, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	ok := decode[engine.TransitionResult](t, data)
	assert.True(t, ok.Success)
	assert.EqualValues(t, 2, ok.NewVersion)
	assert.Equal(t, domain.CarePreparing, ok.NewState.CareState)

	res, data = doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 1, Action: domain.ActionBeginCare}, caregiverHeaders)
	env := requireAPIError(t, res, data, http.StatusConflict, string(engine.CodeVersionMismatch))
	current, _ := env.Error.Details["current"].(map[string]any)
	require.NotNil(t, current, string(data))
	assert.EqualValues(t, 2, current["version"])

	res, data = doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 2, Action: "TELEPORT"}, caregiverHeaders)
	requireAPIError(t, res, data, http.StatusUnprocessableEntity, string(engine.CodeInvalidTransition))

	res, data = doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 2, Action: domain.ActionBeginCompletion}, caregiverHeaders)
	requireAPIError(t, res, data, http.StatusUnprocessableEntity, string(engine.CodeInvalidActionForState))

	res, data = doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 2, Action: domain.ActionGoOffline}, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, url, TransitionRequest{ExpectedVersion: 3, Action: domain.ActionBeginCare}, caregiverHeaders)
	env = requireAPIError(t, res, data, http.StatusUnprocessableEntity, string(engine.CodeBlockedByRule))
	block, _ := env.Error.Details["block"].(map[string]any)
	require.NotNil(t, block, string(data))
	assert.Equal(t, "guard.begin_care.offline", block["rule_id"])
	assert.NotEmpty(t, block["remediation"])

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/residents/nobody/transitions", TransitionRequest{ExpectedVersion: 1, Action: domain.ActionStartPreparation}, caregiverHeaders)
	requireAPIError(t, res, data, http.StatusUnprocessableEntity, string(engine.CodeNoBrainState))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/residents/r2/brain-state/verify", nil, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	verify := decode[VerifyResponse](t, data)
	assert.True(t, verify.Consistent)
	assert.EqualValues(t, 3, verify.State.Version)
}

func TestRulesImportAcceptsYAML(t *testing.T) {
	srv := newTestServer(t)
	catalog := `
- id: hydration.low_intake
  category: hydration
  kind: threshold
  window: 6h
  severity: warning
  title: "Low fluid intake"
  human_action: "Offer fluids and log intake for the rest of the day"
  params:
    metric: fluid_ml
    op: lt
    value: 800
`
	put := func(headers map[string]string) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/rules", strings.NewReader(catalog))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/yaml")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		data, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res, data
	}

	res, data := put(caregiverHeaders)
	requireAPIError(t, res, data, http.StatusForbidden, "FORBIDDEN")

	res, data = put(agencyHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 1, decode[RuleImportResponse](t, data).Imported)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/rules?category=hydration", nil, caregiverHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	list := decode[RuleList](t, data)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "hydration.low_intake", list.Items[0].ID)
	assert.EqualValues(t, 6*3600, list.Items[0].WindowSeconds)
}

func TestTimelinePagination(t *testing.T) {
	srv := newTestServer(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		srv.activate(t, id, false)
	}
	url := srv.URL + "/v1/timeline?event_type=resident.activated&limit=2"
	res, data := doJSON(t, http.MethodGet, url, nil, supervisorHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[TimelinePage](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Less(t, page.Items[0].Seq, page.Items[1].Seq)

	res, data = doJSON(t, http.MethodGet, url+"&cursor="+page.NextCursor, nil, supervisorHeaders)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[TimelinePage](t, data)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.Equal(t, "p3", rest.Items[0].ResidentID)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/timeline?cursor=abc", nil, supervisorHeaders)
	requireAPIError(t, res, data, http.StatusBadRequest, string(engine.CodeInvalidRequest))
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Paths, "/v1/residents/{resident_id}/transitions")
	assert.Contains(t, doc.Paths, "/v1/exceptions/{exception_id}/triage")
}

type feedReceiver struct {
	mu       sync.Mutex
	failNext bool
	bodies   [][]byte
	headers  []http.Header
}

func (f *feedReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.bodies = append(f.bodies, body)
	f.headers = append(f.headers, r.Header.Clone())
	w.WriteHeader(http.StatusNoContent)
}

func TestFeedDeliversSignedEventsInOrder(t *testing.T) {
	srv := newTestServer(t)
	recv := &feedReceiver{failNext: true}
	hook := httptest.NewServer(recv)
	t.Cleanup(hook.Close)

	d := newFeedDispatcher(srv.Engine, []config.Feed{{
		ID:         "ops",
		URL:        hook.URL,
		Secret:     "s3cret",
		EventTypes: []string{"resident.activated"},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	d.cursorFor(ctx, "ops")

	srv.activate(t, "f1", false)
	srv.activate(t, "f2", false)

	d.dispatchAll(ctx)
	require.Empty(t, recv.bodies, "failed delivery must not advance the cursor")

	d.dispatchAll(ctx)
	require.Len(t, recv.bodies, 2)
	for i, want := range []string{"f1", "f2"} {
		ev := decode[domain.TimelineEvent](t, recv.bodies[i])
		assert.Equal(t, want, ev.ResidentID)
		assert.Equal(t, "resident.activated", recv.headers[i].Get("X-Carebrain-Event"))
		assert.Equal(t, signPayload("s3cret", recv.bodies[i]), recv.headers[i].Get("X-Carebrain-Signature"))
	}

	d.dispatchAll(ctx)
	assert.Len(t, recv.bodies, 2)
}
