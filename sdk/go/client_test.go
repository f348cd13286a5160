package carebrainsdk

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebrain/internal/app"
	"carebrain/internal/server"
)

func newServer(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, conn, err := app.Open(context.Background(), t.TempDir(), "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true, Logger: logger},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func login(t *testing.T, baseURL, actorType, actorID string) *Client {
	t.Helper()
	c := New(baseURL)
	token, err := c.DevLogin(context.Background(), actorType, actorID)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	return c
}

func TestClientTransitionsAndReportsVersionMismatch(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	agency := login(t, url, "AGENCY", "admin")

	_, state, err := agency.ActivateResident(ctx, Resident{ID: "r1", AgencyID: "a1"}, map[string]float64{"heart_rate": 72})
	require.NoError(t, err)
	assert.Equal(t, "IDLE", state.CareState)
	require.EqualValues(t, 1, state.Version)

	res, err := agency.Transition(ctx, "r1", 1, "START_PREPARATION", "shift start")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, 2, res.NewVersion)

	_, err = agency.Transition(ctx, "r1", 1, "START_PREPARATION", "")
	require.Error(t, err)
	assert.Equal(t, "VERSION_MISMATCH", ErrorCode(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	current, err := agency.GetBrainState(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "PREPARING", current.CareState)
}

func TestClientEscalationRoundTrip(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	agency := login(t, url, "AGENCY", "admin")
	family := login(t, url, "FAMILY", "fam-1")
	supervisor := login(t, url, "SUPERVISOR", "sup-1")
	caregiver := login(t, url, "CAREGIVER", "cg-1")

	_, _, err := agency.ActivateResident(ctx, Resident{ID: "r1", AgencyID: "a1", SupervisionEnabled: true, PrimaryCaregiverID: "cg-1"}, nil)
	require.NoError(t, err)

	report, err := family.FamilyReport(ctx, "r1", "critical", "fell in the garden", "fam-report-1")
	require.NoError(t, err)
	require.Len(t, report.Exceptions, 1)
	require.Len(t, report.Signals, 1)
	assert.NotEmpty(t, report.Signals[0].Why.HumanAction)

	again, err := family.FamilyReport(ctx, "r1", "critical", "fell in the garden", "fam-report-1")
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = caregiver.Triage(ctx, report.Exceptions[0].ID, "escalate", "")
	assert.Equal(t, "FORBIDDEN", ErrorCode(err))

	triaged, err := supervisor.Triage(ctx, report.Exceptions[0].ID, "escalate", "call the GP")
	require.NoError(t, err)
	require.NotNil(t, triaged.Task)
	assert.Equal(t, "TRIAGED", triaged.Exception.State)

	board, err := caregiver.Board(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, board.Now, 1)

	done, err := caregiver.UpdateTask(ctx, triaged.Task.ID, "complete", "")
	require.NoError(t, err)
	require.NotNil(t, done.ResolvedException)
	assert.Equal(t, "RESOLVED", done.ResolvedException.State)

	page, err := supervisor.Timeline(ctx, TimelineQuery{CorrelationID: report.Exceptions[0].CorrelationID})
	require.NoError(t, err)
	assert.NotEmpty(t, page.Items)
	for _, ev := range page.Items {
		assert.Equal(t, report.Exceptions[0].CorrelationID, ev.CorrelationID)
	}
}

func TestClientImportRules(t *testing.T) {
	ctx := context.Background()
	url := newServer(t)
	agency := login(t, url, "AGENCY", "admin")

	n, err := agency.ImportRules(ctx, []byte(`
- id: mobility.low_steps
  category: mobility
  kind: threshold
  severity: info
  title: "Few steps today"
  human_action: "Encourage a short walk"
  params:
    metric: steps
    op: lt
    value: 500
`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
