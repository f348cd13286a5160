package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebrain/internal/config"
	"carebrain/internal/db"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/engine/auth"
	"carebrain/internal/migrate"
	"carebrain/internal/repo"
)

var (
	agency     = domain.Actor{Type: domain.ActorAgency, ID: "agency-admin"}
	supervisor = domain.Actor{Type: domain.ActorSupervisor, ID: "sup-1"}
	caregiver  = domain.Actor{Type: domain.ActorCaregiver, ID: "cg-1"}
	device     = domain.Actor{Type: domain.ActorDevice, ID: "wearable-7"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	eng := engine.New(conn, cfg)
	clk := &clock{now: at(8, 40)}
	eng.Now = clk.Now
	eng.Recorder.Now = clk.Now
	ctx := context.Background()

	list, err := cfg.RuleSet()
	require.NoError(t, err)
	for _, r := range list {
		require.NoError(t, eng.Repo.UpsertRule(ctx, nil, r, clk.Now()))
	}
	return testEnv{Engine: eng, Clock: clk, Ctx: ctx}
}

func (env testEnv) activate(t *testing.T, id string, supervised bool, baselines map[string]float64) domain.BrainState {
	t.Helper()
	st, err := env.Engine.ActivateResident(env.Ctx, engine.ActivateRequest{
		Resident: domain.Resident{
			ID:                 id,
			AgencyID:           "agency-1",
			SupervisionEnabled: supervised,
			ServiceModel:       "standard",
			PrimaryCaregiverID: caregiver.ID,
		},
		Baselines: baselines,
		Actor:     agency,
	})
	require.NoError(t, err)
	return st
}

func (env testEnv) step(t *testing.T, residentID string, version int64, action string) domain.BrainState {
	t.Helper()
	st, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ResidentID:      residentID,
		ExpectedVersion: version,
		Action:          action,
		Actor:           caregiver,
	})
	require.NoError(t, err, action)
	return st
}

func requireCode(t *testing.T, err error, code engine.Code) *engine.Error {
	t.Helper()
	require.Error(t, err)
	ce, ok := engine.AsError(err)
	require.True(t, ok, "expected *engine.Error, got %T: %v", err, err)
	require.Equal(t, code, ce.Code, ce.Message)
	return ce
}

func TestActivateAndCareLifecycle(t *testing.T) {
	env := newTestEnv(t)
	st := env.activate(t, "res-1", false, nil)
	assert.Equal(t, domain.CareIdle, st.CareState)
	assert.Equal(t, domain.EmergencyNone, st.EmergencyState)
	assert.Equal(t, domain.Online, st.Connectivity)
	assert.EqualValues(t, 1, st.Version)

	again := env.activate(t, "res-1", false, nil)
	assert.Equal(t, st.Version, again.Version)

	st = env.step(t, "res-1", 1, domain.ActionStartPreparation)
	st = env.step(t, "res-1", st.Version, domain.ActionBeginCare)
	st = env.step(t, "res-1", st.Version, domain.ActionBeginCompletion)
	st = env.step(t, "res-1", st.Version, domain.ActionCompleteSession)
	assert.Equal(t, domain.CareIdle, st.CareState)
	assert.EqualValues(t, 5, st.Version)

	history, err := env.Engine.History(env.Ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, engine.ActionActivate, history[0].Action)
	assert.Equal(t, domain.ActionCompleteSession, history[4].Action)

	replayed, err := env.Engine.VerifyBrainState(env.Ctx, "res-1")
	require.NoError(t, err)
	assert.Equal(t, st.CareState, replayed.CareState)
	assert.Equal(t, st.Version, replayed.Version)

	events, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{ResidentID: "res-1", EventType: "brain_state.transitioned"})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestTransitionErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "ghost", ExpectedVersion: 1, Action: domain.ActionBeginCare, Actor: caregiver})
	requireCode(t, err, engine.CodeNoBrainState)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: 1, Action: "TELEPORT", Actor: caregiver})
	requireCode(t, err, engine.CodeInvalidTransition)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: 1, Action: domain.ActionBeginCare, Actor: caregiver})
	requireCode(t, err, engine.CodeInvalidActionForState)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: 1, Action: domain.ActionGoOnline, Actor: caregiver})
	requireCode(t, err, engine.CodeSameState)

	env.step(t, "res-1", 1, domain.ActionStartPreparation)
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: 1, Action: domain.ActionBeginCare, Actor: caregiver})
	ce := requireCode(t, err, engine.CodeVersionMismatch)
	require.NotNil(t, ce.Current)
	assert.EqualValues(t, 2, ce.Current.Version)
	assert.Equal(t, domain.CarePreparing, ce.Current.CareState)

	st, err := env.Engine.GetBrainState(env.Ctx, "res-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Version)
}

func TestActiveEmergencyOnlyAllowsPause(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	st := env.step(t, "res-1", 1, domain.ActionStartPreparation)
	st = env.step(t, "res-1", st.Version, domain.ActionBeginCare)
	st, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
		ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionRaiseEmergency, Actor: device,
	})
	require.NoError(t, err)
	st = env.step(t, "res-1", st.Version, domain.ActionConfirmEmergency)
	assert.Equal(t, domain.EmergencyActive, st.EmergencyState)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionBeginCompletion, Actor: agency})
	requireCode(t, err, engine.CodeBlockedByEmergency)

	st = env.step(t, "res-1", st.Version, domain.ActionPauseCare)
	assert.Equal(t, domain.CarePaused, st.CareState)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionResumeCare, Actor: caregiver})
	requireCode(t, err, engine.CodeBlockedByEmergency)

	st = env.step(t, "res-1", st.Version, domain.ActionResolveEmergency)
	st = env.step(t, "res-1", st.Version, domain.ActionResumeCare)
	assert.Equal(t, domain.CareActive, st.CareState)
	assert.Equal(t, domain.EmergencyNone, st.EmergencyState)
}

func TestGuardBlocksEveryRole(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	st := env.step(t, "res-1", 1, domain.ActionStartPreparation)
	st = env.step(t, "res-1", st.Version, domain.ActionGoOffline)

	for _, actor := range []domain.Actor{caregiver, supervisor, agency} {
		res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{
			ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionBeginCare, Actor: actor,
		})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, engine.CodeBlockedByRule, res.ErrorCode)
		require.NotNil(t, res.Block, actor.Type)
		assert.Equal(t, "guard.begin_care.offline", res.Block.RuleID)
		assert.NotEmpty(t, res.Block.Remediation)
	}

	st = env.step(t, "res-1", st.Version, domain.ActionGoOnline)
	res, err := env.Engine.RequestTransition(env.Ctx, engine.TransitionRequest{
		ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionBeginCare, Actor: caregiver,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.EqualValues(t, st.Version+1, res.NewVersion)
}

func TestCompletionBlockedByOpenCriticalException(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)
	st := env.step(t, "res-1", 1, domain.ActionStartPreparation)
	st = env.step(t, "res-1", st.Version, domain.ActionBeginCare)

	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "daughter-1", Severity: "critical", Message: "she fell"})
	require.NoError(t, err)
	require.Len(t, out.Exceptions, 1)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: st.Version, Action: domain.ActionBeginCompletion, Actor: agency})
	ce := requireCode(t, err, engine.CodeBlockedByRule)
	assert.Equal(t, "guard.completion.open_critical_exception", ce.Block.RuleID)
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				ResidentID: "res-1", ExpectedVersion: 1, Action: domain.ActionStartPreparation, Actor: caregiver,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case engine.CodeOf(err) == engine.CodeVersionMismatch:
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, lost)

	history, err := env.Engine.History(env.Ctx, "res-1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFamilyReportEscalatesToTaskAndResolves(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)

	routine, err := env.Engine.CreateTask(env.Ctx, engine.NewTask{
		ResidentID: "res-1", Category: "medication", Title: "Morning medication", Priority: domain.PriorityNormal,
		DueAt: at(9, 0), Actor: caregiver,
	})
	require.NoError(t, err)
	b, err := env.Engine.Board(env.Ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, b.Now, 1)
	assert.Equal(t, routine.ID, b.Now[0].ID)

	env.Clock.Set(at(8, 42))
	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{
		ResidentID: "res-1", FamilyMemberID: "daughter-1", Severity: "critical", Message: "mum sounded confused on the phone",
		IdempotencyKey: "family-1",
	})
	require.NoError(t, err)
	require.Len(t, out.Evaluation.Created, 1)
	sig := out.Evaluation.Created[0]
	assert.Equal(t, "family.report.critical", sig.RuleID)
	assert.Equal(t, []string{"accuracy of the reported account", "clinical diagnosis", "root cause"}, sig.Why.CannotConclude)
	require.Len(t, out.Exceptions, 1)
	exc := out.Exceptions[0]
	assert.Equal(t, domain.ExceptionPending, exc.State)
	assert.Equal(t, sig.ID, exc.SignalID)

	corr := out.Observation.CorrelationID
	family, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{CorrelationID: corr, ActorType: domain.ActorFamily})
	require.NoError(t, err)
	require.Len(t, family, 1)
	assert.Equal(t, "observation.recorded", family[0].EventType)

	triaged, err := env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: exc.ID, Decision: engine.DecisionEscalate, Actor: supervisor, Comments: "send someone"})
	require.NoError(t, err)
	require.NotNil(t, triaged.Task)
	task := *triaged.Task
	assert.Equal(t, exc.ID, task.CreatedFromExceptionID)
	assert.Equal(t, domain.PriorityUrgent, task.Priority)
	assert.Equal(t, caregiver.ID, task.AssigneeID)
	assert.Equal(t, at(9, 12), task.DueAt)
	assert.Equal(t, task.ID, triaged.Exception.AssignedTaskID)

	sup, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{CorrelationID: corr, ActorType: domain.ActorSupervisor})
	require.NoError(t, err)
	require.NotEmpty(t, sup)
	var types []string
	for _, ev := range sup {
		types = append(types, ev.EventType)
	}
	assert.ElementsMatch(t, []string{"exception.triaged", "task.created"}, types)

	b, err = env.Engine.Board(env.Ctx, "res-1")
	require.NoError(t, err)
	require.Len(t, b.Now, 2)
	assert.Equal(t, task.ID, b.Now[0].ID, "urgent follow-up sorts first")

	done, err := env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionComplete, Actor: caregiver})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, done.Task.State)
	require.NotNil(t, done.ResolvedException)
	assert.Equal(t, domain.ExceptionResolved, done.ResolvedException.State)

	stored, err := env.Engine.GetException(env.Ctx, exc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExceptionResolved, stored.State)
	assert.Equal(t, caregiver.ID, stored.ResolvedBy)
}

func TestRepeatedObservationDeduplicatesSignal(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, map[string]float64{"heart_rate": 72})
	hr := func(v float64) *float64 { return &v }

	first, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "device", Domain: "vitals", Metric: "heart_rate", Value: hr(101),
		IdempotencyKey: "hr-1", Actor: device,
	})
	require.NoError(t, err)
	require.Len(t, first.Evaluation.Created, 1)
	assert.Empty(t, first.Exceptions, "unsupervised standard resident is not escalated")
	assert.Contains(t, first.Evaluation.Passed, "vitals.spo2.low")

	retry, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "device", Domain: "vitals", Metric: "heart_rate", Value: hr(101),
		IdempotencyKey: "hr-1", Actor: device,
	})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Observation.ID, retry.Observation.ID)
	assert.Empty(t, retry.Evaluation.Created)
	require.Len(t, retry.Evaluation.Existing, 1)
	assert.Equal(t, first.Evaluation.Created[0].ID, retry.Evaluation.Existing[0].ID)

	env.Clock.Set(at(8, 45))
	later, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "device", Domain: "vitals", Metric: "heart_rate", Value: hr(104),
		IdempotencyKey: "hr-2", Actor: device,
	})
	require.NoError(t, err)
	assert.Empty(t, later.Evaluation.Created)
	require.Len(t, later.Evaluation.Existing, 1)

	active, err := env.Engine.ListActiveSignals(env.Ctx, engine.SignalQuery{ResidentID: "res-1"})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	recorded, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{ResidentID: "res-1", EventType: "observation.recorded"})
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestIdempotencyKeyIsScopedPerResident(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-a", false, map[string]float64{"heart_rate": 72})
	env.activate(t, "res-b", false, map[string]float64{"heart_rate": 72})
	hr := func(v float64) *float64 { return &v }
	submit := func(residentID string) engine.ObservationResult {
		t.Helper()
		out, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
			ResidentID: residentID, Source: "device", Domain: "vitals", Metric: "heart_rate", Value: hr(80),
			IdempotencyKey: "reading-1", Actor: device,
		})
		require.NoError(t, err, residentID)
		return out
	}

	a := submit("res-a")
	b := submit("res-b")
	assert.False(t, a.Duplicate)
	assert.False(t, b.Duplicate)
	assert.NotEqual(t, a.Observation.ID, b.Observation.ID)
	assert.Equal(t, "res-b", b.Observation.ResidentID)

	for _, first := range []engine.ObservationResult{a, b} {
		retry := submit(first.Observation.ResidentID)
		assert.True(t, retry.Duplicate)
		assert.Equal(t, first.Observation.ID, retry.Observation.ID)
		assert.Equal(t, first.Observation.ResidentID, retry.Observation.ResidentID)
	}
}

func TestFamilyReportSeverities(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)

	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: "urgent", Message: "not eating since yesterday"})
	require.NoError(t, err)
	require.Len(t, out.Evaluation.Created, 1)
	assert.Equal(t, "family.report.urgent", out.Evaluation.Created[0].RuleID)
	assert.Equal(t, domain.SeverityUrgent, out.Evaluation.Created[0].Severity)
	require.Len(t, out.Exceptions, 1)
	assert.Equal(t, domain.ExceptionPending, out.Exceptions[0].State)

	info, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: "info", Message: "visited today"})
	require.NoError(t, err)
	assert.Empty(t, info.Evaluation.Created)

	for _, bad := range []string{"warning", "", "CRITICAL"} {
		_, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: bad, Message: "?"})
		requireCode(t, err, engine.CodeInvalidRequest)
	}
	obs, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{ResidentID: "res-1", ActorType: domain.ActorFamily})
	require.NoError(t, err)
	assert.Len(t, obs, 2, "rejected reports are not recorded")
}

func TestMissingBaselineIsIsolatedPerRule(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	v := 85.0
	out, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "device", Domain: "vitals", Metric: "spo2", Value: &v, Actor: device,
	})
	require.NoError(t, err)
	require.Len(t, out.Evaluation.Failures, 1)
	assert.Equal(t, "vitals.heart_rate.above_baseline", out.Evaluation.Failures[0].RuleID)
	assert.Equal(t, string(engine.CodeRuleEvaluationFailed), out.Evaluation.Failures[0].Code)
	require.Len(t, out.Evaluation.Created, 1)
	assert.Equal(t, "vitals.spo2.low", out.Evaluation.Created[0].RuleID)
}

func TestDismissedSignalCanBeRaisedAgain(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	v := 85.0
	out, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "device", Domain: "vitals", Metric: "spo2", Value: &v, Actor: device,
	})
	require.NoError(t, err)
	require.Len(t, out.Evaluation.Created, 1)
	sig := out.Evaluation.Created[0]

	_, err = env.Engine.DismissSignal(env.Ctx, sig.ID, supervisor, "")
	requireCode(t, err, engine.CodeInvalidRequest)

	dismissed, err := env.Engine.DismissSignal(env.Ctx, sig.ID, supervisor, "probe slipped off")
	require.NoError(t, err)
	assert.True(t, dismissed.Dismissed)

	_, err = env.Engine.DismissSignal(env.Ctx, sig.ID, supervisor, "again")
	requireCode(t, err, engine.CodeSameState)

	active, err := env.Engine.ListActiveSignals(env.Ctx, engine.SignalQuery{ResidentID: "res-1"})
	require.NoError(t, err)
	assert.Empty(t, active)

	report, err := env.Engine.Evaluate(env.Ctx, "res-1", &out.Observation)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.NotEqual(t, sig.ID, report.Created[0].ID)

	all, err := env.Engine.ListActiveSignals(env.Ctx, engine.SignalQuery{ResidentID: "res-1", IncludeDismissed: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolvedExceptionIsNeverReopened(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)
	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{
		ResidentID: "res-1", FamilyMemberID: "son-1", Severity: "critical", Message: "no answer at the door", IdempotencyKey: "fw-1",
	})
	require.NoError(t, err)
	require.Len(t, out.Exceptions, 1)
	exc := out.Exceptions[0]

	_, err = env.Engine.ResolveException(env.Ctx, exc.ID, supervisor, "checked")
	requireCode(t, err, engine.CodeInvalidExceptionTransition)

	_, err = env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: exc.ID, Decision: engine.DecisionAcknowledge, Actor: supervisor})
	require.NoError(t, err)
	_, err = env.Engine.ResolveException(env.Ctx, exc.ID, supervisor, "")
	requireCode(t, err, engine.CodeInvalidRequest)
	resolved, err := env.Engine.ResolveException(env.Ctx, exc.ID, supervisor, "resident was asleep, confirmed by phone")
	require.NoError(t, err)
	assert.Equal(t, domain.ExceptionResolved, resolved.State)

	again, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{
		ResidentID: "res-1", FamilyMemberID: "son-1", Severity: "critical", Message: "no answer at the door", IdempotencyKey: "fw-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Empty(t, again.Exceptions)

	signalID := out.Evaluation.Created[0].ID
	first, err := env.Engine.OnSignal(env.Ctx, signalID)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := env.Engine.OnSignal(env.Ctx, signalID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := env.Engine.ListExceptions(env.Ctx, repo.ExceptionFilter{SignalID: signalID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	states := map[string]string{}
	for _, x := range list {
		states[x.ID] = x.State
	}
	assert.Equal(t, domain.ExceptionResolved, states[exc.ID])
	assert.Equal(t, domain.ExceptionPending, states[first.ID])
}

func TestSecondTriageLoses(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)
	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: "concern", Message: "eating less"})
	require.NoError(t, err)
	require.Len(t, out.Exceptions, 1)
	id := out.Exceptions[0].ID

	_, err = env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: id, Decision: engine.DecisionDismiss, Actor: supervisor})
	requireCode(t, err, engine.CodeInvalidRequest)

	_, err = env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: id, Decision: engine.DecisionAcknowledge, Actor: supervisor})
	require.NoError(t, err)
	_, err = env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: id, Decision: engine.DecisionEscalate, Actor: supervisor})
	requireCode(t, err, engine.CodeExceptionAlreadyTriaged)
}

func TestConcurrentTriageSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)
	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: "critical", Message: "fell on the stairs"})
	require.NoError(t, err)
	require.Len(t, out.Exceptions, 1)
	id := out.Exceptions[0].ID

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		lost int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Triage(env.Ctx, engine.TriageRequest{ExceptionID: id, Decision: engine.DecisionAcknowledge, Actor: supervisor})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case engine.CodeOf(err) == engine.CodeExceptionAlreadyTriaged:
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, lost)

	stored, err := env.Engine.GetException(env.Ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExceptionTriaged, stored.State)
	triaged, err := env.Engine.Timeline(env.Ctx, repo.TimelineFilter{ResidentID: "res-1", EventType: "exception.triaged"})
	require.NoError(t, err)
	assert.Len(t, triaged, 1)
}

func TestFamilyCannotTriage(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", true, nil)
	out, err := env.Engine.OnFamilyWrite(env.Ctx, engine.FamilyWrite{ResidentID: "res-1", FamilyMemberID: "d-1", Severity: "critical"})
	require.NoError(t, err)
	require.Len(t, out.Exceptions, 1)

	_, err = env.Engine.Triage(env.Ctx, engine.TriageRequest{
		ExceptionID: out.Exceptions[0].ID, Decision: engine.DecisionDismiss, Comments: "fine",
		Actor: domain.Actor{Type: domain.ActorFamily, ID: "d-1"},
	})
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
	assert.Equal(t, auth.PermExceptionTriage, forbidden.Permission)
}

func TestRoutineTaskCannotStartDuringEmergency(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	task, err := env.Engine.CreateTask(env.Ctx, engine.NewTask{ResidentID: "res-1", Category: "hygiene", Title: "Shower", Actor: caregiver})
	require.NoError(t, err)
	assert.Equal(t, at(16, 40), task.DueAt, "normal SLA applies when no due time is given")

	st, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ResidentID: "res-1", ExpectedVersion: 1, Action: domain.ActionRaiseEmergency, Actor: device})
	require.NoError(t, err)
	env.step(t, "res-1", st.Version, domain.ActionConfirmEmergency)

	_, err = env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionStart, Actor: caregiver})
	requireCode(t, err, engine.CodeBlockedByEmergency)

	_, err = env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionBlock, Actor: caregiver})
	requireCode(t, err, engine.CodeInvalidRequest)
	blocked, err := env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionBlock, Reason: "emergency in progress", Actor: caregiver})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBlocked, blocked.Task.State)

	_, err = env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionStart, Actor: caregiver})
	requireCode(t, err, engine.CodeInvalidTaskTransition)
	unblocked, err := env.Engine.UpdateTaskState(env.Ctx, engine.TaskUpdate{TaskID: task.ID, Action: engine.TaskActionUnblock, Actor: caregiver})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, unblocked.Task.State)
	assert.Empty(t, unblocked.Task.BlockedReason)
}

func TestImportedRuleIsUsedImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	temp := 38.9

	out, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{
		ResidentID: "res-1", Source: "manual", Domain: "vitals", Metric: "temperature", Value: &temp, Actor: caregiver,
	})
	require.NoError(t, err)
	assert.Empty(t, out.Evaluation.Created)

	rules, err := config.ParseRules([]byte(`
- id: vitals.temperature.fever
  category: vitals
  kind: threshold
  window: 1h
  severity: urgent
  title: Fever
  human_action: Retake the temperature and call the nurse
  params:
    metric: temperature
    op: gte
    value: 38
`))
	require.NoError(t, err)
	_, err = env.Engine.ImportRules(env.Ctx, rules, caregiver)
	var forbidden auth.ForbiddenError
	require.True(t, errors.As(err, &forbidden))

	n, err := env.Engine.ImportRules(env.Ctx, rules, agency)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := env.Engine.Evaluate(env.Ctx, "res-1", &out.Observation)
	require.NoError(t, err)
	require.Len(t, report.Created, 1)
	assert.Equal(t, "vitals.temperature.fever", report.Created[0].RuleID)
}

func TestSweepEvaluatesStoredWindows(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, "res-1", false, nil)
	env.activate(t, "res-2", false, nil)
	for i, day := range []int{1, 3, 5} {
		v := 45.0
		obs := domain.Observation{
			ID:            "med-" + string(rune('a'+i)),
			ResidentID:    "res-1",
			Source:        "task",
			Domain:        "medication",
			Metric:        "delay_minutes",
			Value:         &v,
			ObservedAt:    at(8, 0).AddDate(0, 0, -day),
			CorrelationID: "corr-med",
			ActorType:     caregiver.Type,
			ActorID:       caregiver.ID,
		}
		_, err := env.Engine.Repo.InsertObservation(env.Ctx, nil, obs, obs.ObservedAt)
		require.NoError(t, err)
	}

	report, err := env.Engine.Sweep(env.Ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Residents)
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Errors)

	again, err := env.Engine.Sweep(env.Ctx, "agency-1")
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Equal(t, 1, again.Existing)

	signals, err := env.Engine.ListActiveSignals(env.Ctx, engine.SignalQuery{AgencyID: "agency-1"})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "medication.late_dose.repeated", signals[0].RuleID)
	assert.Len(t, signals[0].Why.Observed, 3)
}

func TestObservationForUnknownResident(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{ResidentID: "ghost", Source: "device", Domain: "vitals", Actor: device})
	requireCode(t, err, engine.CodeNotFound)

	_, err = env.Engine.SubmitObservation(env.Ctx, engine.ObservationInput{ResidentID: "ghost", Source: "telepathy", Domain: "vitals", Actor: device})
	requireCode(t, err, engine.CodeInvalidRequest)
}
