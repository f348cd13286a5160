package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carebrain/internal/domain"
)

var base = time.Date(2026, 3, 2, 8, 42, 0, 0, time.UTC)

func fp(v float64) *float64 { return &v }

func obs(id, dom, metric string, value *float64, at time.Time, payload string) domain.Observation {
	o := domain.Observation{ID: id, ResidentID: "res-1", Source: "device", Domain: dom, Metric: metric, Value: value, ObservedAt: at}
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	return o
}

func heartRateRule() domain.Rule {
	return domain.Rule{
		ID:            "vitals.heart_rate.above_baseline",
		Category:      "vitals",
		Kind:          KindThreshold,
		Params:        json.RawMessage(`{"metric":"heart_rate","op":"gt","baseline_delta":25}`),
		WindowSeconds: 3600,
		Severity:      domain.SeverityWarning,
		Title:         "Heart rate above baseline",
		HumanAction:   "Check in with the resident and retake the reading",
		Enabled:       true,
	}
}

func heartRateWindow() []domain.Observation {
	return []domain.Observation{
		obs("obs-0", "vitals", "heart_rate", fp(120), base.Add(-72*time.Minute), ""),
		obs("obs-1", "vitals", "heart_rate", fp(88), base.Add(-32*time.Minute), ""),
		obs("obs-2", "vitals", "heart_rate", fp(101), base.Add(-22*time.Minute), ""),
		obs("obs-3", "vitals", "heart_rate", fp(104), base, `{"note":"after walk"}`),
	}
}

func TestThresholdAgainstBaselineGolden(t *testing.T) {
	window := heartRateWindow()
	trigger := window[3]
	out, err := Evaluate(heartRateRule(), Input{
		Trigger:  &trigger,
		Window:   window,
		Baseline: map[string]float64{"heart_rate": 72},
		Now:      base,
	})
	require.NoError(t, err)
	require.True(t, out.Fired)
	assert.Equal(t, base.Add(-22*time.Minute), out.WindowStart)
	assert.Equal(t, "heart_rate reading 104 crossed baseline(heart_rate)=72 plus 25 = 97", out.Summary)

	data, err := json.MarshalIndent(out.Why, "", "  ")
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "threshold_why", data)
}

func TestThresholdBelowLimitDoesNotFire(t *testing.T) {
	window := heartRateWindow()
	trigger := window[1]
	out, err := Evaluate(heartRateRule(), Input{
		Trigger:  &trigger,
		Window:   window[:2],
		Baseline: map[string]float64{"heart_rate": 72},
		Now:      base.Add(-32 * time.Minute),
	})
	require.NoError(t, err)
	assert.False(t, out.Fired)
}

func TestThresholdMissingBaselineIsAnError(t *testing.T) {
	window := heartRateWindow()
	trigger := window[3]
	_, err := Evaluate(heartRateRule(), Input{Trigger: &trigger, Window: window, Now: base})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingBaseline))
}

func TestThresholdMalformedReadingIsAnError(t *testing.T) {
	trigger := obs("obs-9", "vitals", "heart_rate", nil, base, "")
	_, err := Evaluate(heartRateRule(), Input{
		Trigger:  &trigger,
		Window:   []domain.Observation{trigger},
		Baseline: map[string]float64{"heart_rate": 72},
		Now:      base,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedValue))
}

func TestThresholdIgnoresOtherMetrics(t *testing.T) {
	trigger := obs("obs-5", "vitals", "spo2", fp(91), base, "")
	out, err := Evaluate(heartRateRule(), Input{
		Trigger:  &trigger,
		Window:   []domain.Observation{trigger},
		Baseline: map[string]float64{"heart_rate": 72},
		Now:      base,
	})
	require.NoError(t, err)
	assert.False(t, out.Fired)
}

func lateDoseRule() domain.Rule {
	return domain.Rule{
		ID:            "medication.late_dose.repeated",
		Category:      "medication",
		Kind:          KindCountInWindow,
		Params:        json.RawMessage(`{"metric":"delay_minutes","op":"gte","value":30,"min_count":3,"cannot_conclude":["whether doses were skipped"]}`),
		WindowSeconds: int64((7 * 24 * time.Hour).Seconds()),
		Severity:      domain.SeverityUrgent,
		Title:         "Repeated late medication",
		HumanAction:   "Review the medication schedule with the caregiver",
		Enabled:       true,
	}
}

func TestCountInWindow(t *testing.T) {
	day := 24 * time.Hour
	window := []domain.Observation{
		obs("m-old", "medication", "delay_minutes", fp(45), base.Add(-8*day), ""),
		obs("m-1", "medication", "delay_minutes", fp(35), base.Add(-6*day), ""),
		obs("m-2", "medication", "delay_minutes", fp(10), base.Add(-4*day), ""),
		obs("m-3", "medication", "delay_minutes", fp(40), base.Add(-2*day), ""),
	}
	out, err := Evaluate(lateDoseRule(), Input{Window: window, Now: base})
	require.NoError(t, err)
	assert.False(t, out.Fired, "only two late doses fall inside the window")

	window = append(window, obs("m-4", "medication", "delay_minutes", fp(31), base, ""))
	out, err = Evaluate(lateDoseRule(), Input{Window: window, Now: base})
	require.NoError(t, err)
	require.True(t, out.Fired)
	assert.Equal(t, base.Add(-6*day), out.WindowStart)
	require.Len(t, out.Why.Observed, 3)
	assert.Equal(t, "m-1", out.Why.Observed[0].ObservationID)
	assert.Equal(t, "m-4", out.Why.Observed[2].ObservationID)
	assert.Equal(t, "count(medication.delay_minutes gte 30) at least 3 within 168h0m0s", out.Why.RulesFired[0].Threshold)
	assert.Contains(t, out.Why.CannotConclude, "whether doses were skipped")
	assert.Contains(t, out.Why.CannotConclude, "clinical diagnosis")
}

func TestCorrelationRequiresEveryCondition(t *testing.T) {
	rule := domain.Rule{
		ID:       "wellbeing.sleep_and_appetite",
		Category: "sleep",
		Kind:     KindCorrelation,
		Params: json.RawMessage(`{"conditions":[
			{"domain":"sleep","metric":"hours","op":"lt","value":5,"min_count":2},
			{"domain":"nutrition","metric":"meal_fraction","op":"lt","value":0.5}
		]}`),
		WindowSeconds: int64((72 * time.Hour).Seconds()),
		Severity:      domain.SeverityWarning,
		Title:         "Poor sleep with reduced appetite",
		HumanAction:   "Ask the caregiver to log sleep and meals in detail",
	}
	window := []domain.Observation{
		obs("s-1", "sleep", "hours", fp(4), base.Add(-48*time.Hour), ""),
		obs("s-2", "sleep", "hours", fp(4.5), base.Add(-24*time.Hour), ""),
	}
	out, err := Evaluate(rule, Input{Window: window, Now: base})
	require.NoError(t, err)
	assert.False(t, out.Fired)

	window = append(window, obs("n-1", "nutrition", "meal_fraction", fp(0.25), base.Add(-time.Hour), ""))
	out, err = Evaluate(rule, Input{Window: window, Now: base})
	require.NoError(t, err)
	require.True(t, out.Fired)
	assert.Equal(t, base.Add(-48*time.Hour), out.WindowStart)
	assert.Len(t, out.Why.Observed, 3)
	assert.Len(t, out.Why.DataUsed, 2)
}

func TestReportMatchesTriggerPayload(t *testing.T) {
	rule := domain.Rule{
		ID:          "family.report.critical",
		Category:    "family_report",
		Kind:        KindReport,
		Params:      json.RawMessage(`{"field":"severity","equals":"critical"}`),
		Severity:    domain.SeverityCritical,
		Title:       "Family reported a critical concern",
		HumanAction: "Call the family member back and assess the resident",
	}
	trigger := obs("f-1", "family_report", "", nil, base, `{"severity":"critical","note":"fell in the bathroom"}`)
	trigger.Source = "family"
	out, err := Evaluate(rule, Input{Trigger: &trigger, Window: []domain.Observation{trigger}, Now: base})
	require.NoError(t, err)
	require.True(t, out.Fired)
	assert.Equal(t, base, out.WindowStart)
	assert.Equal(t, "fell in the bathroom", out.Why.Observed[0].Detail)

	calm := obs("f-2", "family_report", "", nil, base, `{"severity":"info"}`)
	out, err = Evaluate(rule, Input{Trigger: &calm, Now: base})
	require.NoError(t, err)
	assert.False(t, out.Fired)

	broken := obs("f-3", "family_report", "", nil, base, `["not","an","object"]`)
	_, err = Evaluate(rule, Input{Trigger: &broken, Now: base})
	assert.True(t, errors.Is(err, ErrMalformedValue))

	out, err = Evaluate(rule, Input{Now: base})
	require.NoError(t, err)
	assert.False(t, out.Fired, "report rules need a trigger")
}

func TestEvaluationIsDeterministic(t *testing.T) {
	window := heartRateWindow()
	trigger := window[3]
	in := Input{Trigger: &trigger, Window: window, Baseline: map[string]float64{"heart_rate": 72}, Now: base}
	first, err := Evaluate(heartRateRule(), in)
	require.NoError(t, err)
	second, err := Evaluate(heartRateRule(), in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCompileRejectsBadRules(t *testing.T) {
	cases := map[string]domain.Rule{
		"unknown kind":   {ID: "x", Kind: "regex", Params: json.RawMessage(`{}`)},
		"bad op":         {ID: "x", Kind: KindThreshold, Params: json.RawMessage(`{"metric":"m","op":"bigger","value":1}`)},
		"two limits":     {ID: "x", Kind: KindThreshold, Params: json.RawMessage(`{"metric":"m","op":"gt","value":1,"baseline_delta":2}`)},
		"zero min count": {ID: "x", Kind: KindCountInWindow, WindowSeconds: 60, Params: json.RawMessage(`{"min_count":0}`)},
		"one condition":  {ID: "x", Kind: KindCorrelation, WindowSeconds: 60, Params: json.RawMessage(`{"conditions":[{"domain":"a"}]}`)},
		"empty report":   {ID: "x", Kind: KindReport, Params: json.RawMessage(`{"field":"severity"}`)},
	}
	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compile(r)
			require.Error(t, err)
		})
	}
	_, err := Compile(domain.Rule{ID: "x", Kind: "regex"})
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestValidateRequiresMetadata(t *testing.T) {
	r := heartRateRule()
	require.NoError(t, Validate(r))
	r.Severity = "severe"
	assert.Error(t, Validate(r))
	r = heartRateRule()
	r.HumanAction = ""
	assert.Error(t, Validate(r))
}

func TestCatalogCachesAndReportsFailures(t *testing.T) {
	loads := 0
	broken := heartRateRule()
	broken.ID = "vitals.broken"
	broken.Params = json.RawMessage(`{"metric":"heart_rate","op":"gt"}`)
	cat := NewCatalog(func(ctx context.Context, category string) ([]domain.Rule, error) {
		loads++
		return []domain.Rule{heartRateRule(), broken}, nil
	}, 8, time.Minute, nil)

	compiled, failures, err := cat.ForCategory(context.Background(), "vitals")
	require.NoError(t, err)
	require.Len(t, compiled, 1)
	require.Len(t, failures, 1)
	assert.Equal(t, "vitals.broken", failures[0].RuleID)
	assert.Equal(t, CodeEvaluationFailed, failures[0].Code)

	_, _, err = cat.ForCategory(context.Background(), "vitals")
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	cat.Invalidate()
	_, _, err = cat.ForCategory(context.Background(), "vitals")
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
