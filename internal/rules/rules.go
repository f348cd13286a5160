// Package rules interprets the declarative rule catalog. Evaluation is a pure
// function of the rule, the observation window, the resident baseline and
// the evaluation time.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"carebrain/internal/domain"
)

const (
	KindThreshold     = "threshold"
	KindCountInWindow = "count_in_window"
	KindCorrelation   = "correlation"
	KindReport        = "report"
)

// CodeEvaluationFailed marks a rule that could not be evaluated.
const CodeEvaluationFailed = "RULE_EVALUATION_FAILED"

var (
	ErrMissingBaseline = errors.New("missing baseline")
	ErrMalformedValue  = errors.New("malformed observation")
	ErrUnknownKind     = errors.New("unknown rule kind")
	ErrInvalidParams   = errors.New("invalid rule params")
)

// Input is everything a rule may read.
type Input struct {
	// Trigger is nil during a periodic sweep.
	Trigger *domain.Observation
	// Window holds the resident's observations in (Now-window, Now], any domain.
	Window   []domain.Observation
	Baseline map[string]float64
	Now      time.Time
}

// Outcome is the result of a rule that evaluated cleanly.
type Outcome struct {
	Fired       bool
	WindowStart time.Time
	Summary     string
	Why         domain.Why
}

// Failure records a rule that was skipped because it could not be evaluated.
type Failure struct {
	RuleID string `json:"rule_id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func NewFailure(ruleID string, err error) Failure {
	return Failure{RuleID: ruleID, Code: CodeEvaluationFailed, Reason: err.Error()}
}

type common struct {
	CannotConclude []string `json:"cannot_conclude,omitempty"`
}

type ThresholdParams struct {
	Metric         string   `json:"metric"`
	Op             string   `json:"op"`
	Value          *float64 `json:"value,omitempty"`
	BaselineMetric string   `json:"baseline_metric,omitempty"`
	BaselineDelta  *float64 `json:"baseline_delta,omitempty"`
	BaselineRatio  *float64 `json:"baseline_ratio,omitempty"`
}

type CountParams struct {
	Metric       string   `json:"metric,omitempty"`
	Op           string   `json:"op,omitempty"`
	Value        *float64 `json:"value,omitempty"`
	PayloadKey   string   `json:"payload_key,omitempty"`
	PayloadValue string   `json:"payload_value,omitempty"`
	MinCount     int      `json:"min_count"`
}

type Condition struct {
	Domain   string   `json:"domain"`
	Metric   string   `json:"metric,omitempty"`
	Op       string   `json:"op,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	MinCount int      `json:"min_count,omitempty"`
}

type CorrelationParams struct {
	Conditions []Condition `json:"conditions"`
}

type ReportParams struct {
	Field  string `json:"field"`
	Equals string `json:"equals"`
}

// Compiled is a rule whose params have been parsed and checked.
type Compiled struct {
	Rule   domain.Rule
	extra  []string
	params any
}

// Compile parses rule params for the rule's kind.
func Compile(r domain.Rule) (Compiled, error) {
	c := Compiled{Rule: r}
	raw := r.Params
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var cm common
	if err := json.Unmarshal(raw, &cm); err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	c.extra = cm.CannotConclude
	switch r.Kind {
	case KindThreshold:
		var p ThresholdParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Metric == "" {
			return c, fmt.Errorf("%w: threshold requires metric", ErrInvalidParams)
		}
		if !validOp(p.Op) {
			return c, fmt.Errorf("%w: unknown op %q", ErrInvalidParams, p.Op)
		}
		set := 0
		for _, v := range []*float64{p.Value, p.BaselineDelta, p.BaselineRatio} {
			if v != nil {
				set++
			}
		}
		if set != 1 {
			return c, fmt.Errorf("%w: threshold needs exactly one of value, baseline_delta, baseline_ratio", ErrInvalidParams)
		}
		if p.BaselineMetric == "" {
			p.BaselineMetric = p.Metric
		}
		c.params = p
	case KindCountInWindow:
		var p CountParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.MinCount < 1 {
			return c, fmt.Errorf("%w: min_count must be at least 1", ErrInvalidParams)
		}
		if (p.Op == "") != (p.Value == nil) {
			return c, fmt.Errorf("%w: op and value go together", ErrInvalidParams)
		}
		if p.Op != "" && !validOp(p.Op) {
			return c, fmt.Errorf("%w: unknown op %q", ErrInvalidParams, p.Op)
		}
		if r.WindowSeconds <= 0 {
			return c, fmt.Errorf("%w: count_in_window requires a window", ErrInvalidParams)
		}
		c.params = p
	case KindCorrelation:
		var p CorrelationParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if len(p.Conditions) < 2 {
			return c, fmt.Errorf("%w: correlation needs at least two conditions", ErrInvalidParams)
		}
		for i := range p.Conditions {
			cond := &p.Conditions[i]
			if cond.Domain == "" {
				return c, fmt.Errorf("%w: condition %d missing domain", ErrInvalidParams, i)
			}
			if (cond.Op == "") != (cond.Value == nil) {
				return c, fmt.Errorf("%w: condition %d op and value go together", ErrInvalidParams, i)
			}
			if cond.Op != "" && !validOp(cond.Op) {
				return c, fmt.Errorf("%w: condition %d unknown op %q", ErrInvalidParams, i, cond.Op)
			}
			if cond.MinCount == 0 {
				cond.MinCount = 1
			}
		}
		if r.WindowSeconds <= 0 {
			return c, fmt.Errorf("%w: correlation requires a window", ErrInvalidParams)
		}
		c.params = p
	case KindReport:
		var p ReportParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return c, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Field == "" || p.Equals == "" {
			return c, fmt.Errorf("%w: report requires field and equals", ErrInvalidParams)
		}
		c.params = p
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return c, nil
}

// Validate reports whether a rule record is well formed.
func Validate(r domain.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule id required", ErrInvalidParams)
	}
	if r.Category == "" {
		return fmt.Errorf("%w: rule %s needs a category", ErrInvalidParams, r.ID)
	}
	if domain.SeverityRank(r.Severity) == 0 {
		return fmt.Errorf("%w: rule %s has unknown severity %q", ErrInvalidParams, r.ID, r.Severity)
	}
	if r.Title == "" || r.HumanAction == "" {
		return fmt.Errorf("%w: rule %s needs title and human_action", ErrInvalidParams, r.ID)
	}
	_, err := Compile(r)
	return err
}

// Evaluate compiles and evaluates a rule in one step.
func Evaluate(r domain.Rule, in Input) (Outcome, error) {
	c, err := Compile(r)
	if err != nil {
		return Outcome{}, err
	}
	return c.Evaluate(in)
}

// Evaluate runs the compiled rule against in.
func (c Compiled) Evaluate(in Input) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	switch p := c.params.(type) {
	case ThresholdParams:
		out, err = c.threshold(p, in)
	case CountParams:
		out, err = c.count(p, in)
	case CorrelationParams:
		out, err = c.correlation(p, in)
	case ReportParams:
		out, err = c.report(p, in)
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownKind, c.Rule.Kind)
	}
	if err != nil || !out.Fired {
		return out, err
	}
	out.Why.CannotConclude = append(cannotConclude(c.Rule.Kind), c.extra...)
	out.Why.HumanAction = c.Rule.HumanAction
	return out, nil
}

func (c Compiled) threshold(p ThresholdParams, in Input) (Outcome, error) {
	limit, label, err := thresholdLimit(p, in.Baseline)
	if err != nil {
		return Outcome{}, err
	}
	current := in.Trigger
	if current == nil {
		current = latest(in.Window, c.Rule.Category, p.Metric)
		if current == nil {
			return Outcome{}, nil
		}
	}
	if current.Domain != c.Rule.Category || current.Metric != p.Metric {
		return Outcome{}, nil
	}
	if current.Value == nil {
		return Outcome{}, fmt.Errorf("%w: observation %s has no %s value", ErrMalformedValue, current.ID, p.Metric)
	}
	if !compare(*current.Value, p.Op, limit) {
		return Outcome{}, nil
	}
	var points []domain.Observation
	for _, o := range inWindow(in.Window, c.Rule.Window(), in.Now) {
		if o.Domain != c.Rule.Category || o.Metric != p.Metric || o.Value == nil {
			continue
		}
		if compare(*o.Value, p.Op, limit) {
			points = append(points, o)
		}
	}
	if !containsID(points, current.ID) {
		points = append(points, *current)
		sortObservations(points)
	}
	fired := fmt.Sprintf("%s %s %s", p.Metric, p.Op, label)
	dataUsed := []string{fmt.Sprintf("observations(domain=%s,metric=%s,window=%s)", c.Rule.Category, p.Metric, c.Rule.Window())}
	if p.Value == nil {
		dataUsed = append(dataUsed, fmt.Sprintf("baselines(metric=%s)", p.BaselineMetric))
	}
	return c.fire(points, fired, dataUsed,
		fmt.Sprintf("%s reading %s crossed %s", p.Metric, formatFloat(*current.Value), label)), nil
}

func thresholdLimit(p ThresholdParams, baseline map[string]float64) (float64, string, error) {
	if p.Value != nil {
		return *p.Value, formatFloat(*p.Value), nil
	}
	base, ok := baseline[p.BaselineMetric]
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrMissingBaseline, p.BaselineMetric)
	}
	if p.BaselineDelta != nil {
		limit := base + *p.BaselineDelta
		return limit, fmt.Sprintf("baseline(%s)=%s plus %s = %s", p.BaselineMetric, formatFloat(base), formatFloat(*p.BaselineDelta), formatFloat(limit)), nil
	}
	limit := base * *p.BaselineRatio
	return limit, fmt.Sprintf("baseline(%s)=%s times %s = %s", p.BaselineMetric, formatFloat(base), formatFloat(*p.BaselineRatio), formatFloat(limit)), nil
}

func (c Compiled) count(p CountParams, in Input) (Outcome, error) {
	var points []domain.Observation
	for _, o := range inWindow(in.Window, c.Rule.Window(), in.Now) {
		ok, err := matchCount(p, c.Rule.Category, o)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			points = append(points, o)
		}
	}
	if len(points) < p.MinCount {
		return Outcome{}, nil
	}
	desc := c.Rule.Category
	if p.Metric != "" {
		desc += "." + p.Metric
	}
	if p.Op != "" {
		desc += fmt.Sprintf(" %s %s", p.Op, formatFloat(*p.Value))
	}
	if p.PayloadKey != "" {
		desc += fmt.Sprintf(" where %s=%s", p.PayloadKey, p.PayloadValue)
	}
	fired := fmt.Sprintf("count(%s) at least %d within %s", desc, p.MinCount, c.Rule.Window())
	dataUsed := []string{fmt.Sprintf("observations(domain=%s,window=%s)", c.Rule.Category, c.Rule.Window())}
	return c.fire(points, fired, dataUsed,
		fmt.Sprintf("%d matching observations within %s", len(points), c.Rule.Window())), nil
}

func matchCount(p CountParams, category string, o domain.Observation) (bool, error) {
	if o.Domain != category {
		return false, nil
	}
	if p.Metric != "" && o.Metric != p.Metric {
		return false, nil
	}
	if p.Op != "" {
		if o.Value == nil {
			return false, fmt.Errorf("%w: observation %s has no %s value", ErrMalformedValue, o.ID, p.Metric)
		}
		if !compare(*o.Value, p.Op, *p.Value) {
			return false, nil
		}
	}
	if p.PayloadKey != "" {
		v, found, err := payloadField(o, p.PayloadKey)
		if err != nil {
			return false, err
		}
		if !found || v != p.PayloadValue {
			return false, nil
		}
	}
	return true, nil
}

func (c Compiled) correlation(p CorrelationParams, in Input) (Outcome, error) {
	window := inWindow(in.Window, c.Rule.Window(), in.Now)
	var (
		points []domain.Observation
		parts  []string
		used   []string
	)
	for _, cond := range p.Conditions {
		var matched []domain.Observation
		for _, o := range window {
			if o.Domain != cond.Domain || (cond.Metric != "" && o.Metric != cond.Metric) {
				continue
			}
			if cond.Op != "" {
				if o.Value == nil {
					return Outcome{}, fmt.Errorf("%w: observation %s has no %s value", ErrMalformedValue, o.ID, cond.Metric)
				}
				if !compare(*o.Value, cond.Op, *cond.Value) {
					continue
				}
			}
			matched = append(matched, o)
		}
		if len(matched) < cond.MinCount {
			return Outcome{}, nil
		}
		points = append(points, matched...)
		part := cond.Domain
		if cond.Metric != "" {
			part += "." + cond.Metric
		}
		if cond.Op != "" {
			part += fmt.Sprintf(" %s %s", cond.Op, formatFloat(*cond.Value))
		}
		parts = append(parts, fmt.Sprintf("%s at least %d", part, cond.MinCount))
		used = append(used, fmt.Sprintf("observations(domain=%s,window=%s)", cond.Domain, c.Rule.Window()))
	}
	points = dedupe(points)
	sortObservations(points)
	fired := fmt.Sprintf("all of [%s] within %s", strings.Join(parts, "; "), c.Rule.Window())
	return c.fire(points, fired, used,
		fmt.Sprintf("%d domains co-occurred within %s", len(p.Conditions), c.Rule.Window())), nil
}

func (c Compiled) report(p ReportParams, in Input) (Outcome, error) {
	if in.Trigger == nil || in.Trigger.Domain != c.Rule.Category {
		return Outcome{}, nil
	}
	v, found, err := payloadField(*in.Trigger, p.Field)
	if err != nil {
		return Outcome{}, err
	}
	if !found || v != p.Equals {
		return Outcome{}, nil
	}
	fired := fmt.Sprintf("payload.%s equals %s", p.Field, p.Equals)
	dataUsed := []string{fmt.Sprintf("observations(id=%s)", in.Trigger.ID)}
	return c.fire([]domain.Observation{*in.Trigger}, fired, dataUsed,
		fmt.Sprintf("%s report with %s=%s", in.Trigger.Source, p.Field, p.Equals)), nil
}

func (c Compiled) fire(points []domain.Observation, threshold string, dataUsed []string, summary string) Outcome {
	observed := make([]domain.ObservedPoint, 0, len(points))
	for _, o := range points {
		observed = append(observed, domain.ObservedPoint{
			ObservationID: o.ID,
			ObservedAt:    o.ObservedAt.UTC(),
			Domain:        o.Domain,
			Metric:        o.Metric,
			Value:         o.Value,
			Detail:        detail(o),
		})
	}
	return Outcome{
		Fired:       true,
		WindowStart: points[0].ObservedAt.UTC(),
		Summary:     summary,
		Why: domain.Why{
			Observed:   observed,
			RulesFired: []domain.RuleFired{{RuleID: c.Rule.ID, Kind: c.Rule.Kind, Threshold: threshold}},
			DataUsed:   dataUsed,
		},
	}
}

func cannotConclude(kind string) []string {
	switch kind {
	case KindThreshold:
		return []string{"cause of the reading", "clinical diagnosis", "accuracy of the measuring device"}
	case KindCountInWindow:
		return []string{"cause of the pattern", "clinical diagnosis", "events that were never recorded"}
	case KindCorrelation:
		return []string{"causation between the correlated domains", "clinical diagnosis", "root cause"}
	case KindReport:
		return []string{"accuracy of the reported account", "clinical diagnosis", "root cause"}
	}
	return nil
}

// inWindow keeps observations with observed_at in (now-w, now]. A zero
// window keeps everything up to now.
func inWindow(obs []domain.Observation, w time.Duration, now time.Time) []domain.Observation {
	var res []domain.Observation
	for _, o := range obs {
		if o.ObservedAt.After(now) {
			continue
		}
		if w > 0 && !o.ObservedAt.After(now.Add(-w)) {
			continue
		}
		res = append(res, o)
	}
	sortObservations(res)
	return res
}

func latest(obs []domain.Observation, category, metric string) *domain.Observation {
	var best *domain.Observation
	for i := range obs {
		o := &obs[i]
		if o.Domain != category || o.Metric != metric {
			continue
		}
		if best == nil || o.ObservedAt.After(best.ObservedAt) {
			best = o
		}
	}
	return best
}

func sortObservations(obs []domain.Observation) {
	sort.SliceStable(obs, func(i, j int) bool {
		if obs[i].ObservedAt.Equal(obs[j].ObservedAt) {
			return obs[i].ID < obs[j].ID
		}
		return obs[i].ObservedAt.Before(obs[j].ObservedAt)
	})
}

func dedupe(obs []domain.Observation) []domain.Observation {
	seen := map[string]bool{}
	res := obs[:0:0]
	for _, o := range obs {
		if seen[o.ID] {
			continue
		}
		seen[o.ID] = true
		res = append(res, o)
	}
	return res
}

func containsID(obs []domain.Observation, id string) bool {
	for _, o := range obs {
		if o.ID == id {
			return true
		}
	}
	return false
}

func payloadField(o domain.Observation, key string) (string, bool, error) {
	if len(o.Payload) == 0 {
		return "", false, nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.Payload, &m); err != nil {
		return "", false, fmt.Errorf("%w: observation %s payload is not an object", ErrMalformedValue, o.ID)
	}
	v, ok := m[key]
	if !ok || v == nil {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case float64:
		return formatFloat(t), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	}
	return "", false, fmt.Errorf("%w: observation %s field %s is not a scalar", ErrMalformedValue, o.ID, key)
}

func detail(o domain.Observation) string {
	if len(o.Payload) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(o.Payload, &m); err != nil {
		return ""
	}
	if note, ok := m["note"].(string); ok {
		return note
	}
	return ""
}

func validOp(op string) bool {
	switch op {
	case "gt", "gte", "lt", "lte", "eq", "neq":
		return true
	}
	return false
}

func compare(v float64, op string, limit float64) bool {
	switch op {
	case "gt":
		return v > limit
	case "gte":
		return v >= limit
	case "lt":
		return v < limit
	case "lte":
		return v <= limit
	case "eq":
		return v == limit
	case "neq":
		return v != limit
	}
	return false
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
