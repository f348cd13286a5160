package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"carebrain/internal/domain"
	"carebrain/internal/rules"
)

// Config models carebrain.yml.
type Config struct {
	Escalation struct {
		MinSeverity            string   `yaml:"min_severity"`
		OversightServiceModels []string `yaml:"oversight_service_models"`
	} `yaml:"escalation"`
	Prioritization struct {
		NowWindow  Duration `yaml:"now_window"`
		NextWindow Duration `yaml:"next_window"`
	} `yaml:"prioritization"`
	Tasks struct {
		// SLA maps a task priority to how long after creation it falls due.
		SLA                map[string]Duration `yaml:"sla"`
		EscalationCategory string              `yaml:"escalation_category"`
	} `yaml:"tasks"`
	Guards      []Guard             `yaml:"guards"`
	Rules       []RuleSpec          `yaml:"rules"`
	Permissions map[string][]string `yaml:"permissions"`
	Storage     struct {
		Timeout Duration `yaml:"timeout"`
	} `yaml:"storage"`
	Sweep struct {
		Interval Duration `yaml:"interval"`
		Workers  int      `yaml:"workers"`
	} `yaml:"sweep"`
	Feeds []Feed `yaml:"feeds"`
}

// Guard is a blocking rule checked before a state transition is applied.
type Guard struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Actions     []string `yaml:"actions"`
	MinSeverity string   `yaml:"min_severity,omitempty"`
	Priorities  []string `yaml:"priorities,omitempty"`
	Required    string   `yaml:"required,omitempty"`
	Reason      string   `yaml:"reason"`
	Remediation string   `yaml:"remediation"`
}

const (
	GuardOpenExceptions   = "open_exceptions"
	GuardOutstandingTasks = "outstanding_tasks"
	GuardConnectivity     = "connectivity"
)

// RuleSpec is the YAML form of a detection rule.
type RuleSpec struct {
	ID          string         `yaml:"id"`
	Category    string         `yaml:"category"`
	Kind        string         `yaml:"kind"`
	Window      Duration       `yaml:"window,omitempty"`
	Severity    string         `yaml:"severity"`
	Title       string         `yaml:"title"`
	HumanAction string         `yaml:"human_action"`
	Enabled     *bool          `yaml:"enabled,omitempty"`
	Params      map[string]any `yaml:"params"`
}

// Feed forwards timeline events to an external consumer.
type Feed struct {
	ID         string   `yaml:"id"`
	URL        string   `yaml:"url"`
	Secret     string   `yaml:"secret,omitempty"`
	EventTypes []string `yaml:"event_types,omitempty"`
}

// Duration accepts Go durations plus a "d" suffix for days.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Rule converts s into the stored rule record.
func (s RuleSpec) Rule() (domain.Rule, error) {
	params := s.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("rule %s params: %w", s.ID, err)
	}
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	return domain.Rule{
		ID:            s.ID,
		Category:      s.Category,
		Kind:          s.Kind,
		Params:        raw,
		WindowSeconds: int64(s.Window.Std() / time.Second),
		Severity:      s.Severity,
		Title:         s.Title,
		HumanAction:   s.HumanAction,
		Enabled:       enabled,
	}, nil
}

// RuleSet returns the configured rules as stored records.
func (c *Config) RuleSet() ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(c.Rules))
	for _, s := range c.Rules {
		r, err := s.Rule()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if domain.SeverityRank(c.Escalation.MinSeverity) == 0 {
		return fmt.Errorf("config.escalation.min_severity %q is not a severity", c.Escalation.MinSeverity)
	}
	if c.Prioritization.NowWindow <= 0 || c.Prioritization.NextWindow <= c.Prioritization.NowWindow {
		return fmt.Errorf("config.prioritization windows must satisfy 0 < now_window < next_window")
	}
	for _, p := range []string{domain.PriorityUrgent, domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow} {
		if c.Tasks.SLA[p] <= 0 {
			return fmt.Errorf("config.tasks.sla.%s is required", p)
		}
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("config.storage.timeout must be positive")
	}
	guardIDs := map[string]bool{}
	for _, g := range c.Guards {
		if g.ID == "" {
			return fmt.Errorf("config.guards contains a guard without id")
		}
		if guardIDs[g.ID] {
			return fmt.Errorf("guard %s defined twice", g.ID)
		}
		guardIDs[g.ID] = true
		if len(g.Actions) == 0 {
			return fmt.Errorf("guard %s guards no actions", g.ID)
		}
		for _, a := range g.Actions {
			if !domain.IsAction(a) {
				return fmt.Errorf("guard %s references unknown action %s", g.ID, a)
			}
		}
		if g.Reason == "" || g.Remediation == "" {
			return fmt.Errorf("guard %s needs reason and remediation", g.ID)
		}
		switch g.Kind {
		case GuardOpenExceptions:
			if domain.SeverityRank(g.MinSeverity) == 0 {
				return fmt.Errorf("guard %s needs a valid min_severity", g.ID)
			}
		case GuardOutstandingTasks:
			if len(g.Priorities) == 0 {
				return fmt.Errorf("guard %s needs priorities", g.ID)
			}
			for _, p := range g.Priorities {
				if domain.PriorityRank(p) == 0 {
					return fmt.Errorf("guard %s has unknown priority %s", g.ID, p)
				}
			}
		case GuardConnectivity:
			if g.Required != domain.Online && g.Required != domain.Offline {
				return fmt.Errorf("guard %s needs required ONLINE or OFFLINE", g.ID)
			}
		default:
			return fmt.Errorf("guard %s has unknown kind %q", g.ID, g.Kind)
		}
	}
	ruleIDs := map[string]bool{}
	for _, s := range c.Rules {
		if ruleIDs[s.ID] {
			return fmt.Errorf("rule %s defined twice", s.ID)
		}
		ruleIDs[s.ID] = true
		r, err := s.Rule()
		if err != nil {
			return err
		}
		if err := rules.Validate(r); err != nil {
			return err
		}
	}
	for actorType, perms := range c.Permissions {
		if actorType == "" {
			return fmt.Errorf("config.permissions contains empty actor type")
		}
		for _, p := range perms {
			if p == "" {
				return fmt.Errorf("actor type %s has empty permission", actorType)
			}
		}
	}
	for _, f := range c.Feeds {
		if f.ID == "" || f.URL == "" {
			return fmt.Errorf("config.feeds entries need id and url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "carebrain.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Sections left
// out fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseRules reads a standalone rule catalog, either a YAML list or a
// document with a top-level rules key.
func ParseRules(data []byte) ([]domain.Rule, error) {
	var specs []RuleSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		var doc struct {
			Rules []RuleSpec `yaml:"rules"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, fmt.Errorf("invalid rules yaml: %w", err)
		}
		specs = doc.Rules
	}
	out := make([]domain.Rule, 0, len(specs))
	seen := map[string]bool{}
	for _, s := range specs {
		if seen[s.ID] {
			return nil, fmt.Errorf("rule %s defined twice", s.ID)
		}
		seen[s.ID] = true
		r, err := s.Rule()
		if err != nil {
			return nil, err
		}
		if err := rules.Validate(r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

const defaultTemplate = `escalation:
  min_severity: warning
  oversight_service_models: [supervised, skilled_nursing]

prioritization:
  now_window: 30m
  next_window: 2h

tasks:
  escalation_category: follow_up
  sla:
    urgent: 30m
    high: 2h
    normal: 8h
    low: 24h

storage:
  timeout: 5s

sweep:
  interval: 5m
  workers: 4

guards:
  - id: guard.completion.open_critical_exception
    kind: open_exceptions
    actions: [BEGIN_COMPLETION, COMPLETE_SESSION]
    min_severity: critical
    reason: "A critical exception for this resident is still open"
    remediation: "Triage and resolve the critical exception before completing the session"
  - id: guard.completion.urgent_tasks
    kind: outstanding_tasks
    actions: [COMPLETE_SESSION]
    priorities: [urgent]
    reason: "Urgent tasks are still outstanding"
    remediation: "Complete or hand over every urgent task before completing the session"
  - id: guard.begin_care.offline
    kind: connectivity
    actions: [BEGIN_CARE]
    required: ONLINE
    reason: "The resident's devices are offline"
    remediation: "Restore connectivity so observations reach the care team, then begin care"

permissions:
  FAMILY: [observation.submit, family.write, state.read, signal.read, timeline.read, emergency.raise]
  CAREGIVER: [observation.submit, state.read, state.transition, emergency.raise, signal.read, exception.read, task.read, task.write, timeline.read]
  SUPERVISOR: [observation.submit, state.read, state.transition, emergency.raise, signal.read, signal.dismiss, exception.read, exception.triage, exception.resolve, task.read, task.write, timeline.read, resident.write]
  AGENCY: [observation.submit, state.read, state.transition, emergency.raise, signal.read, signal.dismiss, exception.read, exception.triage, exception.resolve, task.read, task.write, timeline.read, resident.write, rules.write]
  DEVICE: [observation.submit, emergency.raise]
  SYSTEM: [observation.submit, state.read, state.transition, emergency.raise, signal.read, exception.read, task.read, task.write, timeline.read, rules.write]

rules:
  - id: family.report.critical
    category: family_report
    kind: report
    severity: critical
    title: "Family reported a critical concern"
    human_action: "Call the family member back and assess the resident in person"
    params:
      field: severity
      equals: critical
  - id: family.report.urgent
    category: family_report
    kind: report
    severity: urgent
    title: "Family reported an urgent concern"
    human_action: "Call the family member back within the hour and send a caregiver if needed"
    params:
      field: severity
      equals: urgent
  - id: family.report.concern
    category: family_report
    kind: report
    severity: warning
    title: "Family reported a concern"
    human_action: "Review the report with the caregiver at the next visit"
    params:
      field: severity
      equals: concern
  - id: vitals.heart_rate.above_baseline
    category: vitals
    kind: threshold
    window: 1h
    severity: warning
    title: "Heart rate above baseline"
    human_action: "Check in with the resident and retake the reading"
    params:
      metric: heart_rate
      op: gt
      baseline_delta: 25
  - id: vitals.spo2.low
    category: vitals
    kind: threshold
    window: 1h
    severity: urgent
    title: "Low blood oxygen"
    human_action: "Retake the reading at rest and contact the supervising nurse"
    params:
      metric: spo2
      op: lt
      value: 90
  - id: medication.late_dose.repeated
    category: medication
    kind: count_in_window
    window: 7d
    severity: warning
    title: "Repeated late medication"
    human_action: "Review the medication schedule with the caregiver"
    params:
      metric: delay_minutes
      op: gte
      value: 30
      min_count: 3
  - id: mobility.falls.repeated
    category: mobility
    kind: count_in_window
    window: 14d
    severity: urgent
    title: "Repeated falls or near falls"
    human_action: "Arrange a mobility assessment"
    params:
      payload_key: event
      payload_value: fall
      min_count: 2
  - id: wellbeing.sleep_and_appetite
    category: sleep
    kind: correlation
    window: 3d
    severity: warning
    title: "Poor sleep with reduced appetite"
    human_action: "Ask the caregiver to log sleep and meals in detail for the next week"
    params:
      conditions:
        - domain: sleep
          metric: hours
          op: lt
          value: 5
          min_count: 2
        - domain: nutrition
          metric: meal_fraction
          op: lt
          value: 0.5
`
