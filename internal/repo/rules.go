package repo

import (
	"context"
	"time"

	"carebrain/internal/domain"
)

func (r Repo) UpsertRule(ctx context.Context, q DBTX, rule domain.Rule, now time.Time) error {
	params := string(rule.Params)
	if params == "" {
		params = "{}"
	}
	_, err := r.q(q).ExecContext(ctx, `INSERT INTO rules(id,category,kind,params_json,window_seconds,severity,title,human_action,enabled,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET category=excluded.category, kind=excluded.kind, params_json=excluded.params_json,
  window_seconds=excluded.window_seconds, severity=excluded.severity, title=excluded.title,
  human_action=excluded.human_action, enabled=excluded.enabled, updated_at=excluded.updated_at`,
		rule.ID, rule.Category, rule.Kind, params, rule.WindowSeconds, rule.Severity, rule.Title, rule.HumanAction, boolInt(rule.Enabled), FormatTime(now))
	return err
}

// ListRules returns rules ordered by id. An empty category lists all; when
// enabledOnly is set disabled rules are left out.
func (r Repo) ListRules(ctx context.Context, q DBTX, category string, enabledOnly bool) ([]domain.Rule, error) {
	query := `SELECT id,category,kind,params_json,window_seconds,severity,title,human_action,enabled FROM rules WHERE 1=1`
	var args []any
	if category != "" {
		query += ` AND category=?`
		args = append(args, category)
	}
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY id`
	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Rule
	for rows.Next() {
		var (
			rule    domain.Rule
			params  string
			enabled int
		)
		if err := rows.Scan(&rule.ID, &rule.Category, &rule.Kind, &params, &rule.WindowSeconds, &rule.Severity, &rule.Title, &rule.HumanAction, &enabled); err != nil {
			return nil, err
		}
		rule.Params = []byte(params)
		rule.Enabled = enabled == 1
		out = append(out, rule)
	}
	return out, rows.Err()
}

// RuleCategories lists the distinct categories of enabled rules.
func (r Repo) RuleCategories(ctx context.Context, q DBTX) ([]string, error) {
	rows, err := r.q(q).QueryContext(ctx, `SELECT DISTINCT category FROM rules WHERE enabled=1 ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
