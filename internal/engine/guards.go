package engine

import (
	"context"
	"fmt"

	"carebrain/internal/config"
	"carebrain/internal/domain"
	"carebrain/internal/repo"
)

// checkGuards evaluates every configured guard that covers action against
// the resident's current state inside q. The first blocking guard wins.
func (e Engine) checkGuards(ctx context.Context, q repo.DBTX, cur domain.BrainState, action string) error {
	if e.Config == nil {
		return nil
	}
	for _, g := range e.Config.Guards {
		if !covers(g, action) {
			continue
		}
		blocked, details, err := e.guardBlocks(ctx, q, g, cur)
		if err != nil {
			return fmt.Errorf("guard %s: %w", g.ID, err)
		}
		if !blocked {
			continue
		}
		details["action"] = action
		details["guard_kind"] = g.Kind
		e.logger().Info("transition blocked by guard", "resident_id", cur.ResidentID, "action", action, "guard", g.ID)
		return &Error{
			Code:    CodeBlockedByRule,
			Message: g.Reason,
			Details: details,
			Block:   &Block{RuleID: g.ID, Reason: g.Reason, Remediation: g.Remediation},
		}
	}
	return nil
}

func covers(g config.Guard, action string) bool {
	for _, a := range g.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (e Engine) guardBlocks(ctx context.Context, q repo.DBTX, g config.Guard, cur domain.BrainState) (bool, map[string]any, error) {
	switch g.Kind {
	case config.GuardOpenExceptions:
		sev := severitiesFrom(g.MinSeverity)
		n, err := e.Repo.CountOpenExceptions(ctx, q, cur.ResidentID, sev)
		if err != nil {
			return false, nil, err
		}
		return n > 0, map[string]any{"open_exceptions": n, "min_severity": g.MinSeverity}, nil
	case config.GuardOutstandingTasks:
		n, err := e.Repo.CountOutstandingTasks(ctx, q, cur.ResidentID, g.Priorities)
		if err != nil {
			return false, nil, err
		}
		return n > 0, map[string]any{"outstanding_tasks": n, "priorities": g.Priorities}, nil
	case config.GuardConnectivity:
		return cur.Connectivity != g.Required, map[string]any{"connectivity": cur.Connectivity, "required": g.Required}, nil
	}
	return false, nil, fmt.Errorf("unknown guard kind %q", g.Kind)
}

// severitiesFrom lists floor and every severity ranked above it.
func severitiesFrom(floor string) []string {
	var out []string
	for _, s := range []string{domain.SeverityInfo, domain.SeverityWarning, domain.SeverityUrgent, domain.SeverityCritical} {
		if domain.SeverityRank(s) >= domain.SeverityRank(floor) {
			out = append(out, s)
		}
	}
	return out
}
