package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

type SweepReport struct {
	Residents int `json:"residents"`
	Created   int `json:"created"`
	Existing  int `json:"existing"`
	Failures  int `json:"failures"`
	Errors    int `json:"errors"`
}

// Sweep evaluates every rule category for every resident of agencyID (all
// agencies when empty) as of now. Residents are evaluated concurrently;
// one resident failing does not stop the others.
func (e Engine) Sweep(ctx context.Context, agencyID string) (SweepReport, error) {
	ids, categories, err := e.sweepTargets(ctx, agencyID)
	if err != nil {
		return SweepReport{}, classify(err)
	}
	return e.sweep(ctx, ids, categories)
}

func (e Engine) sweepTargets(ctx context.Context, agencyID string) ([]string, []string, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	residents, err := e.Repo.ListResidents(ctx, nil, agencyID)
	if err != nil {
		return nil, nil, err
	}
	categories, err := e.Repo.RuleCategories(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(residents))
	for _, r := range residents {
		ids = append(ids, r.ID)
	}
	return ids, categories, nil
}

func (e Engine) sweep(ctx context.Context, ids []string, categories []string) (SweepReport, error) {
	var (
		mu     sync.Mutex
		report = SweepReport{Residents: len(ids)}
	)
	workers := 4
	if e.Config != nil && e.Config.Sweep.Workers > 0 {
		workers = e.Config.Sweep.Workers
	}
	p := pool.New().WithContext(ctx).WithMaxGoroutines(workers)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			ectx, cancel := e.withTimeout(ctx)
			defer cancel()
			r, _, err := e.evaluate(ectx, id, nil, categories, e.now())
			mu.Lock()
			defer mu.Unlock()
			report.Created += len(r.Created)
			report.Existing += len(r.Existing)
			report.Failures += len(r.Failures)
			if err != nil {
				report.Errors++
				e.logger().Error("sweep failed for resident", "resident_id", id, "error", err)
				return fmt.Errorf("resident %s: %w", id, classify(err))
			}
			return nil
		})
	}
	err := p.Wait()
	e.logger().Info("sweep finished", "residents", report.Residents, "created", report.Created, "existing", report.Existing, "failures", report.Failures, "errors", report.Errors)
	return report, err
}

// RunSweeper sweeps on every tick of interval until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 && e.Config != nil {
		interval = e.Config.Sweep.Interval.Std()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := e.Sweep(ctx, ""); err != nil {
				e.logger().Warn("sweep completed with errors", "error", err)
			}
		}
	}
}
