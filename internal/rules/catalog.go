package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"carebrain/internal/domain"
)

// LoadFunc returns the enabled rules for a category.
type LoadFunc func(ctx context.Context, category string) ([]domain.Rule, error)

type entry struct {
	compiled []Compiled
	failures []Failure
}

// Catalog caches compiled rules per category. Rules that fail to compile
// are kept as failures so every evaluation reports them.
type Catalog struct {
	load   LoadFunc
	cache  *expirable.LRU[string, entry]
	logger *slog.Logger
}

func NewCatalog(load LoadFunc, size int, ttl time.Duration, logger *slog.Logger) *Catalog {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		load:   load,
		cache:  expirable.NewLRU[string, entry](size, nil, ttl),
		logger: logger,
	}
}

// ForCategory returns compiled rules and compile failures for category.
func (c *Catalog) ForCategory(ctx context.Context, category string) ([]Compiled, []Failure, error) {
	if e, ok := c.cache.Get(category); ok {
		return e.compiled, e.failures, nil
	}
	list, err := c.load(ctx, category)
	if err != nil {
		return nil, nil, err
	}
	var e entry
	for _, r := range list {
		compiled, err := Compile(r)
		if err != nil {
			c.logger.Warn("rule does not compile", "rule_id", r.ID, "error", err)
			e.failures = append(e.failures, NewFailure(r.ID, err))
			continue
		}
		e.compiled = append(e.compiled, compiled)
	}
	c.cache.Add(category, e)
	return e.compiled, e.failures, nil
}

// Invalidate drops every cached category, typically after a catalog import.
func (c *Catalog) Invalidate() {
	c.cache.Purge()
}
