package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carebrain/internal/board"
	"carebrain/internal/config"
	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/events"
	"carebrain/internal/repo"
	"carebrain/internal/rules"
)

const (
	defaultStorageTimeout = 5 * time.Second
	catalogCacheSize      = 128
	catalogCacheTTL       = time.Minute
)

var (
	ruleEngineActor = domain.Actor{Type: domain.ActorSystem, ID: "rule-engine"}
	triageActor     = domain.Actor{Type: domain.ActorSystem, ID: "triage"}
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Recorder events.Recorder
	Config   *config.Config
	Catalog  *rules.Catalog
	Auth     auth.Service
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	logger := slog.Default()
	return Engine{
		DB:       db,
		Repo:     r,
		Recorder: events.Recorder{Repo: r},
		Config:   cfg,
		Catalog: rules.NewCatalog(func(ctx context.Context, category string) ([]domain.Rule, error) {
			return r.ListRules(ctx, nil, category, true)
		}, catalogCacheSize, catalogCacheTTL, logger),
		Auth:   auth.Service{Grants: cfg.Permissions},
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// withTimeout bounds storage work when the caller did not set a deadline.
func (e Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	d := defaultStorageTimeout
	if e.Config != nil && e.Config.Storage.Timeout > 0 {
		d = e.Config.Storage.Timeout.Std()
	}
	return context.WithTimeout(ctx, d)
}

func (e Engine) record(ctx context.Context, q repo.DBTX, ev events.Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	_, err := e.Recorder.Record(ctx, q, ev)
	return err
}

func (e Engine) windows() board.Windows {
	if e.Config == nil {
		return board.DefaultWindows()
	}
	return board.Windows{Now: e.Config.Prioritization.NowWindow.Std(), Next: e.Config.Prioritization.NextWindow.Std()}
}

// NewCorrelationID returns a time-ordered correlation token.
func NewCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func newID() string {
	return uuid.NewString()
}

func validActor(a domain.Actor) error {
	if a.ID == "" {
		return invalid("actor id is required")
	}
	if !auth.KnownActorType(a.Type) {
		return invalid("unknown actor type %q", a.Type)
	}
	return nil
}
