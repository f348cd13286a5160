package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carebrain/internal/config"
	"carebrain/internal/db"
	"carebrain/internal/engine"
	"carebrain/internal/migrate"
	"carebrain/internal/repo"
)

// ResolveConfig picks the active configuration and makes sure it is stored.
// An explicit override wins, then carebrain.yml in the workspace, then the
// stored config, then the defaults. The rule table is seeded from the
// config the first time it is empty.
func ResolveConfig(ctx context.Context, workspace, overridePath string, r repo.Repo) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if overridePath != "" {
		if cfg, err = config.FromFile(overridePath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", overridePath, err)
		}
	} else if cfg, err = config.LoadOptional(workspace); err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	fromFile := cfg != nil
	if cfg == nil {
		stored, err := r.GetConfig(ctx, nil)
		switch {
		case err == nil:
			cfg = stored
		case errors.Is(err, repo.ErrNotFound):
			cfg = config.Default()
			fromFile = true
		default:
			return nil, err
		}
	}
	if err := seed(ctx, r, cfg, fromFile); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed stores cfg when it came from a file or the defaults, and loads its
// rules when the catalog is still empty.
func seed(ctx context.Context, r repo.Repo, cfg *config.Config, store bool) error {
	now := time.Now().UTC()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if store {
		if err := r.PutConfig(ctx, tx, cfg, now); err != nil {
			return fmt.Errorf("store config: %w", err)
		}
	}
	existing, err := r.ListRules(ctx, tx, "", false)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		list, err := cfg.RuleSet()
		if err != nil {
			return err
		}
		for _, rule := range list {
			if err := r.UpsertRule(ctx, tx, rule, now); err != nil {
				return fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
		}
	}
	return tx.Commit()
}

// Open opens and migrates the workspace database and builds an engine on
// the resolved configuration. The caller closes the returned handle.
func Open(ctx context.Context, workspace, configPath string, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := ResolveConfig(ctx, workspace, configPath, repo.Repo{DB: conn})
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	eng := engine.New(conn, cfg)
	if logger != nil {
		eng.Logger = logger
	}
	return eng, conn, nil
}
