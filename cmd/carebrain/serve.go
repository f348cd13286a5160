package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"carebrain/internal/app"
	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
	"carebrain/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			e, conn, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("config"), logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			keys, err := parseAPIKeys(viper.GetStringSlice("api-key"))
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				APIKeys:                keys,
				AllowLegacyActorHeader: viper.GetBool("allow-legacy-headers"),
				DevLogin:               viper.GetBool("dev-login"),
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && len(authCfg.APIKeys) == 0 && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("CAREBRAIN_JWT_SECRET, --api-key or --allow-legacy-headers is required")
			}
			if authCfg.DevLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs a JWT secret to sign tokens")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			server.StartFeeds(ctx, e, logger)
			go func() {
				if err := e.RunSweeper(ctx, sweepEvery); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("sweeper stopped", "error", err)
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", "addr", addr, "base_path", basePath)
			fmt.Printf("Serving Carebrain API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&sweepEvery, "sweep-interval", 0, "window sweep interval (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().StringSlice("api-key", nil, "API key as key=ACTOR_TYPE:actor-id (repeatable)")
	cmd.Flags().Bool("allow-legacy-headers", false, "accept X-Actor-Id/X-Actor-Type headers")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login")
	for _, name := range []string{"jwt-secret", "api-key", "allow-legacy-headers", "dev-login"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// parseAPIKeys reads key=ACTOR_TYPE:actor-id pairs.
func parseAPIKeys(in []string) (map[string]domain.Actor, error) {
	out := make(map[string]domain.Actor, len(in))
	for _, raw := range in {
		key, who, ok := strings.Cut(raw, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid api key %q, want key=ACTOR_TYPE:actor-id", raw)
		}
		actorType, actorID, ok := strings.Cut(who, ":")
		actorType = strings.ToUpper(actorType)
		if !ok || actorID == "" || !auth.KnownActorType(actorType) {
			return nil, fmt.Errorf("invalid api key actor %q", who)
		}
		out[key] = domain.Actor{Type: actorType, ID: actorID}
	}
	return out, nil
}
