package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"carebrain/internal/domain"
	"carebrain/internal/engine/auth"
)

type AuthConfig struct {
	JWTSecret              string
	// APIKeys maps a static key to the actor it authenticates.
	APIKeys                map[string]domain.Actor
	AllowLegacyActorHeader bool
	// DevLogin exposes POST /auth/dev/login for minting local tokens.
	DevLogin               bool
	Logger                 *slog.Logger
}

type Principal struct {
	Actor  domain.Actor
	Source string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	ActorType string `json:"actor_type"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	if !auth.KnownActorType(claims.ActorType) {
		return Principal{}, errors.New("actor_type claim missing or unknown")
	}
	return Principal{
		Actor:  domain.Actor{Type: claims.ActorType, ID: claims.Subject},
		Source: "jwt",
	}, nil
}

// signDevToken mints a short-lived HS256 token for local testing.
func signDevToken(secret string, actor domain.Actor, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ActorType: actor.Type,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(keys map[string]domain.Actor, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	actor, ok := keys[key]
	if !ok {
		return Principal{}, errors.New("unknown api key")
	}
	if actor.ID == "" || !auth.KnownActorType(actor.Type) {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{Actor: actor, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	openAPIPath := path.Join(basePath, "openapi.json")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			switch req.URL.Path {
			case healthPath, openAPIPath:
				next.ServeHTTP(w, req)
				return
			case devLoginPath:
				if cfg.DevLogin {
					next.ServeHTTP(w, req)
					return
				}
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Debug("jwt rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(cfg.APIKeys, apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if legacyActor != "" && cfg.AllowLegacyActorHeader {
				actorType := strings.ToUpper(strings.TrimSpace(req.Header.Get("X-Actor-Type")))
				if !auth.KnownActorType(actorType) {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "X-Actor-Type must name a known actor type", nil))
					return
				}
				cfg.logger().Warn("legacy actor headers used without authentication", "actor_id", legacyActor, "actor_type", actorType)
				ctx := withPrincipal(req.Context(), Principal{
					Actor:  domain.Actor{Type: actorType, ID: legacyActor},
					Source: "legacy_header",
				})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
