package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/engine/auth"
	"carebrain/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"VERSION_MISMATCH"`
	Message string         `json:"message" example:"expected version 3, current version is 4"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"current_version\":4}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the care coordination API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are malformed requests, not domain refusals.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Carebrain API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerResidents(group, cfg.Engine)
	registerBrainState(group, cfg.Engine)
	registerObservations(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerTimeline(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// statusForCode maps engine error codes onto HTTP statuses.
func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeInvalidRequest:
		return http.StatusBadRequest
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeVersionMismatch, engine.CodeExceptionAlreadyTriaged:
		return http.StatusConflict
	case engine.CodeStorageTimeout:
		return http.StatusServiceUnavailable
	case engine.CodeRuleEvaluationFailed:
		return http.StatusInternalServerError
	case engine.CodeInvalidTransition,
		engine.CodeBlockedByEmergency,
		engine.CodeBlockedByRule,
		engine.CodeSameState,
		engine.CodeNoBrainState,
		engine.CodeInvalidActionForState,
		engine.CodeInvalidTaskTransition,
		engine.CodeInvalidExceptionTransition:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "FORBIDDEN", err.Error(), map[string]any{"permission": fe.Permission, "actor_type": fe.ActorType})
	}
	if ce, ok := engine.AsError(err); ok {
		details := map[string]any{}
		for k, v := range ce.Details {
			details[k] = v
		}
		if ce.Block != nil {
			details["block"] = ce.Block
		}
		if ce.Current != nil {
			details["current"] = ce.Current
		}
		if ce.Retryable {
			details["retryable"] = true
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(statusForCode(ce.Code), string(ce.Code), ce.Message, details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, string(engine.CodeNotFound), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(engine.CodeInvalidRequest)
	case http.StatusNotFound:
		return string(engine.CodeNotFound)
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusInternalServerError:
		return "INTERNAL_ERROR"
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requirePermission authenticates the caller and checks perm against the
// configured grants of its actor type.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (domain.Actor, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	if err := e.Auth.Require(principal.Actor, perm); err != nil {
		return domain.Actor{}, err
	}
	return principal.Actor, nil
}

// callerActor authenticates the caller for writes. Permission checks for
// writes happen in the engine.
func callerActor(ctx context.Context) (domain.Actor, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	return principal.Actor, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			if oas.Components != nil && oas.Components.Schemas != nil {
				oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
			}
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Carebrain API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
