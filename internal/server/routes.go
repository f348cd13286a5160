package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"carebrain/internal/config"
	"carebrain/internal/domain"
	"carebrain/internal/engine"
	"carebrain/internal/engine/auth"
	"carebrain/internal/migrate"
	"carebrain/internal/repo"
)

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[HealthResponse], error) {
		version, err := migrate.CurrentVersion(ctx, e.DB)
		if err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "UNAVAILABLE", "database unavailable", map[string]any{"error": err.Error()})
		}
		return reply(HealthResponse{Status: "ok", SchemaVersion: version}), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(WhoAmIResponse{
			ActorID:     principal.Actor.ID,
			ActorType:   principal.Actor.Type,
			Source:      principal.Source,
			Permissions: nonNilSlice(e.Auth.Permissions(principal.Actor.Type)),
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		actor := domain.Actor{ID: strings.TrimSpace(input.Body.ActorID), Type: input.Body.ActorType}
		if actor.ID == "" || !auth.KnownActorType(actor.Type) {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id and a known actor_type are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, time.Duration(input.Body.TTLSeconds)*time.Second)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token}), nil
	})
}

func registerResidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "activate-resident",
		Method:      http.MethodPost,
		Path:        "/residents",
		Summary:     "Activate a resident and create its brain state",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ActivateResidentRequest `json:"body"`
	}) (*output[ResidentResponse], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		st, err := e.ActivateResident(ctx, engine.ActivateRequest{
			Resident: domain.Resident{
				ID:                 b.ID,
				AgencyID:           b.AgencyID,
				DisplayName:        b.DisplayName,
				SupervisionEnabled: b.SupervisionEnabled,
				ServiceModel:       b.ServiceModel,
				PrimaryCaregiverID: b.PrimaryCaregiverID,
			},
			Baselines:     b.Baselines,
			Actor:         actor,
			CorrelationID: b.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.GetResident(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ResidentResponse{Resident: res, BrainState: &st}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-residents",
		Method:      http.MethodGet,
		Path:        "/residents",
		Summary:     "List residents",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgencyID string `query:"agency_id"`
	}) (*output[ResidentList], error) {
		if _, err := requirePermission(ctx, e, auth.PermStateRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListResidents(ctx, input.AgencyID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ResidentList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resident",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}",
		Summary:     "Get a resident with its brain state",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*output[ResidentResponse], error) {
		if _, err := requirePermission(ctx, e, auth.PermStateRead); err != nil {
			return nil, handleError(err)
		}
		res, err := e.GetResident(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		out := ResidentResponse{Resident: res}
		if st, err := e.GetBrainState(ctx, input.ResidentID); err == nil {
			out.BrainState = &st
		} else if engine.CodeOf(err) != engine.CodeNoBrainState {
			return nil, handleError(err)
		}
		return reply(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-baseline",
		Method:      http.MethodPut,
		Path:        "/residents/{resident_id}/baselines/{metric}",
		Summary:     "Set a resident baseline",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string          `path:"resident_id"`
		Metric     string          `path:"metric"`
		Body       BaselineRequest `json:"body"`
	}) (*output[domain.Baseline], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.SetBaseline(ctx, input.ResidentID, input.Metric, input.Body.Value, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})
}

func registerBrainState(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-brain-state",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/brain-state",
		Summary:     "Current care, emergency and connectivity state",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*output[domain.BrainState], error) {
		if _, err := requirePermission(ctx, e, auth.PermStateRead); err != nil {
			return nil, handleError(err)
		}
		st, err := e.GetBrainState(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-brain-state-history",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/brain-state/history",
		Summary:     "Transition log, oldest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*output[HistoryList], error) {
		if _, err := requirePermission(ctx, e, auth.PermStateRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.History(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(HistoryList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-brain-state",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/brain-state/verify",
		Summary:     "Replay the transition log and compare it with the stored state",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*output[VerifyResponse], error) {
		if _, err := requirePermission(ctx, e, auth.PermStateRead); err != nil {
			return nil, handleError(err)
		}
		st, err := e.VerifyBrainState(ctx, input.ResidentID)
		if err != nil {
			if _, typed := engine.AsError(err); typed {
				return nil, handleError(err)
			}
			return reply(VerifyResponse{Consistent: false, State: st, Detail: err.Error()}), nil
		}
		return reply(VerifyResponse{Consistent: true, State: st}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/residents/{resident_id}/transitions",
		Summary:     "Apply a state machine action with optimistic concurrency",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResidentID string            `path:"resident_id"`
		Body       TransitionRequest `json:"body"`
	}) (*output[engine.TransitionResult], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.Transition(ctx, engine.TransitionRequest{
			ResidentID:      input.ResidentID,
			ExpectedVersion: input.Body.ExpectedVersion,
			Action:          input.Body.Action,
			Actor:           actor,
			Reason:          input.Body.Reason,
			CorrelationID:   input.Body.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(engine.TransitionResult{Success: true, NewState: &st, NewVersion: st.Version}), nil
	})
}

func registerObservations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-observation",
		Method:      http.MethodPost,
		Path:        "/residents/{resident_id}/observations",
		Summary:     "Record an observation and evaluate the rules of its domain",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID     string             `path:"resident_id"`
		IdempotencyKey string             `header:"Idempotency-Key"`
		Body           ObservationRequest `json:"body"`
	}) (*output[ObservationResponse], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		var payload json.RawMessage
		if b.Payload != nil {
			if payload, err = json.Marshal(b.Payload); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "payload must be a JSON object", nil)
			}
		}
		key := b.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		res, err := e.SubmitObservation(ctx, engine.ObservationInput{
			ResidentID:     input.ResidentID,
			Source:         b.Source,
			Domain:         b.Domain,
			Metric:         b.Metric,
			Value:          b.Value,
			Payload:        payload,
			ObservedAt:     timeOrZero(b.ObservedAt),
			CorrelationID:  b.CorrelationID,
			IdempotencyKey: key,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(observationResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-family-report",
		Method:      http.MethodPost,
		Path:        "/residents/{resident_id}/family-reports",
		Summary:     "Record a family report about a resident",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID     string              `path:"resident_id"`
		IdempotencyKey string              `header:"Idempotency-Key"`
		Body           FamilyReportRequest `json:"body"`
	}) (*output[ObservationResponse], error) {
		actor, err := requirePermission(ctx, e, auth.PermFamilyWrite)
		if err != nil {
			return nil, handleError(err)
		}
		key := input.Body.IdempotencyKey
		if key == "" {
			key = input.IdempotencyKey
		}
		res, err := e.OnFamilyWrite(ctx, engine.FamilyWrite{
			ResidentID:     input.ResidentID,
			FamilyMemberID: actor.ID,
			Severity:       input.Body.Severity,
			Message:        input.Body.Message,
			ObservedAt:     timeOrZero(input.Body.ObservedAt),
			CorrelationID:  input.Body.CorrelationID,
			IdempotencyKey: key,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(observationResponse(res)), nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	list := func(ctx context.Context, q engine.SignalQuery) (*output[SignalList], error) {
		if _, err := requirePermission(ctx, e, auth.PermSignalRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListActiveSignals(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(SignalList{Items: nonNilSlice(items)}), nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-resident-signals",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/signals",
		Summary:     "Active signals for a resident, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID       string `path:"resident_id"`
		IncludeDismissed bool   `query:"include_dismissed"`
		Limit            int    `query:"limit" default:"50"`
	}) (*output[SignalList], error) {
		return list(ctx, engine.SignalQuery{
			ResidentID:       input.ResidentID,
			IncludeDismissed: input.IncludeDismissed,
			Limit:            normalizeLimit(input.Limit),
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agency-signals",
		Method:      http.MethodGet,
		Path:        "/agencies/{agency_id}/signals",
		Summary:     "Active signals across an agency, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		AgencyID         string `path:"agency_id"`
		IncludeDismissed bool   `query:"include_dismissed"`
		Limit            int    `query:"limit" default:"50"`
	}) (*output[SignalList], error) {
		return list(ctx, engine.SignalQuery{
			AgencyID:         input.AgencyID,
			IncludeDismissed: input.IncludeDismissed,
			Limit:            normalizeLimit(input.Limit),
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-signal",
		Method:      http.MethodGet,
		Path:        "/signals/{signal_id}",
		Summary:     "Get a signal with its why block",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		SignalID string `path:"signal_id"`
	}) (*output[domain.Signal], error) {
		if _, err := requirePermission(ctx, e, auth.PermSignalRead); err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetSignal(ctx, input.SignalID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-signal",
		Method:      http.MethodPost,
		Path:        "/signals/{signal_id}/dismiss",
		Summary:     "Soft-dismiss a signal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		SignalID string               `path:"signal_id"`
		Body     DismissSignalRequest `json:"body"`
	}) (*output[domain.Signal], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.DismissSignal(ctx, input.SignalID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})
}

func registerExceptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/exceptions",
		Summary:     "Exceptions raised for a resident",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
		State      string `query:"state" enum:"PENDING,TRIAGED,RESOLVED"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[ExceptionList], error) {
		if _, err := requirePermission(ctx, e, auth.PermExceptionRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListExceptions(ctx, repo.ExceptionFilter{
			ResidentID: input.ResidentID,
			State:      input.State,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ExceptionList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exception",
		Method:      http.MethodGet,
		Path:        "/exceptions/{exception_id}",
		Summary:     "Get an exception",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ExceptionID string `path:"exception_id"`
	}) (*output[domain.Exception], error) {
		if _, err := requirePermission(ctx, e, auth.PermExceptionRead); err != nil {
			return nil, handleError(err)
		}
		x, err := e.GetException(ctx, input.ExceptionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "triage-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/triage",
		Summary:     "Record the supervisor decision on a pending exception",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ExceptionID string        `path:"exception_id"`
		Body        TriageRequest `json:"body"`
	}) (*output[engine.TriageResult], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Triage(ctx, engine.TriageRequest{
			ExceptionID:   input.ExceptionID,
			Decision:      input.Body.Decision,
			Actor:         actor,
			Comments:      input.Body.Comments,
			AssigneeID:    input.Body.AssigneeID,
			CorrelationID: input.Body.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{exception_id}/resolve",
		Summary:     "Resolve a triaged exception",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ExceptionID string                  `path:"exception_id"`
		Body        ResolveExceptionRequest `json:"body"`
	}) (*output[domain.Exception], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		x, err := e.ResolveException(ctx, input.ExceptionID, actor, input.Body.Justification)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(x), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/residents/{resident_id}/tasks",
		Summary:       "Create a routine task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string            `path:"resident_id"`
		Body       CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.NewTask{
			ResidentID:    input.ResidentID,
			Category:      input.Body.Category,
			Title:         input.Body.Title,
			Priority:      input.Body.Priority,
			DueAt:         timeOrZero(input.Body.DueAt),
			AssigneeID:    input.Body.AssigneeID,
			CorrelationID: input.Body.CorrelationID,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/tasks",
		Summary:     "Tasks for a resident, by due time",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
		OpenOnly   bool   `query:"open_only"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[TaskList], error) {
		if _, err := requirePermission(ctx, e, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilter{
			ResidentID: input.ResidentID,
			OpenOnly:   input.OpenOnly,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(TaskList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-board",
		Method:      http.MethodGet,
		Path:        "/residents/{resident_id}/board",
		Summary:     "Open tasks bucketed into now, next and later",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID string `path:"resident_id"`
	}) (*output[BoardResponse], error) {
		if _, err := requirePermission(ctx, e, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		b, err := e.Board(ctx, input.ResidentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(boardResponse(input.ResidentID, b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*output[domain.Task], error) {
		if _, err := requirePermission(ctx, e, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Move a task along its lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*output[engine.TaskUpdateResult], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.UpdateTaskState(ctx, engine.TaskUpdate{
			TaskID:        input.TaskID,
			Action:        input.Body.Action,
			Reason:        input.Body.Reason,
			AssigneeID:    input.Body.AssigneeID,
			CorrelationID: input.Body.CorrelationID,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
}

func registerTimeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/timeline",
		Summary:     "Timeline events in sequence order",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResidentID    string `query:"resident_id"`
		CorrelationID string `query:"correlation_id"`
		ActorID       string `query:"actor_id"`
		ActorType     string `query:"actor_type"`
		EventType     string `query:"event_type"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*output[TimelinePage], error) {
		if _, err := requirePermission(ctx, e, auth.PermTimelineRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		items, err := e.Timeline(ctx, repo.TimelineFilter{
			ResidentID:    input.ResidentID,
			CorrelationID: input.CorrelationID,
			ActorID:       input.ActorID,
			ActorType:     input.ActorType,
			EventType:     input.EventType,
			AfterSeq:      after,
			Limit:         limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := TimelinePage{Items: []domain.TimelineEvent{}}
		if len(items) > limit {
			items = items[:limit]
			page.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		page.Items = append(page.Items, items...)
		return reply(page), nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "Stored rule catalog",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Category string `query:"category"`
	}) (*output[RuleList], error) {
		if _, err := callerActor(ctx); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRules(ctx, input.Category)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RuleList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-rules",
		Method:      http.MethodPut,
		Path:        "/rules",
		Summary:     "Import a rule catalog as YAML or JSON",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/yaml"`
	}) (*output[RuleImportResponse], error) {
		actor, err := callerActor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		data := input.RawBody
		if len(data) == 0 {
			data = bodyBytes(ctx)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		list, err := config.ParseRules(data)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "", err.Error(), nil)
		}
		n, err := e.ImportRules(ctx, list, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RuleImportResponse{Imported: n}), nil
	})
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
