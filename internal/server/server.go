package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pressline/internal/deadline"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/engine/auth"
	"pressline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"edition.launch requires sales_manager or admin (role \"editorial_team\")"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// body wraps a response payload for huma.
type body[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the pressline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo))
	hcfg := huma.DefaultConfig("Pressline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerDevAuth(group, e, cfg.Auth)
	registerUsers(group, e)
	registerEditions(group, e)
	registerTasks(group, e)
	registerAutomation(group, e)
	registerApprovals(group, e)
	registerDeadlines(group, e)
	registerNotifications(group, e)
	registerEvents(group, e)
	registerStream(router, basePath, e)
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
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": fe.Operation, "role": fe.Role})
	}
	var ue domain.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "transition_not_permitted", err.Error(), map[string]any{"status": ue.Status, "required": ue.Required})
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var te domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrApprovalExpired):
		return newAPIError(http.StatusGone, "approval_expired", err.Error(), nil)
	case errors.Is(err, domain.ErrDuplicateAutomation):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath)) //nolint:errcheck
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec) //nolint:errcheck
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Pressline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*body[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{UserID: p.UserID, Role: p.Role, Source: p.Source}), nil
	})
}

func registerDevAuth(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	if !authCfg.DevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a directory user",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*body[DevLoginResponse], error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if _, err := e.Repo.GetUser(ctx, userID); err != nil {
			return nil, handleError(fmt.Errorf("user %s: %w", userID, err))
		}
		now := e.Clock.Now()
		token, err := SignToken(authCfg.JWTSecret, userID, authCfg.ttl(), now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(DevLoginResponse{Token: token, ExpiresAt: now.Add(authCfg.ttl())}), nil
	})
}

func registerUsers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create or replace a directory user",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*body[domain.User], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, actor, domain.User{
			ID:         input.Body.ID,
			Name:       input.Body.Name,
			Email:      input.Body.Email,
			Role:       input.Body.Role,
			Department: input.Body.Department,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List directory users",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role"`
		Department string `query:"department"`
	}) (*body[[]domain.User], error) {
		var f repo.UserFilter
		if input.Role != "" {
			f.Roles = []string{input.Role}
		}
		if input.Department != "" {
			f.Departments = []string{input.Department}
		}
		users, err := e.ListUsers(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(users)), nil
	})
}

type EditionPath struct {
	EditionID string `path:"edition_id"`
}

func registerEditions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-edition",
		Method:        http.MethodPost,
		Path:          "/editions",
		Summary:       "Create edition",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateEditionRequest `json:"body"`
	}) (*body[domain.Edition], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ed, err := e.CreateEdition(ctx, actor, engine.EditionCreateOptions{ID: input.Body.ID, BrandID: input.Body.BrandID, Name: input.Body.Name})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-editions",
		Method:      http.MethodGet,
		Path:        "/editions",
		Summary:     "List editions",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*body[[]domain.Edition], error) {
		items, err := e.ListEditions(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-edition",
		Method:      http.MethodGet,
		Path:        "/editions/{edition_id}",
		Summary:     "Get edition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[domain.Edition], error) {
		ed, err := e.GetEdition(ctx, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-launch",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/launch",
		Summary:     "Request launch and start automation",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EditionPath
		Body LaunchRequest `json:"body"`
	}) (*body[domain.Edition], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ed, err := e.RequestLaunch(ctx, actor, input.EditionID, input.Body.LaunchDate, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sign-off-edition",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/sign-off",
		Summary:     "Sign off and archive a generated edition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EditionPath
		Body SignOffRequest `json:"body"`
	}) (*body[domain.Edition], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ed, err := e.SignOff(ctx, actor, input.EditionID, input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})
}

type TaskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*body[domain.Task], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, actor, engine.TaskCreateOptions{
			EditionID:   input.Body.EditionID,
			Department:  input.Body.Department,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			AssigneeID:  input.Body.AssigneeID,
			Deadline:    input.Body.Deadline,
			Priority:    input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EditionID  string `query:"edition_id"`
		Department string `query:"department"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*body[[]domain.Task], error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			EditionID:  input.EditionID,
			Department: input.Department,
			Status:     input.Status,
			AssigneeID: input.AssigneeID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *TaskPath) (*body[domain.Task], error) {
		t, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Move a task through its department workflow",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body TransitionRequest `json:"body"`
	}) (*body[domain.Task], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.TransitionTask(ctx, actor, input.TaskID, input.Body.Status, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/assign",
		Summary:     "Assign task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		TaskPath
		Body AssignRequest `json:"body"`
	}) (*body[domain.Task], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, actor, input.TaskID, input.Body.AssigneeID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerAutomation(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "track-edition",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/automation",
		Summary:     "Start tracking an edition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[domain.AutomationContext], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.TrackEdition(ctx, actor, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "automation-status",
		Method:      http.MethodGet,
		Path:        "/editions/{edition_id}/automation",
		Summary:     "Automation status of an edition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[AutomationStatusResponse], error) {
		st, err := e.AutomationStatus(ctx, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(automationStatusResponse(st)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-automation",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/automation/pause",
		Summary:     "Pause automation",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[domain.AutomationContext], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.PauseAutomation(ctx, actor, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-automation",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/automation/resume",
		Summary:     "Resume automation",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[domain.AutomationContext], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.ResumeAutomation(ctx, actor, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "stop-automation",
		Method:        http.MethodDelete,
		Path:          "/editions/{edition_id}/automation",
		Summary:       "Stop tracking an edition",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.StopAutomation(ctx, actor, input.EditionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edition-history",
		Method:      http.MethodGet,
		Path:        "/editions/{edition_id}/history",
		Summary:     "Event history of an edition",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *EditionPath) (*body[[]domain.Event], error) {
		items, err := e.AutomationHistory(ctx, input.EditionID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "Pending scheduled actions",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[[]domain.ScheduledAction], error) {
		items, err := e.PendingSchedules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "override-schedule",
		Method:      http.MethodPatch,
		Path:        "/schedules/{id}",
		Summary:     "Move a pending action; id is a task id or an action id",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body OverrideScheduleRequest `json:"body"`
	}) (*body[domain.ScheduledAction], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.OverrideSchedule(ctx, actor, input.ID, input.Body.FireAt)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-print-approval",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/print-approval",
		Summary:     "Request print approval",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		EditionPath
		Body PrintApprovalRequest `json:"body"`
	}) (*body[domain.Edition], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ed, err := e.RequestPrintApproval(ctx, actor, input.EditionID, input.Body.Comments)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-print",
		Method:      http.MethodPost,
		Path:        "/editions/{edition_id}/print-approval/{department}",
		Summary:     "Record a department's print approval",
		Errors:      append([]int{http.StatusGone}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		EditionPath
		Department string `path:"department" enum:"Sales,Editorial"`
	}) (*body[domain.Edition], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ed, err := e.ApprovePrint(ctx, actor, input.EditionID, input.Department)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ed), nil
	})
}

func registerDeadlines(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep-deadlines",
		Method:      http.MethodPost,
		Path:        "/deadlines/sweep",
		Summary:     "Run the approaching, missed and overdue sweeps now",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[deadline.Summary], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := e.SweepDeadlines(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(sum), nil
	})
}

func registerNotifications(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notifications of the caller, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit" default:"50"`
	}) (*body[[]domain.Notification], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Notifications(ctx, actor, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-notification-read",
		Method:        http.MethodPost,
		Path:          "/notifications/{id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkNotificationRead(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Events after a cursor, oldest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Cursor string `query:"cursor"`
		Limit  int    `query:"limit" default:"50"`
	}) (*body[paginatedEvents], error) {
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.EventsAfter(ctx, after, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})
}

// registerStream serves the caller's live notification channel as server-sent events.
func registerStream(r chi.Router, basePath string, e *engine.Engine) {
	r.Get(path.Join(basePath, "notifications/stream"), func(w http.ResponseWriter, req *http.Request) {
		p, ok := principalFromContext(req.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		e.Hub.ServeSSE(w, req, p.UserID)
	})
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
