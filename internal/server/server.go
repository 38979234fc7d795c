package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"steward/internal/ability"
	"steward/internal/app"
	"steward/internal/audit"
	"steward/internal/auth"
	"steward/internal/domain"
	"steward/internal/logging"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Version  string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"capability approve_abilities required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"capability\":\"approve_abilities\"}"`
}

// apiError is the error envelope every failing route returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the steward admin API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if status == http.StatusUnprocessableEntity || status == http.StatusBadRequest {
			status = http.StatusBadRequest
			if len(errs) > 0 {
				msgs := make([]string, 0, len(errs))
				for _, e := range errs {
					msgs = append(msgs, e.Error())
				}
				details = map[string]any{"errors": msgs}
			}
			return newAPIError(status, "invalid_input", msg, details)
		}
		return newAPIError(status, "", msg, nil)
	}

	a := cfg.App
	router := chi.NewRouter()
	router.Use(requestLogger(logging.OrNop(cfg.Auth.Logger)))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, a.Resolver, a.APIKeys))
	hcfg := huma.DefaultConfig("Steward API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAbilities(group, a)
	registerQueue(group, a)
	registerAudit(group, a)
	registerFlags(group, a)
	registerCache(group, a)
	registerGovernance(group, a)
	registerGateway(group, a)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)))
		})
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var ie domain.InvalidInputError
	if errors.As(err, &ie) {
		details := map[string]any{"reason": ie.Reason}
		if ie.Field != "" {
			details["field"] = ie.Field
		}
		return newAPIError(http.StatusBadRequest, "invalid_input", err.Error(), details)
	}
	var ue domain.UpstreamError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadGateway, "upstream_failure", ue.Message, map[string]any{"ability": ue.Ability})
	}
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrAlreadyProcessed):
		return newAPIError(http.StatusConflict, "already_processed", err.Error(), nil)
	case errors.Is(err, domain.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, domain.ErrDeliveryFailure):
		return newAPIError(http.StatusBadGateway, "upstream_failure", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid_input"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "already_processed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadGateway:
		return "upstream_failure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireActor resolves the request actor and checks capability when non-empty.
func requireActor(ctx context.Context, capability string) (auth.Actor, huma.StatusError) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return auth.Actor{}, authErr
	}
	if err := actor.Require(capability); err != nil {
		return auth.Actor{}, handleError(err)
	}
	return actor, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Steward API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body HealthResponse }, error) {
		return &struct{ Body HealthResponse }{Body: HealthResponse{Status: "ok"}}, nil
	})
}

// AbilityPath binds the {category}/{action} segments of ability routes.
type AbilityPath struct {
	Category string `path:"category"`
	Action   string `path:"action"`
}

func (p AbilityPath) name() string { return p.Category + "/" + p.Action }

func registerAbilities(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-abilities",
		Method:      http.MethodGet,
		Path:        "/abilities",
		Summary:     "List abilities",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body AbilitiesResponse }, error) {
		if _, err := requireActor(ctx, ""); err != nil {
			return nil, err
		}
		items, err := a.Abilities(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body AbilitiesResponse }{Body: AbilitiesResponse{Items: items}}, nil
	})

	type dispatchOutput struct {
		Status int
		Body   DispatchResponse
	}
	huma.Register(api, huma.Operation{
		OperationID: "dispatch-ability",
		Method:      http.MethodPost,
		Path:        "/abilities/{category}/{action}/dispatch",
		Summary:     "Dispatch an ability",
		Description: "Runs the ability, or queues it for approval and answers 202 with the queue id.",
	}, func(ctx context.Context, input *struct {
		AbilityPath
		Body DispatchRequest `required:"false"`
	}) (*dispatchOutput, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.Dispatcher.Dispatch(ctx, input.name(), input.Body.Input, actor)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if res.Status == ability.StatusDeferred {
			status = http.StatusAccepted
		}
		return &dispatchOutput{Status: status, Body: res}, nil
	})

	for _, enabled := range []bool{true, false} {
		verb := "enable"
		if !enabled {
			verb = "disable"
		}
		huma.Register(api, huma.Operation{
			OperationID: verb + "-ability",
			Method:      http.MethodPost,
			Path:        "/abilities/{category}/{action}/" + verb,
			Summary:     strings.ToUpper(verb[:1]) + verb[1:] + " an ability",
		}, func(ctx context.Context, input *AbilityPath) (*struct{ Body AbilityStateResponse }, error) {
			actor, authErr := requireActor(ctx, "")
			if authErr != nil {
				return nil, authErr
			}
			if err := a.SetAbilityEnabled(ctx, input.name(), enabled, actor); err != nil {
				return nil, handleError(err)
			}
			return &struct{ Body AbilityStateResponse }{Body: AbilityStateResponse{Name: input.name(), Enabled: enabled}}, nil
		})
	}
}

func registerQueue(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List pending approvals",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body QueueResponse }, error) {
		if _, err := requireActor(ctx, "approve_abilities"); err != nil {
			return nil, err
		}
		items, err := a.Queue.ListPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body QueueResponse }{Body: QueueResponse{Items: items}}, nil
	})

	type queuePath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "approve-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/approve",
		Summary:     "Approve and execute a queued ability",
	}, func(ctx context.Context, input *queuePath) (*struct{ Body ApproveResponse }, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		data, err := a.Approve(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body ApproveResponse }{Body: ApproveResponse{ID: input.ID, Status: string(domain.QueueApproved), Result: data}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-queue-item",
		Method:      http.MethodPost,
		Path:        "/queue/{id}/reject",
		Summary:     "Reject a queued ability",
	}, func(ctx context.Context, input *queuePath) (*struct{ Body RejectResponse }, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		if err := a.Reject(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body RejectResponse }{Body: RejectResponse{ID: input.ID, Status: string(domain.QueueRejected)}}, nil
	})
}

func registerAudit(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Query the audit log, newest first",
	}, func(ctx context.Context, input *struct {
		EventType string `query:"event_type"`
		Source    string `query:"source" doc:"ability, governance or system"`
		ActorID   string `query:"actor_id"`
		Since     string `query:"since" doc:"RFC3339 lower bound"`
		BeforeID  int64  `query:"before_id" doc:"Cursor from next_before_id"`
		Limit     int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct{ Body AuditResponse }, error) {
		if _, err := requireActor(ctx, "read_audit"); err != nil {
			return nil, err
		}
		q := audit.Query{
			EventType: input.EventType,
			Source:    input.Source,
			ActorID:   input.ActorID,
			BeforeID:  input.BeforeID,
			Limit:     normalizeLimit(input.Limit),
		}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "invalid_input", "since must be RFC3339", map[string]any{"field": "since"})
			}
			q.Since = since
		}
		items, err := a.Audit.List(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditResponse{Items: items}
		if len(items) == q.Limit {
			resp.NextBeforeID = items[len(items)-1].ID
		}
		return &struct{ Body AuditResponse }{Body: resp}, nil
	})
}

func registerFlags(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-flags",
		Method:      http.MethodGet,
		Path:        "/flags",
		Summary:     "List feature flags",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body FlagsResponse }, error) {
		if _, err := requireActor(ctx, ""); err != nil {
			return nil, err
		}
		items, err := a.Flags.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body FlagsResponse }{Body: FlagsResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-flag",
		Method:      http.MethodPut,
		Path:        "/flags/{key}",
		Summary:     "Set a feature flag",
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body SetFlagRequest
	}) (*struct{ Body domain.FeatureFlag }, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		flag, err := a.SetFlag(ctx, input.Key, input.Body.Enabled, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.FeatureFlag }{Body: flag}, nil
	})
}

func registerCache(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "flush-cache",
		Method:      http.MethodPost,
		Path:        "/cache/flush",
		Summary:     "Flush the gateway response cache",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body CacheFlushResponse }, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		n, err := a.FlushCache(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body CacheFlushResponse }{Body: CacheFlushResponse{Removed: n}}, nil
	})
}

func registerGovernance(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-governance-tasks",
		Method:      http.MethodGet,
		Path:        "/governance/tasks",
		Summary:     "List governance tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body TasksResponse }, error) {
		if _, err := requireActor(ctx, "manage_governance"); err != nil {
			return nil, err
		}
		return &struct{ Body TasksResponse }{Body: TasksResponse{Items: a.Runner.Tasks(ctx)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-governance-task",
		Method:      http.MethodPost,
		Path:        "/governance/tasks/{key}/run",
		Summary:     "Run one governance task now",
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct{ Body TaskRunResponse }, error) {
		if _, err := requireActor(ctx, "manage_governance"); err != nil {
			return nil, err
		}
		res, err := a.Runner.RunTask(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body TaskRunResponse }{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-governance-batch",
		Method:      http.MethodPost,
		Path:        "/governance/run",
		Summary:     "Run a batch of governance tasks",
		Description: "Runs the listed tasks, or every enabled task when keys is empty.",
	}, func(ctx context.Context, input *struct {
		Body RunTaskRequest `required:"false"`
	}) (*struct{ Body BatchResponse }, error) {
		if _, err := requireActor(ctx, "manage_governance"); err != nil {
			return nil, err
		}
		var batch BatchResponse
		if len(input.Body.Keys) == 0 {
			batch = a.Runner.RunAllEnabled(ctx)
		} else {
			batch = a.Runner.Run(ctx, input.Body.Keys)
		}
		return &struct{ Body BatchResponse }{Body: batch}, nil
	})
}

func registerGateway(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "gateway-status",
		Method:      http.MethodGet,
		Path:        "/gateway/status",
		Summary:     "AI gateway and circuit state",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body GatewayStatusResponse }, error) {
		if _, err := requireActor(ctx, ""); err != nil {
			return nil, err
		}
		return &struct{ Body GatewayStatusResponse }{Body: a.Gateway.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-gateway-circuit",
		Method:      http.MethodPost,
		Path:        "/gateway/reset",
		Summary:     "Close the AI gateway circuit",
	}, func(ctx context.Context, _ *struct{}) (*struct{ Body CircuitResponse }, error) {
		actor, authErr := requireActor(ctx, "")
		if authErr != nil {
			return nil, authErr
		}
		state, err := a.ResetCircuit(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body CircuitResponse }{Body: state}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 500 {
		return 500
	}
	return in
}
