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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"etdflow/internal/domain"
	"etdflow/internal/engine"
	"etdflow/internal/engine/auth"
	"etdflow/internal/logger"
	"etdflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
	// Gatherer backs GET /metrics. Nil leaves the endpoint unregistered.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition PENDING_VERIFICATION -> APPROVED (role MINISTRY)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"remarks\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

var workflowErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the ETD API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	log := logger.OrNop(cfg.Log)
	if cfg.Auth.JWTSecret == "" {
		log.Warn("no JWT secret configured; only API keys will authenticate")
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, log))
	hcfg := huma.DefaultConfig("ETD API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerApplications(group, cfg.Engine)
	registerFanOut(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerLegacy(group, cfg.Engine)
	registerPrinting(group, cfg.Engine)
	registerFiles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Error("request failed", fields...)
				return
			}
			log.Debug("request", fields...)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	switch kind := engine.Kind(err); kind {
	case engine.KindInvalidTransition:
		var te engine.InvalidTransitionError
		errors.As(err, &te)
		return newAPIError(http.StatusConflict, kind, msg, map[string]any{"from": te.From, "to": te.To})
	case engine.KindForbidden:
		var fe auth.ForbiddenError
		errors.As(err, &fe)
		details := map[string]any{"action": fe.Action, "status": fe.Status}
		if fe.Agency != "" {
			details["agency"] = fe.Agency
		}
		return newAPIError(http.StatusForbidden, kind, msg, details)
	case engine.KindValidation:
		var ve engine.ValidationError
		errors.As(err, &ve)
		return newAPIError(http.StatusBadRequest, kind, msg, map[string]any{"field": ve.Field, "reason": ve.Reason})
	case engine.KindAlreadySubmitted, engine.KindConflictingUpdate:
		return newAPIError(http.StatusConflict, kind, msg, nil)
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, kind, msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, engine.KindInternal, "internal error", map[string]any{"error": msg})
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
		return engine.KindInternal
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
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
	open := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>ETD API Docs</title>
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

type idPath struct {
	ID string `path:"id"`
}

type applicationOutput struct {
	Body domain.Application `json:"body"`
}

func applicationResult(app domain.Application, err error) (*applicationOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &applicationOutput{Body: app}, nil
}

type fileOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

func fileResult(data []byte, err error) (*fileOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &fileOutput{ContentType: http.DetectContentType(data), Body: data}, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := WhoAmIResponse{
			ActorID: p.ActorID,
			Role:    string(p.Role),
			Region:  p.Region,
			Agency:  string(p.Agency),
			Source:  principalSource(ctx),
		}
		if p.Role == domain.RoleAgency {
			resp.ResolvedAgency = string(e.Router.ResolveAgency(p))
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.DevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		role, ok := domain.ParseRole(input.Body.Role)
		if actor == "" || !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		now := time.Now().UTC()
		ttl := authCfg.ttl()
		token, err := SignToken(authCfg.JWTSecret, auth.Principal{
			ActorID: actor,
			Role:    role,
			Region:  strings.TrimSpace(input.Body.Region),
			Agency:  agencyParam(input.Body.Agency),
		}, ttl, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, engine.KindInternal, err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: now.Add(ttl).Format(time.RFC3339)}}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/applications",
		Summary:       "Create a DRAFT application",
		DefaultStatus: http.StatusCreated,
		Errors:        workflowErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateApplicationRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.CreateApplication(ctx, engine.CreateInput{
			Actor:   p,
			Citizen: input.Body.Citizen,
			Region:  input.Body.Region,
			Remarks: input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/applications",
		Summary:     "List applications, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status         []string `query:"status" doc:"Comma-separated statuses"`
		Region         string   `query:"region"`
		CreatedBy      string   `query:"created_by"`
		PendingAgency  string   `query:"pending_agency"`
		AssignedAgency string   `query:"assigned_agency"`
		Search         string   `query:"search"`
		Printed        string   `query:"printed" doc:"true or false"`
		Mine           bool     `query:"mine" doc:"Only applications created by the caller"`
		Limit          int      `query:"limit" default:"50"`
		Cursor         string   `query:"cursor"`
	}) (*struct {
		Body paginatedApplications `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f := repo.ApplicationFilters{
			Statuses:        input.Status,
			Region:          input.Region,
			CreatedBy:       input.CreatedBy,
			PendingAgency:   input.PendingAgency,
			AssignedAgency:  input.AssignedAgency,
			Search:          input.Search,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		}
		if input.Mine {
			f.CreatedBy = p.ActorID
		}
		if input.Printed != "" {
			printed, err := strconv.ParseBool(input.Printed)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid printed filter", map[string]any{"printed": input.Printed})
			}
			f.Printed = &printed
		}
		items, err := e.List(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedApplications{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedApplications `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/applications/{id}",
		Summary:     "Get application",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*applicationOutput, error) {
		return applicationResult(e.Get(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-application",
		Method:      http.MethodPatch,
		Path:        "/applications/{id}",
		Summary:     "Edit a DRAFT application",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body EditApplicationRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.EditApplication(ctx, engine.EditInput{
			ApplicationID: input.ID,
			Actor:         p,
			Citizen:       input.Body.Citizen,
			Region:        input.Body.Region,
			Remarks:       input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "application-actions",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/actions",
		Summary:     "Actions the caller may perform now",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body ActionsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		actions, err := e.Actions(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionsResponse `json:"body"`
		}{Body: ActionsResponse{
			ApplicationID: app.ID,
			Status:        string(app.Status),
			Actions:       actionNames(actions),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/submit",
		Summary:     "Submit a DRAFT application",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *idPath) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.Submit(ctx, engine.SubmitInput{ApplicationID: input.ID, Actor: p}))
	})
}

func registerFanOut(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-for-verification",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/send-for-verification",
		Summary:     "Fan out to verification agencies",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body SendForVerificationRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.SendForVerification(ctx, engine.SendForVerificationInput{
			ApplicationID: input.ID,
			Actor:         p,
			Agencies:      agencies(input.Body.Agencies),
			Document:      input.Body.VerificationDocument,
			ContentType:   input.Body.DocumentContentType,
			Remarks:       input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-verification",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/submit-verification",
		Summary:     "Record one agency's verification",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body SubmitVerificationRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.SubmitVerification(ctx, engine.SubmitVerificationInput{
			ApplicationID: input.ID,
			Actor:         p,
			Agency:        agencyParam(input.Body.Agency),
			Remarks:       input.Body.Remarks,
			Attachment:    input.Body.Attachment,
			ContentType:   input.Body.AttachmentContentType,
		}))
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "review-application",
		Method:      http.MethodPatch,
		Path:        "/applications/{id}/review",
		Summary:     "Approve or reject",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.Decide(ctx, engine.DecideInput{
			ApplicationID:   input.ID,
			Actor:           p,
			Decision:        domain.Decision(input.Body.Decision),
			RejectionReason: input.Body.RejectionReason,
			BlacklistFlag:   input.Body.BlacklistFlag,
			ETDIssueDate:    input.Body.ETDIssueDate,
			ETDExpiryDate:   input.Body.ETDExpiryDate,
			Remarks:         input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "ministry-approve",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/ministry-approve",
		Summary:     "Approve",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body MinistryApproveRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.Decide(ctx, engine.DecideInput{
			ApplicationID: input.ID,
			Actor:         p,
			Decision:      domain.DecisionApprove,
			BlacklistFlag: input.Body.BlacklistFlag,
			ETDIssueDate:  input.Body.ETDIssueDate,
			ETDExpiryDate: input.Body.ETDExpiryDate,
			Remarks:       input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "ministry-reject",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/ministry-reject",
		Summary:     "Reject",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body MinistryRejectRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.Decide(ctx, engine.DecideInput{
			ApplicationID:   input.ID,
			Actor:           p,
			Decision:        domain.DecisionReject,
			RejectionReason: input.Body.RejectionReason,
			Remarks:         input.Body.Remarks,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "blacklist-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/blacklist",
		Summary:     "Blacklist",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body BlacklistRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.Blacklist(ctx, engine.BlacklistInput{
			ApplicationID: input.ID,
			Actor:         p,
			Remarks:       input.Body.Remarks,
		}))
	})
}

func registerLegacy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "send-to-agency",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/send-to-agency",
		Summary:     "Route to a single agency",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SendToAgencyRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.SendToAgency(ctx, engine.SendToAgencyInput{
			ApplicationID: input.ID,
			Actor:         p,
			Agency:        agencyParam(input.Body.Agency),
			Region:        input.Body.Region,
			Remarks:       input.Body.Remarks,
		}))
	})

	for _, route := range []struct {
		id, path, summary string
		run               func(context.Context, engine.AgencyDecisionInput) (domain.Application, error)
	}{
		{"agency-approve", "/applications/{id}/agency-approve", "Agency approves", e.AgencyApprove},
		{"agency-reject", "/applications/{id}/agency-reject", "Agency rejects", e.AgencyReject},
	} {
		run := route.run
		huma.Register(api, huma.Operation{
			OperationID: route.id,
			Method:      http.MethodPost,
			Path:        route.path,
			Summary:     route.summary,
			Errors:      workflowErrors,
		}, func(ctx context.Context, input *struct {
			ID   string                `path:"id"`
			Body AgencyDecisionRequest `json:"body"`
		}) (*applicationOutput, error) {
			p, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			return applicationResult(run(ctx, engine.AgencyDecisionInput{
				ApplicationID: input.ID,
				Actor:         p,
				Agency:        agencyParam(input.Body.Agency),
				Remarks:       input.Body.Remarks,
			}))
		})
	}
}

func registerPrinting(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "print-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/print",
		Summary:     "Record the printed ETD sheet",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body PrintRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.MarkPrinted(ctx, engine.PrintInput{
			ApplicationID: input.ID,
			Actor:         p,
			SheetNo:       input.Body.SheetNo,
		}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "qc-pass",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/qc-pass",
		Summary:     "Pass quality control",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *idPath) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.QCPass(ctx, engine.QCInput{ApplicationID: input.ID, Actor: p}))
	})

	huma.Register(api, huma.Operation{
		OperationID: "qc-fail",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/qc-fail",
		Summary:     "Fail quality control",
		Errors:      workflowErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body QCFailRequest `json:"body"`
	}) (*applicationOutput, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return applicationResult(e.QCFail(ctx, engine.QCInput{
			ApplicationID: input.ID,
			Actor:         p,
			Reason:        input.Body.Reason,
		}))
	})
}

func registerFiles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verification-document",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/verification-document",
		Summary:     "Download the verification document",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*fileOutput, error) {
		return fileResult(e.Document(ctx, input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-attachments",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/attachments",
		Summary:     "List agency attachments",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Attachment `json:"body"`
	}, error) {
		items, err := e.Attachments(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Attachment `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attachment",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/attachments/{agency}",
		Summary:     "Download an agency attachment",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Agency string `path:"agency"`
	}) (*fileOutput, error) {
		return fileResult(e.Attachment(ctx, input.ID, agencyParam(input.Agency)))
	})
}

func listEvents(ctx context.Context, e engine.Engine, f repo.EventFilters, limit int, cursor string) (paginatedEvents, error) {
	limit = normalizeLimit(limit)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return paginatedEvents{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
		}
		f.Cursor = parsed
	}
	f.Limit = limit + 1
	items, err := e.ListEvents(ctx, f)
	if err != nil {
		return paginatedEvents{}, handleError(err)
	}
	resp := paginatedEvents{Items: nonNilSlice(items)}
	if len(items) > limit {
		resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		resp.Items = items[:limit]
	}
	return resp, nil
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "application-events",
		Method:      http.MethodGet,
		Path:        "/applications/{id}/events",
		Summary:     "Audit trail of one application",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		resp, err := listEvents(ctx, e, repo.EventFilters{Type: input.Type, EntityKind: "application", EntityID: input.ID}, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" enum:"application,apikey,config"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := listEvents(ctx, e, repo.EventFilters{Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID}, input.Limit, input.Cursor)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard-stats",
		Method:      http.MethodGet,
		Path:        "/dashboard/stats",
		Summary:     "Application counts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
