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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/repo"
)

// Permissions checked by the API.
const (
	PermCategoryManage  = "category.manage"
	PermTemplateManage  = "template.manage"
	PermRuleManage      = "rule.manage"
	PermDirectoryManage = "directory.manage"
	PermRequestSubmit   = "request.submit"
	PermRequestDecide   = "request.decide"
	PermRequestRead     = "request.read"
	PermEventsRead      = "events.read"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"OutOfSequence"`
	Message string         `json:"message" example:"slot 2 must wait for slot 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"sequencing\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the signoff API.
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
			// Schema validation of the request itself is a client error.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Logger))
	hcfg := huma.DefaultConfig("Signoff API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerCategories(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerDirectory(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
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

var kindStatus = map[engine.Kind]int{
	engine.KindValidation:    http.StatusBadRequest,
	engine.KindAuthorization: http.StatusForbidden,
	engine.KindSequencing:    http.StatusConflict,
	engine.KindConflict:      http.StatusConflict,
	engine.KindResolution:    http.StatusUnprocessableEntity,
	engine.KindInvariant:     http.StatusUnprocessableEntity,
	engine.KindNotFound:      http.StatusNotFound,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if ee, ok := engine.AsError(err); ok {
		status, known := kindStatus[ee.Kind]
		if !known {
			status = http.StatusBadRequest
		}
		details := map[string]any{"kind": string(ee.Kind)}
		switch d := ee.Details.(type) {
		case nil:
		case map[string]any:
			for k, v := range d {
				details[k] = v
			}
		default:
			details["errors"] = d
		}
		return newAPIError(status, ee.Code, ee.Message, details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStaleVersion) {
		return newAPIError(http.StatusConflict, engine.CodeVersionConflict, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts permissions carried by the token first and
// falls back to the roles stored for the actor.
func requirePermission(ctx context.Context, e engine.Engine, perm string) (Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return Principal{}, authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return principal, nil
	}
	if err := e.Auth.Require(ctx, nil, principal.ActorID, perm); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				evt := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					evt = log.Error()
				}
				evt.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var once sync.Once
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

// decorateSpec documents the error envelope on every operation and the two
// credential schemes. Health and dev login stay anonymous.
func decorateSpec(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	secured := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = secured

	anonymous := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	errorSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components.Schemas != nil {
		errorSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	errorResponse := &huma.Response{
		Description: "Error",
		Content:     map[string]*huma.MediaType{"application/json": {Schema: errorSchema}},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			op.Security = secured
			if anonymous[route] {
				op.Security = []map[string][]string{}
			}
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
    <title>Signoff API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status"`
		} `json:"body"`
	}, error) {
		res := &struct {
			Body struct {
				Status string `json:"status"`
			} `json:"body"`
		}{}
		res.Body.Status = "ok"
		return res, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.WhoAmI `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		who.Roles = mergeUnique(principal.Roles, who.Roles)
		who.Permissions = mergeUnique(principal.Permissions, who.Permissions)
		return &struct {
			Body domain.WhoAmI `json:"body"`
		}{Body: who}, nil
	})
}

func registerCategories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-category",
		Method:        http.MethodPost,
		Path:          "/categories",
		Summary:       "Register a request category",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCategoryRequest `json:"body"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermCategoryManage)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateCategory(ctx, engine.CategoryCreateOptions{
			ID:                input.Body.ID,
			Code:              input.Body.Code,
			Name:              input.Body.Name,
			Fields:            input.Body.Fields,
			DefaultTemplateID: input.Body.DefaultTemplateID,
			OwnerRole:         input.Body.OwnerRole,
			Inactive:          input.Body.Inactive,
			ActorID:           principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List categories",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body listCategories `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListCategories(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listCategories `json:"body"`
		}{Body: listCategories{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-category",
		Method:      http.MethodGet,
		Path:        "/categories/{id}",
		Summary:     "Get a category by id or code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		c, err := e.FindCategory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-category",
		Method:      http.MethodPatch,
		Path:        "/categories/{id}",
		Summary:     "Update a category",
		Description: "The code is fixed at creation and cannot be patched.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateCategoryRequest `json:"body"`
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermCategoryManage)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.UpdateCategory(ctx, engine.CategoryUpdateOptions{
			ID:                input.ID,
			Name:              input.Body.Name,
			Fields:            input.Body.Fields,
			DefaultTemplateID: input.Body.DefaultTemplateID,
			OwnerRole:         input.Body.OwnerRole,
			Active:            input.Body.Active,
			ActorID:           principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create a route template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
			ID:              input.Body.ID,
			Name:            input.Body.Name,
			CategoryID:      input.Body.CategoryID,
			IsDefault:       input.Body.IsDefault,
			Active:          active,
			AgreementPolicy: input.Body.AgreementPolicy,
			Stages:          stagesFromRequest(input.Body.Stages),
			ActorID:         principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List route templates",
	}, func(ctx context.Context, input *struct {
		CategoryID string `query:"category_id"`
		Global     bool   `query:"global"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body listTemplates `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTemplates(ctx, repo.TemplateFilter{
			CategoryID: input.CategoryID,
			Global:     input.Global,
			ActiveOnly: input.ActiveOnly,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listTemplates `json:"body"`
		}{Body: listTemplates{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get a route template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPatch,
		Path:        "/templates/{id}",
		Summary:     "Update a route template",
		Description: "Requests already submitted keep the stages they were started with.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateTemplateRequest `json:"body"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		var t domain.RouteTemplate
		if b.Name != nil || b.CategoryID != nil || b.AgreementPolicy != nil || b.Active != nil {
			t, err = e.UpdateTemplate(ctx, engine.TemplateUpdateOptions{
				ID:              input.ID,
				Name:            b.Name,
				CategoryID:      b.CategoryID,
				AgreementPolicy: b.AgreementPolicy,
				Active:          b.Active,
				ActorID:         principal.ActorID,
			})
			if err != nil {
				return nil, handleError(err)
			}
		}
		if b.Stages != nil {
			t, err = e.ReplaceStages(ctx, input.ID, stagesFromRequest(*b.Stages), principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if t.ID == "" {
			if t, err = e.GetTemplate(ctx, input.ID); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-template",
		Method:        http.MethodDelete,
		Path:          "/templates/{id}",
		Summary:       "Delete a route template",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteTemplate(ctx, input.ID, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-default-template",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/default",
		Summary:     "Make a template its category's default",
		Errors:      []int{http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.SetDefaultTemplate(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "insert-stage",
		Method:      http.MethodPost,
		Path:        "/templates/{id}/stages",
		Summary:     "Insert a stage; later stages shift up",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body InsertStageRequest `json:"body"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.InsertStage(ctx, input.ID, input.Body.At, input.Body.Stage.stage(), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-stage",
		Method:      http.MethodDelete,
		Path:        "/templates/{id}/stages/{index}",
		Summary:     "Remove a stage; later stages shift down",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Index int    `path:"index"`
	}) (*struct {
		Body domain.RouteTemplate `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermTemplateManage)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.RemoveStage(ctx, input.ID, input.Index, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RouteTemplate `json:"body"`
		}{Body: t}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/rules",
		Summary:       "Create an auto-approval rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutoApprovalRule `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		r, err := e.CreateRule(ctx, engine.RuleCreateOptions{
			ID:                  b.ID,
			Name:                b.Name,
			CategoryID:          b.CategoryID,
			TargetUserIDs:       b.TargetUserIDs,
			TargetDepartmentIDs: b.TargetDepartmentIDs,
			Conditions:          b.Conditions,
			BypassApproverIDs:   b.BypassApproverIDs,
			DelaySeconds:        b.DelaySeconds,
			Inactive:            b.Inactive,
			ActorID:             principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutoApprovalRule `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/rules",
		Summary:     "List auto-approval rules in evaluation order",
	}, func(ctx context.Context, input *struct {
		CategoryID string `query:"category_id"`
	}) (*struct {
		Body listRules `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRuleManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRules(ctx, input.CategoryID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listRules `json:"body"`
		}{Body: listRules{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/rules/{id}",
		Summary:     "Activate or deactivate a rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutoApprovalRule `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermRuleManage)
		if err != nil {
			return nil, handleError(err)
		}
		r, err := e.SetRuleActive(ctx, input.ID, input.Body.Active, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutoApprovalRule `json:"body"`
		}{Body: r}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "put-member",
		Method:      http.MethodPut,
		Path:        "/directory/members/{id}",
		Summary:     "Create or replace an organization member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body MemberRequest `json:"body"`
	}) (*struct {
		Body domain.OrgMember `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermDirectoryManage)
		if err != nil {
			return nil, handleError(err)
		}
		active := true
		if input.Body.Active != nil {
			active = *input.Body.Active
		}
		m, err := e.UpsertMember(ctx, domain.OrgMember{
			ID:           input.ID,
			Name:         input.Body.Name,
			ManagerID:    input.Body.ManagerID,
			DepartmentID: input.Body.DepartmentID,
			Level:        input.Body.Level,
			Roles:        input.Body.Roles,
			Active:       active,
		}, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrgMember `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/directory/members",
		Summary:     "List organization members",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listMembers `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListMembers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listMembers `json:"body"`
		}{Body: listMembers{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-member",
		Method:      http.MethodGet,
		Path:        "/directory/members/{id}",
		Summary:     "Get an organization member",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.OrgMember `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		m, err := e.GetMember(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OrgMember `json:"body"`
		}{Body: m}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a request for approval",
		Description:   "The caller is the requester. Auto-approval rules run before the response is returned.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermRequestSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		b := input.Body
		if b.CategoryID == "" && b.CategoryCode == "" {
			return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidPayload, "category_id or category_code is required", nil)
		}
		in, err := e.Submit(ctx, engine.SubmitOptions{
			RequesterID:  principal.ActorID,
			CategoryID:   b.CategoryID,
			CategoryCode: b.CategoryCode,
			Payload:      b.Payload,
			TemplateID:   b.TemplateID,
			Route:        b.Route.manual(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RequesterID string `query:"requester_id"`
		CategoryID  string `query:"category_id"`
		Status      string `query:"status"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedInstances `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		items, next, err := e.ListInstances(ctx, engine.InstanceListOptions{
			RequesterID: input.RequesterID,
			CategoryID:  input.CategoryID,
			Status:      input.Status,
			Limit:       normalizeLimit(input.Limit),
			Cursor:      input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedInstances{Items: make([]InstanceResponse, 0, len(items)), NextCursor: next}
		for _, in := range items {
			resp.Items = append(resp.Items, instanceResponse(in))
		}
		return &struct {
			Body paginatedInstances `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get a request with its stage snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		in, err := e.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/decisions",
		Summary:     "Approve or reject as the calling approver",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermRequestDecide)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.Decide(ctx, engine.DecideOptions{
			InstanceID: input.ID,
			StageIndex: input.Body.StageIndex,
			ApproverID: principal.ActorID,
			Decision:   domain.Decision(input.Body.Decision),
			Comment:    input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/cancel",
		Summary:     "Withdraw a pending request as its requester",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.Cancel(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-history",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/history",
		Summary:     "Events recorded for a request, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body listEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.InstanceHistory(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listEvents `json:"body"`
		}{Body: listEvents{Items: eventResponses(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-rule-match",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/rule-match",
		Summary:     "Which auto-approval rule would match this request now",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RuleMatchResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermRequestRead); err != nil {
			return nil, handleError(err)
		}
		m, err := e.EvaluateRules(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleMatchResponse `json:"body"`
		}{Body: ruleMatchResponse(m)}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Requests waiting on the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listPending `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermRequestDecide)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.PendingFor(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body listPending `json:"body"`
		}{Body: listPending{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{}
		if len(items) > limit {
			// The cursor is exclusive, so the next page starts below the last item shown.
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = eventResponses(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/rbac/grants",
		Summary:     "Grant a built-in role to an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct {
		Body domain.WhoAmI `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermDirectoryManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRole(ctx, principal.ActorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		who, err := e.WhoAmI(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WhoAmI `json:"body"`
		}{Body: who}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/rbac/revokes",
		Summary:     "Revoke a role from an actor",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct {
		Body domain.WhoAmI `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, e, PermDirectoryManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, principal.ActorID, input.Body.ActorID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		who, err := e.WhoAmI(ctx, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WhoAmI `json:"body"`
		}{Body: who}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the caller",
		Description:   "The key is returned once and only its hash is stored.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		k, secret, err := e.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(k, secret)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body listAPIKeys `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := listAPIKeys{Items: make([]APIKeyResponse, 0, len(keys))}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k, ""))
		}
		return &struct {
			Body listAPIKeys `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range keys {
			owned = owned || k.ID == input.ID
		}
		if !owned {
			return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
		}
		if err := e.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
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
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
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

func mergeUnique(a, b []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
