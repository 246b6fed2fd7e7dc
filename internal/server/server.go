// Package server exposes the runtime over HTTP. Launching an experience is a
// synchronous call that returns the terminal bundle; everything else is
// read-only inspection of persisted state.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"showrunner/internal/domain"
	"showrunner/internal/engine"
	"showrunner/internal/playbook"
	"showrunner/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"intent_invalid"`
	Message string         `json:"message" example:"invalid intent: date: must be YYYY-MM-DD"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the showrunner API.
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Showrunner API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerExperiences(group, cfg.Engine)
	registerPlaybooks(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

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
	var verr *playbook.IntentValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "intent_invalid", err.Error(), map[string]any{"fields": verr.Fields})
	}
	var rerr *engine.InvalidRecipeError
	if errors.As(err, &rerr) {
		return newAPIError(http.StatusUnprocessableEntity, "recipe_invalid", err.Error(), map[string]any{"playbook_id": rerr.PlaybookID})
	}
	switch {
	case errors.Is(err, engine.ErrIntentMismatch):
		return newAPIError(http.StatusConflict, "intent_mismatch", err.Error(), nil)
	case errors.Is(err, playbook.ErrUnknownPlaybook):
		return newAPIError(http.StatusNotFound, "unknown_playbook", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "required") || strings.Contains(strings.ToLower(msg), "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerExperiences(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "launch-experience",
		Method:        http.MethodPost,
		Path:          "/experiences",
		Summary:       "Launch an experience",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LaunchExperienceRequest `json:"body"`
	}) (*struct {
		Body domain.ArtifactBundle `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.PlaybookID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "playbook_id is required", nil)
		}
		bundle, err := e.CreateExperience(ctx, engine.CreateRequest{
			ExperienceID: input.Body.ExperienceID,
			PlaybookID:   input.Body.PlaybookID,
			RawIntent:    input.Body.Intent,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactBundle `json:"body"`
		}{Body: bundle}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experiences",
		Method:      http.MethodGet,
		Path:        "/experiences",
		Summary:     "List experiences",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body ExperienceListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListExperiences(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Experience{}
		}
		return &struct {
			Body ExperienceListResponse `json:"body"`
		}{Body: ExperienceListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experience",
		Method:      http.MethodGet,
		Path:        "/experiences/{id}",
		Summary:     "Get experience with its step log",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ExperienceResponse `json:"body"`
	}, error) {
		exp, err := e.Repo.GetExperience(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExperienceResponse `json:"body"`
		}{Body: ExperienceResponse{Experience: exp, Steps: steps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-experience-bundle",
		Method:      http.MethodGet,
		Path:        "/experiences/{id}/bundle",
		Summary:     "Get the artifact bundle of a terminal experience",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ArtifactBundle `json:"body"`
	}, error) {
		bundle, err := e.GetBundle(ctx, input.ID)
		if err != nil {
			if strings.Contains(err.Error(), "still running") {
				return nil, newAPIError(http.StatusConflict, "experience_running", err.Error(), nil)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactBundle `json:"body"`
		}{Body: bundle}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-experience-steps",
		Method:      http.MethodGet,
		Path:        "/experiences/{id}/steps",
		Summary:     "List steps of an experience",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StepListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetExperience(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		steps, err := e.Repo.ListSteps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if steps == nil {
			steps = []domain.Step{}
		}
		return &struct {
			Body StepListResponse `json:"body"`
		}{Body: StepListResponse{Items: steps}}, nil
	})
}

func registerPlaybooks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-playbooks",
		Method:      http.MethodGet,
		Path:        "/playbooks",
		Summary:     "List enabled playbooks",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PlaybookListResponse `json:"body"`
	}, error) {
		items := []PlaybookResponse{}
		for _, id := range e.Playbooks.IDs() {
			items = append(items, PlaybookResponse{ID: id})
		}
		return &struct {
			Body PlaybookListResponse `json:"body"`
		}{Body: PlaybookListResponse{Items: items}}, nil
	})
}

func registerArtifacts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/artifacts",
		Summary:     "List artifacts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListArtifacts(ctx, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ArtifactReference{}
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/artifacts/{id}",
		Summary:     "Get artifact",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.ArtifactReference `json:"body"`
	}, error) {
		a, err := e.Repo.GetArtifact(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ArtifactReference `json:"body"`
		}{Body: a}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ExperienceID string `query:"experience_id"`
		Type         string `query:"type"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			ExperienceID: input.ExperienceID,
			Type:         input.Type,
			Limit:        input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
	})
}
