package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/kubev2v/crate-validator/internal/engine"
	"github.com/kubev2v/crate-validator/internal/service"
	"github.com/kubev2v/crate-validator/internal/store/model"
	"github.com/kubev2v/crate-validator/pkg/requestid"
)

// ValidationService is the part of service.ValidationService served over HTTP.
type ValidationService interface {
	Submit(ctx context.Context, req service.SubmitRequest) (*service.SubmitResult, error)
	GetResult(ctx context.Context, crateID string) (*model.Job, error)
	ValidateMetadata(ctx context.Context, crateJSON string, profileName string) (*model.Report, error)
	ListProfiles() []engine.ProfileInfo
	Health(ctx context.Context) error
}

type ServiceHandler struct {
	validationSrv ValidationService
}

func NewServiceHandler(validationService ValidationService) *ServiceHandler {
	return &ServiceHandler{validationSrv: validationService}
}

// Routes mounts the API on router.
func (h *ServiceHandler) Routes(router chi.Router) {
	router.Get("/health", h.Health)
	router.Route("/v1", func(r chi.Router) {
		r.Get("/profiles", h.ListProfiles)
		r.Post("/ro_crates/validate_metadata", h.ValidateMetadata)
		r.Post("/ro_crates/{crate_id}/validation", h.SubmitValidation)
		r.Get("/ro_crates/{crate_id}/validation", h.GetValidation)
	})
}

// (GET /health)
func (h *ServiceHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.validationSrv.Health(r.Context()); err != nil {
		_ = render.Render(w, r, newErrorReply(r, http.StatusServiceUnavailable, err.Error()))
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// (GET /v1/profiles)
func (h *ServiceHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := h.validationSrv.ListProfiles()
	out := make([]ProfileReply, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ProfileReply{Name: p.Name, Description: p.Description, URI: p.URI, Extends: p.Extends})
	}
	render.JSON(w, r, out)
}

// ErrorReply is the body of every non 2xx answer.
type ErrorReply struct {
	HTTPStatusCode int    `json:"-"`
	Message        string `json:"message"`
	RequestID      string `json:"request_id,omitempty"`
}

func (e *ErrorReply) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrorReply(r *http.Request, status int, message string) *ErrorReply {
	return &ErrorReply{
		HTTPStatusCode: status,
		Message:        message,
		RequestID:      requestid.FromContext(r.Context()),
	}
}
