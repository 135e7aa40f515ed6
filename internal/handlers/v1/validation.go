package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/kubev2v/crate-validator/internal/service"
	"github.com/kubev2v/crate-validator/pkg/log"
)

// (POST /v1/ro_crates/{crate_id}/validation)
func (h *ServiceHandler) SubmitValidation(w http.ResponseWriter, r *http.Request) {
	crateID := chi.URLParam(r, "crate_id")
	logger := log.NewDebugLogger("validation_handler").
		WithContext(r.Context()).
		Operation("submit_validation").
		WithString("crate_id", crateID).
		Build()

	body := &SubmitBody{}
	if err := render.Bind(r, body); err != nil {
		logger.Error(err).Log()
		_ = render.Render(w, r, newErrorReply(r, http.StatusBadRequest, "request body is not valid JSON: "+err.Error()))
		return
	}

	result, err := h.validationSrv.Submit(r.Context(), body.toRequest(crateID))
	if err != nil {
		logger.Error(err).Log()
		switch err.(type) {
		case *service.ErrInvalidRequest:
			_ = render.Render(w, r, newErrorReply(r, http.StatusUnprocessableEntity, err.Error()))
		case *service.ErrCrateNotFound:
			_ = render.Render(w, r, newErrorReply(r, http.StatusNotFound, err.Error()))
		case *service.ErrAlreadyInProgress:
			_ = render.Render(w, r, newErrorReply(r, http.StatusConflict, err.Error()))
		case *service.ErrRetrieval:
			_ = render.Render(w, r, newErrorReply(r, http.StatusBadGateway, err.Error()))
		case *service.ErrQueueUnavailable:
			_ = render.Render(w, r, newErrorReply(r, http.StatusServiceUnavailable, err.Error()))
		default:
			_ = render.Render(w, r, newErrorReply(r, http.StatusInternalServerError, "failed to submit validation"))
		}
		return
	}

	logger.Success().WithUUID("job_id", result.JobID).Log()
	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, newSubmitReply(result))
}

// (GET /v1/ro_crates/{crate_id}/validation)
func (h *ServiceHandler) GetValidation(w http.ResponseWriter, r *http.Request) {
	crateID := chi.URLParam(r, "crate_id")
	logger := log.NewDebugLogger("validation_handler").
		WithContext(r.Context()).
		Operation("get_validation").
		WithString("crate_id", crateID).
		Build()

	job, err := h.validationSrv.GetResult(r.Context(), crateID)
	if err != nil {
		logger.Error(err).Log()
		switch err.(type) {
		case *service.ErrResourceNotFound:
			_ = render.Render(w, r, newErrorReply(r, http.StatusNotFound, err.Error()))
		default:
			_ = render.Render(w, r, newErrorReply(r, http.StatusInternalServerError, "failed to get validation"))
		}
		return
	}

	logger.Success().WithString("state", job.State.String()).Log()
	_ = render.Render(w, r, newJobReply(job))
}

// (POST /v1/ro_crates/validate_metadata)
func (h *ServiceHandler) ValidateMetadata(w http.ResponseWriter, r *http.Request) {
	logger := log.NewDebugLogger("validation_handler").
		WithContext(r.Context()).
		Operation("validate_metadata").
		Build()

	body := &MetadataBody{}
	if err := render.Bind(r, body); err != nil {
		logger.Error(err).Log()
		_ = render.Render(w, r, newErrorReply(r, http.StatusUnprocessableEntity, "request body is not valid JSON: "+err.Error()))
		return
	}

	report, err := h.validationSrv.ValidateMetadata(r.Context(), body.CrateJSON, body.ProfileName)
	if err != nil {
		logger.Error(err).Log()
		switch err.(type) {
		case *service.ErrInvalidMetadata, *service.ErrInvalidRequest:
			_ = render.Render(w, r, newErrorReply(r, http.StatusUnprocessableEntity, err.Error()))
		default:
			_ = render.Render(w, r, newErrorReply(r, http.StatusInternalServerError, "failed to validate metadata"))
		}
		return
	}

	logger.Success().WithBool("valid", report.Valid).Log()
	_ = render.Render(w, r, MetadataReply{Status: "success", Report: *report})
}
