package api

import (
	"errors"
	"io"
	"net/http"

	"chatflow/internal/apperr"

	"github.com/go-chi/chi/v5"
)

type TestEndpointRequest struct {
	Variables map[string]interface{} `json:"variables"`
}

// testEndpoint performs a manual dispatch. Call failures are reported in the
// body with 200; only lookup and state problems are HTTP errors.
func (d Dependencies) testEndpoint(w http.ResponseWriter, r *http.Request) {
	var req TestEndpointRequest
	if err := d.decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteAppError(w, err, d.Log)
		return
	}
	if req.Variables == nil {
		req.Variables = map[string]interface{}{}
	}

	id := chi.URLParam(r, "id")
	result, err := d.Endpoints.Test(r.Context(), id, req.Variables)
	if err != nil && errors.Is(err, apperr.ErrNotFound) {
		WriteError(w, http.StatusNotFound, string(apperr.CodeNotFound), err.Error(), d.Log)
		return
	}
	if err != nil && (result == nil || result.Attempts == 0) {
		WriteAppError(w, err, d.Log)
		return
	}

	resp := map[string]interface{}{
		"ok":           result.OK,
		"status":       result.Status,
		"attempts":     result.Attempts,
		"renderedText": result.RenderedText,
		"payload":      result.Payload,
	}
	if err != nil {
		resp["error"] = map[string]string{"code": string(apperr.CodeOf(err)), "message": err.Error()}
	}
	if result.TemplateErr != nil {
		resp["templateError"] = result.TemplateErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
