package api

import (
	"net/http"

	"chatflow/internal/auth"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) resumeChannel(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if err := d.Channels.ResumeChannel(r.Context(), channel, auth.GetOperator(r.Context())); err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": channel,
		"halted":  false,
	})
}
