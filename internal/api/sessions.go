package api

import (
	"context"
	"net/http"

	"chatflow/internal/auth"
	"chatflow/internal/model"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (d Dependencies) cancelSession(w http.ResponseWriter, r *http.Request) {
	d.sessionOp(w, r, "cancel", d.Sessions.Cancel)
}

func (d Dependencies) pauseSession(w http.ResponseWriter, r *http.Request) {
	d.sessionOp(w, r, "pause", d.Sessions.Pause)
}

func (d Dependencies) resumeSession(w http.ResponseWriter, r *http.Request) {
	d.sessionOp(w, r, "resume", d.Sessions.Resume)
}

func (d Dependencies) sessionOp(w http.ResponseWriter, r *http.Request, op string, run func(context.Context, string) (*model.Session, error)) {
	id := chi.URLParam(r, "id")
	s, err := run(r.Context(), id)
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	d.Log.Info("Operator session change",
		zap.String("op", op),
		zap.String("session_id", id),
		zap.String("operator", auth.GetOperator(r.Context())),
		zap.String("status", string(s.Status)),
	)
	writeJSON(w, http.StatusOK, s)
}
