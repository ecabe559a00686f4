package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func (d Dependencies) getMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	f, err := d.Media.Open(r.Context(), name)
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (d Dependencies) putMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	sum, err := d.Media.Put(r.Context(), name, http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		WriteAppError(w, err, d.Log)
		return
	}
	d.Log.Info("Media stored", zap.String("name", name), zap.String("sha256", sum))
	writeJSON(w, http.StatusCreated, map[string]string{"name": name, "sha256": sum})
}
