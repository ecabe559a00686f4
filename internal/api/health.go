package api

import (
	"context"
	"net/http"
	"time"
)

func (d Dependencies) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(d.Health))
	for name, check := range d.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"ok": status == http.StatusOK, "checks": checks})
}
