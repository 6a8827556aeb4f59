package handlers

import (
	"net/http"
)

// Healthz reports the backend state. With a scheduled monitor configured the
// cached result is used; otherwise the backend is pinged inline.
func (a *App) Healthz(w http.ResponseWriter, r *http.Request) {
	var up bool
	if a.Health != nil {
		up = a.Health.Up()
	} else {
		up = a.Backend.Ping(r.Context())
	}
	if !up {
		a.json(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "backend": "down"})
		return
	}
	a.json(w, http.StatusOK, map[string]any{"status": "ok", "backend": "up"})
}
