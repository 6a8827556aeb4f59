package handlers

import "net/http"

func (a *App) Models(w http.ResponseWriter, r *http.Request) {
	models, err := a.Backend.ListModels(r.Context())
	if err != nil {
		a.log().Warn().Err(err).Msg("api: list models failed")
		a.error(w, http.StatusBadGateway, "backend_unavailable", "could not fetch models from Fooocus API")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"models": models})
}
