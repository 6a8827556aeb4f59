package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fooocusbot/internal/history"
	"fooocusbot/internal/storage"
	"fooocusbot/pkg/zip"
)

func (a *App) ListHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.error(w, http.StatusNotFound, "history_disabled", "history store is not configured")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	rows, err := a.History.Recent(r.Context(), limit)
	if err != nil {
		a.log().Error().Err(err).Msg("api: list history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"sessions": rows})
}

func (a *App) GetHistory(w http.ResponseWriter, r *http.Request) {
	if a.History == nil {
		a.error(w, http.StatusNotFound, "history_disabled", "history store is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "id must be a uuid")
		return
	}
	row, err := a.History.Session(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if err != nil {
		a.log().Error().Err(err).Str("session_id", id).Msg("api: load history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load session")
		return
	}
	a.json(w, http.StatusOK, row)
}

// SessionImages downloads a session's archived images as one zip file.
func (a *App) SessionImages(w http.ResponseWriter, r *http.Request) {
	if a.Archive == nil {
		a.error(w, http.StatusNotFound, "archive_disabled", "image archive is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "id must be a uuid")
		return
	}
	images, err := a.Archive.SessionImages(id)
	if errors.Is(err, storage.ErrNoImages) {
		a.error(w, http.StatusNotFound, "not_found", "no archived images for session")
		return
	}
	if err != nil {
		a.log().Error().Err(err).Str("session_id", id).Msg("api: load archived images failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load images")
		return
	}

	assets := make([]zip.Asset, 0, len(images))
	for _, img := range images {
		assets = append(assets, zip.Asset{Filename: img.Name, Data: img.Data, Modified: img.Modified})
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	if err := zip.Write(w, assets); err != nil {
		a.log().Error().Err(err).Str("session_id", id).Msg("api: write zip failed")
	}
}
