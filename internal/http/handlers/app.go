package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"fooocusbot/internal/generation"
	"fooocusbot/internal/history"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/storage"
)

// Backend is the part of the Fooocus client the API reads directly.
type Backend interface {
	Ping(ctx context.Context) bool
	ListModels(ctx context.Context) ([]string, error)
}

// HealthSource reports the last scheduled backend check.
type HealthSource interface {
	Up() bool
}

// HistoryStore serves stored sessions. It is nil when DATABASE_URL is unset.
type HistoryStore interface {
	Recent(ctx context.Context, limit int) ([]history.SessionRow, error)
	Session(ctx context.Context, id string) (*history.SessionRow, error)
}

// ImageArchive serves archived session images. It is nil when STORAGE_PATH
// is unset.
type ImageArchive interface {
	SessionImages(sessionID string) ([]storage.StoredImage, error)
}

// App carries the dependencies shared by the HTTP handlers. History and
// Archive are optional.
type App struct {
	Runner  *generation.Runner
	Backend Backend
	Health  HealthSource
	History HistoryStore
	Archive ImageArchive
	Logger  *infra.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) log() *infra.Logger { return infra.LoggerOrDiscard(a.Logger) }

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, message string) {
	a.json(w, code, errorResponse{Error: kind, Message: message})
}
