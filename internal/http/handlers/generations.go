package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/prompt"
)

const maxGenerationBody = 64 << 10

type generationPayload struct {
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	ImageCount int    `json:"image_count"`
	Safety     string `json:"safety"`
	Sync       bool   `json:"sync"`
}

// streamEvent is one NDJSON line of a streamed generation.
type streamEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
	Total     int    `json:"total,omitempty"`
	Text      string `json:"text,omitempty"`
	Percent   *int   `json:"percent,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Preview   []byte `json:"preview,omitempty"`
	Image     []byte `json:"image,omitempty"`
	Seed      string `json:"seed,omitempty"`
	Message   string `json:"message,omitempty"`
}

type syncImage struct {
	Index int    `json:"index"`
	Seed  string `json:"seed,omitempty"`
	Image []byte `json:"image"`
}

type syncResponse struct {
	SessionID string      `json:"session_id"`
	Images    []syncImage `json:"images"`
	Failures  []string    `json:"failures,omitempty"`
}

func (a *App) decodeGeneration(w http.ResponseWriter, r *http.Request) (domain.GenerationRequest, bool, bool) {
	var body generationPayload
	dec := json.NewDecoder(io.LimitReader(r.Body, maxGenerationBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return domain.GenerationRequest{}, false, false
	}
	mode, err := domain.ParseSafetyMode(body.Safety)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return domain.GenerationRequest{}, false, false
	}
	text := strings.TrimSpace(body.Prompt)
	if !prompt.Usable(text) {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt is required")
		return domain.GenerationRequest{}, false, false
	}
	if mode.Filtered() && !prompt.IsPrimarilyASCII(text) {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt must be written in English")
		return domain.GenerationRequest{}, false, false
	}
	count := body.ImageCount
	if count == 0 {
		count = 1
	}
	req := domain.GenerationRequest{Prompt: text, Model: strings.TrimSpace(body.Model), ImageCount: count, Safety: mode}
	return req, body.Sync, true
}

// Generate runs a generation. By default it streams session events as
// newline-delimited JSON; with "sync": true it blocks and returns every image
// in one response.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	req, sync, ok := a.decodeGeneration(w, r)
	if !ok {
		return
	}
	if sync {
		a.generateSync(w, r, req)
		return
	}

	session, err := a.Runner.NewSession(req)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Session-ID", session.ID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range session.Events(r.Context()) {
		if err := enc.Encode(encodeEvent(session.ID, ev)); err != nil {
			a.log().Info().Err(err).Str("session_id", session.ID).Msg("api: client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (a *App) generateSync(w http.ResponseWriter, r *http.Request, req domain.GenerationRequest) {
	res, err := a.Runner.GenerateSync(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	case err != nil:
		a.log().Warn().Err(err).Msg("api: sync generation failed")
		a.error(w, http.StatusBadGateway, "generation_failed", err.Error())
		return
	}

	out := syncResponse{SessionID: res.SessionID, Images: make([]syncImage, 0, len(res.Images))}
	for _, img := range res.Images {
		out.Images = append(out.Images, syncImage{Index: img.Index, Seed: img.Seed, Image: img.Bytes})
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, f.Error())
	}
	a.json(w, http.StatusOK, out)
}

func encodeEvent(sessionID string, ev generation.Event) streamEvent {
	out := streamEvent{Type: generation.Kind(ev), SessionID: sessionID, Index: ev.Slot()}
	switch e := ev.(type) {
	case generation.StatusEvent:
		out.Total, out.Text = e.Total, e.Text
	case generation.ProgressEvent:
		percent := e.Percent
		out.Total, out.Text, out.Percent, out.Stage, out.Preview = e.Total, e.Text, &percent, e.Stage, e.Preview
	case generation.ImageEvent:
		out.Total, out.Image, out.Seed = e.Total, e.Bytes, e.Seed
	case generation.ErrorEvent:
		out.Message = e.Message
	}
	return out
}
