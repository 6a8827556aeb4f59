package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/infra"
)

// Archive copies every delivered image into a FileStore.
type Archive struct {
	generation.NopObserver

	store  *FileStore
	logger *infra.Logger
}

var _ generation.Observer = (*Archive)(nil)

func NewArchive(store *FileStore, logger *infra.Logger) *Archive {
	return &Archive{store: store, logger: infra.LoggerOrDiscard(logger)}
}

// StoredImage is one archived image file.
type StoredImage struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// ErrNoImages is returned when nothing was archived for a session.
var ErrNoImages = errors.New("storage: no archived images")

// ImageKey is the storage key for image index of a session.
func ImageKey(sessionID string, index int, image []byte) string {
	return path.Join(sessionPrefix(sessionID), fmt.Sprintf("image-%02d%s", index, extensionFor(image)))
}

func sessionPrefix(sessionID string) string {
	return "generated/" + sessionID
}

// SessionImages loads every image archived for sessionID in slot order.
func (a *Archive) SessionImages(sessionID string) ([]StoredImage, error) {
	prefix, err := sanitizeKey(sessionPrefix(sessionID))
	if err != nil || path.Dir(prefix) != "generated" {
		return nil, ErrNoImages
	}
	dir := filepath.Join(a.store.BasePath(), filepath.FromSlash(prefix))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoImages
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []StoredImage
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".part" {
			continue
		}
		data, err := a.store.Read(path.Join(prefix, e.Name()))
		if err != nil {
			return nil, err
		}
		img := StoredImage{Name: e.Name(), Data: data}
		if info, err := e.Info(); err == nil {
			img.Modified = info.ModTime()
		}
		out = append(out, img)
	}
	if len(out) == 0 {
		return nil, ErrNoImages
	}
	return out, nil
}

func (a *Archive) ImageFinished(ctx context.Context, rec generation.ImageRecord) {
	if rec.Outcome != domain.OutcomeSucceeded || len(rec.Image) == 0 {
		return
	}
	key, err := a.store.Write(ctx, ImageKey(rec.SessionID, rec.Index, rec.Image), rec.Image)
	if err != nil {
		a.logger.Error().Err(err).Str("session_id", rec.SessionID).Int("image", rec.Index).Msg("storage: archive image failed")
		return
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(rec.Image)).Msg("storage: image archived")
}

func extensionFor(image []byte) string {
	switch http.DetectContentType(image) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
