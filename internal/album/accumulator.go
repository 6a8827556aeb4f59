// Package album grows one chat album per session: the first image is sent on
// its own, every later image replaces the visible album with a new one that
// references all earlier photos and uploads only the new one.
package album

import (
	"context"
	"fmt"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/infra"
)

// Delivery is what the platform returned for one send: the ids of the
// messages now visible and the reusable handle of every photo in them, in
// album order.
type Delivery struct {
	MessageIDs []int
	Handles    []string
}

// Publisher is the platform side of an album.
type Publisher interface {
	// SendPhoto uploads a standalone photo.
	SendPhoto(ctx context.Context, image []byte, caption string) (Delivery, error)
	// SendAlbum sends an album of the already uploaded handles followed by image.
	SendAlbum(ctx context.Context, handles []string, image []byte, caption string) (Delivery, error)
	Delete(ctx context.Context, messageIDs []int) error
}

// Accumulator owns the album state of one session. It is not safe for
// concurrent use.
type Accumulator struct {
	pub        Publisher
	logger     *infra.Logger
	handles    []string
	messageIDs []int
	retired    int
}

// NewAccumulator returns an empty accumulator publishing through pub.
func NewAccumulator(pub Publisher, logger *infra.Logger) *Accumulator {
	return &Accumulator{pub: pub, logger: infra.LoggerOrDiscard(logger)}
}

// Append delivers image. On error the previously visible album and the
// retained handles are unchanged and the error wraps domain.ErrAlbumUpdate.
func (a *Accumulator) Append(ctx context.Context, image []byte, caption string) (Delivery, error) {
	if len(image) == 0 {
		return Delivery{}, fmt.Errorf("%w: empty image", domain.ErrAlbumUpdate)
	}
	if len(a.handles) == 0 {
		d, err := a.pub.SendPhoto(ctx, image, caption)
		if err != nil {
			return Delivery{}, fmt.Errorf("%w: send photo: %w", domain.ErrAlbumUpdate, err)
		}
		if err := checkDelivery(d, 1); err != nil {
			a.discard(ctx, d)
			return Delivery{}, err
		}
		a.retain(d)
		return d, nil
	}

	d, err := a.pub.SendAlbum(ctx, a.Handles(), image, caption)
	if err != nil {
		return Delivery{}, fmt.Errorf("%w: send album of %d: %w", domain.ErrAlbumUpdate, len(a.handles)+1, err)
	}
	if err := checkDelivery(d, len(a.handles)+1); err != nil {
		a.discard(ctx, d)
		return Delivery{}, err
	}

	// The new album is visible; only now is the old one retired.
	old := a.messageIDs
	a.retain(d)
	if err := a.pub.Delete(ctx, old); err != nil {
		a.logger.Warn().Err(err).Ints("message_ids", old).Msg("album: retire previous album failed")
	} else {
		a.retired++
	}
	return d, nil
}

// Handles returns a copy of the retained photo handles.
func (a *Accumulator) Handles() []string {
	return append([]string(nil), a.handles...)
}

// MessageIDs returns a copy of the ids of the currently visible album.
func (a *Accumulator) MessageIDs() []int {
	return append([]int(nil), a.messageIDs...)
}

// Len is the number of images delivered so far.
func (a *Accumulator) Len() int { return len(a.handles) }

// Retired is the number of superseded albums removed from the chat.
func (a *Accumulator) Retired() int { return a.retired }

func (a *Accumulator) retain(d Delivery) {
	a.handles = append([]string(nil), d.Handles...)
	a.messageIDs = append([]int(nil), d.MessageIDs...)
}

// discard removes messages of a rejected delivery so only the tracked album
// stays visible.
func (a *Accumulator) discard(ctx context.Context, d Delivery) {
	if len(d.MessageIDs) == 0 {
		return
	}
	if err := a.pub.Delete(ctx, d.MessageIDs); err != nil {
		a.logger.Warn().Err(err).Ints("message_ids", d.MessageIDs).Msg("album: remove rejected delivery failed")
	}
}

func checkDelivery(d Delivery, want int) error {
	if len(d.MessageIDs) == 0 {
		return fmt.Errorf("%w: publisher returned no message ids", domain.ErrAlbumUpdate)
	}
	if len(d.Handles) != want {
		return fmt.Errorf("%w: publisher returned %d handles, want %d", domain.ErrAlbumUpdate, len(d.Handles), want)
	}
	return nil
}
