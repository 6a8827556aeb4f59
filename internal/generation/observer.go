package generation

import (
	"context"
	"time"

	"fooocusbot/internal/domain"
)

// SessionInfo identifies a session to observers.
type SessionInfo struct {
	ID        string
	Request   domain.GenerationRequest
	Sync      bool
	StartedAt time.Time
}

// ImageRecord describes how one image ended. Image is set only for
// OutcomeSucceeded.
type ImageRecord struct {
	SessionID string
	Request   domain.GenerationRequest
	Index     int
	Total     int
	JobID     string
	Outcome   domain.ImageOutcome
	Seed      string
	Image     []byte
	Err       error
	Elapsed   time.Duration
}

// Summary is reported once, when the event sequence ends.
type Summary struct {
	Succeeded int
	Failed    int
	Elapsed   time.Duration
	// Err is set when the session stopped before its last slot.
	Err error
}

// Observer receives session lifecycle callbacks synchronously on the session's
// goroutine. The context passed in is never cancelled by the session ending.
type Observer interface {
	SessionStarted(ctx context.Context, info SessionInfo)
	ImageFinished(ctx context.Context, rec ImageRecord)
	PollFailed(ctx context.Context, info SessionInfo, err error)
	SessionFinished(ctx context.Context, info SessionInfo, sum Summary)
}

// NopObserver ignores every callback. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionStarted(context.Context, SessionInfo)           {}
func (NopObserver) ImageFinished(context.Context, ImageRecord)            {}
func (NopObserver) PollFailed(context.Context, SessionInfo, error)        {}
func (NopObserver) SessionFinished(context.Context, SessionInfo, Summary) {}

// Observers fans callbacks out in order.
type Observers []Observer

func (o Observers) SessionStarted(ctx context.Context, info SessionInfo) {
	for _, ob := range o {
		ob.SessionStarted(ctx, info)
	}
}

func (o Observers) ImageFinished(ctx context.Context, rec ImageRecord) {
	for _, ob := range o {
		ob.ImageFinished(ctx, rec)
	}
}

func (o Observers) PollFailed(ctx context.Context, info SessionInfo, err error) {
	for _, ob := range o {
		ob.PollFailed(ctx, info, err)
	}
}

func (o Observers) SessionFinished(ctx context.Context, info SessionInfo, sum Summary) {
	for _, ob := range o {
		ob.SessionFinished(ctx, info, sum)
	}
}
