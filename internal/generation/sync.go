package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/fooocus"
)

// SyncImage is one image of a synchronous generation.
type SyncImage struct {
	Bytes []byte
	Seed  string
	Index int
}

// SyncResult is the outcome of GenerateSync.
type SyncResult struct {
	SessionID string
	Images    []SyncImage
	// Failures holds one error per result item that could not be decoded.
	Failures []error
}

// GenerateSync submits all images as one blocking backend call and returns
// them together. There are no progress events; the call is bounded by the
// client's sync timeout and by ctx. An error is returned only when no image
// could be produced.
func (r *Runner) GenerateSync(ctx context.Context, req domain.GenerationRequest) (*SyncResult, error) {
	if err := req.Validate(r.cfg.MaxImages); err != nil {
		return nil, err
	}
	startedAt := r.clock.Now()
	info := SessionInfo{ID: uuid.NewString(), Request: req, Sync: true, StartedAt: startedAt}
	obsCtx := context.WithoutCancel(ctx)
	r.observer.SessionStarted(obsCtx, info)

	out := &SyncResult{SessionID: info.ID}
	var sum Summary
	defer func() {
		sum.Elapsed = since(r.clock, startedAt)
		r.observer.SessionFinished(obsCtx, info, sum)
	}()

	record := func(rec ImageRecord) {
		rec.SessionID = info.ID
		rec.Request = req
		rec.Total = req.ImageCount
		rec.Elapsed = since(r.clock, startedAt)
		r.observer.ImageFinished(obsCtx, rec)
		if rec.Outcome == domain.OutcomeSucceeded {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}

	effective := r.policy.Apply(req.Prompt, req.Safety)
	started, err := r.backend.StartJob(ctx, fooocus.GenerateRequest{
		Prompt:         effective.Positive,
		NegativePrompt: effective.Negative,
		Model:          req.Model,
		ImageCount:     req.ImageCount,
		Async:          false,
	})
	if err == nil && started == nil {
		err = errors.New("backend returned no result")
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		} else if !errors.Is(err, domain.ErrJobStart) {
			err = fmt.Errorf("%w: %w", domain.ErrJobStart, err)
		}
		r.logger.Error().Err(err).Str("session_id", info.ID).Msg("session: sync generation failed")
		for i := 1; i <= req.ImageCount; i++ {
			record(ImageRecord{Index: i, Outcome: domain.OutcomeFailed, Err: err})
		}
		sum.Err = err
		return nil, err
	}

	index := 0
	for _, item := range started.Results {
		if !item.HasPayload() {
			continue
		}
		index++
		data, err := decodeResult(ctx, r.backend, item)
		if err != nil {
			r.logger.Error().Err(err).Str("session_id", info.ID).Int("image", index).Msg("session: image retrieval failed")
			out.Failures = append(out.Failures, err)
			record(ImageRecord{Index: index, Outcome: domain.OutcomeFailed, Err: err})
			continue
		}
		img := SyncImage{Bytes: data, Seed: item.SeedString(), Index: index}
		out.Images = append(out.Images, img)
		record(ImageRecord{Index: index, Outcome: domain.OutcomeSucceeded, Seed: img.Seed, Image: data})
	}

	if len(out.Images) == 0 {
		err := fmt.Errorf("%w: sync generation returned no usable image", domain.ErrImageDecode)
		if len(out.Failures) > 0 {
			err = errors.Join(append([]error{err}, out.Failures...)...)
		}
		sum.Err = err
		return nil, err
	}
	return out, nil
}
