// Package generation drives one user request across its image slots: it
// starts a backend job per image, polls it to completion and turns the
// snapshots into a lazy sequence of user-visible events.
package generation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/fooocus"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/progress"
	"fooocusbot/internal/prompt"
)

const (
	defaultPollInterval = time.Second
	stopTimeout         = 5 * time.Second
	unknownStage        = "Unknown"
)

// Backend is the subset of the Fooocus client a session needs.
type Backend interface {
	StartJob(ctx context.Context, req fooocus.GenerateRequest) (*fooocus.StartResult, error)
	QueryJob(ctx context.Context, jobID string) (*fooocus.JobSnapshot, error)
	FetchImage(ctx context.Context, rawURL string) ([]byte, error)
	StopJob(ctx context.Context) error
}

// Config bounds a session's polling.
type Config struct {
	PollInterval time.Duration
	// JobTimeout caps the wall-clock time of one image slot. Zero polls until
	// the backend reports the job finished.
	JobTimeout time.Duration
	MaxImages  int
}

// Options wires a Runner.
type Options struct {
	Backend  Backend
	Policy   prompt.Policy
	Clock    Clock
	Config   Config
	Logger   *infra.Logger
	Observer Observer
}

// Runner creates sessions. It holds no per-session state and is safe for
// concurrent use.
type Runner struct {
	backend  Backend
	policy   prompt.Policy
	clock    Clock
	cfg      Config
	logger   *infra.Logger
	observer Observer
}

// NewRunner validates opts and applies defaults.
func NewRunner(opts Options) (*Runner, error) {
	if opts.Backend == nil {
		return nil, errors.New("generation: backend is required")
	}
	cfg := opts.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout < 0 {
		return nil, fmt.Errorf("generation: negative job timeout %s", cfg.JobTimeout)
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = domain.DefaultMaxImageCount
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	return &Runner{
		backend:  opts.Backend,
		policy:   opts.Policy,
		clock:    clock,
		cfg:      cfg,
		logger:   infra.LoggerOrDiscard(opts.Logger),
		observer: observer,
	}, nil
}

// MaxImages is the largest image count a request may ask for.
func (r *Runner) MaxImages() int { return r.cfg.MaxImages }

// NewSession validates req and prepares a session for it. No backend call is
// made until the event sequence is consumed.
func (r *Runner) NewSession(req domain.GenerationRequest) (*Session, error) {
	if err := req.Validate(r.cfg.MaxImages); err != nil {
		return nil, err
	}
	return &Session{
		ID:      uuid.NewString(),
		Request: req,
		Prompt:  r.policy.Apply(req.Prompt, req.Safety),
		runner:  r,
	}, nil
}

// Session is one generation request. Its event sequence can be consumed once.
type Session struct {
	ID      string
	Request domain.GenerationRequest
	Prompt  domain.EffectivePrompt

	runner *Runner
	used   atomic.Bool
}

// slotResult is what one image slot contributed to the session summary.
type slotResult struct {
	succeeded int
	failed    int
	// halt ends the session: the consumer stopped iterating or ctx is done.
	halt bool
	err  error
}

// Events returns the session's event sequence. Per slot it yields one
// StatusEvent, zero or more ProgressEvents, then ImageEvents or one
// ErrorEvent. Slots run strictly one after another. Cancelling ctx stops the
// running backend job and ends the sequence with an ErrorEvent. A second
// call yields nothing.
func (s *Session) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if !s.used.CompareAndSwap(false, true) {
			s.runner.logger.Warn().Str("session_id", s.ID).Msg("session: event sequence already consumed")
			return
		}
		s.run(ctx, yield)
	}
}

func (s *Session) info(startedAt time.Time) SessionInfo {
	return SessionInfo{ID: s.ID, Request: s.Request, StartedAt: startedAt}
}

func (s *Session) run(ctx context.Context, yield func(Event) bool) {
	r := s.runner
	startedAt := r.clock.Now()
	info := s.info(startedAt)
	obsCtx := context.WithoutCancel(ctx)
	r.observer.SessionStarted(obsCtx, info)
	r.logger.Info().
		Str("session_id", s.ID).
		Str("model", s.Request.ModelLabel()).
		Int("images", s.Request.ImageCount).
		Str("safety", string(s.Request.Safety)).
		Msg("session: started")

	var sum Summary
	for i := 1; i <= s.Request.ImageCount; i++ {
		res := s.runSlot(ctx, info, i, yield)
		sum.Succeeded += res.succeeded
		sum.Failed += res.failed
		if res.halt {
			sum.Err = res.err
			break
		}
	}
	sum.Elapsed = r.clock.Now().Sub(startedAt)
	r.observer.SessionFinished(obsCtx, info, sum)
	r.logger.Info().
		Str("session_id", s.ID).
		Int("succeeded", sum.Succeeded).
		Int("failed", sum.Failed).
		Dur("elapsed", sum.Elapsed).
		AnErr("stop_reason", sum.Err).
		Msg("session: finished")
}

func (s *Session) runSlot(ctx context.Context, info SessionInfo, i int, yield func(Event) bool) slotResult {
	r := s.runner
	total := s.Request.ImageCount
	if !yield(StatusEvent{Text: fmt.Sprintf("Starting generation for image %d of %d...", i, total), Index: i, Total: total}) {
		return slotResult{halt: true}
	}
	if ctx.Err() != nil {
		return s.cancelled(ctx, i, "", time.Time{}, yield)
	}

	slotStart := r.clock.Now()
	started, err := r.backend.StartJob(ctx, fooocus.GenerateRequest{
		Prompt:         s.Prompt.Positive,
		NegativePrompt: s.Prompt.Negative,
		Model:          s.Request.Model,
		ImageCount:     1,
		Async:          true,
	})
	if err == nil && (started == nil || strings.TrimSpace(started.JobID) == "") {
		err = errors.New("backend returned no job id")
	}
	if err != nil {
		if ctx.Err() != nil {
			return s.cancelled(ctx, i, "", slotStart, yield)
		}
		if !errors.Is(err, domain.ErrJobStart) {
			err = fmt.Errorf("%w: %w", domain.ErrJobStart, err)
		}
		r.logger.Error().Err(err).Str("session_id", s.ID).Int("image", i).Msg("session: job start failed")
		s.record(ctx, ImageRecord{Index: i, Outcome: domain.OutcomeFailed, Err: err, Elapsed: since(r.clock, slotStart)})
		ok := yield(ErrorEvent{Message: fmt.Sprintf("Failed to start generation for image %d. Check logs.", i), Err: err, Index: i})
		return slotResult{failed: 1, halt: !ok}
	}

	jobID := strings.TrimSpace(started.JobID)
	r.logger.Debug().Str("session_id", s.ID).Str("job_id", jobID).Int("image", i).Msg("session: job started")

	finished, res := s.poll(ctx, info, i, jobID, slotStart, yield)
	if res != nil {
		return *res
	}
	return s.finish(ctx, i, jobID, finished, slotStart, yield)
}

// poll waits for the job to become terminal. A non-nil slotResult means the
// slot ended inside the loop.
func (s *Session) poll(ctx context.Context, info SessionInfo, i int, jobID string, slotStart time.Time, yield func(Event) bool) (*fooocus.JobSnapshot, *slotResult) {
	r := s.runner
	total := s.Request.ImageCount
	var deadline time.Time
	if r.cfg.JobTimeout > 0 {
		deadline = slotStart.Add(r.cfg.JobTimeout)
	}

	last := 0
	for {
		if ctx.Err() != nil {
			res := s.cancelled(ctx, i, jobID, slotStart, yield)
			return nil, &res
		}
		select {
		case <-ctx.Done():
			res := s.cancelled(ctx, i, jobID, slotStart, yield)
			return nil, &res
		case <-r.clock.After(r.cfg.PollInterval):
		}
		if !deadline.IsZero() && !r.clock.Now().Before(deadline) {
			res := s.timedOut(ctx, i, jobID, slotStart, yield)
			return nil, &res
		}

		snap, err := r.backend.QueryJob(ctx, jobID)
		if err != nil || snap == nil {
			if ctx.Err() != nil {
				res := s.cancelled(ctx, i, jobID, slotStart, yield)
				return nil, &res
			}
			if err == nil {
				err = fmt.Errorf("%w: empty job snapshot", domain.ErrMalformedResponse)
			}
			r.observer.PollFailed(context.WithoutCancel(ctx), info, err)
			r.logger.Debug().Err(err).Str("session_id", s.ID).Str("job_id", jobID).Msg("session: poll missed")
			continue
		}

		percent := progress.Clamp(snap.Progress)
		if percent != last {
			last = percent
			stage := snap.Stage
			if stage == "" {
				stage = unknownStage
			}
			ok := yield(ProgressEvent{
				Text:    fmt.Sprintf("Generating image %d of %d...\n%s\nStage: %s", i, total, progress.RenderGauge(percent, progress.DefaultWidth), stage),
				Percent: percent,
				Stage:   stage,
				Preview: snap.Preview,
				Index:   i,
				Total:   total,
			})
			if !ok {
				s.stopJob(ctx, jobID)
				return nil, &slotResult{halt: true}
			}
		}
		if snap.Terminal() {
			return snap, nil
		}
	}
}

// finish reads the terminal result with one more query, since the snapshot
// that first reports Finished may not carry it yet.
func (s *Session) finish(ctx context.Context, i int, jobID string, finished *fooocus.JobSnapshot, slotStart time.Time, yield func(Event) bool) slotResult {
	r := s.runner
	results := finished.Results
	snap, err := r.backend.QueryJob(ctx, jobID)
	switch {
	case err != nil || snap == nil:
		r.logger.Warn().Err(err).Str("session_id", s.ID).Str("job_id", jobID).Msg("session: final result read failed, using finished snapshot")
	case len(snap.Results) > 0 || len(results) == 0:
		results = snap.Results
	}

	items := make([]fooocus.ResultItem, 0, len(results))
	for _, item := range results {
		if item.HasPayload() {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		err := fmt.Errorf("job %s finished without a result (stage %q)", jobID, finished.Stage)
		r.logger.Error().Err(err).Str("session_id", s.ID).Int("image", i).Msg("session: generation failed")
		s.record(ctx, ImageRecord{Index: i, JobID: jobID, Outcome: domain.OutcomeFailed, Err: err, Elapsed: since(r.clock, slotStart)})
		ok := yield(ErrorEvent{Message: fmt.Sprintf("Generation failed for image %d.", i), Err: err, Index: i})
		return slotResult{failed: 1, halt: !ok}
	}

	var res slotResult
	for _, item := range items {
		data, err := s.decode(ctx, item)
		if err != nil {
			r.logger.Error().Err(err).Str("session_id", s.ID).Str("job_id", jobID).Int("image", i).Msg("session: image retrieval failed")
			s.record(ctx, ImageRecord{Index: i, JobID: jobID, Outcome: domain.OutcomeFailed, Err: err, Elapsed: since(r.clock, slotStart)})
			res.failed++
			if !yield(ErrorEvent{Message: fmt.Sprintf("Failed to retrieve image %d.", i), Err: err, Index: i}) {
				res.halt = true
				return res
			}
			continue
		}
		seed := item.SeedString()
		s.record(ctx, ImageRecord{Index: i, JobID: jobID, Outcome: domain.OutcomeSucceeded, Seed: seed, Image: data, Elapsed: since(r.clock, slotStart)})
		res.succeeded++
		if !yield(ImageEvent{Bytes: data, Prompt: s.Request.Prompt, Model: s.Request.ModelLabel(), Seed: seed, Index: i, Total: s.Request.ImageCount}) {
			res.halt = true
			return res
		}
	}
	return res
}

func (s *Session) decode(ctx context.Context, item fooocus.ResultItem) ([]byte, error) {
	return decodeResult(ctx, s.runner.backend, item)
}

func decodeResult(ctx context.Context, backend Backend, item fooocus.ResultItem) ([]byte, error) {
	if encoded := strings.TrimSpace(item.Base64); encoded != "" {
		data, err := fooocus.DecodeImage(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrImageDecode, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty inline image", domain.ErrImageDecode)
		}
		return data, nil
	}
	data, err := backend.FetchImage(ctx, item.URL)
	if err != nil {
		if !errors.Is(err, domain.ErrImageDecode) {
			err = fmt.Errorf("%w: %w", domain.ErrImageDecode, err)
		}
		return nil, err
	}
	return data, nil
}

func (s *Session) cancelled(ctx context.Context, i int, jobID string, slotStart time.Time, yield func(Event) bool) slotResult {
	r := s.runner
	if jobID != "" {
		s.stopJob(ctx, jobID)
	}
	err := fmt.Errorf("%w: image %d: %w", domain.ErrCancelled, i, context.Cause(ctx))
	r.logger.Info().Str("session_id", s.ID).Int("image", i).Msg("session: cancelled")
	elapsed := time.Duration(0)
	if !slotStart.IsZero() {
		elapsed = since(r.clock, slotStart)
	}
	s.record(ctx, ImageRecord{Index: i, JobID: jobID, Outcome: domain.OutcomeFailed, Err: err, Elapsed: elapsed})
	yield(ErrorEvent{Message: "Generation cancelled.", Err: err, Index: i})
	return slotResult{failed: 1, halt: true, err: err}
}

func (s *Session) timedOut(ctx context.Context, i int, jobID string, slotStart time.Time, yield func(Event) bool) slotResult {
	r := s.runner
	s.stopJob(ctx, jobID)
	err := fmt.Errorf("%w: image %d, job %s after %s", domain.ErrTimeout, i, jobID, r.cfg.JobTimeout)
	r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("session: job timed out")
	s.record(ctx, ImageRecord{Index: i, JobID: jobID, Outcome: domain.OutcomeFailed, Err: err, Elapsed: since(r.clock, slotStart)})
	ok := yield(ErrorEvent{Message: fmt.Sprintf("Generation timed out for image %d.", i), Err: err, Index: i})
	return slotResult{failed: 1, halt: !ok}
}

// stopJob is best-effort and runs even when ctx is already cancelled.
func (s *Session) stopJob(ctx context.Context, jobID string) {
	r := s.runner
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := r.backend.StopJob(stopCtx); err != nil {
		r.logger.Warn().Err(err).Str("session_id", s.ID).Str("job_id", jobID).Msg("session: stop job failed")
		return
	}
	r.logger.Debug().Str("session_id", s.ID).Str("job_id", jobID).Msg("session: job stopped")
}

func (s *Session) record(ctx context.Context, rec ImageRecord) {
	rec.SessionID = s.ID
	rec.Request = s.Request
	rec.Total = s.Request.ImageCount
	s.runner.observer.ImageFinished(context.WithoutCancel(ctx), rec)
}
