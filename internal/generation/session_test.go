package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/fooocus"
	"fooocusbot/internal/prompt"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type pollStep struct {
	snap *fooocus.JobSnapshot
	err  error
}

type fakeBackend struct {
	mu        sync.Mutex
	startErrs map[int]error
	script    func(jobID string) []pollStep
	queues    map[string][]pollStep
	images    map[string][]byte
	starts    []fooocus.GenerateRequest
	syncItems []fooocus.ResultItem
	stops     int
	queries   int
}

func newFakeBackend(script func(jobID string) []pollStep) *fakeBackend {
	return &fakeBackend{
		startErrs: map[int]error{},
		script:    script,
		queues:    map[string][]pollStep{},
		images:    map[string][]byte{},
	}
}

func (b *fakeBackend) StartJob(_ context.Context, req fooocus.GenerateRequest) (*fooocus.StartResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts = append(b.starts, req)
	n := len(b.starts)
	if err := b.startErrs[n]; err != nil {
		return nil, err
	}
	if !req.Async {
		return &fooocus.StartResult{Results: b.syncItems}, nil
	}
	id := "job-" + string(rune('0'+n))
	b.queues[id] = b.script(id)
	return &fooocus.StartResult{JobID: id}, nil
}

// QueryJob pops scripted steps; the last step repeats.
func (b *fakeBackend) QueryJob(_ context.Context, jobID string) (*fooocus.JobSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries++
	q := b.queues[jobID]
	if len(q) == 0 {
		return nil, errors.New("unknown job")
	}
	step := q[0]
	if len(q) > 1 {
		b.queues[jobID] = q[1:]
	}
	return step.snap, step.err
}

func (b *fakeBackend) FetchImage(_ context.Context, rawURL string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.images[rawURL]
	if !ok {
		return nil, errors.New("404")
	}
	return data, nil
}

func (b *fakeBackend) StopJob(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
	return nil
}

func running(p int, stage string) pollStep {
	return pollStep{snap: &fooocus.JobSnapshot{Status: fooocus.JobRunning, Progress: p, Stage: stage}}
}

func finished(items ...fooocus.ResultItem) pollStep {
	return pollStep{snap: &fooocus.JobSnapshot{Status: fooocus.JobFinished, Progress: 100, Stage: "Finished", Results: items}}
}

func inline(payload string) fooocus.ResultItem {
	return fooocus.ResultItem{Base64: base64.StdEncoding.EncodeToString([]byte(payload)), Seed: []byte(`"7"`)}
}

func newTestRunner(t *testing.T, backend Backend, cfg Config, observer Observer) *Runner {
	t.Helper()
	r, err := NewRunner(Options{
		Backend:  backend,
		Policy:   prompt.NewPolicy("safe", "nsfw"),
		Clock:    newFakeClock(),
		Config:   cfg,
		Observer: observer,
	})
	require.NoError(t, err)
	return r
}

func collect(t *testing.T, r *Runner, req domain.GenerationRequest) []Event {
	t.Helper()
	s, err := r.NewSession(req)
	require.NoError(t, err)
	var events []Event
	for ev := range s.Events(context.Background()) {
		events = append(events, ev)
	}
	return events
}

func request(n int) domain.GenerationRequest {
	return domain.GenerationRequest{Prompt: "a lighthouse", Model: "juggernaut.safetensors", ImageCount: n, Safety: domain.SafetyFull}
}

func kinds(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = Kind(ev)
	}
	return out
}

func TestSessionSingleImageEventOrder(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{
			running(0, "Queued"),
			running(50, "Sampling"),
			running(50, "Sampling"),
			finished(inline("png-bytes")),
		}
	})
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(1))

	require.Equal(t, []string{"status", "progress", "progress", "image"}, kinds(events))
	assert.Equal(t, "Starting generation for image 1 of 1...", events[0].(StatusEvent).Text)

	var withFifty int
	for _, ev := range events {
		if p, ok := ev.(ProgressEvent); ok && strings.Contains(p.Text, "50") {
			withFifty++
		}
	}
	assert.Equal(t, 1, withFifty)

	first := events[1].(ProgressEvent)
	assert.Equal(t, 50, first.Percent)
	assert.Equal(t, "Generating image 1 of 1...\n[██████████░░░░░░░░░░] 50%\nStage: Sampling", first.Text)

	img := events[3].(ImageEvent)
	assert.Equal(t, []byte("png-bytes"), img.Bytes)
	assert.Equal(t, "a lighthouse", img.Prompt)
	assert.Equal(t, "juggernaut.safetensors", img.Model)
	assert.Equal(t, "7", img.Seed)

	require.Len(t, backend.starts, 1)
	assert.Equal(t, "a lighthouse, safe", backend.starts[0].Prompt)
	assert.Equal(t, "nsfw", backend.starts[0].NegativePrompt)
	assert.Equal(t, 1, backend.starts[0].ImageCount)
	assert.True(t, backend.starts[0].Async)
}

func TestSessionStartFailureIsScopedToSlot(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{finished(inline("img"))}
	})
	backend.startErrs[2] = errors.New("connection refused")
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(3))

	terminal := map[int]string{}
	for _, ev := range events {
		switch ev.(type) {
		case ImageEvent, ErrorEvent:
			terminal[ev.Slot()] = Kind(ev)
		}
	}
	assert.Equal(t, map[int]string{1: "image", 2: "error", 3: "image"}, terminal)

	for _, ev := range events {
		if e, ok := ev.(ErrorEvent); ok {
			assert.Equal(t, "Failed to start generation for image 2. Check logs.", e.Message)
			assert.ErrorIs(t, e.Err, domain.ErrJobStart)
		}
	}
}

func TestSessionMissedPollKeepsLastProgress(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{
			running(30, "Sampling"),
			{err: domain.ErrTransport},
			running(30, "Sampling"),
			finished(inline("img")),
		}
	})
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(1))

	require.Equal(t, []string{"status", "progress", "progress", "image"}, kinds(events))
	assert.Equal(t, 30, events[1].(ProgressEvent).Percent)
	assert.Equal(t, 100, events[2].(ProgressEvent).Percent)
}

func TestSessionDefaultsStageLabel(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{running(10, ""), finished(inline("img"))}
	})
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(1))
	assert.True(t, strings.HasSuffix(events[1].(ProgressEvent).Text, "Stage: Unknown"))
}

func TestSessionFinishedWithoutResult(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{finished()}
	})
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(1))

	last := events[len(events)-1]
	require.IsType(t, ErrorEvent{}, last)
	assert.Equal(t, "Generation failed for image 1.", last.(ErrorEvent).Message)
}

func TestSessionErrorStageEndsPolling(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{running(20, "ERROR")}
	})
	events := collect(t, newTestRunner(t, backend, Config{JobTimeout: time.Hour}, nil), request(1))

	require.Equal(t, []string{"status", "progress", "error"}, kinds(events))
	assert.Equal(t, "Generation failed for image 1.", events[2].(ErrorEvent).Message)
}

func TestSessionFinalReadFailureFallsBackToFinishedSnapshot(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{finished(inline("img")), {err: domain.ErrTransport}}
	})
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(1))
	require.IsType(t, ImageEvent{}, events[len(events)-1])
}

func TestSessionFetchesURLResults(t *testing.T) {
	backend := newFakeBackend(func(id string) []pollStep {
		return []pollStep{finished(fooocus.ResultItem{URL: "http://127.0.0.1:8888/files/" + id + ".png"})}
	})
	backend.images["http://127.0.0.1:8888/files/job-1.png"] = []byte("remote")
	events := collect(t, newTestRunner(t, backend, Config{}, nil), request(2))

	var images, failures []Event
	for _, ev := range events {
		switch ev.(type) {
		case ImageEvent:
			images = append(images, ev)
		case ErrorEvent:
			failures = append(failures, ev)
		}
	}
	require.Len(t, images, 1)
	assert.Equal(t, []byte("remote"), images[0].(ImageEvent).Bytes)
	require.Len(t, failures, 1)
	assert.Equal(t, "Failed to retrieve image 2.", failures[0].(ErrorEvent).Message)
	assert.ErrorIs(t, failures[0].(ErrorEvent).Err, domain.ErrImageDecode)
}

func TestSessionTimeoutStopsJob(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{running(5, "Sampling")}
	})
	r := newTestRunner(t, backend, Config{PollInterval: time.Second, JobTimeout: 3 * time.Second}, nil)
	events := collect(t, r, request(2))

	var timeouts int
	for _, ev := range events {
		if e, ok := ev.(ErrorEvent); ok {
			assert.ErrorIs(t, e.Err, domain.ErrTimeout)
			timeouts++
		}
	}
	assert.Equal(t, 2, timeouts, "timeout is scoped to its slot")
	assert.Equal(t, 2, backend.stops)
}

func TestSessionCancellationStopsJob(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{running(5, "Sampling"), running(6, "Sampling"), running(7, "Sampling")}
	})
	r := newTestRunner(t, backend, Config{}, nil)
	s, err := r.NewSession(request(3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var events []Event
	for ev := range s.Events(ctx) {
		events = append(events, ev)
		if _, ok := ev.(ProgressEvent); ok {
			cancel()
		}
	}

	require.Equal(t, []string{"status", "progress", "error"}, kinds(events))
	errEv := events[2].(ErrorEvent)
	assert.ErrorIs(t, errEv.Err, domain.ErrCancelled)
	assert.ErrorIs(t, errEv.Err, context.Canceled)
	assert.Equal(t, 1, backend.stops)
	assert.Len(t, backend.starts, 1)
}

func TestSessionConsumerBreakStopsJob(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{running(5, "Sampling"), running(9, "Sampling")}
	})
	s, err := newTestRunner(t, backend, Config{}, nil).NewSession(request(1))
	require.NoError(t, err)

	for ev := range s.Events(context.Background()) {
		if _, ok := ev.(ProgressEvent); ok {
			break
		}
	}
	assert.Equal(t, 1, backend.stops)
}

func TestSessionEventsAreSingleUse(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{finished(inline("img"))}
	})
	s, err := newTestRunner(t, backend, Config{}, nil).NewSession(request(1))
	require.NoError(t, err)

	var first, second int
	for range s.Events(context.Background()) {
		first++
	}
	for range s.Events(context.Background()) {
		second++
	}
	assert.Positive(t, first)
	assert.Zero(t, second)
	assert.Len(t, backend.starts, 1)
}

func TestNewSessionValidatesRequest(t *testing.T) {
	r := newTestRunner(t, newFakeBackend(nil), Config{MaxImages: 4}, nil)

	_, err := r.NewSession(domain.GenerationRequest{Prompt: "  ", ImageCount: 1, Safety: domain.SafetyFull})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = r.NewSession(domain.GenerationRequest{Prompt: "x", ImageCount: 5, Safety: domain.SafetyFull})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	s, err := r.NewSession(domain.GenerationRequest{Prompt: "x", ImageCount: 4, Safety: domain.SafetyNone})
	require.NoError(t, err)
	assert.Equal(t, domain.EffectivePrompt{Positive: "x"}, s.Prompt)
	assert.NotEmpty(t, s.ID)
}

type recordingObserver struct {
	NopObserver
	started  []SessionInfo
	images   []ImageRecord
	polls    int
	finished []Summary
}

func (o *recordingObserver) SessionStarted(_ context.Context, info SessionInfo) {
	o.started = append(o.started, info)
}

func (o *recordingObserver) ImageFinished(_ context.Context, rec ImageRecord) {
	o.images = append(o.images, rec)
}

func (o *recordingObserver) PollFailed(context.Context, SessionInfo, error) { o.polls++ }

func (o *recordingObserver) SessionFinished(_ context.Context, _ SessionInfo, sum Summary) {
	o.finished = append(o.finished, sum)
}

func TestSessionReportsToObservers(t *testing.T) {
	backend := newFakeBackend(func(string) []pollStep {
		return []pollStep{{err: domain.ErrTransport}, finished(inline("img"))}
	})
	backend.startErrs[2] = errors.New("boom")
	obs := &recordingObserver{}
	events := collect(t, newTestRunner(t, backend, Config{}, Observers{obs, NopObserver{}}), request(2))
	require.NotEmpty(t, events)

	require.Len(t, obs.started, 1)
	require.Len(t, obs.images, 2)
	assert.Equal(t, domain.OutcomeSucceeded, obs.images[0].Outcome)
	assert.Equal(t, []byte("img"), obs.images[0].Image)
	assert.Equal(t, "job-1", obs.images[0].JobID)
	assert.Equal(t, domain.OutcomeFailed, obs.images[1].Outcome)
	assert.Equal(t, 2, obs.images[1].Index)
	assert.Equal(t, 1, obs.polls)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, Summary{Succeeded: 1, Failed: 1, Elapsed: obs.finished[0].Elapsed}, obs.finished[0])
}

func TestGenerateSync(t *testing.T) {
	backend := newFakeBackend(nil)
	backend.syncItems = []fooocus.ResultItem{
		inline("one"),
		{URL: "http://backend/files/two.png", Seed: []byte("42")},
		{URL: "http://backend/files/missing.png"},
		{FinishReason: "SUCCESS"},
	}
	backend.images["http://backend/files/two.png"] = []byte("two")
	obs := &recordingObserver{}
	r := newTestRunner(t, backend, Config{}, obs)

	res, err := r.GenerateSync(context.Background(), request(3))
	require.NoError(t, err)
	require.Len(t, res.Images, 2)
	assert.Equal(t, []byte("one"), res.Images[0].Bytes)
	assert.Equal(t, "42", res.Images[1].Seed)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0], domain.ErrImageDecode)

	require.Len(t, backend.starts, 1)
	assert.False(t, backend.starts[0].Async)
	assert.Equal(t, 3, backend.starts[0].ImageCount)
	require.Len(t, obs.finished, 1)
	assert.Equal(t, 2, obs.finished[0].Succeeded)
	assert.Equal(t, 1, obs.finished[0].Failed)
}

func TestGenerateSyncStartFailure(t *testing.T) {
	backend := newFakeBackend(nil)
	backend.startErrs[1] = domain.ErrTransport
	_, err := newTestRunner(t, backend, Config{}, nil).GenerateSync(context.Background(), request(2))
	assert.ErrorIs(t, err, domain.ErrJobStart)
	assert.ErrorIs(t, err, domain.ErrTransport)
}
