package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fooocusbot/internal/fooocus"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/prompt"
)

type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	groups   []tgbotapi.MediaGroupConfig
	updates  chan tgbotapi.Update
	stopped  bool
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 500, updates: make(chan tgbotapi.Update, 8)}
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, c)
	a.nextID++
	msg := tgbotapi.Message{MessageID: a.nextID, Chat: &tgbotapi.Chat{ID: 1}}
	if _, ok := c.(tgbotapi.PhotoConfig); ok {
		msg.Photo = []tgbotapi.PhotoSize{{FileID: "thumb"}, {FileID: fmt.Sprintf("photo-%d", a.nextID)}}
	}
	return msg, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (a *fakeAPI) SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = append(a.groups, cfg)
	msgs := make([]tgbotapi.Message, 0, len(cfg.Media))
	for _, m := range cfg.Media {
		a.nextID++
		id := fmt.Sprintf("photo-%d", a.nextID)
		if photo, ok := m.(tgbotapi.InputMediaPhoto); ok {
			if existing, ok := photo.Media.(tgbotapi.FileID); ok {
				id = string(existing)
			}
		}
		msgs = append(msgs, tgbotapi.Message{MessageID: a.nextID, Photo: []tgbotapi.PhotoSize{{FileID: id}}})
	}
	return msgs, nil
}

func (a *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return a.updates
}

func (a *fakeAPI) StopReceivingUpdates() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

func (a *fakeAPI) texts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

func (a *fakeAPI) lastText() string {
	texts := a.texts()
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (a *fakeAPI) lastMarkup(t *testing.T) tgbotapi.InlineKeyboardMarkup {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.sent) - 1; i >= 0; i-- {
		if m, ok := a.sent[i].(tgbotapi.MessageConfig); ok && m.ReplyMarkup != nil {
			markup, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
			require.True(t, ok)
			return markup
		}
	}
	t.Fatalf("no keyboard sent")
	return tgbotapi.InlineKeyboardMarkup{}
}

func (a *fakeAPI) editedTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, c := range a.requests {
		if e, ok := c.(tgbotapi.EditMessageTextConfig); ok {
			out = append(out, e.Text)
		}
	}
	return out
}

func (a *fakeAPI) deletedIDs() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for _, c := range a.requests {
		if d, ok := c.(tgbotapi.DeleteMessageConfig); ok {
			out = append(out, d.MessageID)
		}
	}
	return out
}

type fakeBackend struct {
	mu     sync.Mutex
	models []string
	err    error
	up     bool
	listed int
}

func (b *fakeBackend) ListModels(context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listed++
	if b.err != nil {
		return []string{}, b.err
	}
	return b.models, nil
}

func (b *fakeBackend) Ping(context.Context) bool { return b.up }

// jobBackend finishes every job on the first poll with an inline image.
type jobBackend struct {
	mu      sync.Mutex
	started []fooocus.GenerateRequest
	steps   []*fooocus.JobSnapshot
	cursor  map[string]int
}

func (b *jobBackend) StartJob(_ context.Context, req fooocus.GenerateRequest) (*fooocus.StartResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, req)
	return &fooocus.StartResult{JobID: fmt.Sprintf("job-%d", len(b.started))}, nil
}

func (b *jobBackend) QueryJob(_ context.Context, jobID string) (*fooocus.JobSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursor == nil {
		b.cursor = map[string]int{}
	}
	i := b.cursor[jobID]
	if i < len(b.steps) {
		b.cursor[jobID] = i + 1
		return b.steps[i], nil
	}
	return &fooocus.JobSnapshot{
		Status:   fooocus.JobFinished,
		Progress: 100,
		Stage:    "Finished",
		Results:  []fooocus.ResultItem{{Base64: base64.StdEncoding.EncodeToString([]byte(jobID))}},
	}, nil
}

func (b *jobBackend) FetchImage(context.Context, string) ([]byte, error) {
	return nil, errors.New("not used")
}

func (b *jobBackend) StopJob(context.Context) error { return nil }

type instantClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type harness struct {
	bot     *Bot
	api     *fakeAPI
	backend *fakeBackend
	jobs    *jobBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	jobs := &jobBackend{}
	runner, err := generation.NewRunner(generation.Options{
		Backend: jobs,
		Policy:  prompt.NewPolicy("safe", "nsfw"),
		Clock:   &instantClock{},
		Config:  generation.Config{PollInterval: time.Second, MaxImages: 10},
	})
	require.NoError(t, err)
	api := newFakeAPI()
	backend := &fakeBackend{models: []string{"juggernaut.safetensors", "realistic.safetensors"}, up: true}
	bot, err := New(Options{API: api, Runner: runner, Backend: backend})
	require.NoError(t, err)
	return &harness{bot: bot, api: api, backend: backend, jobs: jobs}
}

const userID int64 = 42

func message(text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		end := strings.IndexByte(text, ' ')
		if end < 0 {
			end = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: end}}
	}
	return tgbotapi.Update{Message: msg}
}

func callback(data string) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: userID},
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: userID}},
		Data:    data,
	}}
}

func TestStartCommand(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/start"))
	assert.True(t, strings.HasPrefix(h.api.lastText(), "Welcome to the Fooocus AI Bot!"))
}

func TestModelsCommandBuildsKeyboard(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/models"))

	assert.Equal(t, "Please select a base model:", h.api.lastText())
	markup := h.api.lastMarkup(t)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "realistic.safetensors", markup.InlineKeyboard[1][0].Text)
	require.NotNil(t, markup.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "model:1", *markup.InlineKeyboard[1][0].CallbackData)
}

func TestModelsCommandUnavailable(t *testing.T) {
	h := newHarness(t)
	h.backend.err = errors.New("connection refused")
	h.bot.HandleUpdate(context.Background(), message("/models"))
	assert.Equal(t, "Could not fetch models from Fooocus API.", h.api.lastText())
}

func TestModelCallbackSelectsModel(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), callback("model:1"))

	assert.Equal(t, []string{"Selected model: realistic.safetensors"}, h.api.editedTexts())
	assert.Equal(t, "realistic.safetensors", h.bot.prefs.Get(userID).Model)
	_, answered := h.api.requests[0].(tgbotapi.CallbackConfig)
	assert.True(t, answered, "callback must be answered first")
}

func TestModelCallbackStaleIndex(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), callback("model:9"))
	assert.Equal(t, []string{"Error: Model selection invalid (list changed?). Please run /models again."}, h.api.editedTexts())
	assert.Empty(t, h.bot.prefs.Get(userID).Model)
}

func TestImageCountKeyboardAndCallback(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/image_count"))
	markup := h.api.lastMarkup(t)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Len(t, markup.InlineKeyboard[0], 5)
	assert.Equal(t, "img_count:10", *markup.InlineKeyboard[1][4].CallbackData)

	h.bot.HandleUpdate(context.Background(), callback("img_count:3"))
	assert.Equal(t, 3, h.bot.prefs.Get(userID).ImageCount)
	assert.Equal(t, []string{"Selected image count: 3"}, h.api.editedTexts())

	h.bot.HandleUpdate(context.Background(), callback("img_count:11"))
	assert.Equal(t, 3, h.bot.prefs.Get(userID).ImageCount)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/pure"))
	assert.Equal(t, "Please provide a prompt. Usage: /pure <prompt>", h.api.lastText())
	assert.Empty(t, h.jobs.started)
}

func TestFilteredCommandsRejectNonEnglish(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/generate кошка на ковре"))
	assert.Equal(t, "Please write your prompt in English.", h.api.lastText())
	assert.Empty(t, h.jobs.started)

	h.bot.HandleUpdate(context.Background(), message("/raw кошка на ковре"))
	require.Len(t, h.jobs.started, 1)
	assert.Equal(t, "кошка на ковре", h.jobs.started[0].Prompt)
	assert.Empty(t, h.jobs.started[0].NegativePrompt)
}

func TestPlainTextGeneratesWithFullSafety(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("a quiet harbor"))

	require.Len(t, h.jobs.started, 1)
	assert.Equal(t, "a quiet harbor, safe", h.jobs.started[0].Prompt)
	assert.Equal(t, "nsfw", h.jobs.started[0].NegativePrompt)

	texts := h.api.texts()
	require.NotEmpty(t, texts)
	assert.Equal(t, "Generating 1 image(s) for: 'a quiet harbor'...\nModel: Default", texts[0])

	var photos int
	for _, c := range h.api.sent {
		if _, ok := c.(tgbotapi.PhotoConfig); ok {
			photos++
		}
	}
	assert.Equal(t, 1, photos)
	assert.Empty(t, h.api.groups, "a single image is delivered standalone")
	// The status message is removed once the session ends.
	assert.Contains(t, h.api.deletedIDs(), 501)
	assert.Zero(t, h.bot.ActiveSessions())
}

func TestMultiImageSessionGrowsAlbum(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), callback("img_count:3"))
	h.bot.HandleUpdate(context.Background(), message("/generate three boats"))

	require.Len(t, h.jobs.started, 3)
	require.Len(t, h.api.groups, 2)
	assert.Len(t, h.api.groups[0].Media, 2)
	assert.Len(t, h.api.groups[1].Media, 3)

	first, ok := h.api.groups[1].Media[0].(tgbotapi.InputMediaPhoto)
	require.True(t, ok)
	_, reused := first.Media.(tgbotapi.FileID)
	assert.True(t, reused, "earlier photos are referenced, not re-uploaded")
	last := h.api.groups[1].Media[2].(tgbotapi.InputMediaPhoto)
	assert.Contains(t, last.Caption, "Image 3 of 3")
}

func TestPreviewSwapsStatusToPhoto(t *testing.T) {
	h := newHarness(t)
	h.jobs.steps = []*fooocus.JobSnapshot{
		{Status: fooocus.JobRunning, Progress: 10, Stage: "Sampling", Preview: []byte("p1")},
		{Status: fooocus.JobRunning, Progress: 40, Stage: "Sampling", Preview: []byte("p2")},
		{Status: fooocus.JobRunning, Progress: 70, Stage: "Sampling"},
	}
	h.bot.HandleUpdate(context.Background(), message("/generate a comet"))

	var previews, media, captions int
	for _, c := range h.api.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok && strings.Contains(p.Caption, "Generating image 1 of 1") {
			previews++
		}
	}
	for _, c := range h.api.requests {
		switch c.(type) {
		case tgbotapi.EditMessageMediaConfig:
			media++
		case tgbotapi.EditMessageCaptionConfig:
			captions++
		}
	}
	assert.Equal(t, 1, previews)
	assert.Equal(t, 1, media)
	assert.GreaterOrEqual(t, captions, 1)
	// Original text status (501) and the preview photo (502) are both removed.
	deleted := h.api.deletedIDs()
	assert.Contains(t, deleted, 501)
	assert.Contains(t, deleted, 502)
}

func TestBusyUserIsRefused(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.bot.sessions.begin(userID, func() {}))
	h.bot.HandleUpdate(context.Background(), message("/generate another"))

	assert.Equal(t, "A generation is already in progress. Please wait for it to finish or send /cancel.", h.api.lastText())
	assert.Empty(t, h.jobs.started)
}

func TestCancelCommand(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/cancel"))
	assert.Equal(t, "No generation is running.", h.api.lastText())

	cancelled := false
	require.True(t, h.bot.sessions.begin(userID, func() { cancelled = true }))
	h.bot.HandleUpdate(context.Background(), message("/cancel"))
	assert.True(t, cancelled)
	assert.Equal(t, "Cancelling the current generation...", h.api.lastText())
}

func TestPingCommand(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/ping"))
	assert.Equal(t, "Fooocus backend is up.", h.api.lastText())

	h.backend.up = false
	h.bot.HandleUpdate(context.Background(), message("/ping"))
	assert.Equal(t, "Fooocus backend is unreachable.", h.api.lastText())
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	h.bot.HandleUpdate(context.Background(), message("/dance"))
	assert.Equal(t, "Unknown command. Send /help for the list of commands.", h.api.lastText())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	h.api.updates <- message("/start")
	require.Eventually(t, func() bool {
		return strings.HasPrefix(h.api.lastText(), "Welcome")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	assert.True(t, h.api.stopped)
}
