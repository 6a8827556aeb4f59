package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/singleflight"

	"fooocusbot/internal/domain"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/infra"
	"fooocusbot/internal/prompt"
)

const (
	defaultUpdateTimeout = 60
	modelsTimeout        = 15 * time.Second
	pingTimeout          = 10 * time.Second
)

const welcomeText = "Welcome to the Fooocus AI Bot!\n\n" +
	"Commands:\n" +
	"/models - Select a base model\n" +
	"/image_count - Select how many images to generate\n" +
	"/generate <prompt> - Generate an image\n" +
	"/pure <prompt> - Generate with the positive safety prompt only\n" +
	"/raw <prompt> - Generate without safety prompts\n" +
	"/cancel - Stop the running generation\n" +
	"/ping - Check the Fooocus backend\n" +
	"Or simply send a text message to generate an image."

// Backend is what the chat layer asks of the Fooocus client directly.
type Backend interface {
	ListModels(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) bool
}

// Options wires a Bot.
type Options struct {
	API           BotAPI
	Runner        *generation.Runner
	Backend       Backend
	Logger        *infra.Logger
	UpdateTimeout int
}

// Bot dispatches Telegram updates.
type Bot struct {
	api           BotAPI
	runner        *generation.Runner
	backend       Backend
	logger        *infra.Logger
	updateTimeout int

	prefs    *preferenceStore
	sessions *activeSessions
	models   singleflight.Group
	wg       sync.WaitGroup
}

// New validates opts and returns a Bot.
func New(opts Options) (*Bot, error) {
	if opts.API == nil {
		return nil, errors.New("telegram: api is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("telegram: generation runner is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("telegram: backend is required")
	}
	timeout := opts.UpdateTimeout
	if timeout <= 0 {
		timeout = defaultUpdateTimeout
	}
	return &Bot{
		api:           opts.API,
		runner:        opts.Runner,
		backend:       opts.Backend,
		logger:        infra.LoggerOrDiscard(opts.Logger),
		updateTimeout: timeout,
		prefs:         newPreferenceStore(),
		sessions:      newActiveSessions(),
	}, nil
}

// Run long-polls updates until ctx is done, handling each update on its own
// goroutine, then waits for running sessions to wind down.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.updateTimeout
	updates := b.api.GetUpdatesChan(cfg)
	b.logger.Info().Msg("bot: receiving updates")

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info().Msg("bot: stopping")
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleUpdate(ctx, upd)
			}()
		}
	}
}

// ActiveSessions is the number of users with a generation in flight.
func (b *Bot) ActiveSessions() int { return b.sessions.count() }

// HandleUpdate handles one update synchronously. A generation request blocks
// until its session is done.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Int("update_id", upd.UpdateID).Msg("bot: update handler panicked")
		}
	}()
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil && upd.Message.Chat != nil:
		b.handleMessage(ctx, upd.Message)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !msg.IsCommand() {
		if text := strings.TrimSpace(msg.Text); text != "" {
			b.generate(ctx, msg, text, domain.SafetyFull)
		}
		return
	}

	cmd := msg.Command()
	b.logger.Debug().Str("command", cmd).Int64("user_id", msg.From.ID).Msg("bot: command")
	switch cmd {
	case "start", "help":
		b.reply(msg.Chat.ID, welcomeText)
	case "models":
		b.showModels(ctx, msg.Chat.ID)
	case "image_count":
		out := tgbotapi.NewMessage(msg.Chat.ID, "Select number of images to generate:")
		out.ReplyMarkup = imageCountKeyboard(b.runner.MaxImages())
		b.send(out)
	case "generate":
		b.generateCommand(ctx, msg, cmd, domain.SafetyFull)
	case "pure":
		b.generateCommand(ctx, msg, cmd, domain.SafetyPositiveOnly)
	case "raw":
		b.generateCommand(ctx, msg, cmd, domain.SafetyNone)
	case "cancel":
		if b.sessions.cancel(msg.From.ID) {
			b.reply(msg.Chat.ID, "Cancelling the current generation...")
		} else {
			b.reply(msg.Chat.ID, "No generation is running.")
		}
	case "ping":
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if b.backend.Ping(pingCtx) {
			b.reply(msg.Chat.ID, "Fooocus backend is up.")
		} else {
			b.reply(msg.Chat.ID, "Fooocus backend is unreachable.")
		}
	default:
		b.reply(msg.Chat.ID, "Unknown command. Send /help for the list of commands.")
	}
}

func (b *Bot) generateCommand(ctx context.Context, msg *tgbotapi.Message, cmd string, mode domain.SafetyMode) {
	text := strings.TrimSpace(msg.CommandArguments())
	if !prompt.Usable(text) {
		b.reply(msg.Chat.ID, fmt.Sprintf("Please provide a prompt. Usage: /%s <prompt>", cmd))
		return
	}
	b.generate(ctx, msg, text, mode)
}

func (b *Bot) generate(ctx context.Context, msg *tgbotapi.Message, text string, mode domain.SafetyMode) {
	chatID, userID := msg.Chat.ID, msg.From.ID
	if mode.Filtered() && !prompt.IsPrimarilyASCII(text) {
		b.reply(chatID, "Please write your prompt in English.")
		return
	}

	prefs := b.prefs.Get(userID)
	req := domain.GenerationRequest{Prompt: text, Model: prefs.Model, ImageCount: prefs.ImageCount, Safety: mode}
	session, err := b.runner.NewSession(req)
	if err != nil {
		b.logger.Warn().Err(err).Int64("user_id", userID).Msg("bot: rejected generation request")
		b.reply(chatID, "Invalid request: "+err.Error())
		return
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !b.sessions.begin(userID, cancel) {
		b.logger.Info().Err(domain.ErrSessionBusy).Int64("user_id", userID).Msg("bot: generation refused")
		b.reply(chatID, "A generation is already in progress. Please wait for it to finish or send /cancel.")
		return
	}
	defer b.sessions.end(userID)

	status, err := b.api.Send(tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Generating %d image(s) for: '%s'...\nModel: %s", req.ImageCount, truncate(text, 200), req.ModelLabel())))
	if err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("bot: send status message failed")
		return
	}

	b.logger.Info().Str("session_id", session.ID).Int64("user_id", userID).Str("safety", string(mode)).Msg("bot: generation started")
	view := newSessionView(b.api, chatID, status.MessageID, b.logger)
	for ev := range session.Events(sessionCtx) {
		view.apply(sessionCtx, ev)
	}
	view.close()
}

func (b *Bot) showModels(ctx context.Context, chatID int64) {
	models := b.listModels(ctx)
	if len(models) == 0 {
		b.reply(chatID, "Could not fetch models from Fooocus API.")
		return
	}
	out := tgbotapi.NewMessage(chatID, "Please select a base model:")
	out.ReplyMarkup = modelKeyboard(models)
	b.send(out)
}

// listModels collapses concurrent lookups into one backend call.
func (b *Bot) listModels(ctx context.Context) []string {
	v, err, _ := b.models.Do("models", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), modelsTimeout)
		defer cancel()
		return b.backend.ListModels(ctx)
	})
	if err != nil {
		b.logger.Warn().Err(err).Msg("bot: list models failed")
		return nil
	}
	models, _ := v.([]string)
	return models
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.logger.Warn().Err(err).Str("callback_id", q.ID).Msg("bot: answer callback failed")
	}
	if q.Message == nil || q.Message.Chat == nil || q.From == nil {
		return
	}
	chatID, messageID := q.Message.Chat.ID, q.Message.MessageID

	prefix, n, err := parseCallback(q.Data)
	if err != nil {
		b.logger.Warn().Err(err).Msg("bot: unhandled callback")
		b.edit(chatID, messageID, "Error processing selection.")
		return
	}

	switch prefix {
	case callbackModel:
		// Resolve the index against a fresh list; the keyboard may be stale.
		models := b.listModels(ctx)
		if n < 0 || n >= len(models) {
			b.edit(chatID, messageID, "Error: Model selection invalid (list changed?). Please run /models again.")
			return
		}
		b.prefs.SetModel(q.From.ID, models[n])
		b.logger.Info().Int64("user_id", q.From.ID).Str("model", models[n]).Msg("bot: model selected")
		b.edit(chatID, messageID, "Selected model: "+models[n])
	case callbackImageCount:
		if n < 1 || n > b.runner.MaxImages() {
			b.edit(chatID, messageID, "Error processing selection.")
			return
		}
		b.prefs.SetImageCount(q.From.ID, n)
		b.edit(chatID, messageID, fmt.Sprintf("Selected image count: %d", n))
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.send(tgbotapi.NewMessage(chatID, truncate(text, maxTextLength)))
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn().Err(err).Msg("bot: send failed")
	}
}

func (b *Bot) edit(chatID int64, messageID int, text string) {
	if _, err := b.api.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		b.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("bot: edit failed")
	}
}
