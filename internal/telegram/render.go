package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fooocusbot/internal/album"
	"fooocusbot/internal/generation"
	"fooocusbot/internal/infra"
)

// sessionView renders one session's events. The status message starts as
// text and turns into a photo the first time a preview arrives.
type sessionView struct {
	api       BotAPI
	chatID    int64
	messageID int
	photo     bool
	text      string
	album     *album.Accumulator
	logger    *infra.Logger
}

func newSessionView(api BotAPI, chatID int64, statusMessageID int, logger *infra.Logger) *sessionView {
	return &sessionView{
		api:       api,
		chatID:    chatID,
		messageID: statusMessageID,
		album:     album.NewAccumulator(chatPublisher{api: api, chatID: chatID}, logger),
		logger:    logger,
	}
}

func (v *sessionView) apply(ctx context.Context, ev generation.Event) {
	switch e := ev.(type) {
	case generation.StatusEvent:
		v.show(e.Text, nil)
	case generation.ProgressEvent:
		v.show(e.Text, e.Preview)
	case generation.ImageEvent:
		caption := imageCaption(e)
		if _, err := v.album.Append(ctx, e.Bytes, caption); err != nil {
			v.logger.Error().Err(err).Int64("chat_id", v.chatID).Int("image", e.Index).Msg("bot: album update failed")
			v.reply(fmt.Sprintf("Failed to deliver image %d. Images sent so far are kept.", e.Index))
		}
	case generation.ErrorEvent:
		v.reply(e.Message)
	}
}

// show updates the status message in place.
func (v *sessionView) show(text string, preview []byte) {
	if text == v.text && preview == nil {
		return
	}
	v.text = text
	switch {
	case preview != nil && !v.photo:
		v.swapToPhoto(text, preview)
	case preview != nil:
		edit := tgbotapi.EditMessageMediaConfig{
			BaseEdit: tgbotapi.BaseEdit{ChatID: v.chatID, MessageID: v.messageID},
			Media:    previewMedia(text, preview),
		}
		v.request(edit, "edit preview")
	case v.photo:
		v.request(tgbotapi.NewEditMessageCaption(v.chatID, v.messageID, truncate(text, maxCaptionLength)), "edit caption")
	default:
		v.request(tgbotapi.NewEditMessageText(v.chatID, v.messageID, truncate(text, maxTextLength)), "edit text")
	}
}

// swapToPhoto replaces the text status message with a preview photo. Text
// messages cannot be edited into media.
func (v *sessionView) swapToPhoto(text string, preview []byte) {
	cfg := tgbotapi.NewPhoto(v.chatID, tgbotapi.FileBytes{Name: "preview.jpg", Bytes: preview})
	cfg.Caption = truncate(text, maxCaptionLength)
	msg, err := v.api.Send(cfg)
	if err != nil {
		v.logger.Warn().Err(err).Int64("chat_id", v.chatID).Msg("bot: send preview failed")
		v.request(tgbotapi.NewEditMessageText(v.chatID, v.messageID, truncate(text, maxTextLength)), "edit text")
		return
	}
	v.request(tgbotapi.NewDeleteMessage(v.chatID, v.messageID), "delete status text")
	v.messageID = msg.MessageID
	v.photo = true
}

// close removes the status message once the session's events are exhausted.
func (v *sessionView) close() {
	v.request(tgbotapi.NewDeleteMessage(v.chatID, v.messageID), "delete status")
}

func (v *sessionView) reply(text string) {
	if _, err := v.api.Send(tgbotapi.NewMessage(v.chatID, truncate(text, maxTextLength))); err != nil {
		v.logger.Warn().Err(err).Int64("chat_id", v.chatID).Msg("bot: send message failed")
	}
}

func (v *sessionView) request(c tgbotapi.Chattable, what string) {
	if _, err := v.api.Request(c); err != nil {
		// Identical re-renders are rejected by Telegram and are harmless.
		if strings.Contains(err.Error(), "message is not modified") {
			return
		}
		v.logger.Warn().Err(err).Int64("chat_id", v.chatID).Int("message_id", v.messageID).Msg("bot: " + what + " failed")
	}
}

func previewMedia(caption string, preview []byte) tgbotapi.InputMediaPhoto {
	media := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{Name: "preview.jpg", Bytes: preview})
	media.Caption = truncate(caption, maxCaptionLength)
	return media
}

func imageCaption(e generation.ImageEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Prompt: %s\nModel: %s", e.Prompt, e.Model)
	if e.Total > 1 {
		fmt.Fprintf(&b, "\nImage %d of %d", e.Index, e.Total)
	}
	if e.Seed != "" {
		fmt.Fprintf(&b, "\nSeed: %s", e.Seed)
	}
	return b.String()
}
