// Package telegram is the chat layer of the bot: it parses commands, keeps
// per-user preferences, runs one generation session per user and maps
// session events onto Telegram messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fooocusbot/internal/album"
)

const (
	maxTextLength    = 4096
	maxCaptionLength = 1024
)

// BotAPI is the part of *tgbotapi.BotAPI the bot uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	SendMediaGroup(config tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

var _ BotAPI = (*tgbotapi.BotAPI)(nil)

// chatPublisher delivers album photos into one chat.
type chatPublisher struct {
	api    BotAPI
	chatID int64
}

var _ album.Publisher = chatPublisher{}

func (p chatPublisher) SendPhoto(_ context.Context, image []byte, caption string) (album.Delivery, error) {
	cfg := tgbotapi.NewPhoto(p.chatID, tgbotapi.FileBytes{Name: "image-01.png", Bytes: image})
	cfg.Caption = truncate(caption, maxCaptionLength)
	msg, err := p.api.Send(cfg)
	if err != nil {
		return album.Delivery{}, fmt.Errorf("telegram: send photo: %w", err)
	}
	handle := largestPhoto(msg.Photo)
	if handle == "" {
		return album.Delivery{}, errors.New("telegram: sent photo carries no file id")
	}
	return album.Delivery{MessageIDs: []int{msg.MessageID}, Handles: []string{handle}}, nil
}

func (p chatPublisher) SendAlbum(_ context.Context, handles []string, image []byte, caption string) (album.Delivery, error) {
	media := make([]interface{}, 0, len(handles)+1)
	for _, h := range handles {
		media = append(media, tgbotapi.NewInputMediaPhoto(tgbotapi.FileID(h)))
	}
	latest := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{
		Name:  fmt.Sprintf("image-%02d.png", len(handles)+1),
		Bytes: image,
	})
	latest.Caption = truncate(caption, maxCaptionLength)
	media = append(media, latest)

	msgs, err := p.api.SendMediaGroup(tgbotapi.NewMediaGroup(p.chatID, media))
	if err != nil {
		return album.Delivery{}, fmt.Errorf("telegram: send media group of %d: %w", len(media), err)
	}
	d := album.Delivery{
		MessageIDs: make([]int, 0, len(msgs)),
		Handles:    make([]string, 0, len(msgs)),
	}
	for _, m := range msgs {
		d.MessageIDs = append(d.MessageIDs, m.MessageID)
		if h := largestPhoto(m.Photo); h != "" {
			d.Handles = append(d.Handles, h)
		}
	}
	return d, nil
}

func (p chatPublisher) Delete(_ context.Context, messageIDs []int) error {
	var errs []error
	for _, id := range messageIDs {
		if _, err := p.api.Request(tgbotapi.NewDeleteMessage(p.chatID, id)); err != nil {
			errs = append(errs, fmt.Errorf("telegram: delete message %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// largestPhoto returns the file id of the biggest size Telegram stored.
func largestPhoto(sizes []tgbotapi.PhotoSize) string {
	if len(sizes) == 0 {
		return ""
	}
	return sizes[len(sizes)-1].FileID
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
