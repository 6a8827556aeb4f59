package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	callbackModel      = "model:"
	callbackImageCount = "img_count:"
	imageCountRowSize  = 5
)

// modelKeyboard lists one model per row. Callback data carries the index
// because Telegram caps it at 64 bytes.
func modelKeyboard(models []string) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(models))
	for i, m := range models {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(m, callbackModel+strconv.Itoa(i)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func imageCountKeyboard(limit int) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for i := 1; i <= limit; i++ {
		n := strconv.Itoa(i)
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(n, callbackImageCount+n))
		if len(row) == imageCountRowSize {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// parseCallback splits "prefix<n>" data into its prefix and integer.
func parseCallback(data string) (prefix string, n int, err error) {
	for _, p := range []string{callbackModel, callbackImageCount} {
		if rest, ok := strings.CutPrefix(data, p); ok {
			n, err := strconv.Atoi(rest)
			if err != nil {
				return p, 0, fmt.Errorf("telegram: bad callback %q: %w", data, err)
			}
			return p, n, nil
		}
	}
	return "", 0, fmt.Errorf("telegram: unknown callback %q", data)
}
