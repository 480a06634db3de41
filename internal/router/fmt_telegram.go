package router

import (
	"html"
	"strings"

	"pontoon.app/bridge/internal/event"
)

// TelegramFormatter renders bridged text as Telegram HTML.
type TelegramFormatter struct{}

func (TelegramFormatter) Platform() event.Platform {
	return event.PlatformTelegram
}

func (TelegramFormatter) Message(sender, sourceName, body string) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(sender))
	b.WriteString("</b>")
	if sourceName != "" {
		b.WriteString(" (")
		b.WriteString(html.EscapeString(sourceName))
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(html.EscapeString(body))
	return b.String()
}

func (TelegramFormatter) Notice(text string) string {
	return "<i>" + html.EscapeString(text) + "</i>"
}
