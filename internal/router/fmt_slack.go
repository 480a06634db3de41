package router

import (
	"strings"

	"pontoon.app/bridge/internal/event"
)

// SlackFormatter renders bridged text as Slack mrkdwn. Slack requires
// only the control characters of its entity syntax to be escaped.
type SlackFormatter struct{}

func (SlackFormatter) Platform() event.Platform {
	return event.PlatformSlack
}

func (SlackFormatter) Message(sender, sourceName, body string) string {
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(escapeSlack(sender))
	b.WriteString("*")
	if sourceName != "" {
		b.WriteString(" (")
		b.WriteString(escapeSlack(sourceName))
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(escapeSlack(body))
	return b.String()
}

func (SlackFormatter) Notice(text string) string {
	return "_" + escapeSlack(text) + "_"
}

var slackEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeSlack(s string) string {
	return slackEscaper.Replace(s)
}
