package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/slack-go/slack"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

// Client is the subset of the Slack Web API the bridge uses. The
// concrete *slack.Client satisfies it; tests substitute their own.
type Client interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
}

// Transport delivers bridged messages into Slack channels. Threads are
// native: the starter message's ts doubles as the thread handle.
type Transport struct {
	client Client
	logger *slog.Logger
}

func New(client Client, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{client: client, logger: log}
}

func (t *Transport) Platform() event.Platform {
	return event.PlatformSlack
}

// CheckAuth verifies the bot token at startup and logs the workspace
// identity the worker is posting as.
func (t *Transport) CheckAuth(ctx context.Context) error {
	resp, err := t.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	t.logger.InfoContext(ctx, "slack auth verified",
		"team", resp.Team,
		"bot_user", resp.User)
	return nil
}

func (t *Transport) Send(ctx context.Context, req platform.DeliveryRequest) (platform.Receipt, error) {
	opts := []slack.MsgOption{
		slack.MsgOptionText(req.Text, false),
		slack.MsgOptionLinkNames(false),
	}
	if req.ThreadHandle != "" {
		opts = append(opts, slack.MsgOptionTS(string(req.ThreadHandle)))
	}

	_, ts, err := t.client.PostMessageContext(ctx, req.ConversationID, opts...)
	if err != nil {
		return platform.Receipt{}, classify(err)
	}
	return platform.Receipt{MessageRef: ts, DeliveredAt: time.Now().UTC()}, nil
}

// StartThread posts the starter message top-level; its ts becomes both
// the receipt and the handle replies thread under.
func (t *Transport) StartThread(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
	_, ts, err := t.client.PostMessageContext(ctx, req.ConversationID,
		slack.MsgOptionText(req.StarterText, false),
		slack.MsgOptionLinkNames(false))
	if err != nil {
		return "", platform.Receipt{}, classify(err)
	}
	return platform.ThreadHandle(ts), platform.Receipt{MessageRef: ts, DeliveredAt: time.Now().UTC()}, nil
}

// Slack Web API failures arrive either as typed transport errors or as
// the raw "error" string from the API response.
func classify(err error) *platform.SendError {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return platform.Retryable("rate_limited", err)
	}

	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		if sc.Code >= 500 {
			return platform.Retryable("server_error", err)
		}
		return platform.Fatal(fmt.Sprintf("http_%d", sc.Code), err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return platform.Retryable("timeout", err)
	}

	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return platform.Retryable("network", err)
	}

	switch err.Error() {
	case "invalid_auth", "account_inactive", "token_revoked", "not_authed":
		return platform.Fatal("invalid_auth", err)
	case "channel_not_found", "is_archived":
		return platform.Fatal("channel_not_found", err)
	case "not_in_channel", "restricted_action", "ekm_access_denied":
		return platform.Fatal("not_permitted", err)
	case "msg_too_long", "no_text", "invalid_blocks":
		return platform.Fatal("bad_message", err)
	case "ratelimited", "message_limit_exceeded":
		return platform.Retryable("rate_limited", err)
	case "fatal_error", "internal_error", "service_unavailable":
		return platform.Retryable("server_error", err)
	}

	return platform.Fatal("api_error", err)
}
