package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	tu "github.com/mymmrac/telego/telegoutil"

	"pontoon.app/bridge/internal/event"
	"pontoon.app/bridge/internal/platform"
)

// Client is the subset of the Bot API the bridge calls. The concrete
// *telego.Bot satisfies it; tests substitute their own.
type Client interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	CreateForumTopic(ctx context.Context, params *telego.CreateForumTopicParams) (*telego.ForumTopic, error)
	GetMe(ctx context.Context) (*telego.User, error)
}

// Transport delivers bridged messages into Telegram chats. Threading
// uses forum topics: the topic's message_thread_id is the handle, so
// the destination group must have topics enabled.
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
	return event.PlatformTelegram
}

// CheckAuth verifies the bot token at startup.
func (t *Transport) CheckAuth(ctx context.Context) error {
	me, err := t.client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	t.logger.InfoContext(ctx, "telegram auth verified",
		"bot_username", me.Username,
		"bot_id", me.ID)
	return nil
}

func (t *Transport) Send(ctx context.Context, req platform.DeliveryRequest) (platform.Receipt, error) {
	chatID, err := parseChatID(req.ConversationID)
	if err != nil {
		return platform.Receipt{}, err
	}

	params := tu.Message(tu.ID(chatID), req.Text).WithParseMode(telego.ModeHTML)
	if req.ThreadHandle != "" {
		threadID, err := parseThreadID(req.ThreadHandle)
		if err != nil {
			return platform.Receipt{}, err
		}
		params = params.WithMessageThreadID(threadID)
	}

	msg, err := t.client.SendMessage(ctx, params)
	if err != nil {
		return platform.Receipt{}, classify(err)
	}
	return receiptFor(msg), nil
}

// StartThread creates a forum topic named after the source conversation
// and posts the starter message into it.
func (t *Transport) StartThread(ctx context.Context, req platform.ThreadRequest) (platform.ThreadHandle, platform.Receipt, error) {
	chatID, err := parseChatID(req.ConversationID)
	if err != nil {
		return "", platform.Receipt{}, err
	}

	topic, err := t.client.CreateForumTopic(ctx, &telego.CreateForumTopicParams{
		ChatID: tu.ID(chatID),
		Name:   req.Title,
	})
	if err != nil {
		return "", platform.Receipt{}, classify(err)
	}

	params := tu.Message(tu.ID(chatID), req.StarterText).
		WithParseMode(telego.ModeHTML).
		WithMessageThreadID(topic.MessageThreadID)
	msg, err := t.client.SendMessage(ctx, params)
	if err != nil {
		return "", platform.Receipt{}, classify(err)
	}

	handle := platform.ThreadHandle(strconv.Itoa(topic.MessageThreadID))
	return handle, receiptFor(msg), nil
}

func receiptFor(msg *telego.Message) platform.Receipt {
	return platform.Receipt{
		MessageRef:  strconv.Itoa(msg.MessageID),
		DeliveredAt: time.Now().UTC(),
	}
}

func parseChatID(conversationID string) (int64, error) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, platform.Fatal("bad_conversation", fmt.Errorf("telegram chat id %q: %w", conversationID, err))
	}
	return id, nil
}

func parseThreadID(handle platform.ThreadHandle) (int, error) {
	id, err := strconv.Atoi(string(handle))
	if err != nil {
		return 0, platform.Fatal("bad_thread_handle", fmt.Errorf("telegram thread handle %q: %w", handle, err))
	}
	return id, nil
}

func classify(err error) *platform.SendError {
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == 429:
			return platform.Retryable("rate_limited", err)
		case apiErr.ErrorCode >= 500:
			return platform.Retryable("server_error", err)
		case apiErr.ErrorCode == 401:
			return platform.Fatal("invalid_auth", err)
		case apiErr.ErrorCode == 403:
			return platform.Fatal("not_permitted", err)
		default:
			return platform.Fatal("bad_request", err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return platform.Retryable("timeout", err)
	}

	var uerr *url.Error
	var nerr net.Error
	if errors.As(err, &uerr) || errors.As(err, &nerr) {
		return platform.Retryable("network", err)
	}

	return platform.Fatal("api_error", err)
}
