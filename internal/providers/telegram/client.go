package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"taskhub/internal/providers"
)

const maxMessageRunes = 4000

// Sender is the subset of *gotgbot.Bot used for delivery.
type Sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

type Config struct {
	ID         string
	Token      string
	APIURL     string
	HTTPClient *http.Client
	// Sender replaces the bot built from Token when set.
	Sender Sender
}

// Client pushes notifications as bot messages. Target is the numeric chat id.
type Client struct {
	cfg    Config
	sender Sender
}

func New(cfg Config) (*Client, error) {
	if cfg.Sender != nil {
		return &Client{cfg: cfg, sender: cfg.Sender}, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, &providers.ConfigurationError{Provider: cfg.ID, Field: "bot token"}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = providers.NewHTTPClient(0)
	}
	bot, err := gotgbot.NewBot(cfg.Token, &gotgbot.BotOpts{
		DisableTokenCheck: true,
		BotClient: &gotgbot.BaseBotClient{
			Client:             *cfg.HTTPClient,
			DefaultRequestOpts: &gotgbot.RequestOpts{Timeout: cfg.HTTPClient.Timeout, APIURL: cfg.APIURL},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Client{cfg: cfg, sender: bot}, nil
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) Invoke(ctx context.Context, r providers.Request) (providers.Result, error) {
	req, ok := r.(providers.PushRequest)
	if !ok {
		return providers.Result{}, providers.WrongRequest(c.cfg.ID, r)
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(req.Target), 10, 64)
	if err != nil {
		return providers.Result{}, &providers.InvalidRequestError{Provider: c.cfg.ID, Reason: "target is not a chat id"}
	}

	msg, err := c.sender.SendMessageWithContext(ctx, chatID, FormatMessage(req.Title, req.Body), &gotgbot.SendMessageOpts{
		ParseMode: "HTML",
	})
	if err != nil {
		return providers.Result{}, c.classify(err)
	}
	id := ""
	if msg != nil {
		id = strconv.FormatInt(msg.MessageId, 10)
	}
	return providers.Result{
		Payload: providers.PushPayload{MessageID: id, Status: "sent"},
		Usage:   providers.Usage{InputUnits: 1},
	}, nil
}

// FormatMessage renders a bold title above the body, trimmed to Telegram's limit.
func FormatMessage(title, body string) string {
	text := strings.TrimSpace(html.EscapeString(body))
	if t := strings.TrimSpace(title); t != "" {
		text = "<b>" + html.EscapeString(t) + "</b>\n" + text
	}
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}
	return text
}

// classify maps Bot API errors. A 403 means the user blocked the bot, which is
// a delivery failure rather than a credential problem.
func (c *Client) classify(err error) error {
	var tgErr *gotgbot.TelegramError
	if !errors.As(err, &tgErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return &providers.VendorError{Provider: c.cfg.ID, Message: "request aborted", Err: err}
		}
		return &providers.VendorError{Provider: c.cfg.ID, Message: "request failed", Err: redact(err, c.cfg.Token)}
	}
	switch {
	case tgErr.Code == http.StatusTooManyRequests:
		retry := providers.DefaultRetryAfter
		if tgErr.ResponseParams != nil && tgErr.ResponseParams.RetryAfter > 0 {
			retry = time.Duration(tgErr.ResponseParams.RetryAfter) * time.Second
		}
		return &providers.RateLimitedError{Provider: c.cfg.ID, StatusCode: tgErr.Code, RetryAfter: retry}
	case tgErr.Code == http.StatusUnauthorized:
		return &providers.AuthError{Provider: c.cfg.ID, StatusCode: tgErr.Code, Message: tgErr.Description}
	default:
		return &providers.VendorError{Provider: c.cfg.ID, StatusCode: tgErr.Code, Message: tgErr.Description}
	}
}

// redact strips the bot token that gotgbot embeds in request URLs.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "<redacted-token>"))
}
