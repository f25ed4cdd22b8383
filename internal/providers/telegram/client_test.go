package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"taskhub/internal/providers"
)

type fakeSender struct {
	chatID int64
	text   string
	opts   *gotgbot.SendMessageOpts
	err    error
}

func (f *fakeSender) SendMessageWithContext(_ context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error) {
	f.chatID, f.text, f.opts = chatId, text, opts
	if f.err != nil {
		return nil, f.err
	}
	return &gotgbot.Message{MessageId: 77}, nil
}

func TestInvokeSendsHTMLMessage(t *testing.T) {
	s := &fakeSender{}
	c, err := New(Config{ID: "telegram", Sender: s})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := c.Invoke(context.Background(), providers.PushRequest{Title: "Due <today>", Body: "Ship it", Target: "-100123"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if s.chatID != -100123 {
		t.Fatalf("unexpected chat id %d", s.chatID)
	}
	if s.text != "<b>Due &lt;today&gt;</b>\nShip it" || s.opts.ParseMode != "HTML" {
		t.Fatalf("unexpected message %q (%#v)", s.text, s.opts)
	}
	if res.Payload.(providers.PushPayload).MessageID != "77" || res.Usage.InputUnits != 1 {
		t.Fatalf("unexpected result %#v", res)
	}
}

func TestInvokeMapsTelegramErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want providers.ErrorKind
	}{
		{"flood wait", &gotgbot.TelegramError{Code: 429, Description: "Too Many Requests: retry after 5", ResponseParams: &gotgbot.ResponseParameters{RetryAfter: 5}}, providers.KindRateLimited},
		{"bad token", &gotgbot.TelegramError{Code: 401, Description: "Unauthorized"}, providers.KindAuth},
		{"blocked", &gotgbot.TelegramError{Code: 403, Description: "Forbidden: bot was blocked by the user"}, providers.KindVendor},
		{"network", errors.New("dial tcp: timeout"), providers.KindVendor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := New(Config{ID: "telegram", Sender: &fakeSender{err: tc.err}})
			_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "1", Body: "x"})
			if got := providers.KindOf(err); got != tc.want {
				t.Fatalf("expected %q, got %q (%v)", tc.want, got, err)
			}
			if tc.want == providers.KindRateLimited && providers.RetryAfterOf(err) != 5*time.Second {
				t.Fatalf("expected retry_after 5s, got %s", providers.RetryAfterOf(err))
			}
		})
	}
}

func TestInvokeRejectsNonNumericTarget(t *testing.T) {
	c, _ := New(Config{ID: "telegram", Sender: &fakeSender{}})
	_, err := c.Invoke(context.Background(), providers.PushRequest{Target: "@channel"})
	if providers.KindOf(err) != providers.KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{ID: "telegram"})
	if providers.KindOf(err) != providers.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRedact(t *testing.T) {
	err := redact(errors.New(`Post "https://api.telegram.org/bot123:abc/sendMessage": EOF`), "123:abc")
	if strings.Contains(err.Error(), "123:abc") {
		t.Fatalf("token leaked: %v", err)
	}
}

func TestFormatMessageTruncates(t *testing.T) {
	long := strings.Repeat("a", maxMessageRunes+10)
	if got := FormatMessage("", long); len([]rune(got)) != maxMessageRunes {
		t.Fatalf("expected truncation to %d runes, got %d", maxMessageRunes, len([]rune(got)))
	}
}
