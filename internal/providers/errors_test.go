package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
	"unicode/utf8"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   string
		want   ErrorKind
	}{
		{name: "ok", status: 200, want: ""},
		{name: "too many requests", status: 429, want: KindRateLimited},
		{name: "throttle code on 400", status: 400, code: "RESOURCE_EXHAUSTED", want: KindRateLimited},
		{name: "expo ticket throttle on 200", status: 200, code: "MessageRateExceeded", want: KindRateLimited},
		{name: "unauthorized", status: 401, want: KindAuth},
		{name: "forbidden", status: 403, want: KindAuth},
		{name: "server error", status: 503, want: KindVendor},
		{name: "bad request", status: 400, code: "invalid_request_error", want: KindVendor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyStatus("p1", tc.status, http.Header{}, tc.code, "msg")
			if got := KindOf(err); got != tc.want {
				t.Fatalf("expected kind %q, got %q (err=%v)", tc.want, got, err)
			}
		})
	}
}

func TestRetryAfterFromHeader(t *testing.T) {
	h := http.Header{}
	if got := RetryAfterFromHeader(h); got != DefaultRetryAfter {
		t.Fatalf("expected default retry after, got %s", got)
	}

	h.Set("Retry-After", "12")
	if got := RetryAfterFromHeader(h); got != 12*time.Second {
		t.Fatalf("expected 12s, got %s", got)
	}

	h = http.Header{}
	h.Set("retry-after-ms", "1500")
	if got := RetryAfterFromHeader(h); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}

	h = http.Header{}
	h.Set("x-ratelimit-reset-requests", "6m0s")
	if got := RetryAfterFromHeader(h); got != 6*time.Minute {
		t.Fatalf("expected 6m, got %s", got)
	}
}

func TestParseResetString(t *testing.T) {
	if got := ParseResetString("1s"); got != time.Second {
		t.Fatalf("expected 1s, got %s", got)
	}
	if got := ParseResetString("2"); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := ParseResetString("soon"); got != 0 {
		t.Fatalf("expected zero for garbage, got %s", got)
	}
}

func TestKindOfWrapped(t *testing.T) {
	base := &RateLimitedError{Provider: "p", RetryAfter: 3 * time.Second}
	err := fmt.Errorf("call vendor: %w", base)
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate_limited through wrapping")
	}
	if RetryAfterOf(err) != 3*time.Second {
		t.Fatalf("expected retry after to survive wrapping")
	}
	if KindOf(context.DeadlineExceeded) != KindVendor {
		t.Fatalf("expected deadline to be a vendor failure")
	}
	if KindOf(errors.New("boom")) != KindUnknown {
		t.Fatalf("expected unknown for plain errors")
	}
	if KindOf(&NotFoundError{ID: "x"}) != KindUnknownProvider {
		t.Fatalf("expected unknown_provider for not found")
	}
}

func TestChatRequestSplitsSystemPrompt(t *testing.T) {
	req := ChatRequest{Messages: []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "use english"},
		{Role: "assistant", Content: "hello"},
	}}
	if got := req.SystemPrompt(); got != "be brief\n\nuse english" {
		t.Fatalf("unexpected system prompt %q", got)
	}
	conv := req.ConversationMessages()
	if len(conv) != 2 || conv[0].Role != "user" || conv[1].Role != "assistant" {
		t.Fatalf("unexpected conversation %#v", conv)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	if got := Truncate([]byte("  short  "), 10); got != "short" {
		t.Fatalf("expected trimmed body, got %q", got)
	}
	// "é" is two bytes; cutting at 2 would split it.
	got := Truncate([]byte("aéb"), 2)
	if got != "a..." {
		t.Fatalf("expected cut before the multi-byte rune, got %q", got)
	}
	if !utf8.ValidString(Truncate([]byte("ошибка сервера"), 5)) {
		t.Fatalf("truncated text is not valid UTF-8")
	}
}
