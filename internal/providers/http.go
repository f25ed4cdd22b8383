package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxResponseBytes = 4 << 20

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// NewHTTPClient returns the client shared by vendor adapters. The timeout is the
// only deadline applied to a vendor call.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// HTTPResponse is a fully read vendor response.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Send performs one request and reads at most 4 MiB of the response. Transport
// failures are returned as *VendorError.
func Send(ctx context.Context, client *http.Client, provider, method, url string, header http.Header, body []byte) (HTTPResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return HTTPResponse{}, &VendorError{Provider: provider, Message: "build request", Err: err}
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return HTTPResponse{}, &VendorError{Provider: provider, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return HTTPResponse{}, &VendorError{Provider: provider, StatusCode: resp.StatusCode, Message: "read response body", Err: err}
	}
	return HTTPResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}, nil
}

var throttleCodes = map[string]struct{}{
	"rate_limit":          {},
	"rate_limit_error":    {},
	"rate_limit_exceeded": {},
	"resource_exhausted":  {},
	"rate_limit_reached":  {},
	"quota_exceeded":      {},
	"messagerateexceeded": {},
	"too_many_requests":   {},
	"toomanyrequests":     {},
}

// IsThrottleCode reports whether a vendor error code signals throttling.
func IsThrottleCode(code string) bool {
	_, ok := throttleCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}

// ClassifyStatus converts a vendor status and optional vendor error code into the
// normalized error taxonomy. It returns nil for 2xx responses without a throttle code.
func ClassifyStatus(provider string, status int, header http.Header, code, message string) error {
	if status == http.StatusTooManyRequests || IsThrottleCode(code) {
		return &RateLimitedError{Provider: provider, StatusCode: status, RetryAfter: RetryAfterFromHeader(header)}
	}
	if status >= 200 && status <= 299 {
		return nil
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Provider: provider, StatusCode: status, Message: message}
	}
	return &VendorError{Provider: provider, StatusCode: status, Code: code, Message: message}
}

// RetryAfterFromHeader reads Retry-After (seconds or HTTP date), retry-after-ms and
// the x-ratelimit-reset-* reset strings. Missing hints yield DefaultRetryAfter.
func RetryAfterFromHeader(h http.Header) time.Duration {
	if h == nil {
		return DefaultRetryAfter
	}
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(v); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens", "x-ratelimit-reset"} {
		if d := ParseResetString(h.Get(key)); d > 0 {
			return d
		}
	}
	return DefaultRetryAfter
}

// ParseResetString converts reset hints such as "1s", "6m0s", "250ms" or a bare
// number of seconds into a duration. Unparseable input yields zero.
func ParseResetString(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

// WrongRequest builds the error adapters return for a request of another capability.
func WrongRequest(provider string, req Request) error {
	return &InvalidRequestError{Provider: provider, Reason: fmt.Sprintf("unexpected %T", req)}
}

// Truncate shortens vendor error bodies before they are put into error messages.
func Truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
