package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"taskhub/internal/providers"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Kind         string            `json:"kind"`
	Message      string            `json:"message"`
	RetryAfterMs int64             `json:"retryAfterMs,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Kind: kind, Message: message}})
}

func writeThrottled(w http.ResponseWriter, retryAfterMs int64, message string) {
	w.Header().Set("Retry-After", retryAfterSeconds(retryAfterMs))
	writeJSON(w, http.StatusTooManyRequests, envelope{Error: &apiError{
		Kind:         string(providers.KindRateLimited),
		Message:      message,
		RetryAfterMs: retryAfterMs,
	}})
}

// statusForKind maps a dispatch failure onto the caller-facing status. An
// auth failure is the vendor rejecting our credentials, so it is a gateway
// error rather than a 401.
func statusForKind(kind providers.ErrorKind) int {
	switch kind {
	case providers.KindRateLimited:
		return http.StatusTooManyRequests
	case providers.KindUnknownProvider, providers.KindInvalidRequest:
		return http.StatusBadRequest
	case providers.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// writeDispatchFailure renders a failed Result. Vendor text is only exposed
// in development.
func (s *Server) writeDispatchFailure(w http.ResponseWriter, res providers.Result) {
	if res.ErrorKind == providers.KindRateLimited {
		writeThrottled(w, res.RetryAfterMs, "provider is rate limiting requests, retry later")
		return
	}
	msg := res.Message
	switch res.ErrorKind {
	case providers.KindUnknownProvider, providers.KindInvalidRequest:
	case providers.KindConfiguration:
		if !s.cfg.IsDevelopment() {
			msg = "provider is not configured"
		}
	default:
		if !s.cfg.IsDevelopment() {
			msg = "provider request failed"
		}
	}
	writeError(w, statusForKind(res.ErrorKind), string(res.ErrorKind), msg)
}

func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, err error, what string) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(what)
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// decodeAndValidate reads a JSON body into dst and validates its struct tags.
// It writes the 400 response itself and reports whether the caller may go on.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, envelope{Error: &apiError{
				Kind:    string(providers.KindInvalidRequest),
				Message: "validation failed",
				Fields:  validationFields(verrs),
			}})
			return false
		}
		writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), err.Error())
		return false
	}
	return true
}

func validationFields(errs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(errs))
	for _, e := range errs {
		name := e.Namespace()
		if i := strings.Index(name, "."); i >= 0 {
			name = name[i+1:]
		}
		switch e.Tag() {
		case "required":
			fields[name] = "is required"
		case "min", "gte":
			fields[name] = "must be at least " + e.Param()
		case "max", "lte":
			fields[name] = "must be at most " + e.Param()
		case "oneof":
			fields[name] = "must be one of: " + e.Param()
		default:
			fields[name] = "failed on '" + e.Tag() + "'"
		}
	}
	return fields
}

func retryAfterSeconds(ms int64) string {
	secs := (ms + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
