package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taskhub/internal/providers"
	"taskhub/internal/storage"
)

type chatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,max=32000"`
}

type chatBody struct {
	Messages    []chatMessage `json:"messages" validate:"required,min=1,max=100,dive"`
	Model       string        `json:"model" validate:"max=200"`
	Temperature *float64      `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int           `json:"maxTokens" validate:"gte=0,lte=32768"`
	Provider    string        `json:"provider" validate:"max=100"`
}

type analyzeBody struct {
	Provider string `json:"provider" validate:"max=100"`
}

type chatResponse struct {
	Text         string          `json:"text"`
	Model        string          `json:"model,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	ProviderID   string          `json:"providerId"`
	Usage        providers.Usage `json:"usage"`
	DurationMs   int64           `json:"durationMs"`
}

type analysisResponse struct {
	TaskID string `json:"taskId"`
	chatResponse
}

const analysisSystemPrompt = "You are a productivity assistant. Review the task and answer with: a one-line summary, " +
	"the main risks, up to five concrete next steps, and a realistic effort estimate."

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	var body chatBody
	if !decodeAndValidate(w, r, &body) {
		return
	}
	if !s.consumeQuota(w, r, userID) {
		return
	}

	req := providers.ChatRequest{
		Model:       body.Model,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
		Messages:    make([]providers.Message, 0, len(body.Messages)),
	}
	for _, m := range body.Messages {
		req.Messages = append(req.Messages, providers.Message{Role: m.Role, Content: m.Content})
	}

	res := s.dispatchChat(r, userID, req, body.Provider)
	if !res.Success {
		s.writeDispatchFailure(w, res)
		return
	}
	writeData(w, http.StatusOK, toChatResponse(res))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	var body analyzeBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	task, err := s.store.GetTask(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.writeInternal(w, r, err, "load task failed")
		return
	}
	if !s.consumeQuota(w, r, userID) {
		return
	}

	res := s.dispatchChat(r, userID, providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: analysisSystemPrompt},
			{Role: "user", Content: taskPrompt(task)},
		},
		MaxTokens: 800,
	}, body.Provider)
	if !res.Success {
		s.writeDispatchFailure(w, res)
		return
	}
	writeData(w, http.StatusOK, analysisResponse{TaskID: task.ID, chatResponse: toChatResponse(res)})
}

func (s *Server) dispatchChat(r *http.Request, userID string, req providers.ChatRequest, preferredID string) providers.Result {
	res := s.dispatcher.Dispatch(r.Context(), providers.CapabilityChat, req, strings.TrimSpace(preferredID))
	if s.usage != nil {
		s.usage.Record(r.Context(), userID, providers.CapabilityChat, res)
	}
	return res
}

func toChatResponse(res providers.Result) chatResponse {
	out := chatResponse{ProviderID: res.ProviderID, Usage: res.Usage, DurationMs: res.DurationMs}
	if p, ok := res.Payload.(providers.ChatPayload); ok {
		out.Text = p.Text
		out.Model = p.Model
		out.FinishReason = p.FinishReason
	}
	return out
}

func taskPrompt(t storage.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(&b, "Status: %s\nPriority: %s\n", t.Status, t.Priority)
	if t.DueAt != nil {
		fmt.Fprintf(&b, "Due: %s\n", t.DueAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	var capability providers.Capability
	if raw := r.URL.Query().Get("capability"); raw != "" {
		c, ok := providers.ParseCapability(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), fmt.Sprintf("unknown capability %q", raw))
			return
		}
		capability = c
	}
	writeData(w, http.StatusOK, s.providers.List(capability))
}

type quotaView struct {
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt,omitempty"`
}

type usageResponse struct {
	Quota   *quotaView             `json:"quota,omitempty"`
	Since   time.Time              `json:"since"`
	Summary []storage.UsageSummary `json:"summary"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	days := 1
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 90 {
			writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), "days must be between 1 and 90")
			return
		}
		days = n
	}

	now := s.now().UTC()
	out := usageResponse{Since: now.Truncate(24*time.Hour).AddDate(0, 0, -(days - 1))}

	if s.quota != nil && s.quota.Limit() > 0 {
		d, err := s.quota.Usage(r.Context(), userID, now)
		if err != nil {
			s.writeInternal(w, r, err, "read quota failed")
			return
		}
		out.Quota = &quotaView{Used: d.Used, Limit: d.Limit, Remaining: d.Remaining(), ResetAt: d.ResetAt}
	}

	summary := []storage.UsageSummary{}
	if s.usage != nil {
		var err error
		summary, err = s.usage.Summary(r.Context(), userID, out.Since)
		if err != nil {
			s.writeInternal(w, r, err, "summarize usage failed")
			return
		}
	}
	out.Summary = summary
	writeData(w, http.StatusOK, out)
}
