// Package null provides an adapter that answers every capability locally.
// It stands in for vendors that are not configured so callers can run end to end.
package null

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"taskhub/internal/providers"
)

const ChatNotice = "AI provider is not configured; this is a placeholder response."

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

var _ providers.Adapter = (*Adapter)(nil)

func (a *Adapter) Invoke(_ context.Context, r providers.Request) (providers.Result, error) {
	switch req := r.(type) {
	case providers.ChatRequest:
		return providers.Result{Payload: providers.ChatPayload{Text: ChatNotice, Model: "null", FinishReason: "stop"}}, nil
	case providers.ChargeRequest:
		return providers.Result{Payload: providers.ChargePayload{
			ChargeID: "null_" + uuid.NewString(),
			Status:   "succeeded",
			Amount:   req.Amount,
			Currency: strings.ToLower(req.Currency),
		}}, nil
	case providers.PushRequest:
		return providers.Result{Payload: providers.PushPayload{MessageID: uuid.NewString(), Status: "discarded"}}, nil
	default:
		return providers.Result{}, providers.WrongRequest("null", r)
	}
}
