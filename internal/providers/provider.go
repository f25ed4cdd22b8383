package providers

import (
	"context"
	"time"
)

// Capability is a logical category of operation that several vendors can fulfil.
type Capability string

const (
	CapabilityChat    Capability = "chat"
	CapabilityPayment Capability = "payment"
	CapabilityPush    Capability = "push"
)

// ParseCapability returns the capability named by s.
func ParseCapability(s string) (Capability, bool) {
	switch Capability(s) {
	case CapabilityChat, CapabilityPayment, CapabilityPush:
		return Capability(s), true
	default:
		return "", false
	}
}

// Descriptor is the static, process-lifetime description of a configured provider.
type Descriptor struct {
	ID                 string        `json:"id"`
	Vendor             string        `json:"vendor"`
	Capabilities       []Capability  `json:"capabilities"`
	CostPerUnit        float64       `json:"costPerUnit"`
	RequestLimit       int64         `json:"requestLimit,omitempty"`
	RequestLimitWindow time.Duration `json:"requestLimitWindow,omitempty"`
	Model              string        `json:"model,omitempty"`
}

func (d Descriptor) Supports(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Adapter translates canonical requests into one vendor's API and back.
// Implementations fill Result.Payload and the unit counters of Result.Usage;
// the dispatcher owns every other Result field.
type Adapter interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Request is the vendor-neutral input of a dispatch. It is one of
// ChatRequest, ChargeRequest or PushRequest.
type Request interface {
	Capability() Capability
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	// Temperature is nil when the caller did not choose one; zero is a valid choice.
	Temperature *float64
	MaxTokens   int
}

func (ChatRequest) Capability() Capability { return CapabilityChat }

// SystemPrompt joins every system message; ConversationMessages returns the rest.
func (r ChatRequest) SystemPrompt() string {
	out := ""
	for _, m := range r.Messages {
		if m.Role != "system" {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

func (r ChatRequest) ConversationMessages() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == "system" {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ChargeRequest charges Amount, expressed in the currency's minor unit.
type ChargeRequest struct {
	Amount      int64
	Currency    string
	CustomerRef string
	Description string

	// IdempotencyKey is forwarded to vendors that deduplicate charges.
	IdempotencyKey string
}

func (ChargeRequest) Capability() Capability { return CapabilityPayment }

type PushRequest struct {
	Title  string
	Body   string
	Target string
	Data   map[string]string
}

func (PushRequest) Capability() Capability { return CapabilityPush }

type Usage struct {
	InputUnits  int64   `json:"inputUnits"`
	OutputUnits int64   `json:"outputUnits"`
	Cost        float64 `json:"cost"`
}

// Result is the vendor-neutral outcome of a dispatch.
type Result struct {
	Success      bool      `json:"success"`
	Payload      any       `json:"payload,omitempty"`
	Usage        Usage     `json:"usage"`
	ProviderID   string    `json:"providerId,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	Message      string    `json:"message,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

type ChatPayload struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

type ChargePayload struct {
	ChargeID    string `json:"chargeId"`
	Status      string `json:"status"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	ApprovalURL string `json:"approvalUrl,omitempty"`
}

type PushPayload struct {
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status"`
}
