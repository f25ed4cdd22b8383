package storage

import "time"

const (
	NotificationPending   = "pending"
	NotificationDelivered = "delivered"
	NotificationFailed    = "failed"
)

// Task is owned by the task service; this repository only reads it.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Status      string
	Priority    string
	DueAt       *time.Time
	CreatedAt   time.Time
}

type Subscription struct {
	UserID     string
	PlanID     string
	ProviderID string
	ChargeID   string
	Status     string
	Amount     int64
	Currency   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Device is a push target. EncToken holds the sealed vendor token and
// TokenHash its fingerprint, which is unique per provider.
type Device struct {
	ID         string
	UserID     string
	ProviderID string
	Platform   string
	EncToken   string
	TokenHash  string
	CreatedAt  time.Time
}

type Notification struct {
	ID           string
	UserID       string
	DeviceID     string
	ProviderID   string
	Title        string
	Body         string
	DataJSON     string
	Status       string
	ErrorKind    string
	ErrorMessage string
	MessageID    string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UsageRecord struct {
	ID          int64
	UserID      string
	Capability  string
	ProviderID  string
	InputUnits  int64
	OutputUnits int64
	Cost        float64
	DurationMs  int64
	Success     bool
	ErrorKind   string
	CreatedAt   time.Time
}

type UsageSummary struct {
	Capability  string  `json:"capability"`
	ProviderID  string  `json:"providerId"`
	Calls       int64   `json:"calls"`
	InputUnits  int64   `json:"inputUnits"`
	OutputUnits int64   `json:"outputUnits"`
	Cost        float64 `json:"cost"`
}

// SealOwner is the associated data a device token is sealed with. It is
// known before the row exists and survives re-registration.
func (d Device) SealOwner() string {
	return d.ProviderID + "/" + d.TokenHash
}
