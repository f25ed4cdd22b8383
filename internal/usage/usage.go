// Package usage turns provider unit counts into cost and keeps a log of
// every dispatch for later reporting.
package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"taskhub/internal/providers"
	"taskhub/internal/storage"
)

// ComputeCost prices both directions at the provider's rate per 1000 units.
func ComputeCost(u providers.Usage, d providers.Descriptor) float64 {
	return float64(u.InputUnits)/1000*d.CostPerUnit + float64(u.OutputUnits)/1000*d.CostPerUnit
}

type Store interface {
	InsertUsage(ctx context.Context, r storage.UsageRecord) error
	SummarizeUsage(ctx context.Context, userID string, since time.Time) ([]storage.UsageSummary, error)
}

// Recorder persists dispatch outcomes. A nil store turns it into a no-op;
// write failures are logged and never surface to the caller.
type Recorder struct {
	store  Store
	logger zerolog.Logger
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, userID string, capability providers.Capability, res providers.Result) {
	if r == nil || r.store == nil {
		return
	}
	rec := storage.UsageRecord{
		UserID:      userID,
		Capability:  string(capability),
		ProviderID:  res.ProviderID,
		InputUnits:  res.Usage.InputUnits,
		OutputUnits: res.Usage.OutputUnits,
		Cost:        res.Usage.Cost,
		DurationMs:  res.DurationMs,
		Success:     res.Success,
		ErrorKind:   string(res.ErrorKind),
	}
	if err := r.store.InsertUsage(ctx, rec); err != nil {
		r.logger.Warn().Err(err).
			Str("user_id", userID).
			Str("capability", string(capability)).
			Str("provider", res.ProviderID).
			Msg("record usage failed")
	}
}

// Summary returns a user's usage since the given instant, grouped by
// capability and provider. It is empty when no store is configured.
func (r *Recorder) Summary(ctx context.Context, userID string, since time.Time) ([]storage.UsageSummary, error) {
	if r == nil || r.store == nil {
		return []storage.UsageSummary{}, nil
	}
	return r.store.SummarizeUsage(ctx, userID, since)
}
