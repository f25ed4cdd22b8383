package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"taskhub/internal/metrics"
	"taskhub/internal/providers"
	"taskhub/internal/queue"
	"taskhub/internal/usage"
)

// Resolver is the registry lookup used to pick an adapter.
type Resolver interface {
	Resolve(capability providers.Capability, preferredID string) (providers.Descriptor, providers.Adapter, error)
}

// Limiter enforces a descriptor's RequestLimit before the vendor is called.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (queue.Decision, error)
}

type Config struct {
	Registry Resolver
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Limiter  Limiter
	Now      func() time.Time
}

// Dispatcher routes one canonical request to one provider. It never retries
// and never returns an error: every failure is a Result with ErrorKind set.
type Dispatcher struct {
	registry Resolver
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	limiter  Limiter
	now      func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		registry: cfg.Registry,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		limiter:  cfg.Limiter,
		now:      cfg.Now,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, capability providers.Capability, req providers.Request, preferredID string) providers.Result {
	start := d.now()

	if req == nil || req.Capability() != capability {
		return d.fail(capability, "", start, &providers.InvalidRequestError{Reason: fmt.Sprintf("request does not match capability %s", capability)})
	}

	desc, adapter, err := d.registry.Resolve(capability, preferredID)
	if err != nil {
		return d.fail(capability, preferredID, start, err)
	}

	if err := d.checkLimit(ctx, desc, start); err != nil {
		return d.fail(capability, desc.ID, start, err)
	}

	res, err := invoke(ctx, adapter, req)
	if err != nil {
		return d.fail(capability, desc.ID, start, err)
	}

	out := providers.Result{
		Success:    true,
		Payload:    res.Payload,
		ProviderID: desc.ID,
		DurationMs: d.since(start),
		Usage: providers.Usage{
			InputUnits:  res.Usage.InputUnits,
			OutputUnits: res.Usage.OutputUnits,
		},
	}
	out.Usage.Cost = usage.ComputeCost(out.Usage, desc)

	d.logger.Info().
		Str("capability", string(capability)).
		Str("provider", desc.ID).
		Int64("duration_ms", out.DurationMs).
		Int64("input_units", out.Usage.InputUnits).
		Int64("output_units", out.Usage.OutputUnits).
		Float64("cost", out.Usage.Cost).
		Msg("dispatch succeeded")
	d.observe(capability, desc.ID, "success", out)
	return out
}

func (d *Dispatcher) checkLimit(ctx context.Context, desc providers.Descriptor, now time.Time) error {
	if d.limiter == nil || desc.RequestLimit <= 0 || desc.RequestLimitWindow <= 0 {
		return nil
	}
	decision, err := d.limiter.Allow(ctx, "provider:"+desc.ID, desc.RequestLimit, desc.RequestLimitWindow, now)
	if err != nil {
		d.logger.Warn().Err(err).Str("provider", desc.ID).Msg("provider limiter unavailable, allowing request")
		return nil
	}
	if decision.Allowed {
		return nil
	}
	if d.metrics != nil {
		d.metrics.Throttled.WithLabelValues("provider").Inc()
	}
	return &providers.RateLimitedError{Provider: desc.ID, RetryAfter: decision.RetryAfter(now)}
}

// invoke shields the dispatcher from adapter panics.
func invoke(ctx context.Context, adapter providers.Adapter, req providers.Request) (res providers.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Invoke(ctx, req)
}

func (d *Dispatcher) fail(capability providers.Capability, providerID string, start time.Time, err error) providers.Result {
	kind := providers.KindOf(err)
	out := providers.Result{
		Success:    false,
		ProviderID: providerID,
		DurationMs: d.since(start),
		ErrorKind:  kind,
		Message:    err.Error(),
	}
	if kind == providers.KindRateLimited {
		retry := providers.RetryAfterOf(err)
		if retry <= 0 {
			retry = providers.DefaultRetryAfter
		}
		out.RetryAfterMs = retry.Milliseconds()
	}

	ev := d.logger.Warn()
	if kind == providers.KindUnknown {
		ev = d.logger.Error()
	}
	ev.Err(err).
		Str("capability", string(capability)).
		Str("provider", providerID).
		Str("error_kind", string(kind)).
		Int64("duration_ms", out.DurationMs).
		Msg("dispatch failed")
	d.observe(capability, providerID, string(kind), out)
	return out
}

func (d *Dispatcher) observe(capability providers.Capability, providerID, outcome string, res providers.Result) {
	if d.metrics == nil {
		return
	}
	if providerID == "" {
		providerID = "none"
	}
	d.metrics.Dispatches.WithLabelValues(string(capability), providerID, outcome).Inc()
	d.metrics.DispatchDuration.WithLabelValues(string(capability), providerID).Observe(float64(res.DurationMs) / 1000)
	if res.Usage.Cost > 0 {
		d.metrics.DispatchCost.WithLabelValues(string(capability), providerID).Add(res.Usage.Cost)
	}
}

func (d *Dispatcher) since(start time.Time) int64 {
	return d.now().Sub(start).Milliseconds()
}
