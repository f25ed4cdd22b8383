package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskhub/internal/metrics"
	"taskhub/internal/providers"
	"taskhub/internal/queue"
	"taskhub/internal/storage"
)

type Store interface {
	GetNotification(ctx context.Context, id string) (storage.Notification, error)
	GetDevice(ctx context.Context, id string) (storage.Device, error)
	UpdateNotification(ctx context.Context, id string, o storage.NotificationOutcome) error
}

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Enqueue(ctx context.Context, job queue.NotificationJob) (string, error)
	Ack(ctx context.Context, messageID string) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, capability providers.Capability, req providers.Request, preferredID string) providers.Result
}

type Recorder interface {
	Record(ctx context.Context, userID string, capability providers.Capability, res providers.Result)
}

// TokenOpener unseals a stored device token.
type TokenOpener interface {
	Open(raw, owner string) (string, error)
}

// Worker delivers queued notifications through the push dispatcher.
type Worker struct {
	store      Store
	queue      Queue
	dispatcher Dispatcher
	recorder   Recorder
	tokens     TokenOpener
	maxRetries int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

type Config struct {
	Store      Store
	Queue      Queue
	Dispatcher Dispatcher
	Recorder   Recorder
	Tokens     TokenOpener
	// MaxRetries bounds re-deliveries of rate limited notifications. Zero
	// means a single attempt.
	MaxRetries int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Worker{
		store:      cfg.Store,
		queue:      cfg.Queue,
		dispatcher: cfg.Dispatcher,
		recorder:   cfg.Recorder,
		tokens:     cfg.Tokens,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
		metrics:    m,
		now:        time.Now,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			sleep(ctx, time.Second)
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle processes one stream entry and acks it; retries travel as new
// entries. An entry interrupted by shutdown stays pending in the group. A job
// that errors is marked failed before the ack so no row is left pending
// without a queue entry behind it.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Err != nil {
		w.metrics.FailedJobs.Inc()
		log.Error().Err(msg.Err).Str("msg_id", msg.ID).Msg("dropping malformed job")
		w.ack(ctx, log, msg.ID)
		return
	}

	err := w.processJob(ctx, msg.Job)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.metrics.FailedJobs.Inc()
		log.Error().Err(err).
			Str("job_id", msg.Job.JobID).
			Str("notification_id", msg.Job.NotificationID).
			Int("attempt", msg.Job.Attempts).
			Msg("job failed")
		w.markFailed(ctx, log, msg.Job, err)
	} else {
		w.metrics.ProcessedJobs.Inc()
	}
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) markFailed(ctx context.Context, log zerolog.Logger, job queue.NotificationJob, cause error) {
	err := w.store.UpdateNotification(ctx, job.NotificationID, storage.NotificationOutcome{
		Status:       storage.NotificationFailed,
		ErrorKind:    string(providers.KindUnknown),
		ErrorMessage: providers.Truncate([]byte(cause.Error()), 512),
		Attempts:     job.Attempts + 1,
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error().Err(err).Str("notification_id", job.NotificationID).Msg("failed to mark notification failed")
	}
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.NotificationJob) error {
	n, err := w.store.GetNotification(ctx, job.NotificationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn().Str("notification_id", job.NotificationID).Msg("notification vanished before delivery")
			return nil
		}
		return fmt.Errorf("load notification: %w", err)
	}
	if n.Status == storage.NotificationDelivered {
		return nil
	}

	if wait := job.NotBefore.Sub(w.now()); wait > 0 {
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	attempts := job.Attempts + 1
	device, err := w.store.GetDevice(ctx, n.DeviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return w.finish(ctx, n.ID, storage.NotificationOutcome{
				Status:       storage.NotificationFailed,
				ErrorKind:    string(providers.KindInvalidRequest),
				ErrorMessage: "device is no longer registered",
				Attempts:     attempts,
			})
		}
		return fmt.Errorf("load device: %w", err)
	}

	token, err := w.tokens.Open(device.EncToken, device.SealOwner())
	if err != nil {
		return w.finish(ctx, n.ID, storage.NotificationOutcome{
			Status:       storage.NotificationFailed,
			ErrorKind:    string(providers.KindConfiguration),
			ErrorMessage: "device token cannot be decrypted",
			Attempts:     attempts,
		})
	}

	var data map[string]string
	if strings.TrimSpace(n.DataJSON) != "" {
		if err := json.Unmarshal([]byte(n.DataJSON), &data); err != nil {
			return w.finish(ctx, n.ID, storage.NotificationOutcome{
				Status:       storage.NotificationFailed,
				ErrorKind:    string(providers.KindInvalidRequest),
				ErrorMessage: "notification data must be a string map",
				Attempts:     attempts,
			})
		}
	}

	res := w.dispatcher.Dispatch(ctx, providers.CapabilityPush, providers.PushRequest{
		Title:  n.Title,
		Body:   n.Body,
		Target: token,
		Data:   data,
	}, device.ProviderID)
	if w.recorder != nil {
		w.recorder.Record(ctx, n.UserID, providers.CapabilityPush, res)
	}

	if res.Success {
		outcome := storage.NotificationOutcome{Status: storage.NotificationDelivered, Attempts: attempts}
		if p, ok := res.Payload.(providers.PushPayload); ok {
			outcome.MessageID = p.MessageID
		}
		return w.finish(ctx, n.ID, outcome)
	}

	outcome := storage.NotificationOutcome{
		Status:       storage.NotificationFailed,
		ErrorKind:    string(res.ErrorKind),
		ErrorMessage: res.Message,
		Attempts:     attempts,
	}
	if res.ErrorKind == providers.KindRateLimited && job.Attempts < w.maxRetries {
		outcome.Status = storage.NotificationPending
		if err := w.finish(ctx, n.ID, outcome); err != nil {
			return err
		}
		next := job
		next.JobID = ""
		next.Attempts = attempts
		next.EnqueuedAt = time.Time{}
		next.NotBefore = w.now().Add(time.Duration(res.RetryAfterMs) * time.Millisecond)
		if _, err := w.queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("re-enqueue rate limited notification: %w", err)
		}
		w.metrics.EnqueuedJobs.Inc()
		w.logger.Info().
			Str("notification_id", n.ID).
			Int("attempt", attempts).
			Int64("retry_after_ms", res.RetryAfterMs).
			Msg("notification rescheduled after rate limit")
		return nil
	}
	return w.finish(ctx, n.ID, outcome)
}

func (w *Worker) finish(ctx context.Context, id string, o storage.NotificationOutcome) error {
	if err := w.store.UpdateNotification(ctx, id, o); err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
