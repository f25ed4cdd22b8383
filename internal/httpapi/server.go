package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"taskhub/internal/config"
	"taskhub/internal/metrics"
	"taskhub/internal/providers"
	"taskhub/internal/queue"
	"taskhub/internal/storage"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, capability providers.Capability, req providers.Request, preferredID string) providers.Result
}

type ProviderLister interface {
	List(capability providers.Capability) []providers.Descriptor
}

type Store interface {
	Ping(ctx context.Context) error
	GetTask(ctx context.Context, userID, taskID string) (storage.Task, error)
	GetSubscription(ctx context.Context, userID string) (storage.Subscription, error)
	UpsertSubscription(ctx context.Context, sub storage.Subscription) error
	UpsertDevice(ctx context.Context, d storage.Device) (storage.Device, error)
	ListDevices(ctx context.Context, userID string) ([]storage.Device, error)
	DeleteDevice(ctx context.Context, userID, id string) error
	InsertNotification(ctx context.Context, n storage.Notification) (storage.Notification, error)
	UpdateNotification(ctx context.Context, id string, o storage.NotificationOutcome) error
	ListNotifications(ctx context.Context, userID string, limit uint64) ([]storage.Notification, error)
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (queue.Decision, error)
}

type Quota interface {
	Consume(ctx context.Context, userID string, now time.Time) (queue.Decision, error)
	Usage(ctx context.Context, userID string, now time.Time) (queue.Decision, error)
	Limit() int64
}

type IdempotencyGuard interface {
	Begin(ctx context.Context, scope, key string) ([]byte, error)
	Complete(ctx context.Context, scope, key string, response []byte) error
	Release(ctx context.Context, scope, key string) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.NotificationJob) (string, error)
}

type Sealer interface {
	Seal(value, owner string) (string, error)
}

type UsageRecorder interface {
	Record(ctx context.Context, userID string, capability providers.Capability, res providers.Result)
	Summary(ctx context.Context, userID string, since time.Time) ([]storage.UsageSummary, error)
}

type Deps struct {
	Config      *config.Config
	Dispatcher  Dispatcher
	Providers   ProviderLister
	Store       Store
	Limiter     Limiter
	Quota       Quota
	Idempotency IdempotencyGuard
	Queue       Enqueuer
	Tokens      Sealer
	Usage       UsageRecorder
	Metrics     *metrics.Metrics
	// MetricsHandler is mounted at the metrics path when set.
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

type Server struct {
	cfg         *config.Config
	dispatcher  Dispatcher
	providers   ProviderLister
	store       Store
	limiter     Limiter
	quota       Quota
	idempotency IdempotencyGuard
	queue       Enqueuer
	tokens      Sealer
	usage       UsageRecorder
	metrics     *metrics.Metrics
	metricsH    http.Handler
	logger      zerolog.Logger
	now         func() time.Time
}

func NewServer(d Deps) *Server {
	m := d.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Server{
		cfg:         d.Config,
		dispatcher:  d.Dispatcher,
		providers:   d.Providers,
		store:       d.Store,
		limiter:     d.Limiter,
		quota:       d.Quota,
		idempotency: d.Idempotency,
		queue:       d.Queue,
		tokens:      d.Tokens,
		usage:       d.Usage,
		metrics:     m,
		metricsH:    d.MetricsHandler,
		logger:      d.Logger,
		now:         time.Now,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if origins := s.cfg.HTTP.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			ExposedHeaders:   []string{"Retry-After", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			AllowCredentials: !hasWildcard(origins),
			MaxAge:           300,
		}))
	}

	r.Get(s.cfg.HTTP.HealthPath, s.handleHealth)
	if s.metricsH != nil {
		r.Method(http.MethodGet, s.cfg.HTTP.MetricsPath, s.metricsH)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.requireAuth)

		r.Route("/ai", func(r chi.Router) {
			r.Post("/chat", s.handleChat)
			r.Post("/analyze/{id}", s.handleAnalyze)
			r.Get("/providers", s.handleListProviders)
			r.Get("/usage", s.handleUsage)
		})
		r.Get("/user/subscription", s.handleGetSubscription)
		r.Post("/user/subscription", s.handleCreateSubscription)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications", s.handleSendNotification)
		r.Get("/notifications/devices", s.handleListDevices)
		r.Post("/notifications/devices", s.handleRegisterDevice)
		r.Delete("/notifications/devices/{id}", s.handleDeleteDevice)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Error: &apiError{Kind: "unavailable", Message: "database unreachable"}})
			return
		}
	}
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ev := s.logger.Info()
		if status >= 500 {
			ev = s.logger.Warn()
		}
		ev.Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	})
}

// hasWildcard reports whether any origin is a pattern. Credentialed requests
// are only allowed for origins listed exactly.
func hasWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.Contains(o, "*") {
			return true
		}
	}
	return false
}
