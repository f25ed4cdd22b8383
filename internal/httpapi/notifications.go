package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"taskhub/internal/crypto"
	"taskhub/internal/providers"
	"taskhub/internal/queue"
	"taskhub/internal/storage"
)

type deviceBody struct {
	Provider string `json:"provider" validate:"required,max=100"`
	Token    string `json:"token" validate:"required,max=4096"`
	Platform string `json:"platform" validate:"omitempty,oneof=ios android web telegram"`
}

type deviceView struct {
	ID         string    `json:"id"`
	ProviderID string    `json:"providerId"`
	Platform   string    `json:"platform,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

type notifyBody struct {
	Title string            `json:"title" validate:"required,max=200"`
	Body  string            `json:"body" validate:"max=2000"`
	Data  map[string]string `json:"data" validate:"max=20"`
}

type notificationView struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	ProviderID string    `json:"providerId"`
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"errorKind,omitempty"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func toNotificationView(n storage.Notification) notificationView {
	return notificationView{
		ID:         n.ID,
		DeviceID:   n.DeviceID,
		ProviderID: n.ProviderID,
		Title:      n.Title,
		Body:       n.Body,
		Status:     n.Status,
		ErrorKind:  n.ErrorKind,
		Attempts:   n.Attempts,
		CreatedAt:  n.CreatedAt,
		UpdatedAt:  n.UpdatedAt,
	}
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	var body deviceBody
	if !decodeAndValidate(w, r, &body) {
		return
	}
	body.Provider = strings.TrimSpace(body.Provider)
	if !s.isPushProvider(body.Provider) {
		writeError(w, http.StatusBadRequest, string(providers.KindUnknownProvider), fmt.Sprintf("no push provider %q", body.Provider))
		return
	}

	d := storage.Device{
		UserID:     userID,
		ProviderID: body.Provider,
		Platform:   body.Platform,
		TokenHash:  crypto.Fingerprint(body.Provider, body.Token),
	}
	sealed, err := s.tokens.Seal(body.Token, d.SealOwner())
	if err != nil {
		s.writeInternal(w, r, err, "seal device token failed")
		return
	}
	d.EncToken = sealed

	stored, err := s.store.UpsertDevice(r.Context(), d)
	if err != nil {
		s.writeInternal(w, r, err, "store device failed")
		return
	}
	writeData(w, http.StatusCreated, deviceView{ID: stored.ID, ProviderID: stored.ProviderID, Platform: stored.Platform, CreatedAt: stored.CreatedAt})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context(), UserID(r.Context()))
	if err != nil {
		s.writeInternal(w, r, err, "list devices failed")
		return
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{ID: d.ID, ProviderID: d.ProviderID, Platform: d.Platform, CreatedAt: d.CreatedAt})
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteDevice(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "device not found")
			return
		}
		s.writeInternal(w, r, err, "delete device failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendNotification stores one notification per registered device and
// queues it for the delivery worker. Rows that never reach the queue are
// marked failed so none stay pending without a job behind them.
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	var body notifyBody
	if !decodeAndValidate(w, r, &body) {
		return
	}

	devices, err := s.store.ListDevices(r.Context(), userID)
	if err != nil {
		s.writeInternal(w, r, err, "list devices failed")
		return
	}
	if len(devices) == 0 {
		writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), "no devices registered")
		return
	}

	data := "{}"
	if len(body.Data) > 0 {
		b, err := json.Marshal(body.Data)
		if err != nil {
			s.writeInternal(w, r, err, "encode notification data failed")
			return
		}
		data = string(b)
	}

	stored := make([]storage.Notification, 0, len(devices))
	for _, d := range devices {
		n, err := s.store.InsertNotification(r.Context(), storage.Notification{
			UserID:     userID,
			DeviceID:   d.ID,
			ProviderID: d.ProviderID,
			Title:      body.Title,
			Body:       body.Body,
			DataJSON:   data,
		})
		if err != nil {
			for i := range stored {
				s.abandonNotification(r, &stored[i], "notification batch could not be stored")
			}
			s.writeInternal(w, r, err, "store notification failed")
			return
		}
		stored = append(stored, n)
	}

	queued := 0
	out := make([]notificationView, 0, len(stored))
	for i := range stored {
		n := &stored[i]
		if _, err := s.queue.Enqueue(r.Context(), queue.NotificationJob{NotificationID: n.ID, UserID: userID}); err != nil {
			s.logger.Error().Err(err).Str("notification_id", n.ID).Msg("enqueue notification failed")
			s.abandonNotification(r, n, "delivery could not be queued")
		} else {
			s.metrics.EnqueuedJobs.Inc()
			queued++
		}
		out = append(out, toNotificationView(*n))
	}
	if queued == 0 {
		writeError(w, http.StatusServiceUnavailable, string(providers.KindUnknown), "notification queue unavailable")
		return
	}
	writeData(w, http.StatusAccepted, out)
}

func (s *Server) abandonNotification(r *http.Request, n *storage.Notification, reason string) {
	o := storage.NotificationOutcome{
		Status:       storage.NotificationFailed,
		ErrorKind:    string(providers.KindUnknown),
		ErrorMessage: reason,
	}
	if err := s.store.UpdateNotification(r.Context(), n.ID, o); err != nil {
		s.logger.Error().Err(err).Str("notification_id", n.ID).Msg("mark notification failed")
		return
	}
	n.Status = o.Status
	n.ErrorKind = o.ErrorKind
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	var limit uint64 = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || n == 0 || n > 200 {
			writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	list, err := s.store.ListNotifications(r.Context(), UserID(r.Context()), limit)
	if err != nil {
		s.writeInternal(w, r, err, "list notifications failed")
		return
	}
	out := make([]notificationView, 0, len(list))
	for _, n := range list {
		out = append(out, toNotificationView(n))
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) isPushProvider(id string) bool {
	for _, d := range s.providers.List(providers.CapabilityPush) {
		if d.ID == id {
			return true
		}
	}
	return false
}
