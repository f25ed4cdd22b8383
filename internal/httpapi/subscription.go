package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskhub/internal/providers"
	"taskhub/internal/queue"
	"taskhub/internal/storage"
)

type subscribeBody struct {
	PlanID   string `json:"planId" validate:"required,max=64"`
	Provider string `json:"provider" validate:"max=100"`
}

type subscriptionView struct {
	PlanID      string    `json:"planId"`
	ProviderID  string    `json:"providerId"`
	ChargeID    string    `json:"chargeId"`
	Status      string    `json:"status"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	ApprovalURL string    `json:"approvalUrl,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func toSubscriptionView(sub storage.Subscription) subscriptionView {
	return subscriptionView{
		PlanID:     sub.PlanID,
		ProviderID: sub.ProviderID,
		ChargeID:   sub.ChargeID,
		Status:     sub.Status,
		Amount:     sub.Amount,
		Currency:   sub.Currency,
		UpdatedAt:  sub.UpdatedAt,
	}
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubscription(r.Context(), UserID(r.Context()))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no subscription")
			return
		}
		s.writeInternal(w, r, err, "load subscription failed")
		return
	}
	writeData(w, http.StatusOK, toSubscriptionView(sub))
}

// handleCreateSubscription charges the plan price through the payment
// dispatcher. With an Idempotency-Key header a replay returns the first
// response instead of charging again.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	var body subscribeBody
	if !decodeAndValidate(w, r, &body) {
		return
	}
	plan, ok := s.cfg.Plans[strings.ToLower(body.PlanID)]
	if !ok {
		writeError(w, http.StatusBadRequest, string(providers.KindInvalidRequest), fmt.Sprintf("unknown plan %q", body.PlanID))
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && s.idempotency != nil {
		stored, err := s.idempotency.Begin(r.Context(), userID, idemKey)
		switch {
		case errors.Is(err, queue.ErrInFlight):
			writeError(w, http.StatusConflict, "conflict", "a request with this idempotency key is in progress")
			return
		case err != nil:
			s.writeInternal(w, r, err, "idempotency guard failed")
			return
		case stored != nil:
			w.Header().Set("Idempotent-Replayed", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(stored)
			return
		}
	}
	release := func() {
		if idemKey == "" || s.idempotency == nil {
			return
		}
		if err := s.idempotency.Release(r.Context(), userID, idemKey); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("release idempotency key failed")
		}
	}

	res := s.dispatcher.Dispatch(r.Context(), providers.CapabilityPayment, providers.ChargeRequest{
		Amount:         plan.Amount,
		Currency:       plan.Currency,
		CustomerRef:    userID,
		Description:    "taskhub " + plan.ID + " plan",
		IdempotencyKey: idemKey,
	}, strings.TrimSpace(body.Provider))
	if s.usage != nil {
		s.usage.Record(r.Context(), userID, providers.CapabilityPayment, res)
	}
	if !res.Success {
		release()
		s.writeDispatchFailure(w, res)
		return
	}

	charge, _ := res.Payload.(providers.ChargePayload)
	sub := storage.Subscription{
		UserID:     userID,
		PlanID:     plan.ID,
		ProviderID: res.ProviderID,
		ChargeID:   charge.ChargeID,
		Status:     charge.Status,
		Amount:     plan.Amount,
		Currency:   plan.Currency,
	}
	if err := s.store.UpsertSubscription(r.Context(), sub); err != nil {
		// The vendor has accepted the charge; keep the key claimed so a retry
		// cannot charge twice.
		s.logger.Error().Err(err).Str("user_id", userID).Str("charge_id", charge.ChargeID).Msg("store subscription failed after charge")
		writeError(w, http.StatusInternalServerError, "internal", "charge accepted but subscription could not be stored")
		return
	}

	view := toSubscriptionView(sub)
	view.ApprovalURL = charge.ApprovalURL
	view.UpdatedAt = s.now().UTC()
	payload, err := json.Marshal(envelope{Success: true, Data: view})
	if err != nil {
		s.writeInternal(w, r, err, "encode subscription failed")
		return
	}
	if idemKey != "" && s.idempotency != nil {
		if err := s.idempotency.Complete(r.Context(), userID, idemKey, payload); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("store idempotent response failed")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(payload)
}
