package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/systemshift/omrs/internal/server/subscriptions"
)

func subscriptionStatus(err error) int {
	if errors.Is(err, subscriptions.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (s *Server) subscriptionsReady(w http.ResponseWriter) bool {
	if s.subMgr == nil {
		writeJSON(w, http.StatusServiceUnavailable, subscriptions.SubscriptionResponse{Error: "subscription manager not initialized"})
		return false
	}
	return true
}

// CreateSubscription handles POST /api/subscriptions
func (s *Server) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsReady(w) {
		return
	}

	var req subscriptions.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}

	sub, err := s.subMgr.Register(r.Context(), &req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, subscriptions.SubscriptionResponse{Subscription: sub})
}

// ListSubscriptions handles GET /api/subscriptions
func (s *Server) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsReady(w) {
		return
	}

	subs := s.subMgr.List()
	writeJSON(w, http.StatusOK, subscriptions.ListSubscriptionsResponse{
		Subscriptions: subs,
		Count:         len(subs),
	})
}

// GetSubscription handles GET /api/subscriptions/{id}
func (s *Server) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsReady(w) {
		return
	}

	sub, err := s.subMgr.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, subscriptions.SubscriptionResponse{Subscription: sub})
}

// UpdateSubscription handles PATCH /api/subscriptions/{id}
func (s *Server) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsReady(w) {
		return
	}

	var req subscriptions.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}

	sub, err := s.subMgr.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		writeJSON(w, subscriptionStatus(err), subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, subscriptions.SubscriptionResponse{Subscription: sub})
}

// DeleteSubscription handles DELETE /api/subscriptions/{id}
func (s *Server) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if !s.subscriptionsReady(w) {
		return
	}

	if err := s.subMgr.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, subscriptionStatus(err), subscriptions.SubscriptionResponse{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
