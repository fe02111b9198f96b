package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/asheshgoplani/wa-deck/internal/events"
	"github.com/asheshgoplani/wa-deck/internal/registry"
	"github.com/asheshgoplani/wa-deck/internal/statedb"
)

type pushConfigResponse struct {
	Enabled           bool   `json:"enabled"`
	VAPIDPublicKey    string `json:"vapidPublicKey,omitempty"`
	Subject           string `json:"subject,omitempty"`
	SubscriptionCount int    `json:"subscriptionCount,omitempty"`
}

type pushResultResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	// ClientID echoes the subscription scope; empty means every client.
	ClientID string `json:"client_id,omitempty"`
}

type pushSubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
	// ClientID limits notifications to one client. Empty means all.
	ClientID string `json:"client_id"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	resp := pushConfigResponse{Enabled: s.cfg.Push != nil}
	if !resp.Enabled {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.VAPIDPublicKey = s.cfg.Push.PublicKey()
	resp.Subject = s.cfg.Push.Subject()
	if subs, err := s.cfg.Push.Subscriptions(); err == nil {
		resp.SubscriptionCount = len(subs)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}

	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid subscription payload")
		return
	}

	scope := strings.TrimSpace(req.ClientID)
	if scope != "" {
		if err := registry.ValidateID(scope); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_CLIENT", err.Error())
			return
		}
	}

	sub := &statedb.SubscriptionRow{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
		ClientID: scope,
	}
	if err := s.cfg.Push.Subscribe(sub); err != nil {
		if errors.Is(err, events.ErrInvalidSubscription) {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save push subscription")
		return
	}

	webLog.Info("push_subscribed", slog.String("client_id", scope), slog.String("request_id", requestID(r)))
	writeJSON(w, http.StatusOK, pushResultResponse{
		OK:       true,
		Message:  "subscription saved",
		ClientID: scope,
	})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Push == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "PUSH_NOT_CONFIGURED", "push notifications are not configured")
		return
	}

	var req pushUnsubscribeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if req.Endpoint == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "endpoint is required")
		return
	}

	removed, err := s.cfg.Push.Unsubscribe(req.Endpoint)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove push subscription")
		return
	}
	msg := "subscription removed"
	if !removed {
		msg = "subscription not found"
	}
	writeJSON(w, http.StatusOK, pushResultResponse{OK: true, Message: msg})
}
