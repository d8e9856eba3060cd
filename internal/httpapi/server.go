// Package httpapi is the local control surface: start/stop the session,
// inspect its state, and check notification markers.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/fishcourier/internal/orderstore"
	"github.com/driftline/fishcourier/internal/session"
)

type ServerConfig struct {
	AuthToken    string // empty disables auth (local development)
	MaxBodyBytes int64
}

// SessionController is the session manager surface the API exposes.
type SessionController interface {
	Start()
	Stop()
	State() session.Status
}

// OrderStore is the order-store surface the API exposes.
type OrderStore interface {
	GetConfig() (orderstore.Config, bool)
	UpdateConfig(patch orderstore.ConfigPatch) (orderstore.Config, error)
	GetNotifiedAt(orderID string) (*time.Time, error)
}

type Server struct {
	sessions SessionController
	store    OrderStore
	cfg      ServerConfig
}

func NewServer(sessions SessionController, store OrderStore, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		sessions: sessions,
		store:    store,
		cfg:      cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch {
	case r.URL.Path == "/v1/session/start" && r.Method == http.MethodPost:
		s.sessions.Start()
		writeJSON(w, http.StatusAccepted, s.sessions.State())
	case r.URL.Path == "/v1/session/stop" && r.Method == http.MethodPost:
		s.sessions.Stop()
		writeJSON(w, http.StatusOK, s.sessions.State())
	case r.URL.Path == "/v1/session/state" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.sessions.State())
	case r.URL.Path == "/v1/config" && r.Method == http.MethodGet:
		s.handleGetConfig(w)
	case r.URL.Path == "/v1/config" && r.Method == http.MethodPatch:
		s.handlePatchConfig(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/orders/") && strings.HasSuffix(r.URL.Path, "/notification") && r.Method == http.MethodGet:
		orderID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/orders/"), "/notification")
		s.handleGetNotification(w, orderID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AuthToken)) == 1
}

// configView redacts cookie material before it leaves the process.
type configView struct {
	HasCookies      bool      `json:"hasCookies"`
	DeviceID        string    `json:"deviceId,omitempty"`
	DeliveryMessage string    `json:"deliveryMessage,omitempty"`
	Banned          bool      `json:"banned"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter) {
	cfg, ok := s.store.GetConfig()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no config document")
		return
	}
	writeJSON(w, http.StatusOK, configView{
		HasCookies:      cfg.Cookies != "",
		DeviceID:        cfg.DeviceID,
		DeliveryMessage: cfg.DeliveryMessage,
		Banned:          cfg.Banned,
		UpdatedAt:       cfg.UpdatedAt,
	})
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cookies         *string `json:"cookies"`
		DeliveryMessage *string `json:"deliveryMessage"`
		Banned          *bool   `json:"banned"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	cfg, err := s.store.UpdateConfig(orderstore.ConfigPatch{
		Cookies:         body.Cookies,
		DeliveryMessage: body.DeliveryMessage,
		Banned:          body.Banned,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, configView{
		HasCookies:      cfg.Cookies != "",
		DeviceID:        cfg.DeviceID,
		DeliveryMessage: cfg.DeliveryMessage,
		Banned:          cfg.Banned,
		UpdatedAt:       cfg.UpdatedAt,
	})
}

func (s *Server) handleGetNotification(w http.ResponseWriter, orderID string) {
	orderID = orderstore.NormalizeOrderID(orderID)
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "invalid_order_id", "order id must be a 15-30 digit string")
		return
	}
	notifiedAt, err := s.store.GetNotifiedAt(orderID)
	if err != nil && !errors.Is(err, orderstore.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "lookup_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orderId":    orderID,
		"notified":   notifiedAt != nil,
		"notifiedAt": notifiedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
