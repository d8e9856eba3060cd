package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/driftline/fishcourier/internal/orderstore"
	"github.com/driftline/fishcourier/internal/session"
)

type fakeController struct {
	started int
	stopped int
	status  session.Status
}

func (c *fakeController) Start() { c.started++ }
func (c *fakeController) Stop()  { c.stopped++ }
func (c *fakeController) State() session.Status {
	return c.status
}

type fakeAPIStore struct {
	cfg      orderstore.Config
	hasCfg   bool
	patches  []orderstore.ConfigPatch
	notified map[string]time.Time
}

func (s *fakeAPIStore) GetConfig() (orderstore.Config, bool) {
	return s.cfg, s.hasCfg
}

func (s *fakeAPIStore) UpdateConfig(patch orderstore.ConfigPatch) (orderstore.Config, error) {
	s.patches = append(s.patches, patch)
	if patch.Cookies != nil {
		s.cfg.Cookies = *patch.Cookies
	}
	if patch.Banned != nil {
		s.cfg.Banned = *patch.Banned
	}
	s.hasCfg = true
	return s.cfg, nil
}

func (s *fakeAPIStore) GetNotifiedAt(orderID string) (*time.Time, error) {
	at, ok := s.notified[orderID]
	if !ok {
		return nil, nil
	}
	return &at, nil
}

func newTestServer(token string) (*Server, *fakeController, *fakeAPIStore) {
	controller := &fakeController{status: session.Status{Phase: session.PhaseIdle}}
	store := &fakeAPIStore{notified: map[string]time.Time{}}
	return NewServer(controller, store, ServerConfig{AuthToken: token}), controller, store
}

func doRequest(server *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	server, _, _ := newTestServer("secret")
	rec := doRequest(server, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server, controller, _ := newTestServer("secret")
	rec := doRequest(server, http.MethodPost, "/v1/session/start", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status: %d", rec.Code)
	}
	rec = doRequest(server, http.MethodPost, "/v1/session/start", "wrong", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status: %d", rec.Code)
	}
	if controller.started != 0 {
		t.Fatalf("session started without auth")
	}
	rec = doRequest(server, http.MethodPost, "/v1/session/start", "secret", "")
	if rec.Code != http.StatusAccepted || controller.started != 1 {
		t.Fatalf("authorized start failed: %d %d", rec.Code, controller.started)
	}
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	server, controller, _ := newTestServer("")
	rec := doRequest(server, http.MethodPost, "/v1/session/stop", "", "")
	if rec.Code != http.StatusOK || controller.stopped != 1 {
		t.Fatalf("open-auth stop failed: %d %d", rec.Code, controller.stopped)
	}
}

func TestSessionState(t *testing.T) {
	server, controller, _ := newTestServer("")
	controller.status = session.Status{Phase: session.PhaseActive, FramesReceived: 7}
	rec := doRequest(server, http.MethodGet, "/v1/session/state", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var got session.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Phase != session.PhaseActive || got.FramesReceived != 7 {
		t.Fatalf("state payload: %+v", got)
	}
}

func TestConfigViewRedactsCookies(t *testing.T) {
	server, _, store := newTestServer("")
	store.cfg = orderstore.Config{Cookies: "unb=777; cookie2=secret", DeviceID: "dev_1"}
	store.hasCfg = true

	rec := doRequest(server, http.MethodGet, "/v1/config", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "secret") || strings.Contains(body, "unb=777") {
		t.Fatalf("cookie material leaked: %s", body)
	}
	var view struct {
		HasCookies bool   `json:"hasCookies"`
		DeviceID   string `json:"deviceId"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.HasCookies || view.DeviceID != "dev_1" {
		t.Fatalf("view payload: %+v", view)
	}
}

func TestPatchConfig(t *testing.T) {
	server, _, store := newTestServer("")
	rec := doRequest(server, http.MethodPatch, "/v1/config", "", `{"cookies":"unb=888","banned":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d (%s)", rec.Code, rec.Body.String())
	}
	if len(store.patches) != 1 {
		t.Fatalf("patches: %d", len(store.patches))
	}
	patch := store.patches[0]
	if patch.Cookies == nil || *patch.Cookies != "unb=888" {
		t.Fatalf("cookies patch lost: %+v", patch)
	}
	if patch.Banned == nil || !*patch.Banned {
		t.Fatalf("banned patch lost: %+v", patch)
	}
	if patch.DeliveryMessage != nil {
		t.Fatalf("unset field patched: %+v", patch)
	}

	rec = doRequest(server, http.MethodPatch, "/v1/config", "", `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("broken body status: %d", rec.Code)
	}
}

func TestGetNotification(t *testing.T) {
	server, _, store := newTestServer("")
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.notified["482910000000000123"] = at

	rec := doRequest(server, http.MethodGet, "/v1/orders/482910000000000123/notification", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var payload struct {
		OrderID  string `json:"orderId"`
		Notified bool   `json:"notified"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Notified || payload.OrderID != "482910000000000123" {
		t.Fatalf("payload: %+v", payload)
	}

	rec = doRequest(server, http.MethodGet, "/v1/orders/482910000000000999/notification", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Notified {
		t.Fatalf("unnotified order reported notified")
	}

	rec = doRequest(server, http.MethodGet, "/v1/orders/12345/notification", "", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad order id status: %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _, _ := newTestServer("")
	rec := doRequest(server, http.MethodGet, "/v1/unknown", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: %d", rec.Code)
	}
}
