package orderstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(serverURL string) *MarketClient {
	return NewMarketClient(MarketClientOptions{
		BaseURL:   serverURL,
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
}

func TestRefreshLoginRotatesCookies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/login/refresh" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Cookie") != "cookie2=old; unb=777" {
			t.Errorf("cookie header not forwarded: %q", r.Header.Get("Cookie"))
		}
		w.Header().Add("Set-Cookie", "cookie2=rotated; Path=/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok_1"}`))
	}))
	defer server.Close()

	result, err := testClient(server.URL).RefreshLogin(context.Background(), "cookie2=old; unb=777")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !result.Success || result.Token != "tok_1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.CookiesUpdated || result.Cookies != "cookie2=rotated; unb=777" {
		t.Fatalf("cookies not rotated: %+v", result)
	}
}

func TestQueryOrderDetail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("orderId"); got != "482910000000000123" {
			t.Errorf("order id not forwarded: %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"buyerId":"buyer_1","status":2}}`))
	}))
	defer server.Close()

	result, err := testClient(server.URL).QueryOrderDetail(context.Background(), "order:482910000000000123", "unb=777")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Raw["buyerId"] != "buyer_1" {
		t.Fatalf("raw document not returned: %+v", result.Raw)
	}
	if result.CookiesUpdated {
		t.Fatalf("no rotation expected: %+v", result)
	}
}

func TestQueryOrderDetailRejectsBadOrderID(t *testing.T) {
	client := testClient("http://unreachable.invalid")
	_, err := client.QueryOrderDetail(context.Background(), "12345", "unb=777")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	_, err = client.QueryOrderDetail(context.Background(), "482910000000000123", "  ")
	if !errors.Is(err, ErrNoCookies) {
		t.Fatalf("expected ErrNoCookies, got %v", err)
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"deviceId":"dev_1"}`))
	}))
	defer server.Close()

	deviceID, err := testClient(server.URL).ResolveDeviceID(context.Background(), "unb=777")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if deviceID != "dev_1" {
		t.Fatalf("device id: %q", deviceID)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls: %d", calls.Load())
	}
}

func TestClientMapsErrorStatuses(t *testing.T) {
	cases := []struct {
		status int
		body   string
		target error
	}{
		{http.StatusUnauthorized, `{"code":"TOKEN_EXPIRED","message":"expired"}`, ErrUnauthorized},
		{http.StatusForbidden, `{"code":"FAIL_SYS_USER_VALIDATE","message":"deactivated"}`, ErrUnauthorized},
		{http.StatusNotFound, `{"message":"no such order"}`, ErrNotFound},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		_, err := testClient(server.URL).QueryOrderDetail(context.Background(), "482910000000000123", "unb=777")
		server.Close()
		if !errors.Is(err, tc.target) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.target, err)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != tc.status {
			t.Errorf("status %d: error lost its status: %v", tc.status, err)
		}
	}
}

func TestClientGivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewMarketClient(MarketClientOptions{
		BaseURL:    server.URL,
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	_, err := client.ResolveDeviceID(context.Background(), "unb=777")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestMergeSetCookies(t *testing.T) {
	merged, updated := mergeSetCookies("a=1; b=2", []string{"b=3; Path=/", "c=4; HttpOnly"})
	if !updated || merged != "a=1; b=3; c=4" {
		t.Fatalf("got %q (updated=%v)", merged, updated)
	}
	merged, updated = mergeSetCookies("a=1", []string{"a=1; Path=/"})
	if updated || merged != "a=1" {
		t.Fatalf("no-op rotation misreported: %q (updated=%v)", merged, updated)
	}
	merged, updated = mergeSetCookies("a=1", nil)
	if updated || merged != "a=1" {
		t.Fatalf("empty set-cookie misreported: %q (updated=%v)", merged, updated)
	}
}

func TestRetryDelayRespectsRetryAfterCap(t *testing.T) {
	client := NewMarketClient(MarketClientOptions{MaxDelay: time.Second})
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("retry-after not capped: %s", got)
	}
	if got := client.retryDelay(1, "not-a-number"); got != client.baseDelay {
		t.Fatalf("bad retry-after should fall back to backoff: %s", got)
	}
}
