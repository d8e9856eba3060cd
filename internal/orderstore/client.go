package orderstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type MarketClientOptions struct {
	BaseURL    string
	UserAgent  string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// MarketClient talks to the marketplace order/login REST API using the
// account's session cookies. Every call may rotate cookies; callers must
// persist the rotated value when CookiesUpdated is reported.
type MarketClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewMarketClient(opts MarketClientOptions) *MarketClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://h5api.m.goofish.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &MarketClient{
		baseURL:    baseURL,
		userAgent:  userAgent,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func (c *MarketClient) RefreshLogin(ctx context.Context, cookies string) (LoginResult, error) {
	if strings.TrimSpace(cookies) == "" {
		return LoginResult{}, ErrNoCookies
	}
	var payload struct {
		Token string `json:"token"`
	}
	rotated, updated, err := c.doJSON(ctx, http.MethodPost, "/api/login/refresh", cookies, &payload)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Success:        payload.Token != "",
		Token:          payload.Token,
		Cookies:        rotated,
		CookiesUpdated: updated,
	}, nil
}

func (c *MarketClient) ResolveDeviceID(ctx context.Context, cookies string) (string, error) {
	if strings.TrimSpace(cookies) == "" {
		return "", ErrNoCookies
	}
	var payload struct {
		DeviceID string `json:"deviceId"`
	}
	if _, _, err := c.doJSON(ctx, http.MethodGet, "/api/device", cookies, &payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(payload.DeviceID), nil
}

func (c *MarketClient) QueryOrderDetail(ctx context.Context, orderID, cookies string) (OrderDetailResult, error) {
	orderID = NormalizeOrderID(orderID)
	if orderID == "" {
		return OrderDetailResult{}, fmt.Errorf("%w: order id", ErrInvalidInput)
	}
	if strings.TrimSpace(cookies) == "" {
		return OrderDetailResult{}, ErrNoCookies
	}
	q := url.Values{}
	q.Set("orderId", orderID)
	var payload struct {
		Data map[string]any `json:"data"`
	}
	rotated, updated, err := c.doJSON(ctx, http.MethodGet, "/api/order/detail?"+q.Encode(), cookies, &payload)
	if err != nil {
		return OrderDetailResult{}, err
	}
	return OrderDetailResult{
		Raw:            payload.Data,
		Cookies:        rotated,
		CookiesUpdated: updated,
	}, nil
}

// doJSON performs one authenticated request with bounded retries. It
// returns the (possibly rotated) cookie string and whether it changed.
func (c *MarketClient) doJSON(ctx context.Context, method, requestPath, cookies string, out any) (string, bool, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
		if err != nil {
			return cookies, false, err
		}
		req.Header.Set("Cookie", cookies)
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return cookies, false, waitErr
				}
				continue
			}
			return cookies, false, err
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return cookies, false, readErr
		}

		rotated, updated := mergeSetCookies(cookies, resp.Header.Values("Set-Cookie"))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(body) > 0 {
				if err := json.Unmarshal(body, out); err != nil {
					return rotated, updated, err
				}
			}
			return rotated, updated, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return rotated, updated, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = strings.TrimSpace(string(body))
		}
		return rotated, updated, &APIError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *MarketClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// mergeSetCookies folds Set-Cookie response headers into the stored
// cookie string, replacing values for names already present.
func mergeSetCookies(cookies string, setCookies []string) (string, bool) {
	if len(setCookies) == 0 {
		return cookies, false
	}
	order := []string{}
	values := map[string]string{}
	for _, part := range strings.Split(cookies, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, seen := values[name]; !seen {
			order = append(order, name)
		}
		values[name] = value
	}
	updated := false
	for _, raw := range setCookies {
		pair, _, _ := strings.Cut(raw, ";")
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		if existing, seen := values[name]; !seen {
			order = append(order, name)
			values[name] = value
			updated = true
		} else if existing != value {
			values[name] = value
			updated = true
		}
	}
	if !updated {
		return cookies, false
	}
	parts := make([]string, 0, len(order))
	for _, name := range order {
		parts = append(parts, name+"="+values[name])
	}
	return strings.Join(parts, "; "), true
}
