// Package orderstore owns everything the bot knows about marketplace
// orders outside the live chat session: the account configuration
// document, the marketplace REST client, and the persistence backends
// that record imported orders and one-time notification markers.
package orderstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized or expired credential")
	ErrRateLimited  = errors.New("rate limited")
	ErrNoCookies    = errors.New("no session cookies configured")
)

// Order status codes as reported by the marketplace order API.
const (
	OrderStatusAwaitingPayment  = 1
	OrderStatusAwaitingShipment = 2
	OrderStatusShipped          = 3
	OrderStatusCompleted        = 4
	OrderStatusClosed           = 5
)

// upstream error code that means the account itself was deactivated
const codeAccountDeactivated = "FAIL_SYS_USER_VALIDATE"

// APIError is the mapped form of an upstream marketplace API failure.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("marketplace api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("marketplace api %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403 || e.Code == codeAccountDeactivated
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrRateLimited:
		return e.StatusCode == 429
	}
	return false
}

// Config is the externally-owned account document: session cookies rotated
// by a login helper, plus per-account toggles.
type Config struct {
	Cookies         string    `json:"cookies"`
	DeviceID        string    `json:"deviceId,omitempty"`
	DeliveryMessage string    `json:"deliveryMessage,omitempty"`
	Banned          bool      `json:"banned,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt,omitempty"`
}

// ConfigPatch updates only the fields that are set.
type ConfigPatch struct {
	Cookies         *string
	DeviceID        *string
	DeliveryMessage *string
	Banned          *bool
}

// LoginResult is the outcome of a session-token refresh.
type LoginResult struct {
	Success        bool
	Token          string
	Cookies        string
	CookiesUpdated bool
}

// OrderDetailResult carries the raw order document plus any cookie
// rotation the fetch performed.
type OrderDetailResult struct {
	Raw            map[string]any
	Cookies        string
	CookiesUpdated bool
}

// Order is the normalized form of a marketplace order document.
type Order struct {
	OrderID   string    `json:"orderId"`
	BuyerID   string    `json:"buyerId"`
	Status    int       `json:"status"`
	Title     string    `json:"title,omitempty"`
	Price     string    `json:"price,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ImportEntry is one row handed to ImportOrders.
type ImportEntry struct {
	BatchID string `json:"batchId"`
	Order   Order  `json:"order"`
}

// Notification records that the one-time delivery message went out. A
// non-zero NotifiedAt suppresses every later send for the same order,
// including across restarts.
type Notification struct {
	OrderID    string    `json:"orderId"`
	Message    string    `json:"message"`
	NotifiedAt time.Time `json:"notifiedAt"`
}

// SyncObservation is a best-effort record of one import cycle.
type SyncObservation struct {
	ID         string    `json:"id"`
	Success    bool      `json:"success"`
	ObservedAt time.Time `json:"observedAt"`
}

// NormalizeOrderID reduces raw order-id text to the 15-30 digit canonical
// form, or returns "" if no such run exists.
func NormalizeOrderID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	start := -1
	for i := 0; i <= len(raw); i++ {
		digit := i < len(raw) && raw[i] >= '0' && raw[i] <= '9'
		if digit {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if run := raw[start:i]; len(run) >= 15 && len(run) <= 30 {
				return run
			}
			start = -1
		}
	}
	return ""
}
