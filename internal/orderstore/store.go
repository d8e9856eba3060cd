package orderstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Backend persists imported orders, notification markers, and sync
// observations. Implementations: memory, JSON file, Postgres.
type Backend interface {
	GetNotification(orderID string) (*Notification, error)
	PutNotification(n Notification) error
	ImportOrders(entries []ImportEntry) error
	RecordSyncResult(obs SyncObservation) error
	Close() error
}

type StoreOptions struct {
	Backend Backend
	Config  *FileConfigStore
	Client  *MarketClient
	Logger  Logger
}

// Store is the order-store collaborator consumed by the session and the
// fulfillment pipeline.
type Store struct {
	backend Backend
	config  *FileConfigStore
	client  *MarketClient
	logger  Logger
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config store is required", ErrInvalidInput)
	}
	if opts.Client == nil {
		opts.Client = NewMarketClient(MarketClientOptions{})
	}
	return &Store{
		backend: opts.Backend,
		config:  opts.Config,
		client:  opts.Client,
		logger:  opts.Logger,
	}, nil
}

func (s *Store) GetConfig() (Config, bool) {
	return s.config.Get()
}

func (s *Store) UpdateConfig(patch ConfigPatch) (Config, error) {
	return s.config.Update(patch)
}

// RefreshLogin refreshes the session token with the currently configured
// cookies, persisting any rotated cookie value.
func (s *Store) RefreshLogin(ctx context.Context) (LoginResult, error) {
	cfg, ok := s.config.Get()
	if !ok || strings.TrimSpace(cfg.Cookies) == "" {
		return LoginResult{}, ErrNoCookies
	}
	result, err := s.client.RefreshLogin(ctx, cfg.Cookies)
	if err != nil {
		s.flagBanIfDeactivated(err)
		return LoginResult{}, err
	}
	if result.CookiesUpdated {
		s.writeBackCookies(result.Cookies)
	}
	return result, nil
}

// ResolveDeviceID returns the stable device identifier for the account,
// asking the marketplace once and persisting the answer.
func (s *Store) ResolveDeviceID(ctx context.Context) (string, error) {
	cfg, ok := s.config.Get()
	if ok && strings.TrimSpace(cfg.DeviceID) != "" {
		return strings.TrimSpace(cfg.DeviceID), nil
	}
	if !ok || strings.TrimSpace(cfg.Cookies) == "" {
		return "", ErrNoCookies
	}
	deviceID, err := s.client.ResolveDeviceID(ctx, cfg.Cookies)
	if err != nil {
		return "", err
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if _, err := s.config.Update(ConfigPatch{DeviceID: &deviceID}); err != nil {
		s.logf("persisting device id failed: %v", err)
	}
	return deviceID, nil
}

// QueryOrderDetail fetches the authoritative order document. Cookie
// rotation performed by the fetch is written back to the config store.
func (s *Store) QueryOrderDetail(ctx context.Context, orderID string) (map[string]any, error) {
	cfg, ok := s.config.Get()
	if !ok || strings.TrimSpace(cfg.Cookies) == "" {
		return nil, ErrNoCookies
	}
	result, err := s.client.QueryOrderDetail(ctx, orderID, cfg.Cookies)
	if err != nil {
		s.flagBanIfDeactivated(err)
		return nil, err
	}
	if result.CookiesUpdated {
		s.writeBackCookies(result.Cookies)
	}
	return result.Raw, nil
}

// TransformAPIOrder normalizes a raw order document into an Order.
func (s *Store) TransformAPIOrder(raw map[string]any, orderID string) (Order, error) {
	if raw == nil {
		return Order{}, fmt.Errorf("%w: empty order document", ErrInvalidInput)
	}
	order := Order{
		OrderID: NormalizeOrderID(orderID),
		Title:   asString(raw["title"]),
		Price:   asString(raw["price"]),
	}
	if order.OrderID == "" {
		order.OrderID = NormalizeOrderID(asString(raw["orderId"]))
	}
	if order.OrderID == "" {
		order.OrderID = NormalizeOrderID(asString(raw["bizOrderId"]))
	}
	if order.OrderID == "" {
		return Order{}, fmt.Errorf("%w: order id missing from document", ErrInvalidInput)
	}
	order.BuyerID = asString(raw["buyerId"])
	if order.BuyerID == "" {
		if buyer, ok := raw["buyer"].(map[string]any); ok {
			order.BuyerID = asString(buyer["id"])
		}
	}
	order.Status = asInt(raw["status"])
	if millis := asInt(raw["createTime"]); millis > 0 {
		order.CreatedAt = time.UnixMilli(int64(millis)).UTC()
	}
	return order, nil
}

// TransformForImport wraps an order into an import row.
func (s *Store) TransformForImport(order Order) ImportEntry {
	return ImportEntry{
		BatchID: uuid.NewString(),
		Order:   order,
	}
}

func (s *Store) ImportOrders(entries []ImportEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.backend.ImportOrders(entries)
}

// RecordSyncResult notes one import cycle. Best-effort by contract.
func (s *Store) RecordSyncResult(success bool) {
	obs := SyncObservation{
		ID:         uuid.NewString(),
		Success:    success,
		ObservedAt: time.Now().UTC(),
	}
	if err := s.backend.RecordSyncResult(obs); err != nil {
		s.logf("recording sync result failed: %v", err)
	}
}

// GetNotifiedAt reports when the one-time message went out, or nil.
func (s *Store) GetNotifiedAt(orderID string) (*time.Time, error) {
	orderID = NormalizeOrderID(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id", ErrInvalidInput)
	}
	n, err := s.backend.GetNotification(orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if n == nil || n.NotifiedAt.IsZero() {
		return nil, nil
	}
	at := n.NotifiedAt
	return &at, nil
}

func (s *Store) MarkNotified(orderID, text string) error {
	orderID = NormalizeOrderID(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id", ErrInvalidInput)
	}
	return s.backend.PutNotification(Notification{
		OrderID:    orderID,
		Message:    text,
		NotifiedAt: time.Now().UTC(),
	})
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// writeBackCookies persists rotated cookies; losing them only costs an
// extra login later, so failure is logged and swallowed.
func (s *Store) writeBackCookies(cookies string) {
	if strings.TrimSpace(cookies) == "" {
		return
	}
	if _, err := s.config.Update(ConfigPatch{Cookies: &cookies}); err != nil {
		s.logf("persisting rotated cookies failed: %v", err)
	}
}

// flagBanIfDeactivated marks the account banned when the upstream error
// signals a deactivated account. Best-effort.
func (s *Store) flagBanIfDeactivated(err error) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != codeAccountDeactivated {
		return
	}
	banned := true
	if _, updateErr := s.config.Update(ConfigPatch{Banned: &banned}); updateErr != nil {
		s.logf("persisting ban flag failed: %v", updateErr)
	} else {
		s.logf("account deactivated upstream; ban flag set")
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func asString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(value, 10)
	case int:
		return strconv.Itoa(value)
	default:
		return ""
	}
}

func asInt(v any) int {
	switch value := v.(type) {
	case float64:
		return int(value)
	case int64:
		return int(value)
	case int:
		return value
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// MemoryBackend keeps everything in process. Used in tests and as the
// default when no DSN is configured.
type MemoryBackend struct {
	mu            sync.Mutex
	notifications map[string]Notification
	orders        map[string]ImportEntry
	observations  []SyncObservation
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		notifications: map[string]Notification{},
		orders:        map[string]ImportEntry{},
	}
}

func (b *MemoryBackend) GetNotification(orderID string) (*Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.notifications[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := n
	return &clone, nil
}

func (b *MemoryBackend) PutNotification(n Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifications[n.OrderID] = n
	return nil
}

func (b *MemoryBackend) ImportOrders(entries []ImportEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range entries {
		b.orders[entry.Order.OrderID] = entry
	}
	return nil
}

func (b *MemoryBackend) RecordSyncResult(obs SyncObservation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observations = append(b.observations, obs)
	return nil
}

func (b *MemoryBackend) Observations() []SyncObservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]SyncObservation(nil), b.observations...)
}

func (b *MemoryBackend) Orders() []ImportEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]ImportEntry, 0, len(b.orders))
	for _, entry := range b.orders {
		result = append(result, entry)
	}
	return result
}

func (b *MemoryBackend) Close() error {
	return nil
}
