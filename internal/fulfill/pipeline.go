// Package fulfill turns a detected order event into the guaranteed
// at-most-once delivery message. Dedup happens twice: an in-process
// inflight guard for concurrent triggers, and the persisted notification
// record for everything else, including restarts.
package fulfill

import (
	"context"
	"time"

	"github.com/driftline/fishcourier/internal/orderstore"
)

const defaultDeliveryMessage = "你好，你的订单已确认。请查看聊天中的提货说明，如有问题直接回复本消息。"

type Logger interface {
	Printf(format string, args ...any)
}

// Sender is the session's outbound path.
type Sender interface {
	SendChatMessage(ctx context.Context, chatID, buyerID, text string) error
}

// OrderStore is the slice of the order-store collaborator the pipeline
// needs.
type OrderStore interface {
	GetConfig() (orderstore.Config, bool)
	QueryOrderDetail(ctx context.Context, orderID string) (map[string]any, error)
	TransformAPIOrder(raw map[string]any, orderID string) (orderstore.Order, error)
	TransformForImport(order orderstore.Order) orderstore.ImportEntry
	ImportOrders(entries []orderstore.ImportEntry) error
	RecordSyncResult(success bool)
	GetNotifiedAt(orderID string) (*time.Time, error)
	MarkNotified(orderID, text string) error
}

type Options struct {
	Store           OrderStore
	Sender          Sender
	Logger          Logger
	DryRun          bool
	DeliveryMessage string // overrides the built-in text; config wins over both
}

type Pipeline struct {
	opts     Options
	logger   Logger
	inflight *inflightGuard
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		opts:     opts,
		logger:   opts.Logger,
		inflight: newInflightGuard(),
	}
}

// HandleOrderEvent runs the fulfillment steps for one trigger. It never
// returns an error: every failure is logged and the attempt abandoned;
// a later occurrence of the same order retries from the dedup check.
func (p *Pipeline) HandleOrderEvent(ctx context.Context, orderID, chatID, content string) {
	orderID = orderstore.NormalizeOrderID(orderID)
	if orderID == "" {
		return
	}
	if !p.inflight.TryAcquire(orderID) {
		return
	}
	defer p.inflight.Release(orderID)

	notifiedAt, err := p.opts.Store.GetNotifiedAt(orderID)
	if err != nil {
		p.logf("order %s: notification lookup failed: %v", orderID, err)
		return
	}
	if notifiedAt != nil {
		return
	}

	cfg, ok := p.opts.Store.GetConfig()
	if !ok || cfg.Cookies == "" {
		p.logf("order %s: no session cookies, skipping", orderID)
		return
	}

	raw, err := p.opts.Store.QueryOrderDetail(ctx, orderID)
	if err != nil {
		p.logf("order %s: detail fetch failed: %v", orderID, err)
		return
	}
	order, err := p.opts.Store.TransformAPIOrder(raw, orderID)
	if err != nil {
		p.logf("order %s: detail transform failed: %v", orderID, err)
		return
	}

	entry := p.opts.Store.TransformForImport(order)
	if err := p.opts.Store.ImportOrders([]orderstore.ImportEntry{entry}); err != nil {
		// non-fatal: fulfillment does not depend on the import
		p.logf("order %s: import failed: %v", orderID, err)
		p.opts.Store.RecordSyncResult(false)
	} else {
		p.opts.Store.RecordSyncResult(true)
	}

	if order.BuyerID == "" || chatID == "" {
		p.logf("order %s: buyer or chat unknown, cannot address message", orderID)
		return
	}
	if order.Status != orderstore.OrderStatusAwaitingShipment {
		// deliberate skip: only the awaiting-shipment state warrants a message
		return
	}

	text := p.deliveryText(cfg)
	if p.opts.DryRun {
		p.logf("order %s: dry run, would send to buyer %s in chat %s", orderID, order.BuyerID, chatID)
		return
	}
	if err := p.opts.Sender.SendChatMessage(ctx, chatID, order.BuyerID, text); err != nil {
		p.logf("order %s: send failed: %v", orderID, err)
		return
	}
	if err := p.opts.Store.MarkNotified(orderID, text); err != nil {
		p.logf("order %s: recording notification failed: %v", orderID, err)
		return
	}
	p.logf("order %s: delivery message sent to buyer %s", orderID, order.BuyerID)
}

func (p *Pipeline) deliveryText(cfg orderstore.Config) string {
	if cfg.DeliveryMessage != "" {
		return cfg.DeliveryMessage
	}
	if p.opts.DeliveryMessage != "" {
		return p.opts.DeliveryMessage
	}
	return defaultDeliveryMessage
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
