package session

import (
	"strings"
	"sync"
	"time"
)

type requestKind string

const (
	kindRegister     requestKind = "reg"
	kindSync         requestKind = "sync"
	kindListMessages requestKind = "listUserMessages"
	kindSend         requestKind = "send"
)

const defaultLedgerCapacity = 200

type pendingRequest struct {
	MessageID string
	Kind      requestKind
	Meta      string
	SentAt    time.Time
}

// pendingLedger correlates outbound request message ids with the kind of
// request sent, so an untagged response can be matched later. It is
// bounded: once full, the oldest entry is evicted silently. Senders are
// never blocked, and a message id is recognized at most once.
type pendingLedger struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]pendingRequest
}

func newPendingLedger(capacity int) *pendingLedger {
	if capacity <= 0 {
		capacity = defaultLedgerCapacity
	}
	return &pendingLedger{
		capacity: capacity,
		entries:  map[string]pendingRequest{},
	}
}

func (l *pendingLedger) Track(messageID string, kind requestKind, meta string) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[messageID]; !exists {
		l.order = append(l.order, messageID)
	}
	l.entries[messageID] = pendingRequest{
		MessageID: messageID,
		Kind:      kind,
		Meta:      meta,
		SentAt:    time.Now(),
	}
	for len(l.order) > l.capacity {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
	}
}

// Match consumes the entry for messageID if present.
func (l *pendingLedger) Match(messageID string) (pendingRequest, bool) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return pendingRequest{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.entries[messageID]
	if !ok {
		return pendingRequest{}, false
	}
	delete(l.entries, messageID)
	for i, id := range l.order {
		if id == messageID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return entry, true
}

func (l *pendingLedger) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
