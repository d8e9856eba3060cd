package session

import "sync"

// pollState tracks, per chat, the creation timestamp of the newest
// message already processed by the poll path. The watermark only moves
// forward; messages at or before it are never re-emitted.
type pollState struct {
	mu         sync.Mutex
	watermarks map[string]int64
}

func newPollState() *pollState {
	return &pollState{watermarks: map[string]int64{}}
}

func (p *pollState) Watermark(chatID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.watermarks[normalizeChatID(chatID)]
}

// ShouldProcess reports whether a message created at ts is newer than
// the chat's watermark.
func (p *pollState) ShouldProcess(chatID string, ts int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ts > p.watermarks[normalizeChatID(chatID)]
}

// Advance raises the chat's watermark to ts if it is higher.
func (p *pollState) Advance(chatID string, ts int64) {
	key := normalizeChatID(chatID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if ts > p.watermarks[key] {
		p.watermarks[key] = ts
	}
}
