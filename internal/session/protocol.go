// Package session keeps the authenticated WebSocket session to the
// Goofish chat/sync service alive, routes inbound frames, and turns
// decoded sync payloads into order events.
package session

import (
	"encoding/json"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Fixed by the remote service.
const (
	DefaultEndpoint  = "wss://wss-goofish.dingtalk.com/"
	DefaultOrigin    = "https://www.goofish.com"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	DefaultAppKey    = "444e9908a51d1cb236a27862abc769c9"

	chatDomainSuffix = "@goofish"
	successCode      = 200
)

// Application sub-protocol routes.
const (
	routeRegister     = "/reg"
	routeRegisterAck  = "/r"
	routeSyncAck      = "/r/SyncStatus/ackDiff"
	routeSync         = "/s/sync"
	routePush         = "/p"
	routeListMessages = "/r/MessageManager/listUserMessages"
	routeSendMessage  = "/r/MessageSend/sendByReceiverScope"
	routeHeartbeat    = "/!"
)

// envelope is one outbound transport frame.
type envelope struct {
	LWP     string         `json:"lwp,omitempty"`
	Code    int            `json:"code,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    any            `json:"body,omitempty"`
}

// inboundFrame is one parsed inbound transport frame. Body shape varies
// by route, so it stays raw until classified.
type inboundFrame struct {
	LWP     string          `json:"lwp"`
	Code    int             `json:"code"`
	Headers map[string]any  `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

func (f *inboundFrame) messageID() string {
	if f.Headers == nil {
		return ""
	}
	mid, _ := f.Headers["mid"].(string)
	return mid
}

func (f *inboundFrame) code() int {
	if f.Code != 0 {
		return f.Code
	}
	if f.Headers != nil {
		switch v := f.Headers["code"].(type) {
		case float64:
			return int(v)
		case string:
			n, err := strconv.Atoi(v)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// syncBody is the payload of a sync or push frame.
type syncBody struct {
	SyncPushPackage struct {
		Data []syncItem `json:"data"`
	} `json:"syncPushPackage"`
}

type syncItem struct {
	Data string `json:"data"`
}

// listMessagesBody is the payload of a listUserMessages response.
type listMessagesBody struct {
	UserMessageModels []map[string]any `json:"userMessageModels"`
}

// newMessageID builds a correlation id in the service's expected shape:
// a 0-999 prefix, the unix-millisecond clock, and a trailing " 0".
func newMessageID(rng *rand.Rand) string {
	return strconv.Itoa(rng.Intn(1000)) + strconv.FormatInt(time.Now().UnixMilli(), 10) + " 0"
}

// normalizeChatID strips the service's domain suffix from a conversation
// identifier, so "123456@goofish" and "123456" compare equal.
func normalizeChatID(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		raw = raw[:idx]
	}
	return raw
}

// chatAddress is the inverse: the wire form the service expects.
func chatAddress(chatID string) string {
	chatID = normalizeChatID(chatID)
	if chatID == "" {
		return ""
	}
	return chatID + chatDomainSuffix
}

// cookieValue extracts one cookie by name from a raw Cookie header string.
func cookieValue(cookies, name string) string {
	for _, part := range strings.Split(cookies, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.TrimSpace(key) == name {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func truncateForLog(raw []byte, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
