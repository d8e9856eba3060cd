package session

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
)

// OrderEvent is a detected order-status signal recovered from a chat or
// sync payload.
type OrderEvent struct {
	OrderID        string
	ChatID         string
	Content        string
	IsOrderMessage bool
}

// Free-text phrases the service uses for order status notifications.
var orderStatusPhrases = []string{
	"我已拍下",
	"我已付款",
	"等待你发货",
	"你已发货",
	"快递已签收",
	"交易成功",
	"交易关闭",
}

// ExtractOrderEvent applies the heuristic chain over a decoded payload
// tree. Every lookup tolerates missing or garbled structure; absence is
// not an error. The first heuristic yielding a non-empty order id wins.
func ExtractOrderEvent(payload any) (OrderEvent, bool) {
	tree, ok := asMap(payload)
	if !ok {
		return OrderEvent{}, false
	}

	event := OrderEvent{
		ChatID:  normalizeChatID(firstString(tree, [][]string{{"1", "2"}, {"sessionId"}, {"cid"}, {"chatId"}})),
		Content: extractContent(tree),
	}

	taskName := ""
	for _, ext := range extensionMaps(tree) {
		if taskName == "" {
			taskName = tagTaskName(ext)
		}
		if event.OrderID == "" {
			event.OrderID = orderIDFromExtJSON(ext)
		}
		if event.OrderID == "" {
			event.OrderID = orderIDFromURL(stringField(ext, "reminderUrl"))
		}
	}
	if event.OrderID == "" {
		event.OrderID = orderIDFromCard(tree)
	}

	event.IsOrderMessage = event.OrderID != "" || taskName != "" || matchesStatusPhrase(event.Content)
	if event.OrderID == "" && event.ChatID == "" && event.Content == "" && !event.IsOrderMessage {
		return OrderEvent{}, false
	}
	return event, true
}

// extensionMaps collects the structured extension blocks the service
// embeds: under the "1"/"10" numeric path on the push channel and under
// "extension" on message-list models.
func extensionMaps(tree map[string]any) []map[string]any {
	var result []map[string]any
	if ext, ok := asMap(lookup(tree, "1", "10")); ok {
		result = append(result, ext)
	}
	if ext, ok := asMap(tree["extension"]); ok {
		result = append(result, ext)
	}
	return result
}

// tagTaskName parses the tag field as JSON and returns its task name.
func tagTaskName(ext map[string]any) string {
	for _, key := range []string{"tag", "bizTag"} {
		raw := stringField(ext, key)
		if raw == "" {
			continue
		}
		var obj map[string]any
		if json.Unmarshal([]byte(raw), &obj) != nil {
			continue
		}
		if name := stringField(obj, "taskName"); name != "" {
			return name
		}
	}
	return ""
}

// orderIDFromExtJSON pulls an order id out of the extension's extJson
// document: first from the composite updateKey, then from direct fields.
func orderIDFromExtJSON(ext map[string]any) string {
	raw := stringField(ext, "extJson")
	if raw == "" {
		return ""
	}
	var obj map[string]any
	if json.Unmarshal([]byte(raw), &obj) != nil {
		return ""
	}
	if composite := stringField(obj, "updateKey"); composite != "" {
		for _, segment := range strings.Split(composite, ":") {
			if id := digitRun(segment); id != "" {
				return id
			}
		}
	}
	for _, key := range []string{"orderId", "bizOrderId"} {
		if id := digitRun(stringField(obj, key)); id != "" {
			return id
		}
	}
	return ""
}

// orderIDFromURL scans a reminder/target URL's query parameters.
func orderIDFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	query := parsed.Query()
	for _, key := range []string{"orderId", "bizOrderId", "id"} {
		if id := digitRun(query.Get(key)); id != "" {
			return id
		}
	}
	return ""
}

// orderIDFromCard digs into the nested card document (reachable only via
// the deeper content path), checking its tip arguments and the known
// target-URL fields.
func orderIDFromCard(tree map[string]any) string {
	raw := firstString(tree, [][]string{{"1", "6", "3", "5"}, {"content"}})
	if raw == "" {
		return ""
	}
	var obj map[string]any
	if json.Unmarshal([]byte(raw), &obj) != nil {
		return ""
	}
	candidates := []map[string]any{obj}
	if card, ok := asMap(obj["card"]); ok {
		candidates = append(candidates, card)
		if params, ok := asMap(card["params"]); ok {
			candidates = append(candidates, params)
		}
	}
	for _, candidate := range candidates {
		if args, ok := asMap(candidate["tipArgs"]); ok {
			for _, value := range args {
				if id := digitRun(asStringValue(value)); id != "" {
					return id
				}
			}
		}
		for _, key := range []string{"targetUrl", "clickUrl", "actionUrl", "url"} {
			target := stringField(candidate, key)
			if target == "" {
				continue
			}
			if id := orderIDFromURL(target); id != "" {
				return id
			}
			if id := digitRun(target); id != "" {
				return id
			}
		}
	}
	return ""
}

func extractContent(tree map[string]any) string {
	for _, ext := range extensionMaps(tree) {
		for _, key := range []string{"reminderContent", "reminderTitle"} {
			if text := stringField(ext, key); text != "" {
				return text
			}
		}
	}
	raw := firstString(tree, [][]string{{"1", "6", "3", "5"}, {"content"}})
	if raw == "" {
		return ""
	}
	var obj map[string]any
	if json.Unmarshal([]byte(raw), &obj) == nil {
		for _, key := range []string{"text", "title", "content"} {
			if text := stringField(obj, key); text != "" {
				return text
			}
		}
		return ""
	}
	return raw
}

func matchesStatusPhrase(content string) bool {
	if content == "" {
		return false
	}
	for _, phrase := range orderStatusPhrases {
		if strings.Contains(content, phrase) {
			return true
		}
	}
	return false
}

// digitRun returns the first 15-30 digit run in s, or "".
func digitRun(s string) string {
	start := -1
	for i := 0; i <= len(s); i++ {
		digit := i < len(s) && s[i] >= '0' && s[i] <= '9'
		if digit {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			if run := s[start:i]; len(run) >= 15 && len(run) <= 30 {
				return run
			}
			start = -1
		}
	}
	return ""
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func lookup(tree map[string]any, path ...string) any {
	var current any = tree
	for _, key := range path {
		m, ok := asMap(current)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

func firstString(tree map[string]any, paths [][]string) string {
	for _, path := range paths {
		if s := asStringValue(lookup(tree, path...)); s != "" {
			return s
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return asStringValue(m[key])
}

func asStringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case []byte:
		return strings.TrimSpace(string(value))
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(value, 10)
	default:
		return ""
	}
}
