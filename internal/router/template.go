package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/KafClaw/clawcore/internal/buffer"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// Interpolate replaces {field.path} placeholders with values from msg.
// Top-level fields are id, channel, sender, conversation, payload and
// priority; payload.* walks the payload when it is a JSON object.
// Placeholders that cannot be resolved are left in place.
func Interpolate(tmpl string, msg buffer.Message) string {
	var payloadObj map[string]any
	payloadParsed := false

	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := match[1 : len(match)-1]
		parts := strings.Split(path, ".")

		switch parts[0] {
		case "id":
			if len(parts) == 1 {
				return strconv.FormatInt(msg.ID, 10)
			}
		case "channel":
			if len(parts) == 1 {
				return msg.Channel
			}
		case "sender":
			if len(parts) == 1 {
				return msg.Sender
			}
		case "conversation":
			if len(parts) == 1 {
				return msg.Conversation
			}
		case "priority":
			if len(parts) == 1 {
				return strconv.Itoa(msg.Priority)
			}
		case "payload":
			if len(parts) == 1 {
				return msg.Payload
			}
			if !payloadParsed {
				payloadParsed = true
				_ = json.Unmarshal([]byte(msg.Payload), &payloadObj)
			}
			if v, ok := lookup(payloadObj, parts[1:]); ok {
				return v
			}
		}
		return match
	})
}

func lookup(obj map[string]any, path []string) (string, bool) {
	var cur any = obj
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(v), true
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	default:
		return fmt.Sprint(v), true
	}
}
