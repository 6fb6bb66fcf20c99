package tgui

import "strings"

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
const MaxCallbackDataLen = 64

// Data formats inline callback data as "scope:action:payload".
// Payload is kept as-is.
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// ParseData splits callback data built by Data. ok is false when data has no
// scope/action pair or exceeds MaxCallbackDataLen.
func ParseData(data string) (scope, action, payload string, ok bool) {
	if len(data) > MaxCallbackDataLen {
		return "", "", "", false
	}
	parts := strings.SplitN(data, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	if len(parts) == 3 {
		payload = parts[2]
	}
	return parts[0], parts[1], payload, true
}
