// Package intent extracts the deep-link tag carried by a notification
// payload. The tag is opaque: any richer payload is the receiving
// screen's responsibility to re-fetch.
package intent

// Intent is an opaque tag naming a deep-link target.
type Intent string

// payloadKey is the field the backend puts the tag under in the
// notification data payload.
const payloadKey = "intent"

// FromPayload extracts the intent tag from an opaque notification
// payload. It checks the top level first, then a nested "data" map
// (some platforms wrap custom fields one level down). Returns false
// when no non-empty string tag is present.
func FromPayload(payload map[string]any) (Intent, bool) {
	if payload == nil {
		return "", false
	}

	if tag, ok := payload[payloadKey].(string); ok && tag != "" {
		return Intent(tag), true
	}

	if data, ok := payload["data"].(map[string]any); ok {
		if tag, ok := data[payloadKey].(string); ok && tag != "" {
			return Intent(tag), true
		}
	}

	return "", false
}
