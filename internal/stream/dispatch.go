package stream

import "github.com/yourorg/batchwatch/pkg/types"

// Handler receives routed frames. Exactly one method is called per frame.
type Handler interface {
	OnStart(payload map[string]any)
	OnProgress(payload map[string]any)
	OnResult(payload map[string]any)
	OnComplete(payload map[string]any)
	OnCreditExhausted(payload map[string]any)
	OnFatal(payload map[string]any)
}

// Dispatch routes ev to h by kind. fatal_error and error share OnFatal.
// It reports false for kinds it does not know.
func Dispatch(ev types.FrameEvent, h Handler) bool {
	switch ev.Kind {
	case types.EventStart:
		h.OnStart(ev.Payload)
	case types.EventProgress:
		h.OnProgress(ev.Payload)
	case types.EventResult:
		h.OnResult(ev.Payload)
	case types.EventComplete:
		h.OnComplete(ev.Payload)
	case types.EventCreditExhausted:
		h.OnCreditExhausted(ev.Payload)
	case types.EventFatalError, types.EventError:
		h.OnFatal(ev.Payload)
	default:
		return false
	}
	return true
}

// Int reads a numeric payload field. JSON numbers decode as float64.
func Int(payload map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch v := payload[k].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
	}
	return 0, false
}

// String reads the first non-empty string field among keys.
func String(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
