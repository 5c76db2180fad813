package filter

import (
	"strings"

	"github.com/yourorg/batchwatch/internal/config"
)

// MaskConfig is an alias of config.MaskConfig.
type MaskConfig = config.MaskConfig

// MaskItem keeps the configured prefix and suffix of item and replaces the
// middle. Items too short to keep both ends are fully replaced.
func MaskItem(item string, cfg MaskConfig) string {
	item = strings.TrimSpace(item)
	repl := cfg.Replacement
	if repl == "" {
		repl = "*"
	}
	runes := []rune(item)
	keep := cfg.KeepPrefix + cfg.KeepSuffix
	if len(runes) <= keep {
		return strings.Repeat(repl, len(runes))
	}
	return string(runes[:cfg.KeepPrefix]) +
		strings.Repeat(repl, len(runes)-keep) +
		string(runes[len(runes)-cfg.KeepSuffix:])
}

// MaskFields returns a copy of fields with every sensitive key masked,
// descending into nested objects and arrays. Keys match case-insensitively.
func MaskFields(fields map[string]any, cfg MaskConfig) map[string]any {
	if fields == nil {
		return nil
	}
	set := toLowerSet(cfg.Fields)
	v, _ := maskJSONValue(fields, set, cfg).(map[string]any)
	return v
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func maskJSONValue(v any, set map[string]struct{}, cfg MaskConfig) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v2 := range val {
			if _, ok := set[strings.ToLower(k)]; ok {
				if s, isStr := v2.(string); isStr {
					out[k] = MaskItem(s, cfg)
				} else {
					out[k] = cfg.Replacement
				}
				continue
			}
			out[k] = maskJSONValue(v2, set, cfg)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = maskJSONValue(val[i], set, cfg)
		}
		return out
	default:
		return val
	}
}
