package classify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yourorg/batchwatch/internal/config"
)

// Classifier assigns a status category to a raw result payload. Category
// semantics differ per validation profile, so it is injected into the
// session.
type Classifier interface {
	Category(payload map[string]any) string
	// Item returns the input item the payload refers to.
	Item(payload map[string]any) string
	// Categories lists the known categories, used to seed empty stats.
	Categories() []string
}

// Func adapts a plain function to Classifier. The item is read from the
// "item" field.
type Func func(payload map[string]any) string

func (f Func) Category(payload map[string]any) string { return f(payload) }
func (f Func) Item(payload map[string]any) string     { return stringField(payload, "item") }
func (f Func) Categories() []string                   { return nil }

// Rules classifies by looking up a status field in a mapping table.
type Rules struct {
	ItemField       string
	StatusField     string
	Table           map[string]string
	DefaultCategory string
}

// NewRules builds Rules from a profile. Status lookups are case-insensitive.
func NewRules(p config.ProfileConfig) *Rules {
	cats := make(map[string]string, len(p.Categories))
	for k, v := range p.Categories {
		cats[strings.ToLower(strings.TrimSpace(k))] = v
	}
	r := &Rules{
		ItemField:       p.ItemField,
		StatusField:     p.StatusField,
		Table:           cats,
		DefaultCategory: p.DefaultCategory,
	}
	if r.ItemField == "" {
		r.ItemField = "item"
	}
	if r.StatusField == "" {
		r.StatusField = "status"
	}
	if r.DefaultCategory == "" {
		r.DefaultCategory = "error"
	}
	return r
}

// ForProfile looks up a named profile in cfg.
func ForProfile(cfg *config.Config, name string) (*Rules, error) {
	p, ok := cfg.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", name)
	}
	return NewRules(p), nil
}

func (r *Rules) Category(payload map[string]any) string {
	status := strings.ToLower(strings.TrimSpace(stringField(payload, r.StatusField)))
	if c, ok := r.Table[status]; ok {
		return c
	}
	return r.DefaultCategory
}

func (r *Rules) Item(payload map[string]any) string {
	return stringField(payload, r.ItemField)
}

func (r *Rules) Categories() []string {
	set := map[string]struct{}{r.DefaultCategory: {}}
	for _, c := range r.Table {
		set[c] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func stringField(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
