package scheduler

import (
	"reflect"
	"strings"
	"unicode/utf8"
)

// UnknownName is the metrics suffix for jobs without a name.
const UnknownName = "unknown"

// FilterRule maps a dotted type-name prefix to a metrics filter label.
type FilterRule struct {
	Label  string `json:"label"`
	Prefix string `json:"prefix"`
}

// ConfigHolder indexes filter rules by the first two dotted segments of their
// prefix, keeping configuration order inside each group.
type ConfigHolder struct {
	rules  []FilterRule
	groups map[string][]FilterRule
}

func NewConfigHolder(rules []FilterRule) *ConfigHolder {
	h := &ConfigHolder{groups: map[string][]FilterRule{}}
	for _, r := range rules {
		r.Label = strings.TrimSpace(r.Label)
		r.Prefix = strings.TrimSpace(r.Prefix)
		if r.Label == "" || r.Prefix == "" {
			continue
		}
		h.rules = append(h.rules, r)
		key := groupKey(r.Prefix)
		h.groups[key] = append(h.groups[key], r)
	}
	return h
}

func (h *ConfigHolder) Rules() []FilterRule {
	if h == nil {
		return nil
	}
	return append([]FilterRule(nil), h.rules...)
}

// Labels lists distinct labels in configuration order.
func (h *ConfigHolder) Labels() []string {
	if h == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, r := range h.rules {
		if !seen[r.Label] {
			seen[r.Label] = true
			out = append(out, r.Label)
		}
	}
	return out
}

func (h *ConfigHolder) empty() bool { return h == nil || len(h.rules) == 0 }

// match returns the label of the longest rule prefix matching name within
// name's group. Equal lengths keep the first configured rule.
func (h *ConfigHolder) match(name string) (string, bool) {
	best := -1
	label := ""
	for _, r := range h.groups[groupKey(name)] {
		if strings.HasPrefix(name, r.Prefix) && len(r.Prefix) > best {
			best = len(r.Prefix)
			label = r.Label
		}
	}
	return label, best >= 0
}

func groupKey(dotted string) string {
	parts := strings.SplitN(dotted, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

// MetricsSuffix shortens a dotted job name for use in metric labels: every
// segment but the last two collapses to its first character.
//
//	"asd.bas.cdf.d.ex.1"    -> "abcd.ex.1"
//	"a.b.c.d.e...f....1..." -> "abcdef..1"
func MetricsSuffix(name string) string {
	if name == "" {
		return UnknownName
	}
	segs := strings.Split(name, ".")
	for len(segs) > 0 && segs[len(segs)-1] == "" {
		segs = segs[:len(segs)-1]
	}
	switch len(segs) {
	case 0:
		return UnknownName
	case 1, 2:
		return strings.ToValidUTF8(strings.Join(segs, "."), "_")
	}
	var b strings.Builder
	for _, s := range segs[:len(segs)-2] {
		switch r, size := utf8.DecodeRuneInString(s); {
		case size == 0:
		case r == utf8.RuneError:
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString(".")
	b.WriteString(segs[len(segs)-2])
	b.WriteString(".")
	b.WriteString(segs[len(segs)-1])
	// prometheus rejects label values that are not valid UTF-8
	return strings.ToValidUTF8(b.String(), "_")
}

// Ancestry lets a job report its own type lineage for filter matching,
// most specific first, as dotted qualified names.
type Ancestry interface {
	TypeAncestry() []string
}

// DeriveFilterName returns the label of the first ancestor type of instance
// matched by a rule, or "" when nothing matches or no rules exist.
func DeriveFilterName(h *ConfigHolder, instance any) string {
	if h.empty() || instance == nil {
		return ""
	}
	for _, name := range TypeAncestry(instance) {
		if label, ok := h.match(name); ok {
			return label
		}
	}
	return ""
}

// TypeAncestry lists instance's dotted type name followed by the names of
// its embedded fields, depth first. Ancestry implementations override it.
func TypeAncestry(instance any) []string {
	if a, ok := instance.(Ancestry); ok {
		return a.TypeAncestry()
	}
	var out []string
	seen := map[reflect.Type]bool{}
	var walk func(t reflect.Type)
	walk = func(t reflect.Type) {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if seen[t] {
			return
		}
		seen[t] = true
		if n := qualifiedName(t); n != "" {
			out = append(out, n)
		}
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			if f := t.Field(i); f.Anonymous {
				walk(f.Type)
			}
		}
	}
	walk(reflect.TypeOf(instance))
	return out
}

func qualifiedName(t reflect.Type) string {
	if t.Name() == "" {
		return ""
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return strings.ReplaceAll(t.PkgPath(), "/", ".") + "." + t.Name()
}
