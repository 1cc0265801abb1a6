package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"ohlcsync/internal/model"
)

// Selection says which derived data a run computes.
type Selection struct {
	Kinds    []model.IndicatorKind
	Patterns bool
}

// All selects every indicator family and pattern labels.
func All() Selection {
	return Selection{Kinds: slices.Clone(model.AllKinds), Patterns: true}
}

// Empty reports whether nothing derived is selected.
func (s Selection) Empty() bool { return len(s.Kinds) == 0 && !s.Patterns }

func (s Selection) String() string {
	parts := make([]string, 0, len(s.Kinds)+1)
	for _, k := range s.Kinds {
		parts = append(parts, string(k))
	}
	if s.Patterns {
		parts = append(parts, "patterns")
	}
	return strings.Join(parts, ",")
}

// ParseSelection parses a comma list of "all", "patterns" and indicator
// kinds. An empty string selects everything.
func ParseSelection(s string) (Selection, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return All(), nil
	}
	var sel Selection
	for _, part := range strings.Split(s, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		switch name {
		case "":
			continue
		case "all":
			return All(), nil
		case "patterns", "pattern":
			sel.Patterns = true
		default:
			k, ok := model.ParseKind(name)
			if !ok {
				return Selection{}, fmt.Errorf("unknown indicator %q (want all, patterns, ema, rsi, obv, ce or pivot)", part)
			}
			if !slices.Contains(sel.Kinds, k) {
				sel.Kinds = append(sel.Kinds, k)
			}
		}
	}
	// keep the engine's processing order
	slices.SortFunc(sel.Kinds, func(a, b model.IndicatorKind) int {
		return slices.Index(model.AllKinds, a) - slices.Index(model.AllKinds, b)
	})
	return sel, nil
}
