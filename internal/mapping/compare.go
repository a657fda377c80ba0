package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldDiff is one target field whose current value differs from the
// mapped value.
type FieldDiff struct {
	Field string
	Old   string
	New   string
}

// Diff compares mapped fields against the current target fields. Only
// fields present in want are considered; extra target fields are ignored.
func Diff(want, have map[string]any) []FieldDiff {
	var diffs []FieldDiff
	for field, w := range want {
		ws := Normalize(w)
		hs := ""
		if h, ok := have[field]; ok {
			hs = Normalize(h)
		}
		if ws != hs {
			diffs = append(diffs, FieldDiff{Field: field, Old: hs, New: ws})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Field < diffs[j].Field })
	return diffs
}

// Equal reports whether the target already holds every mapped value.
func Equal(want, have map[string]any) bool {
	return len(Diff(want, have)) == 0
}

// Normalize renders a field value in a form that compares equal across
// trackers: trimmed strings, integral floats without a fraction, and
// identities by their unique name.
func Normalize(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case map[string]any:
		for _, k := range []string{"uniqueName", "_refObjectName", "displayName", "name"} {
			if s, ok := x[k].(string); ok && s != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
