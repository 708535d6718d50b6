package automation

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aviisi/virta/internal/condition"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// interpolate resolves {{path.to.value}} placeholders in v against the
// data map, recursing into maps and slices. A string that is exactly one
// placeholder resolves to the raw value, preserving its type; embedded
// placeholders are stringified in place. Unresolvable placeholders are
// left literal and logged at warn level.
func interpolate(v any, data map[string]any, logger *slog.Logger) any {
	switch tv := v.(type) {
	case string:
		return interpolateString(tv, data, logger)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = interpolate(val, data, logger)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = interpolate(val, data, logger)
		}
		return out
	default:
		return v
	}
}

func interpolateString(s string, data map[string]any, logger *slog.Logger) any {
	// Whole-string placeholder keeps the resolved value's type.
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if val, ok := condition.LookupPath(data, m[1]); ok {
			return val
		}
		logger.Warn("unresolved placeholder", "path", m[1])
		return s
	}

	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := condition.LookupPath(data, path)
		if !ok {
			logger.Warn("unresolved placeholder", "path", path)
			return match
		}
		return stringify(val)
	})
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		// Trim the ".0" JSON numbers pick up on whole values.
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%g", tv)
	default:
		return fmt.Sprintf("%v", v)
	}
}
