package configutil

import (
	"sort"
	"strings"
)

// Schema defines required and optional keys for a settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError lists the keys that failed schema validation.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// ValidateSettings validates a settings map against a schema.
// Keys are normalized to be case/underscore/hyphen insensitive.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	serr := &SettingsError{}
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
		}
		if !isEmptyValue(v) {
			present[nk] = true
		}
	}
	for nk, key := range required {
		if !present[nk] {
			serr.Missing = append(serr.Missing, key)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return serr
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}
