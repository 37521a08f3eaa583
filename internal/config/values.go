package config

import (
	"fmt"
	"strconv"
	"strings"

	"reportwatch/internal/config/keys"
)

// Environment and flag overrides arrive as strings, so every reader also
// parses the string form.

func intSetting(values map[string]any, key string, fallback int64) int64 {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := keys.AsInt64(value); ok {
		return parsed
	}
	if text, ok := value.(string); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func floatSetting(values map[string]any, key string, fallback float64) float64 {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := keys.AsFloat64(value); ok {
		return parsed
	}
	if text, ok := value.(string); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func stringSetting(values map[string]any, key string, fallback string) string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if text, ok := stringValue(value); ok {
		return text
	}
	return fallback
}

// stringValue renders a scalar as a label. YAML numbers keep their source
// text, so a leading zero in an identifier survives.
func stringValue(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed), true
	case keys.Number:
		return strings.TrimSpace(typed.Text), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	}
	if parsed, ok := keys.AsInt64(value); ok {
		return strconv.FormatInt(parsed, 10), true
	}
	return "", false
}

// checkStringSettings rejects string keys that were given a value with no
// sensible text form, such as a table or a boolean.
func checkStringSettings(values map[string]any, names ...string) error {
	for _, name := range names {
		key := keys.NormalizeKey(name)
		value, ok := values[key]
		if !ok {
			continue
		}
		if _, ok := stringValue(value); !ok {
			return fmt.Errorf("%s: expected a string, got %T", key, value)
		}
	}
	return nil
}

func boolSetting(values map[string]any, key string, fallback bool) bool {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	if parsed, ok := keys.AsBool(value); ok {
		return parsed
	}
	if text, ok := value.(string); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(text)); err == nil {
			return parsed
		}
	}
	return fallback
}

// listSetting accepts an array or a comma separated string.
func listSetting(values map[string]any, key string, fallback []string) []string {
	value, ok := values[keys.NormalizeKey(key)]
	if !ok {
		return fallback
	}
	var items []string
	switch typed := value.(type) {
	case []string:
		items = typed
	case []any:
		for _, item := range typed {
			switch typed := item.(type) {
			case string:
				items = append(items, typed)
			case keys.Number:
				items = append(items, typed.Text)
			}
		}
	case string:
		items = strings.Split(typed, ",")
	default:
		return fallback
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
