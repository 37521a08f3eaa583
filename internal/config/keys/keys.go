// Package keys decodes TOML and YAML config payloads into a flat map keyed by
// normalized dotted paths, so "[dispatch]\nTimeout_MS = 5" and
// "dispatch.timeout-ms: 5" resolve to the same key.
package keys

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the decoder from a file extension. Anything that is not
// .yaml or .yml is treated as TOML.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

type Store struct {
	flat map[string]any
}

func (s Store) Flat() map[string]any {
	flat := make(map[string]any, len(s.flat))
	for key, value := range s.flat {
		flat[key] = value
	}
	return flat
}

func Decode(data []byte) (Store, error) {
	return DecodeFormat(data, FormatTOML)
}

func DecodeFormat(data []byte, format Format) (Store, error) {
	raw := map[string]any{}
	switch format {
	case FormatYAML:
		var document yaml.Node
		if err := yaml.Unmarshal(data, &document); err != nil {
			return Store{}, fmt.Errorf("decode yaml: %w", err)
		}
		decoded, err := yamlValue(&document)
		if err != nil {
			return Store{}, fmt.Errorf("decode yaml: %w", err)
		}
		if decoded != nil {
			mapping, ok := decoded.(map[string]any)
			if !ok {
				return Store{}, fmt.Errorf("decode yaml: top level must be a mapping")
			}
			raw = mapping
		}
	default:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Store{}, fmt.Errorf("decode toml: %w", err)
		}
	}
	return FromRaw(raw), nil
}

func FromRaw(raw map[string]any) Store {
	flat := make(map[string]any)
	flattenMap("", raw, flat)

	normalized := make(map[string]any, len(flat))
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		normalizedKey := NormalizeKey(key)
		if _, exists := normalized[normalizedKey]; exists {
			continue
		}
		normalized[normalizedKey] = flat[key]
	}

	return Store{flat: normalized}
}

// Number is a YAML numeric scalar together with its source text, so values
// such as wiegand-id: 0293204 can still be read back verbatim as labels.
type Number struct {
	Text  string
	Value any
}

func (number Number) String() string {
	return number.Text
}

func yamlValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return yamlValue(node.Content[0])
	case yaml.AliasNode:
		return yamlValue(node.Alias)
	case yaml.MappingNode:
		mapping := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			value, err := yamlValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			mapping[node.Content[i].Value] = value
		}
		return mapping, nil
	case yaml.SequenceNode:
		items := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			value, err := yamlValue(child)
			if err != nil {
				return nil, err
			}
			items = append(items, value)
		}
		return items, nil
	}

	var value any
	if err := node.Decode(&value); err != nil {
		return nil, fmt.Errorf("line %d: %w", node.Line, err)
	}
	switch node.ShortTag() {
	case "!!int", "!!float":
		return Number{Text: node.Value, Value: value}, nil
	}
	return value, nil
}

func (s Store) GetBool(key string) (bool, bool) {
	return AsBool(s.flat[NormalizeKey(key)])
}

func (s Store) GetInt(key string) (int64, bool) {
	return AsInt64(s.flat[NormalizeKey(key)])
}

func (s Store) GetString(key string) (string, bool) {
	value, ok := s.flat[NormalizeKey(key)].(string)
	return value, ok
}

// NormalizeKey lowercases each dotted segment and maps underscores to dashes.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.Split(key, ".")
	for i, part := range parts {
		lowered := strings.ToLower(strings.TrimSpace(part))
		parts[i] = strings.ReplaceAll(lowered, "_", "-")
	}
	return strings.Join(parts, ".")
}

func AsBool(value any) (bool, bool) {
	if number, ok := value.(Number); ok {
		value = number.Value
	}
	typed, ok := value.(bool)
	return typed, ok
}

func AsInt64(value any) (int64, bool) {
	if number, ok := value.(Number); ok {
		value = number.Value
	}
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case uint:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case uint16:
		return int64(typed), true
	case uint8:
		return int64(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return int64(typed), true
		}
	}
	return 0, false
}

func AsFloat64(value any) (float64, bool) {
	if number, ok := value.(Number); ok {
		value = number.Value
	}
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	}
	if parsed, ok := AsInt64(value); ok {
		return float64(parsed), true
	}
	return 0, false
}

func flattenMap(prefix string, raw map[string]any, out map[string]any) {
	for key, value := range raw {
		flattenValue(joinKey(prefix, key), value, out)
	}
}

func flattenValue(key string, value any, out map[string]any) {
	switch typed := value.(type) {
	case map[string]any:
		flattenMap(key, typed, out)
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for nested, item := range typed {
			converted[fmt.Sprint(nested)] = item
		}
		flattenMap(key, converted, out)
	default:
		out[key] = value
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
