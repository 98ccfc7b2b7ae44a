// Package configutil validates and decodes the free-form provider settings
// maps carried by the vendor config sections (upstream, sink).
package configutil

import (
	"errors"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// Schema names the keys a provider accepts. Required keys must be present
// and non-blank; any key outside Required and Optional is rejected so a
// typo in a settings map fails at startup instead of silently defaulting.
type Schema struct {
	Required []string
	Optional []string
}

// ValidateSettings checks a settings map against a schema. Key matching
// ignores case, underscores, and hyphens.
func ValidateSettings(input map[string]any, schema Schema) error {
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	var unknown []string
	for k := range input {
		if _, ok := allowed[normalizeKey(k)]; !ok {
			unknown = append(unknown, k)
		}
	}

	var missing []string
	for _, k := range schema.Required {
		if isBlank(lookup(input, k)) {
			missing = append(missing, k)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

// DecodeSettings decodes a validated settings map into a provider config
// struct via its mapstructure tags. Values are weakly typed: YAML and env
// expansion hand over strings where providers want ints or bools.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func lookup(input map[string]any, key string) any {
	nk := normalizeKey(key)
	for k, v := range input {
		if normalizeKey(k) == nk {
			return v
		}
	}
	return nil
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
