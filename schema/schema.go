// Package schema checks decoded JSON objects against a declarative shape,
// collecting every violation instead of stopping at the first.
package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Schema is the subset of JSON Schema used for structured output.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Description          string             `json:"description,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Format               string             `json:"format,omitempty"`
	Default              any                `json:"default,omitempty"`
}

// Parse decodes a schema from JSON.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &s, nil
}

// MustParse is Parse for package-level schema literals. It panics on error.
func MustParse(data string) *Schema {
	s, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return s
}

// MarshalJSON implements json.Marshaler so a Schema can be sent as a
// response_format schema directly.
func (s *Schema) MarshalJSON() ([]byte, error) {
	type plain Schema
	return json.Marshal((*plain)(s))
}

// Report is the outcome of Validate.
type Report struct {
	Valid  bool
	Errors []string
}

// Err returns nil for a valid report and a *ViolationError otherwise.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &ViolationError{Errors: r.Errors}
}

// ViolationError wraps the violations of an invalid Report.
type ViolationError struct {
	Errors []string
}

func (e *ViolationError) Error() string {
	return "schema violation: " + strings.Join(e.Errors, "; ")
}

// Validate checks value against s: required fields, declared primitive kinds,
// enum membership and, when additionalProperties is false, undeclared fields.
// A nil schema accepts any value.
func Validate(value map[string]any, s *Schema) Report {
	if s == nil {
		return Report{Valid: true}
	}
	var errs []string

	for _, field := range s.Required {
		if _, ok := value[field]; !ok {
			errs = append(errs, "Missing required field: "+field)
		}
	}

	for _, field := range sortedKeys(s.Properties) {
		v, ok := value[field]
		if !ok {
			continue
		}
		prop := s.Properties[field]
		if prop == nil {
			continue
		}
		if msg := checkKind(field, v, prop.Type); msg != "" {
			errs = append(errs, msg)
		}
		if len(prop.Enum) > 0 && !lo.ContainsBy(prop.Enum, func(e any) bool { return equal(e, v) }) {
			opts := lo.Map(prop.Enum, func(e any, _ int) string { return fmt.Sprint(e) })
			errs = append(errs, fmt.Sprintf("Field %s must be one of: %s", field, strings.Join(opts, ", ")))
		}
	}

	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		for _, field := range sortedKeys(value) {
			if _, ok := s.Properties[field]; !ok {
				errs = append(errs, "Unexpected field: "+field)
			}
		}
	}

	return Report{Valid: len(errs) == 0, Errors: errs}
}

// ValidateJSON decodes data as a JSON object and validates it. A payload that
// is not an object yields a single violation.
func ValidateJSON(data []byte, s *Schema) (map[string]any, Report) {
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil || value == nil {
		return nil, Report{Errors: []string{"Response is not a JSON object"}}
	}
	return value, Validate(value, s)
}

func checkKind(field string, v any, kind string) string {
	switch kind {
	case "string", "number", "boolean":
		if got := kindOf(v); got != kind {
			return fmt.Sprintf("Field %s should be %s, got %s", field, kind, got)
		}
	case "integer":
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return fmt.Sprintf("Field %s should be integer, got %s", field, kindOf(v))
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Sprintf("Field %s should be array", field)
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return fmt.Sprintf("Field %s should be object", field)
		}
	}
	return ""
}

// kindOf names the JSON kind of a value decoded by encoding/json.
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64, json.Number, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// equal compares enum members with decoded values; numbers compare by value.
func equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
