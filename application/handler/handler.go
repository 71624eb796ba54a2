// Package handler provides job handlers for queued repository and
// index operations.
package handler

import (
	"encoding/json"
	"fmt"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// ExtractString extracts a required string field from a job payload.
func ExtractString(payload map[string]any, key string) (string, error) {
	val, ok := payload[key]
	if !ok {
		return "", errs.Newf(errs.KindInvalidInput, "missing required field: %s", key)
	}
	s, ok := val.(string)
	if !ok {
		return "", errs.Newf(errs.KindInvalidInput, "invalid type for %s: expected string, got %T", key, val)
	}
	return s, nil
}

// OptionalString extracts a string field, returning the fallback when
// the field is absent or empty.
func OptionalString(payload map[string]any, key, fallback string) string {
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// ExtractBool extracts a bool field nested under a sub-map, tolerating
// the types JSON round-tripping produces.
func ExtractBool(payload map[string]any, key string) bool {
	b, _ := payload[key].(bool)
	return b
}

// SubMap extracts a nested object field.
func SubMap(payload map[string]any, key string) map[string]any {
	m, _ := payload[key].(map[string]any)
	return m
}

// resultJSON serializes a handler result for storage on the job record.
func resultJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":"serializing result: %v"}`, err)
	}
	return string(data)
}
