// Package entity provides tolerant extraction of typed fields from the
// loosely-typed records returned by the cloud plane. Records mix snake_case
// and camelCase keys, and a nested metadata map may shadow or supplement
// top-level fields. All functions are pure and never panic; absent fields
// yield zero defaults.
package entity

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Record is one loosely-typed entity payload.
type Record map[string]any

// String returns the first non-empty trimmed string found under keys,
// searched in order.
func (r Record) String(keys ...string) string {
	for _, key := range keys {
		if s, ok := r[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// Number returns the first finite number found under keys. A string holding
// a parseable number is accepted.
func (r Record) Number(keys ...string) (float64, bool) {
	for _, key := range keys {
		switch v := r[key].(type) {
		case float64:
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				return v, true
			}
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json5Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, true
			}
		}
	}
	return 0, false
}

// json5Number matches encoding/json's Number without importing it here.
type json5Number interface{ Float64() (float64, error) }

// StringArray returns the first non-empty string list found under keys.
// Accepts a []any of strings or a comma-separated string; entries are
// trimmed and empties dropped.
func (r Record) StringArray(keys ...string) []string {
	for _, key := range keys {
		switch v := r[key].(type) {
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					if trimmed := strings.TrimSpace(s); trimmed != "" {
						out = append(out, trimmed)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		case []string:
			out := make([]string, 0, len(v))
			for _, s := range v {
				if trimmed := strings.TrimSpace(s); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			if len(out) > 0 {
				return out
			}
		case string:
			var out []string
			for _, part := range strings.Split(v, ",") {
				if trimmed := strings.TrimSpace(part); trimmed != "" {
					out = append(out, trimmed)
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return nil
}

// Metadata returns the nested metadata record, or nil.
func (r Record) Metadata() Record {
	if m, ok := r["metadata"].(map[string]any); ok {
		return Record(m)
	}
	if m, ok := r["metadata"].(Record); ok {
		return m
	}
	return nil
}

// ToISO parses s into an instant and re-emits it as RFC3339 UTC.
// Returns "" when s cannot be parsed.
func ToISO(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
	}
	// Epoch seconds or milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC().Format(time.RFC3339)
		}
		if n > 1e8 {
			return time.Unix(n, 0).UTC().Format(time.RFC3339)
		}
	}
	return ""
}

// ParseISO returns the epoch millis for an ISO timestamp, or 0 when s does
// not parse.
func ParseISO(s string) int64 {
	iso := ToISO(s)
	if iso == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
