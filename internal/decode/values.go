package decode

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// fields reads loosely typed values out of a decoded packet map and
// remembers the first conversion failure instead of aborting.
type fields struct {
	errs []string
}

func (f *fields) fail(key string, v any) {
	f.errs = append(f.errs, fmt.Sprintf("%s: unexpected value %T(%v)", key, v, v))
}

func (f *fields) err() string {
	return strings.Join(f.errs, "; ")
}

func (f *fields) str(m map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			return s
		case []byte:
			return string(s)
		case json.Number:
			return s.String()
		case float64, int, int64, uint32, uint64, bool:
			return fmt.Sprint(s)
		default:
			f.fail(key, v)
		}
	}
	return ""
}

func (f *fields) float(m map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		n, ok := toFloat(v)
		if !ok {
			f.fail(key, v)
			continue
		}
		return &n
	}
	return nil
}

func (f *fields) int(m map[string]any, keys ...string) *int64 {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		n, ok := toInt(v)
		if !ok {
			f.fail(key, v)
			continue
		}
		return &n
	}
	return nil
}

func (f *fields) bool(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				f.fail(key, v)
				continue
			}
			return parsed
		default:
			if n, ok := toInt(v); ok {
				return n != 0
			}
			f.fail(key, v)
		}
	}
	return false
}

// coord prefers float degrees and falls back to the fixed-point 1e7 variant.
func (f *fields) coord(m map[string]any, name string) *float64 {
	if v := f.float(m, name); v != nil {
		return v
	}
	if v := f.int(m, name+"I", name+"_i"); v != nil {
		deg := float64(*v) / 1e7
		return &deg
	}
	return nil
}

func mapAt(m map[string]any, keys ...string) map[string]any {
	for _, key := range keys {
		if sub, ok := m[key].(map[string]any); ok {
			return sub
		}
	}
	return nil
}

func listAt(m map[string]any, key string) []any {
	if list, ok := m[key].([]any); ok {
		return list
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		return int64(f), err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
