package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat64(v *float64) any {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return *v
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// encodeJSON renders v as JSON without ever failing: bytes become hex,
// times become RFC3339, non-finite floats become null and anything the
// encoder rejects is stored as its string form.
func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	out, err := json.Marshal(jsonSafe(v))
	if err != nil {
		out, _ = json.Marshal(fmt.Sprint(v))
	}
	if string(out) == "null" {
		return ""
	}
	return string(out)
}

func jsonSafe(v any) any {
	switch val := v.(type) {
	case nil, bool, string, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return val
	case float32:
		return jsonSafe(float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case []byte:
		return hex.EncodeToString(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		if val == nil {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	case []string, []int64, []float64:
		return val
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		if _, err := json.Marshal(val); err == nil {
			return val
		}
		return fmt.Sprint(val)
	}
}

func decodeJSONList[T any](raw sql.NullString) []T {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}
