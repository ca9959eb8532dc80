package persist

import "math"

// SanitizeJSON walks a JSON-ish value tree (maps, slices, and scalars as
// produced by encoding/json or hand-built payloads) and returns a value
// safe to serialize deterministically: non-finite float64s become 0, nil
// map entries are dropped so re-runs produce identical bytes on disk, and
// every string value is passed through RedactSecrets.
func SanitizeJSON(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactSecrets(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			if vv == nil {
				continue
			}
			out[k] = SanitizeJSON(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = SanitizeJSON(vv)
		}
		return out
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return float64(0)
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return float64(0)
		}
		return val
	default:
		return v
	}
}
