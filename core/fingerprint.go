package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fingerprint computes the stable cache key for a capability call. Two calls
// that differ only in map key order, string case, whitespace, time encoding,
// or parameters equal to their schema default produce the same fingerprint.
func Fingerprint(agentID, verb string, params map[string]interface{}, defaults map[string]interface{}) string {
	normalized := NormalizeParams(params, defaults)
	h := sha256.New()
	h.Write([]byte(agentID))
	h.Write([]byte{0})
	h.Write([]byte(verb))
	h.Write([]byte{0})
	h.Write([]byte(canonicalJSON(normalized)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeParams applies the fingerprint normalization rules: string values
// are lowercased and whitespace-trimmed, times are rendered RFC3339 UTC, and
// keys whose value equals the schema default are dropped.
func NormalizeParams(params, defaults map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		nv := normalizeValue(v)
		if def, ok := defaults[k]; ok && equalNormalized(nv, normalizeValue(def)) {
			continue
		}
		out[k] = nv
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UTC().Format(time.RFC3339)
		}
		return strings.ToLower(strings.TrimSpace(t))
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, mv := range t {
			m[k] = normalizeValue(mv)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, sv := range t {
			s[i] = normalizeValue(sv)
		}
		return s
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func equalNormalized(a, b interface{}) bool {
	return canonicalJSON(a) == canonicalJSON(b)
}

// canonicalJSON renders a value as JSON with object keys sorted at every
// nesting level, so equal maps always serialize identically.
func canonicalJSON(v interface{}) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%q", fmt.Sprint(t)))
			return
		}
		sb.Write(b)
	}
}
