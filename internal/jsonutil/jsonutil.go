// Package jsonutil provides helpers for the dynamically typed JSON payloads
// that flow through the gateway: deep copies taken before every dispatch
// attempt, cycle-safe sanitising for snapshots, and an order-insensitive
// stable hash used to detect configuration changes.
package jsonutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// CircularSentinel replaces values revisited during sanitising.
const CircularSentinel = "[Circular]"

// DeepCopy clones a decoded JSON value (maps, slices, scalars). The copy
// shares nothing with the input, so callers may mutate it freely.
func DeepCopy(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// Sanitize walks a decoded JSON value and returns a copy safe for
// serialisation: revisited containers become the circular sentinel,
// arbitrary-precision numbers are stringified, and values with no JSON
// representation are dropped.
func Sanitize(v any) any {
	return sanitize(v, map[any]bool{})
}

func sanitize(v any, seen map[any]bool) any {
	switch typed := v.(type) {
	case map[string]any:
		key := any(fmt.Sprintf("%p", typed))
		if seen[key] {
			return CircularSentinel
		}
		seen[key] = true
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			cleaned := sanitize(val, seen)
			if cleaned == dropped {
				continue
			}
			out[k] = cleaned
		}
		delete(seen, key)
		return out
	case []any:
		key := any(fmt.Sprintf("%p", typed))
		if seen[key] {
			return CircularSentinel
		}
		seen[key] = true
		out := make([]any, 0, len(typed))
		for _, val := range typed {
			cleaned := sanitize(val, seen)
			if cleaned == dropped {
				continue
			}
			out = append(out, cleaned)
		}
		delete(seen, key)
		return out
	case *big.Int:
		return typed.String()
	case json.Number:
		return typed
	case nil, bool, string, float64, int, int64:
		return typed
	default:
		if _, err := json.Marshal(typed); err != nil {
			return dropped
		}
		return typed
	}
}

type droppedMarker struct{}

var dropped any = droppedMarker{}

// StableHash produces a hex digest of a decoded JSON value that is
// insensitive to map key ordering and stable across runs.
func StableHash(v any) string {
	var sb strings.Builder
	writeCanonical(&sb, v)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(sb *strings.Builder, v any) {
	switch typed := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			writeCanonical(sb, typed[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, val := range typed {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, val)
		}
		sb.WriteByte(']')
	case string:
		sb.WriteString(strconv.Quote(typed))
	case json.Number:
		sb.WriteString(typed.String())
	case float64:
		sb.WriteString(strconv.FormatFloat(typed, 'g', -1, 64))
	case int:
		sb.WriteString(strconv.Itoa(typed))
	case int64:
		sb.WriteString(strconv.FormatInt(typed, 10))
	case bool:
		sb.WriteString(strconv.FormatBool(typed))
	case nil:
		sb.WriteString("null")
	default:
		raw, err := json.Marshal(typed)
		if err != nil {
			sb.WriteString(strconv.Quote(fmt.Sprint(typed)))
			return
		}
		sb.Write(raw)
	}
}

// DecodeBody parses raw JSON bytes into the dynamic representation used by
// the executor. Numbers keep full precision via json.Number.
func DecodeBody(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeBody serialises a dynamic JSON value back to bytes.
func EncodeBody(v any) ([]byte, error) {
	return json.Marshal(v)
}
