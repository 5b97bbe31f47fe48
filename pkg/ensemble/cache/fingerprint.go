// Package cache provides content-addressed memoization of step results.
//
// Entries are keyed by a stable fingerprint of the member identity, the
// resolved input, and the member config. Fingerprints are canonical
// across processes: object keys are sorted and numbers normalized before
// hashing.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Fingerprint computes the stable cache key for a step invocation.
// Two invocations with equal (member, version, input, config) produce
// equal fingerprints in any process.
func Fingerprint(memberName, memberVersion string, input, config map[string]any) string {
	var b strings.Builder
	b.WriteString(memberName)
	b.WriteByte('\x00')
	b.WriteString(memberVersion)
	b.WriteByte('\x00')
	b.WriteString(CanonicalJSON(input))
	b.WriteByte('\x00')
	b.WriteString(CanonicalJSON(config))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}

// CanonicalJSON renders a value as deterministic JSON: object keys are
// sorted, and all numbers are normalized so that integer and float
// representations of the same value hash identically. The encoding is a
// fixed point: CanonicalJSON of a decoded canonical document yields the
// same text.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(t))
	case string:
		b.WriteString(strconv.Quote(t))
	case int:
		writeNumber(b, float64(t))
	case int64:
		writeNumber(b, float64(t))
	case float64:
		writeNumber(b, t)
	case []any:
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, elem)
		}
		b.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	default:
		// YAML decoding can surface other scalar types; render them
		// through their default format so hashing stays total.
		b.WriteString(strconv.Quote(fmt.Sprintf("%v", t)))
	}
}

// writeNumber normalizes numeric representation: integral values render
// without a fractional part regardless of their Go type.
func writeNumber(b *strings.Builder, f float64) {
	if f == float64(int64(f)) {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
