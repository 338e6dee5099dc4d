// Package canon implements deterministic JSON canonicalization and
// content hashing. Every hash in the vault (capsule ids, event chains,
// AAD construction, projection binding) is computed over the output of
// Canonicalize, so the rules here are load-bearing: object keys sorted
// at every depth, NFC-normalized strings, canonical millisecond
// timestamps, and no int/float distinction.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/hpungsan/keep/internal/errors"
)

// timestampRegex matches ISO-8601 timestamp strings that should be
// re-emitted in canonical millisecond form.
var timestampRegex = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// canonicalTimeLayout is the one timestamp shape the vault emits.
const canonicalTimeLayout = "2006-01-02T15:04:05.000Z"

// Canonicalize serializes a JSON-compatible value deterministically.
// Canonicalizing already-canonical JSON yields the same string, which
// callers use as a validator.
func Canonicalize(v any) (string, error) {
	tree, err := toJSONValue(v)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writeValue(&buf, tree); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Hash canonicalizes v and returns "sha256:<hex>" over the UTF-8 bytes.
func Hash(v any) (string, error) {
	s, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes([]byte(s)), nil
}

// HashBytes returns "sha256:<hex>" over raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// LengthPrefixed concatenates fields as 4-byte little-endian length +
// bytes triples. The same encoding discipline is used for AEAD AAD
// construction and event-chain hash input.
func LengthPrefixed(fields ...[]byte) []byte {
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	var lenBuf [4]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}

// toJSONValue reduces an arbitrary Go value to the JSON data model
// (map[string]any, []any, json.Number, string, bool, nil) by a marshal
// round-trip. Circular references and unsupported types surface here.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewMalformedInput(fmt.Sprintf("value cannot be canonicalized: %v", err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, errors.NewMalformedInput(fmt.Sprintf("value cannot be canonicalized: %v", err))
	}
	return tree, nil
}

// writeValue emits the canonical encoding of a JSON value tree.
func writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		return writeNumber(buf, val)
	case string:
		return writeString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return errors.NewMalformedInput(fmt.Sprintf("unsupported type %T", v))
	}
	return nil
}

// writeNumber emits numbers without a distinguishing int/float notation:
// integer-valued floats lose their fractional point (no trailing .0).
func writeNumber(buf *bytes.Buffer, n json.Number) error {
	f, err := n.Float64()
	if err != nil {
		return errors.NewMalformedInput(fmt.Sprintf("unrepresentable number %q", n.String()))
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// writeString emits an NFC-normalized, JSON-escaped string. Strings that
// match the ISO-8601 timestamp pattern are re-emitted in canonical
// millisecond form with a Z suffix.
func writeString(buf *bytes.Buffer, s string) error {
	s = norm.NFC.String(s)
	if timestampRegex.MatchString(s) {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			s = t.UTC().Format(canonicalTimeLayout)
		}
	}
	escaped, err := json.Marshal(s)
	if err != nil {
		return errors.NewMalformedInput(fmt.Sprintf("string cannot be encoded: %v", err))
	}
	buf.Write(escaped)
	return nil
}
