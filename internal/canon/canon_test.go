package canon

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCanonicalize_SortsKeysAtEveryDepth(t *testing.T) {
	v := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{
			"nested_z": true,
			"nested_a": nil,
		},
	}

	got, err := Canonicalize(v)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	want := `{"alpha":{"nested_a":null,"nested_z":true},"zebra":1}`
	if got != want {
		t.Errorf("Canonicalize = %s, want %s", got, want)
	}
}

func TestCanonicalize_ArraysKeepOrder(t *testing.T) {
	got, err := Canonicalize([]any{"c", "a", "b"})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if got != `["c","a","b"]` {
		t.Errorf("Canonicalize = %s, want [\"c\",\"a\",\"b\"]", got)
	}
}

func TestCanonicalize_NoTrailingPointZero(t *testing.T) {
	got, err := Canonicalize(map[string]any{"n": 3.0, "m": 2.5})
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if got != `{"m":2.5,"n":3}` {
		t.Errorf("Canonicalize = %s, want {\"m\":2.5,\"n\":3}", got)
	}
}

func TestCanonicalize_TimestampReemission(t *testing.T) {
	cases := map[string]string{
		"2024-03-01T12:00:00Z":            `"2024-03-01T12:00:00.000Z"`,
		"2024-03-01T12:00:00.5Z":          `"2024-03-01T12:00:00.500Z"`,
		"2024-03-01T14:00:00.000+02:00":   `"2024-03-01T12:00:00.000Z"`,
		"2024-03-01T12:00:00.123456789Z":  `"2024-03-01T12:00:00.123Z"`,
		"not-a-timestamp 2024-03-01T12:0": `"not-a-timestamp 2024-03-01T12:0"`,
	}
	for in, want := range cases {
		got, err := Canonicalize(in)
		if err != nil {
			t.Fatalf("Canonicalize(%q) failed: %v", in, err)
		}
		if got != want {
			t.Errorf("Canonicalize(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		`{"b":1,"a":[true,null,{"z":"2024-03-01T12:00:00Z","y":2.0}]}`,
		`{"extensions":{"m":{"k2":"v","k1":1}},"labels":{"sensitivity":"personal"}}`,
		`[1,2.5,"x",null]`,
	}
	for _, in := range inputs {
		var v any
		if err := json.Unmarshal([]byte(in), &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		once, err := Canonicalize(v)
		if err != nil {
			t.Fatalf("Canonicalize failed: %v", err)
		}

		var reparsed any
		if err := json.Unmarshal([]byte(once), &reparsed); err != nil {
			t.Fatalf("canonical output is not valid JSON: %v", err)
		}
		twice, err := Canonicalize(reparsed)
		if err != nil {
			t.Fatalf("second Canonicalize failed: %v", err)
		}
		if once != twice {
			t.Errorf("not idempotent:\n once: %s\ntwice: %s", once, twice)
		}
	}
}

func TestCanonicalize_MalformedInput(t *testing.T) {
	_, err := Canonicalize(map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected error for unsupported type")
	}
	if !strings.Contains(err.Error(), "MALFORMED_INPUT") {
		t.Errorf("error = %v, want MALFORMED_INPUT code", err)
	}
}

func TestHash_Format(t *testing.T) {
	h, err := Hash(map[string]any{"hello": "world"})
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(h, "sha256:") {
		t.Errorf("Hash = %s, want sha256: prefix", h)
	}
	if len(h) != len("sha256:")+64 {
		t.Errorf("Hash length = %d, want %d", len(h), len("sha256:")+64)
	}
}

func TestHash_SensitiveToContent(t *testing.T) {
	h1, _ := Hash(map[string]any{"a": 1})
	h2, _ := Hash(map[string]any{"a": 2})
	if h1 == h2 {
		t.Error("different content must hash differently")
	}

	// Key order must not matter.
	h3, _ := Hash(map[string]any{"a": 1, "b": 2})
	h4, _ := Hash(map[string]any{"b": 2, "a": 1})
	if h3 != h4 {
		t.Error("key order must not affect the hash")
	}
}

func TestLengthPrefixed(t *testing.T) {
	out := LengthPrefixed([]byte("ab"), []byte{}, []byte("c"))

	want := []byte{
		2, 0, 0, 0, 'a', 'b',
		0, 0, 0, 0,
		1, 0, 0, 0, 'c',
	}
	if len(out) != len(want) {
		t.Fatalf("length = %d, want %d", len(out), len(want))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, out[i], want[i])
		}
	}
}
