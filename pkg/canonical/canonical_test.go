package canonical

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('x')</script> &",
	}

	expected := `{"html":"<script>alert('x')</script> &"}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestContentHash_KeyOrderIndependent(t *testing.T) {
	h1, err := ContentHash(json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	h2, err := ContentHash(json.RawMessage(`{"b":2,"a":1}`))
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ across key order: %s vs %s", h1, h2)
	}
}

func TestContentHash_StringHashesRawUTF8(t *testing.T) {
	h, err := ContentHash("hello")
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	// A JSON-encoded string would hash the surrounding quotes too.
	quoted, err := ContentHash([]byte(`"hello"`))
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if h == quoted {
		t.Error("string content must hash as raw UTF-8, not JSON")
	}
	if !strings.HasPrefix(h, HashPrefix) {
		t.Errorf("digest missing %q prefix: %s", HashPrefix, h)
	}
	if len(h) != len(HashPrefix)+64 {
		t.Errorf("unexpected digest length: %d", len(h))
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	type payload struct {
		Stage string  `json:"stage"`
		Score float64 `json:"score"`
	}
	a, err := ContentHash(payload{Stage: "deepfake_analysis", Score: 0.73})
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	b, err := ContentHash(payload{Stage: "deepfake_analysis", Score: 0.73})
	if err != nil {
		t.Fatalf("ContentHash failed: %v", err)
	}
	if a != b {
		t.Errorf("same value hashed differently: %s vs %s", a, b)
	}
}
