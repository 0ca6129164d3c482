package gateway

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/crossquery/pkg/models"
)

func TestCanonicalArgs_SortsKeysAtEveryDepth(t *testing.T) {
	canonical, err := CanonicalArgs(json.RawMessage(`{"b": {"z": 1, "a": 2}, "a": [1, {"y": true, "x": false}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a":[1,{"x":false,"y":true}],"b":{"a":2,"z":1}}`
	if string(canonical) != want {
		t.Errorf("expected %s, got %s", want, canonical)
	}
}

func TestCanonicalArgs_KeyOrderDoesNotMatter(t *testing.T) {
	a, err := CanonicalArgs(json.RawMessage(`{"query": "refund", "limit": 5}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := CanonicalArgs(json.RawMessage(`{"limit": 5, "query": "refund"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("expected identical canonical forms, got %s vs %s", a, b)
	}
}

func TestCanonicalArgs_PreservesNumberLiterals(t *testing.T) {
	a, _ := CanonicalArgs(json.RawMessage(`{"n": 1}`))
	b, _ := CanonicalArgs(json.RawMessage(`{"n": 1.0}`))
	if string(a) == string(b) {
		t.Errorf("expected 1 and 1.0 to canonicalize differently, both gave %s", a)
	}

	big, err := CanonicalArgs(json.RawMessage(`{"id": 9007199254740993}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(big) != `{"id":9007199254740993}` {
		t.Errorf("large integer lost precision: %s", big)
	}
}

func TestCanonicalArgs_ArrayOrderPreserved(t *testing.T) {
	a, _ := CanonicalArgs(json.RawMessage(`{"ids": [3, 1, 2]}`))
	b, _ := CanonicalArgs(json.RawMessage(`{"ids": [1, 2, 3]}`))
	if string(a) == string(b) {
		t.Error("array order must be significant")
	}
}

func TestCanonicalArgs_EmptyAndNull(t *testing.T) {
	for _, raw := range []json.RawMessage{nil, json.RawMessage(""), json.RawMessage("  "), json.RawMessage("null")} {
		canonical, err := CanonicalArgs(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if string(canonical) != "{}" {
			t.Errorf("expected {} for %q, got %s", raw, canonical)
		}
	}
}

func TestCanonicalArgs_RejectsMalformedJSON(t *testing.T) {
	_, err := CanonicalArgs(json.RawMessage(`{"a": `))
	if !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}

	_, err = CanonicalArgs(json.RawMessage(`{"a": 1} trailing`))
	if !models.IsCode(err, models.CodeValidation) {
		t.Fatalf("expected VALIDATION_ERROR for trailing data, got %v", err)
	}
}

func TestFingerprint_DistinguishesProviderAndTool(t *testing.T) {
	canonical := []byte(`{"q":"x"}`)

	base := Fingerprint(models.ProviderTickets, "search", canonical)
	if Fingerprint(models.ProviderMail, "search", canonical) == base {
		t.Error("different providers must not collide")
	}
	if Fingerprint(models.ProviderTickets, "get", canonical) == base {
		t.Error("different tools must not collide")
	}
	if Fingerprint(models.ProviderTickets, "search", []byte(`{"q":"y"}`)) == base {
		t.Error("different args must not collide")
	}
	if Fingerprint(models.ProviderTickets, "search", canonical) != base {
		t.Error("equal inputs must produce equal fingerprints")
	}
}

func TestFingerprint_StableAcrossKeyOrder(t *testing.T) {
	a, _ := CanonicalArgs(json.RawMessage(`{"x": 1, "y": 2}`))
	b, _ := CanonicalArgs(json.RawMessage(`{"y": 2, "x": 1}`))

	if Fingerprint(models.ProviderDB, "query", a) != Fingerprint(models.ProviderDB, "query", b) {
		t.Error("semantically identical args must share a fingerprint")
	}
}
