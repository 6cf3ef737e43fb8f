package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/jmerrifield20/sovereign-ledger/pkg/canonical"
)

func TestMarshal_sortsKeysAtEveryLevel(t *testing.T) {
	v := map[string]any{
		"zeta": 1,
		"alpha": map[string]any{
			"nested_b": "x",
			"nested_a": "y",
		},
		"mid": []any{map[string]any{"b": 2, "a": 1}},
	}
	got, err := canonical.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"alpha":{"nested_a":"y","nested_b":"x"},"mid":[{"a":1,"b":2}],"zeta":1}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_independentOfInsertionOrder(t *testing.T) {
	a := map[string]any{"user": "u1", "role": "admin", "active": true}
	b := map[string]any{"active": true, "role": "admin", "user": "u1"}

	ba, err := canonical.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal a: %v", err)
	}
	bb, err := canonical.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal b: %v", err)
	}
	if string(ba) != string(bb) {
		t.Errorf("encodings differ: %s vs %s", ba, bb)
	}
}

func TestMarshal_doesNotEscapeHTML(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{"q": "a<b>&c"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"q":"a<b>&c"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_preservesNumberLiterals(t *testing.T) {
	raw := json.RawMessage(`{"count":3,"ratio":0.25,"big":123456789012345678}`)
	got, err := canonical.Marshal(raw)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"big":123456789012345678,"count":3,"ratio":0.25}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestMarshal_structsAndMapsAgree(t *testing.T) {
	type payload struct {
		Actor  string `json:"actor"`
		Action string `json:"action"`
	}
	fromStruct, err := canonical.Marshal(payload{Actor: "system", Action: "boot"})
	if err != nil {
		t.Fatalf("Marshal struct: %v", err)
	}
	fromMap, err := canonical.Marshal(map[string]any{"action": "boot", "actor": "system"})
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	if string(fromStruct) != string(fromMap) {
		t.Errorf("struct %s != map %s", fromStruct, fromMap)
	}
}

func TestMarshal_emptyPayload(t *testing.T) {
	got, err := canonical.Marshal(map[string]any{})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("got %s, want {}", got)
	}
}

func TestHash_deterministic(t *testing.T) {
	h1, err := canonical.Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	h2, err := canonical.Hash(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hashes differ: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64", len(h1))
	}
}
