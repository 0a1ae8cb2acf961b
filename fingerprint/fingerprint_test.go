package fingerprint

import "testing"

func TestSumStable(t *testing.T) {
	// sha256("hello") — known vector.
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got := Text("hello"); got != want {
		t.Fatalf("Text(hello) = %s, want %s", got, want)
	}
	if len(Sum(nil)) != 64 {
		t.Fatal("digest should be 64 hex chars")
	}
}

func TestJSONDeterministicMapOrder(t *testing.T) {
	a, err := JSON(map[string]int{"x": 1, "y": 2, "z": 3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := JSON(map[string]int{"z": 3, "y": 2, "x": 1})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("map key order changed the fingerprint: %s != %s", a, b)
	}
}

func TestJSONDistinguishesValues(t *testing.T) {
	type key struct {
		Model string `json:"model"`
		Temp  float64 `json:"temp"`
	}
	a, _ := JSON(key{Model: "gpt-4o", Temp: 0.5})
	b, _ := JSON(key{Model: "gpt-4o", Temp: 0.6})
	if a == b {
		t.Fatal("different keys must not collide")
	}
}
