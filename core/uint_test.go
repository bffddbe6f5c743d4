package core

import (
	"encoding/json"
	"testing"
)

func TestUintJSONRoundTripLarge(t *testing.T) {
	// Larger than any float64 can represent exactly.
	raw := "340282366920938463463374607431768211456" // 2^128
	u, err := ParseUint(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	data, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"`+raw+`"` {
		t.Fatalf("expected quoted decimal, got %s", data)
	}

	var back Uint
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Cmp(u) != 0 {
		t.Fatalf("round trip changed value: %s != %s", back.String(), u.String())
	}
}

func TestUintAcceptsBareNumber(t *testing.T) {
	var u Uint
	if err := json.Unmarshal([]byte(`42`), &u); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if u.Uint64() != 42 {
		t.Fatalf("expected 42, got %s", u.String())
	}
}

func TestUintRejectsNegativeAndGarbage(t *testing.T) {
	for _, raw := range []string{`"-1"`, `"abc"`, `""`} {
		var u Uint
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			t.Fatalf("expected %s to fail", raw)
		}
	}
}

func TestUintArithmeticDoesNotMutate(t *testing.T) {
	a := NewUint(5)
	b := a.Add(3)
	if a.Uint64() != 5 || b.Uint64() != 8 {
		t.Fatalf("Add mutated receiver: a=%s b=%s", a.String(), b.String())
	}
	c := a.Plus(NewUint(10))
	if a.Uint64() != 5 || c.Uint64() != 15 {
		t.Fatalf("Plus mutated receiver: a=%s c=%s", a.String(), c.String())
	}
}
