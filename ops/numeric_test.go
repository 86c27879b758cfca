package ops

import (
	"encoding/json"
	"math/big"
	"testing"
)

type toBigIntStub struct{ v int64 }

func (s toBigIntStub) ToBigInt() *big.Int { return big.NewInt(s.v) }

// S6: numeric coercion across bigint, decimal string, hex-object, and
// toBigInt()-exposing shapes must all emit the same decimal string.
func TestToDecimalStringAcrossShapes(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
	}{
		{"big.Int pointer", big.NewInt(10)},
		{"decimal string", "10"},
		{"hex string", "0xa"},
		{"hex object", map[string]interface{}{"_hex": "0xa"}},
		{"toBigInt-exposing value", toBigIntStub{v: 10}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ToDecimalString(c.in)
			if err != nil {
				t.Fatalf("ToDecimalString(%v): %v", c.in, err)
			}
			if got != "10" {
				t.Errorf("ToDecimalString(%v) = %q, want %q", c.in, got, "10")
			}
		})
	}
}

func TestToDecimalStringRawJSONShapes(t *testing.T) {
	cases := []string{`"10"`, `"0xa"`, `{"_hex":"0xa"}`}
	for _, raw := range cases {
		var v json.RawMessage = json.RawMessage(raw)
		got, err := ToDecimalString(v)
		if err != nil {
			t.Fatalf("ToDecimalString(%s): %v", raw, err)
		}
		if got != "10" {
			t.Errorf("ToDecimalString(%s) = %q, want %q", raw, got, "10")
		}
	}
}

func TestToDecimalStringRejectsUnrecognizedShape(t *testing.T) {
	if _, err := ToDecimalString(struct{ X int }{X: 1}); err == nil {
		t.Fatal("expected an error for an unrecognized numeric shape")
	}
}
