package tokens_test

import (
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"

	"github.com/wippyai/watt/tokens"
)

func TestCBOR(t *testing.T) {
	for name, s := range sampleStreams() {
		if name == "max_depth" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			b, err := tokens.MarshalCBOR(s)
			if err != nil {
				t.Fatalf("MarshalCBOR: %v", err)
			}
			got, err := tokens.UnmarshalCBOR(b)
			if err != nil {
				t.Fatalf("UnmarshalCBOR: %v", err)
			}
			if !got.Equal(s) {
				t.Errorf("got %v, want %v", got, s)
			}
		})
	}
}

func TestCBORRejectsInvalid(t *testing.T) {
	bad, err := cbor.Marshal([]tokens.Token{{Kind: tokens.Ident, Text: "9lives"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tokens.UnmarshalCBOR(bad); err == nil {
		t.Error("invalid identifier accepted")
	}
	if _, err := tokens.UnmarshalCBOR([]byte{0xff}); err == nil {
		t.Error("garbage accepted")
	}
}

func TestJSON(t *testing.T) {
	s, err := tokens.Parse("a(b)")
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var back tokens.Stream
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal: %v (%s)", err, b)
	}
	if !back.Equal(s) {
		t.Errorf("json round trip: %s", b)
	}
}
