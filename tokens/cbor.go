package tokens

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	// Each group level costs a map and an array.
	cborDec, err = cbor.DecOptions{
		MaxNestedLevels:  2*MaxDepth + 8,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      16,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalCBOR encodes a stream in deterministic CBOR for tooling
// interchange.
func MarshalCBOR(s Stream) ([]byte, error) {
	return cborEnc.Marshal([]Token(s))
}

// UnmarshalCBOR decodes a CBOR stream and checks it with the same rules
// as the wire decoder.
func UnmarshalCBOR(data []byte) (Stream, error) {
	var s Stream
	if err := cborDec.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("tokens: cbor: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// MarshalDiagnosticCBOR encodes a diagnostic without its cause.
func MarshalDiagnosticCBOR(d *Diagnostic) ([]byte, error) {
	return cborEnc.Marshal(d)
}

// Validate checks that every token is well formed and nesting stays
// within MaxDepth.
func (s Stream) Validate() error {
	return validate(s, 0)
}

func validate(s Stream, depth int) error {
	for i, t := range s {
		switch t.Kind {
		case Ident:
			if !ValidIdent(t.Text, t.Raw) {
				return fmt.Errorf("tokens: token %d: invalid identifier %q", i, t.Text)
			}
		case Punct:
			if !IsPunct(t.Punct) || t.Spacing > Joint {
				return fmt.Errorf("tokens: token %d: invalid punctuation %q", i, t.Punct)
			}
		case Literal:
			if t.Text == "" {
				return fmt.Errorf("tokens: token %d: empty literal", i)
			}
		case Group:
			if depth >= MaxDepth {
				return fmt.Errorf("tokens: groups nested deeper than %d", MaxDepth)
			}
			if t.Delimiter > None {
				return fmt.Errorf("tokens: token %d: invalid delimiter %d", i, t.Delimiter)
			}
			if err := validate(t.Stream, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tokens: token %d: invalid kind %d", i, uint8(t.Kind))
		}
	}
	return nil
}
