package wat

import (
	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat/internal/parser"
	"github.com/wippyai/watt/wat/internal/token"
)

// Compile translates WAT source into a binary module.
func Compile(source string) ([]byte, error) {
	mod, err := CompileModule(source)
	if err != nil {
		return nil, err
	}
	return mod.Encode(), nil
}

// CompileModule translates WAT source into an in-memory module.
func CompileModule(source string) (*wasm.Module, error) {
	toks, err := token.Tokenize(source)
	if err != nil {
		return nil, err
	}
	return parser.New(toks).Parse()
}

// MustCompile is like Compile but panics on error. It is intended for
// fixtures held in package-level variables.
func MustCompile(source string) []byte {
	bin, err := Compile(source)
	if err != nil {
		panic("wat: " + err.Error())
	}
	return bin
}
