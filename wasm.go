package watt

import "fmt"

// Memory represents guest linear memory as seen by the host.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of guest linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// MemoryGrower grows guest linear memory by whole pages.
// It reports the previous size in pages, or false if the memory
// cannot grow that far.
type MemoryGrower interface {
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
}

// Allocator allocates memory in guest linear memory
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size, align uint32)
}

// Kind is the kind of a macro entry point. It determines how many token
// buffers the entry receives.
type Kind uint8

const (
	// FunctionStyle entries receive one buffer: the macro input.
	FunctionStyle Kind = iota + 1
	// Attribute entries receive the attribute arguments and the annotated item.
	Attribute
	// Derive entries receive the item and, optionally, the names of the
	// helper attributes the derive recognizes.
	Derive
)

func (k Kind) String() string {
	switch k {
	case FunctionStyle:
		return "function"
	case Attribute:
		return "attribute"
	case Derive:
		return "derive"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Buffers returns the minimum and maximum number of input buffers an entry
// of this kind accepts.
func (k Kind) Buffers() (minBuffers, maxBuffers int) {
	switch k {
	case FunctionStyle:
		return 1, 1
	case Attribute:
		return 2, 2
	case Derive:
		return 1, 2
	default:
		return 0, 0
	}
}

// ParseKind parses the textual form produced by Kind.String. It also
// accepts the attribute spellings used by proc-macro crates.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "function", "proc_macro", "function-style":
		return FunctionStyle, nil
	case "attribute", "proc_macro_attribute":
		return Attribute, nil
	case "derive", "proc_macro_derive":
		return Derive, nil
	}
	return 0, fmt.Errorf("unknown entry kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < FunctionStyle || k > Derive {
		return nil, fmt.Errorf("invalid entry kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	v, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
