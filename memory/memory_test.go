package memory

import (
	"bytes"
	"testing"

	"github.com/wippyai/watt/errors"
)

func TestNew(t *testing.T) {
	m := New(1, 3)
	if m.Pages() != 1 || m.Len() != PageSize || m.Size() != PageSize {
		t.Fatalf("pages=%d len=%d", m.Pages(), m.Len())
	}
	if m.MaxPages() != 3 {
		t.Errorf("MaxPages = %d", m.MaxPages())
	}
	if got := New(2, 1).MaxPages(); got != 2 {
		t.Errorf("max below min: MaxPages = %d, want 2", got)
	}
	if got := New(0, 1<<20).MaxPages(); got != MaxPages {
		t.Errorf("MaxPages = %d, want clamp to %d", got, MaxPages)
	}
}

func TestGrow(t *testing.T) {
	m := New(1, 3)
	_ = m.WriteU32(100, 0xdeadbeef)

	prev, ok := m.Grow(1)
	if !ok || prev != 1 || m.Pages() != 2 {
		t.Fatalf("Grow(1) = %d, %v; pages %d", prev, ok, m.Pages())
	}
	if v, _ := m.ReadU32(100); v != 0xdeadbeef {
		t.Errorf("contents lost after grow: %#x", v)
	}
	if v, _ := m.ReadU64(PageSize + 8); v != 0 {
		t.Errorf("new page not zeroed: %#x", v)
	}

	if prev, ok := m.Grow(2); ok || prev != 2 || m.Pages() != 2 {
		t.Errorf("Grow past max = %d, %v; pages %d", prev, ok, m.Pages())
	}
	if prev, ok := m.Grow(0); !ok || prev != 2 {
		t.Errorf("Grow(0) = %d, %v", prev, ok)
	}
}

func TestGrowReusesCapacityZeroed(t *testing.T) {
	m := New(2, 2)
	m.Fill(0, 0xAA, m.Len())
	m.Reset(nil, 1)
	if _, ok := m.Grow(1); !ok {
		t.Fatal("grow failed")
	}
	if v, _ := m.Load8(PageSize + 1); v != 0 {
		t.Errorf("regrown page holds stale byte %#x", v)
	}
}

func TestBounds(t *testing.T) {
	m := New(1, 1)
	end := uint64(PageSize)
	tests := []struct {
		name string
		ok   bool
		fn   func() bool
	}{
		{"load8 last", true, func() bool { _, ok := m.Load8(end - 1); return ok }},
		{"load8 end", false, func() bool { _, ok := m.Load8(end); return ok }},
		{"load32 straddle", false, func() bool { _, ok := m.Load32(end - 2); return ok }},
		{"load64 last", true, func() bool { _, ok := m.Load64(end - 8); return ok }},
		{"load64 wrap", false, func() bool { _, ok := m.Load64(^uint64(0) - 3); return ok }},
		{"store16 straddle", false, func() bool { return m.Store16(end-1, 1) }},
		{"fill empty at end", true, func() bool { return m.Fill(end, 0, 0) }},
		{"fill past end", false, func() bool { return m.Fill(end, 0, 1) }},
		{"copy src past end", false, func() bool { return m.Copy(0, end-1, 2) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(); got != tt.ok {
				t.Errorf("ok = %v, want %v", got, tt.ok)
			}
		})
	}
}

func TestAccessorErrors(t *testing.T) {
	m := New(1, 1)
	if _, err := m.Read(PageSize-2, 4); !errors.IsKind(err, errors.KindMemoryOutOfBounds) {
		t.Errorf("Read error = %v", err)
	}
	if err := m.WriteU64(PageSize-4, 1); !errors.IsKind(err, errors.KindMemoryOutOfBounds) {
		t.Errorf("WriteU64 error = %v", err)
	}
	if !errors.IsTrap(m.WriteU8(PageSize, 1)) {
		t.Error("out of bounds write is not a trap")
	}
}

func TestReadWrite(t *testing.T) {
	m := New(1, 1)
	if err := m.Write(10, []byte("tokens")); err != nil {
		t.Fatal(err)
	}
	got, err := m.Read(10, 6)
	if err != nil || string(got) != "tokens" {
		t.Fatalf("Read = %q, %v", got, err)
	}
	if err := m.WriteU16(0, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if b0, _ := m.ReadU8(0); b0 != 0xEF {
		t.Errorf("not little endian: %#x", b0)
	}
}

func TestCopyOverlap(t *testing.T) {
	m := New(1, 1)
	_ = m.Write(0, []byte("abcdef"))
	m.Copy(2, 0, 4)
	got, _ := m.Read(0, 6)
	if !bytes.Equal(got, []byte("ababcd")) {
		t.Errorf("forward overlap = %q", got)
	}
	_ = m.Write(0, []byte("abcdef"))
	m.Copy(0, 2, 4)
	got, _ = m.Read(0, 6)
	if !bytes.Equal(got, []byte("cdefef")) {
		t.Errorf("backward overlap = %q", got)
	}
}

func TestReset(t *testing.T) {
	m := New(1, 4)
	m.Grow(2)
	m.Fill(0, 0xFF, m.Len())
	m.Reset([]byte{1, 2, 3}, 1)
	if m.Pages() != 1 {
		t.Fatalf("pages = %d", m.Pages())
	}
	got, _ := m.Read(0, 5)
	if !bytes.Equal(got, []byte{1, 2, 3, 0, 0}) {
		t.Errorf("contents = %v", got)
	}
}
