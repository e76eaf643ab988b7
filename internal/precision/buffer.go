// Package precision carries the storage kind of a numeric buffer alongside its
// data so the update kernels can promote half precision values on read and
// demote results on write without reinterpreting memory.
package precision

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/simd"
)

// Kind is the storage format of a buffer.
type Kind int

const (
	// Invalid is the zero Kind of an unset Buffer.
	Invalid Kind = iota
	// Full is IEEE 754 binary32 storage.
	Full
	// Half is IEEE 754 binary16 storage.
	Half
)

func (k Kind) String() string {
	switch k {
	case Full:
		return "fp32"
	case Half:
		return "fp16"
	default:
		return "invalid"
	}
}

// Size returns the element size in bytes.
func (k Kind) Size() int {
	switch k {
	case Full:
		return 4
	case Half:
		return 2
	default:
		return 0
	}
}

// Buffer is a contiguous numeric buffer tagged with its storage kind.
// Exactly one of f32 and f16 backs the buffer. Buffers alias the caller's
// slice; they never copy it.
type Buffer struct {
	kind Kind
	f32  []float32
	f16  []float16.Float16
}

// FromFloat32 wraps a full precision slice.
func FromFloat32(data []float32) Buffer {
	return Buffer{kind: Full, f32: data}
}

// FromFloat16 wraps a half precision slice.
func FromFloat16(data []float16.Float16) Buffer {
	return Buffer{kind: Half, f16: data}
}

// Alloc returns a zeroed buffer of n elements of the given kind.
func Alloc(kind Kind, n int) (Buffer, error) {
	if n < 0 {
		return Buffer{}, fmt.Errorf("negative buffer length %d", n)
	}
	switch kind {
	case Full:
		return FromFloat32(make([]float32, n)), nil
	case Half:
		return FromFloat16(make([]float16.Float16, n)), nil
	default:
		return Buffer{}, fmt.Errorf("unsupported buffer kind %v", kind)
	}
}

// Kind returns the storage kind. An unset Buffer reports Invalid.
func (b Buffer) Kind() Kind { return b.kind }

// Valid reports whether the buffer has a storage kind.
func (b Buffer) Valid() bool { return b.kind == Full || b.kind == Half }

// Len returns the number of elements.
func (b Buffer) Len() int {
	if b.kind == Half {
		return len(b.f16)
	}
	return len(b.f32)
}

// Bytes returns the storage size in bytes.
func (b Buffer) Bytes() int {
	return b.Len() * b.kind.Size()
}

// Float32 returns the backing slice of a Full buffer.
func (b Buffer) Float32() ([]float32, bool) {
	return b.f32, b.kind == Full
}

// Float16 returns the backing slice of a Half buffer.
func (b Buffer) Float16() ([]float16.Float16, bool) {
	return b.f16, b.kind == Half
}

// Load reads element i as float32, promoting half precision values.
func (b Buffer) Load(i int) float32 {
	if b.kind == Half {
		return simd.Promote(b.f16[i])
	}
	return b.f32[i]
}

// Store writes v to element i, demoting to half precision with
// round-to-nearest-even when the buffer is Half.
func (b Buffer) Store(i int, v float32) {
	if b.kind == Half {
		b.f16[i] = simd.Demote(v)
		return
	}
	b.f32[i] = v
}

// LoadSpan promotes len(dst) elements starting at lo into dst.
func (b Buffer) LoadSpan(lo int, dst []float32) {
	if b.kind == Half {
		simd.PromoteSpan(b.f16[lo:lo+len(dst)], dst)
		return
	}
	copy(dst, b.f32[lo:lo+len(dst)])
}

// StoreSpan writes src to the elements starting at lo, demoting when Half.
func (b Buffer) StoreSpan(lo int, src []float32) {
	if b.kind == Half {
		simd.DemoteSpan(src, b.f16[lo:lo+len(src)])
		return
	}
	copy(b.f32[lo:lo+len(src)], src)
}

// Slice returns the sub-buffer [lo, hi) sharing storage with b.
func (b Buffer) Slice(lo, hi int) Buffer {
	if b.kind == Half {
		return Buffer{kind: Half, f16: b.f16[lo:hi]}
	}
	return Buffer{kind: b.kind, f32: b.f32[lo:hi]}
}

// Clone returns a deep copy of b.
func (b Buffer) Clone() Buffer {
	switch b.kind {
	case Full:
		return FromFloat32(append([]float32(nil), b.f32...))
	case Half:
		return FromFloat16(append([]float16.Float16(nil), b.f16...))
	default:
		return Buffer{}
	}
}

// ToFloat32 returns a promoted copy of the whole buffer.
func (b Buffer) ToFloat32() []float32 {
	out := make([]float32, b.Len())
	if b.Valid() {
		b.LoadSpan(0, out)
	}
	return out
}
