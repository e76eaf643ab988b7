package simd

import "github.com/x448/float16"

// Demote converts f to half precision, rounding to nearest even.
func Demote(f float32) float16.Float16 {
	return float16.Fromfloat32(f)
}

// Promote converts a half precision value to float32. The conversion is exact.
func Promote(h float16.Float16) float32 {
	return h.Float32()
}

// PromoteSpan converts len(dst) values of src into dst.
// Mismatched lengths are a no-op, matching the bulk converters it replaces.
func PromoteSpan(src []float16.Float16, dst []float32) {
	n := len(dst)
	if n == 0 || len(src) < n {
		return
	}
	src = src[:n]
	for i, h := range src {
		dst[i] = h.Float32()
	}
}

// DemoteSpan converts len(src) values of src into dst with round-to-nearest-even.
func DemoteSpan(src []float32, dst []float16.Float16) {
	n := len(src)
	if n == 0 || len(dst) < n {
		return
	}
	dst = dst[:n]
	for i, f := range src {
		dst[i] = float16.Fromfloat32(f)
	}
}

// ExactInHalf reports whether f survives a float32 -> float16 -> float32 round trip.
func ExactInHalf(f float32) bool {
	return float16.PrecisionFromfloat32(f) == float16.PrecisionExact
}
