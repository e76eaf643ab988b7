package kernel

import "github.com/23skdu/longbow-stepper/internal/tile"

// Reference applies k to [0, n) with a single scalar loop and no tiling. It
// is the ground truth the tiled executor is verified against.
func Reference(k tile.Kernel, n int) {
	k.Apply(tile.Span{Lo: 0, Hi: n, Width: 1})
}

// MaxAbsDiff returns the largest absolute difference between a and b and the
// index where it occurs. Slices of different length report index -1.
func MaxAbsDiff(a, b []float32) (float32, int) {
	if len(a) != len(b) {
		return 0, -1
	}
	var worst float32
	at := 0
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > worst || d != d {
			worst, at = d, i
		}
	}
	return worst, at
}
