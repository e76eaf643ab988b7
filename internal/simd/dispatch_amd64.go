//go:build amd64

package simd

import "golang.org/x/sys/cpu"

func init() {
	switch {
	case cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW:
		detected = Wide
	case cpu.X86.HasAVX2:
		detected = Medium
	case cpu.X86.HasSSE41:
		detected = Narrow
	default:
		detected = Scalar
	}
}
