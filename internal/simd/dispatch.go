package simd

import (
	"fmt"
	"os"
	"strings"
)

// EnvLevel names the environment variable that overrides the detected level.
// Any level may be forced, including one wider than the CPU supports, since
// the lane kernels are plain Go and only the block shape changes.
const EnvLevel = "STEPPER_SIMD"

// Level represents a SIMD capability level used to shape the width passes.
type Level int

const (
	// Scalar processes one element at a time.
	Scalar Level = iota

	// Narrow corresponds to 128-bit vectors (SSE4.1, NEON): 4 float32 lanes.
	Narrow

	// Medium corresponds to 256-bit vectors (AVX2): 8 float32 lanes.
	Medium

	// Wide corresponds to 512-bit vectors (AVX-512): 16 float32 lanes.
	Wide
)

// MaxUnroll is the unroll factor of the widest pass at any level.
const MaxUnroll = 8

// MaxBlock is the widest block, in elements, any pass will hand to a kernel.
const MaxBlock = MaxUnroll * 16

// String returns a human-readable name for the level.
func (l Level) String() string {
	switch l {
	case Scalar:
		return "scalar"
	case Narrow:
		return "narrow"
	case Medium:
		return "medium"
	case Wide:
		return "wide"
	default:
		return "unknown"
	}
}

// Lanes returns the number of float32 lanes in one vector at this level.
func (l Level) Lanes() int {
	switch l {
	case Narrow:
		return 4
	case Medium:
		return 8
	case Wide:
		return 16
	default:
		return 1
	}
}

// Passes returns the block widths of the width passes, widest first. The
// last pass always has width 1 and absorbs any tail.
//
// With AVX2 (8 lanes) the passes are 64, 32, 8 and 1.
func (l Level) Passes() []int {
	lanes := l.Lanes()
	if lanes == 1 {
		return []int{1}
	}
	return []int{MaxUnroll * lanes, 4 * lanes, lanes, 1}
}

// ParseLevel maps a level name to a Level. "auto" and "" resolve to Current().
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Current(), nil
	case "scalar", "none":
		return Scalar, nil
	case "narrow", "sse", "neon":
		return Narrow, nil
	case "medium", "avx2":
		return Medium, nil
	case "wide", "avx512":
		return Wide, nil
	default:
		return Scalar, fmt.Errorf("unknown simd level %q", s)
	}
}

// detected is the level reported by the CPU. Set by init() in dispatch_*.go files.
var detected Level

// Detected returns the level supported by the running CPU.
func Detected() Level {
	return detected
}

// Current returns the level to use: the EnvLevel override when it is set and
// valid, otherwise the detected level.
func Current() Level {
	val := os.Getenv(EnvLevel)
	if val == "" || strings.EqualFold(val, "auto") {
		return detected
	}
	l, err := ParseLevel(val)
	if err != nil {
		return detected
	}
	return l
}
