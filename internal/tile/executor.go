// Package tile drives an element-wise update kernel over a parameter vector in
// fixed-size tiles and width-specialised passes.
//
// A step over N elements runs one pass per block width of the capability
// level, widest first. Each pass consumes the largest prefix of the remaining
// elements divisible by its width and hands the rest to the next pass; the
// final pass has width 1 and takes any tail. Within a pass the prefix is cut
// into tiles of Size elements (only the last tile may be shorter), each tile
// is fanned out over the worker pool and joined before the next tile starts,
// so a Stager sees complete tiles in ascending offset order.
package tile

import (
	"fmt"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/simd"
)

// DefaultSize is the default tile length in elements.
const DefaultSize = 256

// Span is the unit of work handed to a Kernel: the element range [Lo, Hi)
// processed in blocks of Width. Hi-Lo is always a multiple of Width.
type Span struct {
	Lo, Hi int
	Width  int

	// TileStart is the offset of the tile containing the span.
	TileStart int
	// Stage receives the demoted parameters of the tile, indexed from
	// TileStart. It is nil when no device copy is in progress.
	Stage []float16.Float16
}

// Kernel applies an update rule to every index of a span. Implementations
// must treat indices independently; spans of one tile run concurrently.
type Kernel interface {
	Apply(s Span)
}

// Stager receives tiles for the double-buffered device copy.
type Stager interface {
	// Stage returns a buffer of at least n elements for the tile starting at
	// start, blocking until that buffer's previous copy has completed. A nil
	// result disables staging for the tile.
	Stage(start, n int) []float16.Float16
	// Flush ships the staged tile. It is called only after a non-nil Stage.
	Flush(start, n int)
}

// Config controls the executor.
type Config struct {
	Size     int        // Tile length; a positive multiple of simd.MaxBlock.
	Level    simd.Level // Capability level shaping the width passes.
	Workers  int        // Worker goroutines per tile; 0 uses GOMAXPROCS, 1 runs inline.
	MinChunk int        // Minimum elements per worker chunk.
}

// DefaultConfig returns a config for the running CPU.
func DefaultConfig() Config {
	return Config{
		Size:     DefaultSize,
		Level:    simd.Current(),
		Workers:  0,
		MinChunk: 64,
	}
}

// Executor runs kernels over tiled passes. An Executor is safe for concurrent
// use by calls on distinct buffers.
type Executor struct {
	size     int
	level    simd.Level
	passes   []int
	minChunk int
	pool     *workerpool.Pool
}

// New validates cfg and starts the worker pool.
func New(cfg Config) (*Executor, error) {
	if cfg.Size <= 0 || cfg.Size%simd.MaxBlock != 0 {
		return nil, fmt.Errorf("tile size %d must be a positive multiple of %d", cfg.Size, simd.MaxBlock)
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = 64
	}

	e := &Executor{
		size:     cfg.Size,
		level:    cfg.Level,
		passes:   cfg.Level.Passes(),
		minChunk: cfg.MinChunk,
	}
	e.pool = workerpool.New(cfg.Workers)
	return e, nil
}

// Size returns the tile length.
func (e *Executor) Size() int { return e.size }

// Level returns the capability level.
func (e *Executor) Level() simd.Level { return e.level }

// Workers returns the number of workers a tile fans out to.
func (e *Executor) Workers() int { return e.pool.NumWorkers() }

// Close stops the worker pool.
func (e *Executor) Close() { e.pool.Close() }

// Run applies k to every index of [0, n) exactly once and returns the number
// of indices visited, which is always n. st may be nil.
func (e *Executor) Run(n int, k Kernel, st Stager) int {
	done := 0
	for _, w := range e.passes {
		remaining := n - done
		rounded := remaining - remaining%w
		if rounded == 0 {
			continue
		}
		e.pass(done, done+rounded, w, k, st)
		done += rounded
	}
	return done
}

func (e *Executor) pass(lo, hi, width int, k Kernel, st Stager) {
	for t := lo; t < hi; t += e.size {
		end := min(t+e.size, hi)

		var stage []float16.Float16
		if st != nil {
			stage = st.Stage(t, end-t)
		}

		e.fanOut(t, end, width, func(a, b int) {
			k.Apply(Span{Lo: a, Hi: b, Width: width, TileStart: t, Stage: stage})
		})

		if stage != nil {
			st.Flush(t, end-t)
		}
	}
}

// fanOut calls fn over [lo, hi) split into chunks of at least minChunk
// elements. Chunk boundaries fall on multiples of width from lo, so every
// chunk of a width-aligned range stays width-aligned. Ranges shorter than two
// chunks run inline on the caller.
func (e *Executor) fanOut(lo, hi, width int, fn func(lo, hi int)) {
	n := hi - lo
	if n <= 0 {
		return
	}
	workers := e.pool.NumWorkers()
	if workers <= 1 || n < 2*e.minChunk {
		fn(lo, hi)
		return
	}

	batch := max((n+workers-1)/workers, e.minChunk)
	batch = (batch + width - 1) / width * width
	e.pool.ParallelForAtomicBatched(n, batch, func(a, b int) {
		fn(lo+a, lo+b)
	})
}
