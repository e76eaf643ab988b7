package device

import (
	"sync"
	"sync/atomic"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/metrics"
)

// StagingPool recycles reduced-precision staging buffers by length so that
// repeated steps over the same vector do not reallocate. A nil pool allocates
// on every Get and drops every Put.
type StagingPool struct {
	mu      sync.Mutex
	idle    map[int][][]float16.Float16
	maxIdle int

	allocatedBytes atomic.Int64
}

// NewStagingPool keeps at most maxIdle idle buffers per length.
func NewStagingPool(maxIdle int) *StagingPool {
	return &StagingPool{
		idle:    make(map[int][][]float16.Float16),
		maxIdle: maxIdle,
	}
}

func (p *StagingPool) traceAlloc(delta int64) {
	if p == nil {
		return
	}
	metrics.RecordStagingBytes(p.allocatedBytes.Add(delta))
}

// AllocatedBytes reports the bytes held by buffers handed out or idle in the pool.
func (p *StagingPool) AllocatedBytes() int64 {
	if p == nil {
		return 0
	}
	return p.allocatedBytes.Load()
}

// Get returns a buffer of exactly n elements.
func (p *StagingPool) Get(n int) []float16.Float16 {
	if p == nil {
		return make([]float16.Float16, n)
	}
	p.mu.Lock()
	free := p.idle[n]
	if len(free) > 0 {
		buf := free[len(free)-1]
		p.idle[n] = free[:len(free)-1]
		p.mu.Unlock()
		metrics.RecordStagingAlloc(true)
		return buf
	}
	p.mu.Unlock()

	metrics.RecordStagingAlloc(false)
	p.traceAlloc(int64(n * 2))
	return make([]float16.Float16, n)
}

// Put returns buf to the pool. Buffers beyond the idle limit are released.
func (p *StagingPool) Put(buf []float16.Float16) {
	if p == nil || buf == nil {
		return
	}
	n := len(buf)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle[n]) >= p.maxIdle {
		p.traceAlloc(-int64(n * 2))
		return
	}
	p.idle[n] = append(p.idle[n], buf)
}

// Idle returns the number of idle buffers of length n.
func (p *StagingPool) Idle(n int) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[n])
}

// Free drops every idle buffer.
func (p *StagingPool) Free() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for n, bufs := range p.idle {
		p.traceAlloc(-int64(n * 2 * len(bufs)))
	}
	p.idle = make(map[int][][]float16.Float16)
}
