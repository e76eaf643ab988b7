// Package device keeps a reduced-precision shadow of a parameter vector in
// step with host updates.
//
// During a step each completed tile is demoted into one of two staging
// buffers and copied to the shadow asynchronously while the next tile is
// computed into the other buffer. Before a buffer is reused, its previous
// copy must have completed; at the end of the step every copy is drained.
package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x448/float16"
)

// Shadow is the destination of tile copies.
type Shadow interface {
	// Len returns the number of elements in the shadow.
	Len() int
	// CopyAsync starts copying src to the shadow at offset. The returned
	// channel yields exactly one value once the copy has completed or failed.
	// src must not be modified until then.
	CopyAsync(ctx context.Context, offset int, src []float16.Float16) <-chan error
}

// HostShadow is an in-memory Shadow. Copies run on their own goroutine after
// an optional simulated latency.
type HostShadow struct {
	mu      sync.RWMutex
	data    []float16.Float16
	latency time.Duration
	copies  atomic.Int64
}

// NewHostShadow allocates a shadow of n elements.
func NewHostShadow(n int, latency time.Duration) *HostShadow {
	return &HostShadow{
		data:    make([]float16.Float16, n),
		latency: latency,
	}
}

func (h *HostShadow) Len() int { return len(h.data) }

// Copies returns the number of completed copies.
func (h *HostShadow) Copies() int64 { return h.copies.Load() }

func (h *HostShadow) CopyAsync(ctx context.Context, offset int, src []float16.Float16) <-chan error {
	done := make(chan error, 1)
	if offset < 0 || offset+len(src) > len(h.data) {
		done <- fmt.Errorf("copy [%d, %d) out of range for shadow of %d", offset, offset+len(src), len(h.data))
		return done
	}

	go func() {
		if h.latency > 0 {
			select {
			case <-time.After(h.latency):
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		} else if err := ctx.Err(); err != nil {
			done <- err
			return
		}

		h.mu.Lock()
		copy(h.data[offset:], src)
		h.mu.Unlock()
		h.copies.Add(1)
		done <- nil
	}()
	return done
}

// Snapshot returns a copy of the shadow contents.
func (h *HostShadow) Snapshot() []float16.Float16 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]float16.Float16, len(h.data))
	copy(out, h.data)
	return out
}
