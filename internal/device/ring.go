package device

import (
	"context"
	"fmt"
	"time"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/logger"
	"github.com/23skdu/longbow-stepper/internal/metrics"
)

type slot struct {
	buf      []float16.Float16
	done     <-chan error
	start    int
	inFlight bool
}

// Ring is a two-slot staging ring feeding a Shadow. It implements
// tile.Stager and must be driven from a single goroutine.
//
// A Ring lives for exactly one step: it is built before the executor runs and
// drained before the step returns. tile.Stager carries no context, so ctx is
// the step's context, held for the ring's lifetime and handed to every copy.
type Ring struct {
	ctx    context.Context
	shadow Shadow
	pool   *StagingPool
	log    *logger.Logger

	slots  [2]slot
	active int
	copies int
	err    error
}

// NewRing acquires two staging buffers of tileSize elements from pool.
func NewRing(ctx context.Context, shadow Shadow, tileSize int, pool *StagingPool) *Ring {
	r := &Ring{
		ctx:    ctx,
		shadow: shadow,
		pool:   pool,
		log:    logger.Log.With("device"),
	}
	for i := range r.slots {
		r.slots[i].buf = pool.Get(tileSize)
	}
	return r
}

// Stage returns the active buffer, first waiting for its previous copy.
// After any copy has failed it returns nil so no further copies are issued.
func (r *Ring) Stage(start, n int) []float16.Float16 {
	if r.err != nil {
		return nil
	}
	s := &r.slots[r.active]
	if s.inFlight {
		r.wait(s)
		if r.err != nil {
			return nil
		}
	}
	if n > len(s.buf) {
		r.err = fmt.Errorf("tile [%d, %d) exceeds staging buffer of %d", start, start+n, len(s.buf))
		return nil
	}
	return s.buf[:n]
}

// Flush issues the copy of the active buffer and switches slots.
func (r *Ring) Flush(start, n int) {
	s := &r.slots[r.active]
	s.done = r.shadow.CopyAsync(r.ctx, start, s.buf[:n])
	s.start = start
	s.inFlight = true
	r.copies++
	metrics.RecordDeviceCopy(n * 2)
	r.active ^= 1
}

func (r *Ring) wait(s *slot) {
	t0 := time.Now()
	err := <-s.done
	metrics.RecordDeviceWait(time.Since(t0))
	s.inFlight = false
	s.done = nil
	if err != nil {
		metrics.RecordDeviceCopyFailure()
		if r.err == nil {
			r.err = fmt.Errorf("copy of tile at offset %d: %w", s.start, err)
		}
	}
}

// Drain waits for every outstanding copy, returns the staging buffers to the
// pool and reports the first copy failure.
func (r *Ring) Drain() error {
	for i := range r.slots {
		if r.slots[i].inFlight {
			r.wait(&r.slots[i])
		}
	}
	for i := range r.slots {
		r.pool.Put(r.slots[i].buf)
		r.slots[i].buf = nil
	}
	if r.err != nil {
		r.log.Error("device sync failed", "copies", r.copies, "error", r.err)
		return r.err
	}
	r.log.Debug("device sync drained", "copies", r.copies)
	return nil
}

// Copies returns the number of copies issued so far.
func (r *Ring) Copies() int { return r.copies }
