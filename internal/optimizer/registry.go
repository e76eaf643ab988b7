// Package optimizer owns the lifecycle of optimizer instances addressed by
// integer handle: create, step and destroy.
//
// A Registry is safe for concurrent use across distinct handles. Calls that
// target the same handle must be serialized by the caller.
package optimizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/23skdu/longbow-stepper/internal/config"
	"github.com/23skdu/longbow-stepper/internal/device"
	"github.com/23skdu/longbow-stepper/internal/kernel"
	"github.com/23skdu/longbow-stepper/internal/logger"
	"github.com/23skdu/longbow-stepper/internal/metrics"
	"github.com/23skdu/longbow-stepper/internal/precision"
	"github.com/23skdu/longbow-stepper/internal/simd"
	"github.com/23skdu/longbow-stepper/internal/tile"
)

// StepArgs are the per-call inputs of Step.
type StepArgs struct {
	Step        uint64
	LR          float64
	Eps         float64
	WeightDecay float64

	Params precision.Buffer
	Grads  precision.Buffer
	// Accum is the variance (Adagrad) or momentum (Momentum) accumulator.
	Accum []float32

	// Device, when set, receives the demoted parameters tile by tile.
	Device device.Shadow
}

// Registry maps handles to optimizer instances and runs their steps on a
// shared tiled executor. Build one with NewRegistry and release it with Close.
type Registry struct {
	mu     sync.RWMutex
	states map[int32]*instance

	exec    *tile.Executor
	staging *device.StagingPool
	log     *logger.Logger
}

// NewRegistry validates cfg and starts the executor's worker pool.
func NewRegistry(cfg config.Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tc, err := cfg.Tile()
	if err != nil {
		return nil, err
	}
	exec, err := tile.New(tc)
	if err != nil {
		return nil, err
	}
	return &Registry{
		states:  make(map[int32]*instance),
		exec:    exec,
		staging: device.NewStagingPool(cfg.StagingPoolSize),
		log:     logger.Log.With("registry"),
	}, nil
}

// Close stops the worker pool and releases idle staging buffers.
func (r *Registry) Close() {
	r.exec.Close()
	r.staging.Free()
}

// Level returns the capability level steps run at.
func (r *Registry) Level() simd.Level { return r.exec.Level() }

// TileSize returns the tile length in elements.
func (r *Registry) TileSize() int { return r.exec.Size() }

// Create installs a fresh instance under handle, replacing any existing one.
func (r *Registry) Create(handle int32, h Hyper) error {
	h.normalize()
	if err := h.Validate(); err != nil {
		metrics.RecordValidationError("create", "invalid_hyperparameter")
		return fmt.Errorf("create optimizer %d: %w", handle, err)
	}

	r.mu.Lock()
	_, replaced := r.states[handle]
	r.states[handle] = &instance{handle: handle, hyper: h, n: -1}
	active := len(r.states)
	r.mu.Unlock()

	metrics.SetActiveOptimizers(active)
	r.log.Info("optimizer created",
		"handle", handle,
		"family", h.Family.String(),
		"simd", r.exec.Level().String(),
		"lr", h.LR,
		"eps", h.Eps,
		"weight_decay", h.WeightDecay,
		"replaced", replaced)
	return nil
}

// Destroy removes handle. Destroying an absent handle is a no-op.
func (r *Registry) Destroy(handle int32) {
	r.mu.Lock()
	_, ok := r.states[handle]
	delete(r.states, handle)
	active := len(r.states)
	r.mu.Unlock()

	if ok {
		metrics.SetActiveOptimizers(active)
		r.log.Info("optimizer destroyed", "handle", handle)
	}
}

// Lookup returns a snapshot of handle's state.
func (r *Registry) Lookup(handle int32) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.states[handle]
	if !ok {
		return State{}, false
	}
	return in.view(), true
}

// Handles returns the registered handles in ascending order.
func (r *Registry) Handles() []int32 {
	r.mu.RLock()
	out := make([]int32, 0, len(r.states))
	for h := range r.states {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// States returns snapshots of every instance ordered by handle.
func (r *Registry) States() []State {
	handles := r.Handles()
	out := make([]State, 0, len(handles))
	for _, h := range handles {
		if st, ok := r.Lookup(h); ok {
			out = append(out, st)
		}
	}
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

func (r *Registry) get(handle int32) (*instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.states[handle]
	return in, ok
}

// Step applies one update to the buffers in args. Every validation happens
// before any element is touched. A device copy failure is reported as
// ErrDeviceSync after the host update has completed.
func (r *Registry) Step(ctx context.Context, handle int32, args StepArgs) error {
	in, ok := r.get(handle)
	if !ok {
		metrics.RecordValidationError("step", "not_found")
		return fmt.Errorf("step optimizer %d: %w", handle, ErrNotFound)
	}

	h, n, err := in.admit(args)
	if err != nil {
		return fmt.Errorf("step optimizer %d: %w", handle, err)
	}

	var st tile.Stager
	var ring *device.Ring
	if args.Device != nil {
		ring = device.NewRing(ctx, args.Device, r.exec.Size(), r.staging)
		st = ring
	}

	t0 := time.Now()
	r.exec.Run(n, h.Kernel(args.Params, args.Grads, args.Accum), st)

	var syncErr error
	if ring != nil {
		if err := ring.Drain(); err != nil {
			syncErr = fmt.Errorf("step optimizer %d: %w: %w", handle, ErrDeviceSync, err)
		}
	}
	elapsed := time.Since(t0)

	metrics.RecordStep(h.Family.String(), r.exec.Level().String(), n, elapsed)
	r.log.Debug("optimizer step",
		"handle", handle,
		"step", args.Step,
		"n", n,
		"device", args.Device != nil,
		"elapsed", elapsed)
	return syncErr
}

// Kernel binds h's update rule to a set of buffers.
func (h Hyper) Kernel(params, grads precision.Buffer, accum []float32) tile.Kernel {
	wd := float32(h.WeightDecay)
	if h.Family == Momentum {
		return &kernel.MomentumKernel{
			Rule: kernel.Momentum{
				LR:          float32(h.LR),
				WeightDecay: wd,
				Beta:        float32(h.Beta),
				Scale:       float32(h.Scale),
			},
			Params:   params,
			Grads:    grads,
			Momentum: accum,
		}
	}
	return &kernel.AdagradKernel{
		Rule:        kernel.Adagrad{LR: float32(h.LR), Eps: float32(h.Eps), WeightDecay: wd},
		Params:      params,
		Grads:       grads,
		Variance:    accum,
		StoreUpdate: h.StoreUpdate,
	}
}
