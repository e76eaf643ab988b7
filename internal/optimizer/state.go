package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-stepper/internal/metrics"
)

// Family selects the element update rule of an optimizer.
type Family int

const (
	Adagrad Family = iota
	Momentum
)

func (f Family) String() string {
	switch f {
	case Adagrad:
		return "adagrad"
	case Momentum:
		return "momentum"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// ParseFamily maps "adagrad" or "momentum" (alias "sgd") to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "adagrad":
		return Adagrad, nil
	case "momentum", "sgd":
		return Momentum, nil
	default:
		return 0, fmt.Errorf("unknown optimizer family %q", s)
	}
}

// DefaultScale is the gradient scale of the momentum rule when none is set.
const DefaultScale = 0.03

// Hyper holds the hyperparameters of one optimizer instance.
type Hyper struct {
	Family      Family
	LR          float64
	Eps         float64
	WeightDecay float64

	// Momentum only.
	Beta  float64
	Scale float64 // zero selects DefaultScale

	// StoreUpdate makes Adagrad write the applied step back into the
	// gradient buffer.
	StoreUpdate bool
}

// DefaultHyper returns the customary hyperparameters for f.
func DefaultHyper(f Family) Hyper {
	switch f {
	case Momentum:
		return Hyper{Family: Momentum, LR: 1e-3, Eps: 1e-8, WeightDecay: 1e-3, Beta: 0.9, Scale: DefaultScale}
	default:
		return Hyper{Family: Adagrad, LR: 1e-2, Eps: 1e-8}
	}
}

func (h *Hyper) normalize() {
	if h.Family == Momentum && h.Scale == 0 {
		h.Scale = DefaultScale
	}
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Validate reports the first out-of-range field. Weight decay <= 0 is
// accepted and disables decay. Adagrad needs eps > 0 to keep its
// denominator positive.
func (h Hyper) Validate() error {
	switch h.Family {
	case Adagrad, Momentum:
	default:
		return fmt.Errorf("%w: unknown family %d", ErrInvalidHyperparameter, int(h.Family))
	}
	if !finite(h.LR) || h.LR < 0 {
		return fmt.Errorf("%w: learning rate %v (must be finite and non-negative)", ErrInvalidHyperparameter, h.LR)
	}
	if !finite(h.Eps) || h.Eps < 0 {
		return fmt.Errorf("%w: epsilon %v (must be finite and non-negative)", ErrInvalidHyperparameter, h.Eps)
	}
	if h.Family == Adagrad && h.Eps == 0 {
		return fmt.Errorf("%w: adagrad epsilon must be positive", ErrInvalidHyperparameter)
	}
	if !finite(h.WeightDecay) {
		return fmt.Errorf("%w: weight decay %v (must be finite)", ErrInvalidHyperparameter, h.WeightDecay)
	}
	if h.Family == Momentum {
		if !finite(h.Beta) || h.Beta < 0 || h.Beta > 1 {
			return fmt.Errorf("%w: beta %v (must be in [0, 1])", ErrInvalidHyperparameter, h.Beta)
		}
		if !finite(h.Scale) {
			return fmt.Errorf("%w: scale %v (must be finite)", ErrInvalidHyperparameter, h.Scale)
		}
	}
	return nil
}

// State is a read-only view of one optimizer instance.
type State struct {
	Handle int32
	Hyper  Hyper
	Step   uint64
	// N is the established buffer length, -1 before the first step.
	N int
}

// instance is the mutable per-handle record. mu guards the fields, not the
// buffers a step runs over.
type instance struct {
	mu     sync.Mutex
	handle int32
	hyper  Hyper
	step   uint64
	n      int
}

func (in *instance) view() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return State{Handle: in.handle, Hyper: in.hyper, Step: in.step, N: in.n}
}

// admit validates a step against the instance and, only if every check
// passes, commits its hyperparameters, counter and length.
func (in *instance) admit(args StepArgs) (Hyper, int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	h := in.hyper
	h.LR, h.Eps, h.WeightDecay = args.LR, args.Eps, args.WeightDecay
	if err := h.Validate(); err != nil {
		metrics.RecordValidationError("step", "invalid_hyperparameter")
		return Hyper{}, 0, err
	}
	if args.Step < in.step {
		metrics.RecordValidationError("step", "invalid_hyperparameter")
		return Hyper{}, 0, fmt.Errorf("%w: step %d is behind %d", ErrInvalidHyperparameter, args.Step, in.step)
	}
	n, err := checkLengths(in, args)
	if err != nil {
		return Hyper{}, 0, err
	}

	in.hyper = h
	in.step = args.Step
	in.n = n
	return h, n, nil
}

func checkLengths(in *instance, args StepArgs) (int, error) {
	if !args.Params.Valid() || !args.Grads.Valid() {
		metrics.RecordValidationError("step", "invalid_hyperparameter")
		return 0, fmt.Errorf("%w: params and grads must be full or half precision buffers", ErrInvalidHyperparameter)
	}

	n := args.Params.Len()
	mismatch := func(what string, got int) error {
		metrics.RecordValidationError("step", "length_mismatch")
		return fmt.Errorf("%w: %s has %d elements, params has %d", ErrLengthMismatch, what, got, n)
	}
	if in.n >= 0 && n != in.n {
		metrics.RecordValidationError("step", "length_mismatch")
		return 0, fmt.Errorf("%w: params has %d elements, established length is %d", ErrLengthMismatch, n, in.n)
	}
	if got := args.Grads.Len(); got != n {
		return 0, mismatch("grads", got)
	}
	if got := len(args.Accum); got != n {
		return 0, mismatch("accumulator", got)
	}
	if args.Device != nil {
		if got := args.Device.Len(); got != n {
			return 0, mismatch("device shadow", got)
		}
	}
	return n, nil
}

