package optimizer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-stepper/internal/config"
	"github.com/23skdu/longbow-stepper/internal/device"
	"github.com/23skdu/longbow-stepper/internal/kernel"
	"github.com/23skdu/longbow-stepper/internal/precision"
	"github.com/23skdu/longbow-stepper/internal/tile"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	cfg.SIMDLevel = "medium"
	cfg.Workers = 2
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func adagradArgs(step uint64, params, grads, accum []float32) StepArgs {
	return StepArgs{
		Step:   step,
		LR:     0.01,
		Eps:    1e-8,
		Params: precision.FromFloat32(params),
		Grads:  precision.FromFloat32(grads),
		Accum:  accum,
	}
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestNewRegistryRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.TileSize = 100
	_, err := NewRegistry(cfg)
	assert.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Create(7, DefaultHyper(Adagrad)))
	st, ok := r.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, int32(7), st.Handle)
	assert.Equal(t, -1, st.N)
	assert.Equal(t, 1, r.Len())

	r.Destroy(7)
	_, ok = r.Lookup(7)
	assert.False(t, ok)

	err := r.Step(ctx, 7, adagradArgs(1, filled(4, 1), filled(4, 0.1), filled(4, 0)))
	assert.ErrorIs(t, err, ErrNotFound)

	// Destroying an absent handle is not an error.
	r.Destroy(7)
	r.Destroy(99)
	assert.Equal(t, 0, r.Len())
}

func TestCreateReplacesState(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(3, DefaultHyper(Adagrad)))
	require.NoError(t, r.Step(context.Background(), 3, adagradArgs(5, filled(4, 1), filled(4, 0.1), filled(4, 0))))

	st, _ := r.Lookup(3)
	assert.Equal(t, uint64(5), st.Step)
	assert.Equal(t, 4, st.N)

	require.NoError(t, r.Create(3, DefaultHyper(Momentum)))
	st, _ = r.Lookup(3)
	assert.Equal(t, Momentum, st.Hyper.Family)
	assert.Equal(t, uint64(0), st.Step)
	assert.Equal(t, -1, st.N)
	assert.Equal(t, 1, r.Len())
}

func TestAdagradStepScenario(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(1, Hyper{Family: Adagrad, LR: 0.01, Eps: 1e-8}))

	params, grads, variance := []float32{1.0}, []float32{0.1}, []float32{0}
	require.NoError(t, r.Step(context.Background(), 1, adagradArgs(1, params, grads, variance)))

	assert.InDelta(t, 0.01, variance[0], 1e-9)
	assert.InDelta(t, 0.99, params[0], 1e-6)
	assert.Equal(t, float32(0.1), grads[0], "grads untouched without StoreUpdate")

	st, _ := r.Lookup(1)
	assert.Equal(t, uint64(1), st.Step)
	assert.Equal(t, 1, st.N)
}

func TestMomentumStepScenario(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(2, Hyper{Family: Momentum, LR: 1e-3, WeightDecay: 0.001, Beta: 0.9}))

	st, _ := r.Lookup(2)
	assert.Equal(t, DefaultScale, st.Hyper.Scale)

	params := []float32{2.0}
	mom := []float32{0.5}
	err := r.Step(context.Background(), 2, StepArgs{
		Step:        1,
		LR:          1e-3,
		WeightDecay: 0.001,
		Params:      precision.FromFloat32(params),
		Grads:       precision.FromFloat16([]float16.Float16{float16.Fromfloat32(1.0)}),
		Accum:       mom,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.4532, mom[0], 1e-6)
	assert.InDelta(t, 1.9995468, params[0], 1e-6)
}

func TestStepOverwritesHyperparameters(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(4, Hyper{Family: Adagrad, LR: 0.5, Eps: 1e-3, WeightDecay: 0.2}))

	args := adagradArgs(2, filled(8, 1), filled(8, 0.1), filled(8, 0))
	args.LR, args.Eps, args.WeightDecay = 0.25, 1e-6, 0
	require.NoError(t, r.Step(context.Background(), 4, args))

	st, _ := r.Lookup(4)
	assert.Equal(t, 0.25, st.Hyper.LR)
	assert.Equal(t, 1e-6, st.Hyper.Eps)
	assert.Equal(t, 0.0, st.Hyper.WeightDecay)
	assert.Equal(t, uint64(2), st.Step)
}

func TestStepCounterNeverDecreases(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))

	require.NoError(t, r.Step(ctx, 1, adagradArgs(10, filled(2, 1), filled(2, 0), filled(2, 0))))
	require.NoError(t, r.Step(ctx, 1, adagradArgs(10, filled(2, 1), filled(2, 0), filled(2, 0))))

	params := filled(2, 1)
	err := r.Step(ctx, 1, adagradArgs(9, params, filled(2, 1), filled(2, 0)))
	assert.ErrorIs(t, err, ErrInvalidHyperparameter)
	assert.Equal(t, filled(2, 1), params)

	st, _ := r.Lookup(1)
	assert.Equal(t, uint64(10), st.Step)
}

func TestLengthMismatchLeavesBuffersUntouched(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))

	tests := []struct {
		name   string
		params int
		grads  int
		accum  int
		shadow int
	}{
		{"short grads", 8, 7, 8, -1},
		{"long accumulator", 8, 8, 9, -1},
		{"shadow length", 8, 8, 8, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, grads, accum := filled(tt.params, 1), filled(tt.grads, 0.5), filled(tt.accum, 0)
			args := adagradArgs(1, params, grads, accum)
			if tt.shadow >= 0 {
				args.Device = device.NewHostShadow(tt.shadow, 0)
			}
			err := r.Step(ctx, 1, args)
			require.ErrorIs(t, err, ErrLengthMismatch)
			assert.Equal(t, filled(tt.params, 1), params)
			assert.Equal(t, filled(tt.grads, 0.5), grads)
			assert.Equal(t, filled(tt.accum, 0), accum)
		})
	}

	st, _ := r.Lookup(1)
	assert.Equal(t, uint64(0), st.Step, "failed steps commit nothing")
	assert.Equal(t, -1, st.N)
}

func TestEstablishedLengthIsFixed(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))
	require.NoError(t, r.Step(ctx, 1, adagradArgs(1, filled(16, 1), filled(16, 0.1), filled(16, 0))))

	params := filled(17, 1)
	err := r.Step(ctx, 1, adagradArgs(2, params, filled(17, 0.1), filled(17, 0)))
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Equal(t, filled(17, 1), params)

	st, _ := r.Lookup(1)
	assert.Equal(t, 16, st.N)
	assert.Equal(t, uint64(1), st.Step)
}

func TestInvalidHyperparameters(t *testing.T) {
	r := newRegistry(t)

	bad := []Hyper{
		{Family: Adagrad, LR: 0.01, Eps: -1e-8},
		{Family: Adagrad, LR: math.NaN(), Eps: 1e-8},
		{Family: Adagrad, LR: -0.1, Eps: 1e-8},
		{Family: Adagrad, LR: 0.01, Eps: 1e-8, WeightDecay: math.Inf(1)},
		{Family: Momentum, LR: 0.01, Beta: 1.5},
		{Family: Momentum, LR: 0.01, Beta: 0.9, Scale: math.NaN()},
		{Family: Family(9), LR: 0.01},
	}
	for i, h := range bad {
		err := r.Create(int32(i), h)
		assert.ErrorIs(t, err, ErrInvalidHyperparameter, "case %d", i)
	}
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))
	args := adagradArgs(1, filled(2, 1), filled(2, 0.1), filled(2, 0))
	args.Eps = -1
	assert.ErrorIs(t, r.Step(context.Background(), 1, args), ErrInvalidHyperparameter)
	assert.Equal(t, filled(2, 1), args.Params.ToFloat32())

	// Buffers with no precision tag are rejected too.
	args = adagradArgs(1, filled(2, 1), filled(2, 0.1), filled(2, 0))
	args.Grads = precision.Buffer{}
	assert.ErrorIs(t, r.Step(context.Background(), 1, args), ErrInvalidHyperparameter)
}

func TestAdagradZeroEpsilonRejected(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	err := r.Create(1, Hyper{Family: Adagrad, LR: 0.01, Eps: 0})
	assert.ErrorIs(t, err, ErrInvalidHyperparameter)
	_, ok := r.Lookup(1)
	assert.False(t, ok)

	// A frozen element (zero gradient, zero variance) would divide 0 by 0.
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))
	params, grads, accum := filled(4, 1), filled(4, 0), filled(4, 0)
	args := adagradArgs(1, params, grads, accum)
	args.Eps = 0
	assert.ErrorIs(t, r.Step(ctx, 1, args), ErrInvalidHyperparameter)
	assert.Equal(t, filled(4, 1), params)
	assert.Equal(t, filled(4, 0), accum)

	// The same element with a positive epsilon is a fixed point.
	args.Eps = 1e-8
	require.NoError(t, r.Step(ctx, 1, args))
	assert.Equal(t, filled(4, 1), params)

	// Momentum never divides, so eps = 0 stays valid there.
	assert.NoError(t, r.Create(2, Hyper{Family: Momentum, LR: 1e-3, Beta: 0.9, Eps: 0}))
}

func TestNegativeWeightDecayIsIgnored(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(1, Hyper{Family: Adagrad, LR: 0.1, Eps: 1e-8, WeightDecay: -0.5}))
	require.NoError(t, r.Create(2, Hyper{Family: Adagrad, LR: 0.1, Eps: 1e-8}))

	a := adagradArgs(1, filled(4, 2), filled(4, 0.3), filled(4, 0))
	a.LR, a.WeightDecay = 0.1, -0.5
	b := adagradArgs(1, filled(4, 2), filled(4, 0.3), filled(4, 0))
	b.LR = 0.1
	require.NoError(t, r.Step(ctx, 1, a))
	require.NoError(t, r.Step(ctx, 2, b))
	assert.Equal(t, b.Params.ToFloat32(), a.Params.ToFloat32())
	assert.Equal(t, b.Accum, a.Accum)
}

func TestStoreUpdateWritesStepIntoGrads(t *testing.T) {
	r := newRegistry(t)
	h := DefaultHyper(Adagrad)
	h.StoreUpdate = true
	require.NoError(t, r.Create(1, h))

	n := 300
	params, grads := filled(n, 1), filled(n, 0.1)
	before := append([]float32(nil), params...)
	require.NoError(t, r.Step(context.Background(), 1, adagradArgs(1, params, grads, filled(n, 0))))

	for i := range params {
		require.Equal(t, params[i], before[i]+grads[i], "index %d", i)
	}
}

func TestStepMatchesReference(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))

	n := 10*tile.DefaultSize + 7
	params := make([]float32, n)
	grads := make([]float32, n)
	for i := range params {
		params[i] = float32(i%17) * 0.125
		grads[i] = float32(i%5) - 2
	}
	refParams := append([]float32(nil), params...)
	refVar := make([]float32, n)
	variance := make([]float32, n)

	require.NoError(t, r.Step(ctx, 1, adagradArgs(1, params, grads, variance)))

	ref := &kernel.AdagradKernel{
		Rule:     kernel.Adagrad{LR: 0.01, Eps: 1e-8},
		Params:   precision.FromFloat32(refParams),
		Grads:    precision.FromFloat32(grads),
		Variance: refVar,
	}
	kernel.Reference(ref, n)

	diff, idx := kernel.MaxAbsDiff(params, refParams)
	assert.Equal(t, float32(0), diff, "first difference at %d", idx)
	diff, _ = kernel.MaxAbsDiff(variance, refVar)
	assert.Equal(t, float32(0), diff)
}

func TestStepSyncsDeviceShadow(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(1, DefaultHyper(Momentum)))

	n := 5*tile.DefaultSize + 3
	params := filled(n, 1.5)
	grads := make([]float16.Float16, n)
	for i := range grads {
		grads[i] = float16.Fromfloat32(float32(i%7) - 3)
	}
	shadow := device.NewHostShadow(n, 0)

	err := r.Step(context.Background(), 1, StepArgs{
		Step:        1,
		LR:          1e-3,
		WeightDecay: 1e-3,
		Params:      precision.FromFloat32(params),
		Grads:       precision.FromFloat16(grads),
		Accum:       make([]float32, n),
		Device:      shadow,
	})
	require.NoError(t, err)

	snap := shadow.Snapshot()
	for i := range params {
		require.Equal(t, float16.Fromfloat32(params[i]), snap[i], "index %d", i)
	}
}

type brokenShadow struct{ n int }

func (b brokenShadow) Len() int { return b.n }

func (b brokenShadow) CopyAsync(ctx context.Context, offset int, src []float16.Float16) <-chan error {
	out := make(chan error, 1)
	out <- errors.New("link down")
	return out
}

func TestDeviceSyncErrorKeepsHostUpdate(t *testing.T) {
	r := newRegistry(t)
	require.NoError(t, r.Create(1, DefaultHyper(Adagrad)))

	n := 4 * tile.DefaultSize
	params := filled(n, 1)
	args := adagradArgs(3, params, filled(n, 0.1), filled(n, 0))
	args.Device = brokenShadow{n: n}

	err := r.Step(context.Background(), 1, args)
	require.ErrorIs(t, err, ErrDeviceSync)
	assert.Contains(t, err.Error(), "link down")

	for i := range params {
		require.InDelta(t, 0.99, params[i], 1e-6, "index %d", i)
	}
	st, _ := r.Lookup(1)
	assert.Equal(t, uint64(3), st.Step)
}

func TestHandlesAndStates(t *testing.T) {
	r := newRegistry(t)
	for _, h := range []int32{9, -2, 4} {
		require.NoError(t, r.Create(h, DefaultHyper(Adagrad)))
	}
	assert.Equal(t, []int32{-2, 4, 9}, r.Handles())

	states := r.States()
	require.Len(t, states, 3)
	assert.Equal(t, int32(-2), states[0].Handle)
	assert.Equal(t, int32(9), states[2].Handle)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("sgd")
	require.NoError(t, err)
	assert.Equal(t, Momentum, f)
	f, err = ParseFamily("adagrad")
	require.NoError(t, err)
	assert.Equal(t, Adagrad, f)
	_, err = ParseFamily("adam")
	assert.Error(t, err)
	assert.Equal(t, "momentum", Momentum.String())
}
