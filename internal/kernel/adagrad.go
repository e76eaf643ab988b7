package kernel

import (
	"github.com/23skdu/longbow-stepper/internal/precision"
	"github.com/23skdu/longbow-stepper/internal/simd"
	"github.com/23skdu/longbow-stepper/internal/tile"
)

// AdagradKernel applies an Adagrad rule to parameter, gradient and variance
// buffers of equal length.
type AdagradKernel struct {
	Rule     Adagrad
	Params   precision.Buffer
	Grads    precision.Buffer
	Variance []float32

	// StoreUpdate writes the applied step back into Grads.
	StoreUpdate bool
}

// Apply implements tile.Kernel.
func (k *AdagradKernel) Apply(s tile.Span) {
	if s.Width <= 1 {
		k.scalar(s)
		return
	}

	var pBuf, gBuf [simd.MaxBlock]float32
	for b := s.Lo; b < s.Hi; b += s.Width {
		p := pBuf[:s.Width]
		g := gBuf[:s.Width]
		v := k.Variance[b : b+s.Width]

		k.Params.LoadSpan(b, p)
		k.Grads.LoadSpan(b, g)
		for j := range p {
			p[j], v[j], g[j] = k.Rule.Apply(p[j], g[j], v[j])
		}
		k.Params.StoreSpan(b, p)
		if k.StoreUpdate {
			k.Grads.StoreSpan(b, g)
		}
		if s.Stage != nil {
			off := b - s.TileStart
			simd.DemoteSpan(p, s.Stage[off:off+s.Width])
		}
	}
}

func (k *AdagradKernel) scalar(s tile.Span) {
	for i := s.Lo; i < s.Hi; i++ {
		p, v, step := k.Rule.Apply(k.Params.Load(i), k.Grads.Load(i), k.Variance[i])
		k.Params.Store(i, p)
		k.Variance[i] = v
		if k.StoreUpdate {
			k.Grads.Store(i, step)
		}
		if s.Stage != nil {
			s.Stage[i-s.TileStart] = simd.Demote(p)
		}
	}
}
