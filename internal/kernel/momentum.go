package kernel

import (
	"github.com/23skdu/longbow-stepper/internal/precision"
	"github.com/23skdu/longbow-stepper/internal/simd"
	"github.com/23skdu/longbow-stepper/internal/tile"
)

// MomentumKernel applies a momentum-SGD rule. Grads is normally half
// precision; full precision gradients are accepted and scaled the same way.
type MomentumKernel struct {
	Rule     Momentum
	Params   precision.Buffer
	Grads    precision.Buffer
	Momentum []float32
}

// Apply implements tile.Kernel.
func (k *MomentumKernel) Apply(s tile.Span) {
	if s.Width <= 1 {
		for i := s.Lo; i < s.Hi; i++ {
			p, m := k.Rule.Apply(k.Params.Load(i), k.Grads.Load(i), k.Momentum[i])
			k.Params.Store(i, p)
			k.Momentum[i] = m
			if s.Stage != nil {
				s.Stage[i-s.TileStart] = simd.Demote(p)
			}
		}
		return
	}

	var pBuf, gBuf [simd.MaxBlock]float32
	for b := s.Lo; b < s.Hi; b += s.Width {
		p := pBuf[:s.Width]
		g := gBuf[:s.Width]
		m := k.Momentum[b : b+s.Width]

		k.Params.LoadSpan(b, p)
		k.Grads.LoadSpan(b, g)
		for j := range p {
			p[j], m[j] = k.Rule.Apply(p[j], g[j], m[j])
		}
		k.Params.StoreSpan(b, p)
		if s.Stage != nil {
			off := b - s.TileStart
			simd.DemoteSpan(p, s.Stage[off:off+s.Width])
		}
	}
}
