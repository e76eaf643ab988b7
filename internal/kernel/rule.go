// Package kernel holds the per-element update rules of the supported optimizer
// families and the kernels that apply them to tiles of precision buffers.
//
// Every product is wrapped in an explicit float32 conversion, which rules out
// fused multiply-add contraction. The scalar and blocked paths agree bit for bit.
package kernel

import "math"

// Adagrad is the Adagrad element rule.
//
//	g' = g + p·wd        (only when wd > 0)
//	v' = v + g'²
//	p' = p − lr · g / (sqrt(v') + eps)
//
// The numerator keeps the raw gradient g while the accumulator sees the
// decayed g'.
type Adagrad struct {
	LR          float32
	Eps         float32
	WeightDecay float32
}

// Apply returns the new parameter, the new variance and the applied step
// (update·(−lr)) for one element.
func (a Adagrad) Apply(p, g, v float32) (float32, float32, float32) {
	stepSize := -a.LR
	momentum := g

	if a.WeightDecay > 0 {
		g = float32(p*a.WeightDecay) + g
	}
	v = v + float32(g*g)

	denom := float32(math.Sqrt(float64(v))) + a.Eps
	update := momentum / denom
	step := float32(update * stepSize)

	return step + p, v, step
}

// Momentum is the momentum-SGD element rule for scaled half precision
// gradients.
//
//	g  = g_raw·scale
//	g' = g + p·wd        (only when wd > 0)
//	m' = g'·(1−β) + m·β
//	p' = p − lr·m'
type Momentum struct {
	LR          float32
	WeightDecay float32
	Beta        float32
	Scale       float32
}

// Apply returns the new parameter and momentum for one element.
func (m Momentum) Apply(p, g, mom float32) (float32, float32) {
	g = float32(g * m.Scale)
	if m.WeightDecay > 0 {
		g = float32(p*m.WeightDecay) + g
	}

	oneMinusBeta := 1 - m.Beta
	mom = float32(g*oneMinusBeta) + float32(mom*m.Beta)

	return float32(mom*(-m.LR)) + p, mom
}
