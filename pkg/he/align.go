package he

import (
	"log/slog"
	"math"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
)

// Manager keeps operands at a common scale and level before binary
// operations.
//
// Ciphertexts returned by Align and Normalize may share their polynomials
// with the inputs when only metadata changed. Kernels never write into
// their inputs, so the sharing is not observable through this package.
type Manager struct {
	be        *Backend
	tolerance float64
	log       *slog.Logger
}

// NewManager returns a Manager using be's scale tolerance.
func NewManager(be *Backend) *Manager {
	return &Manager{
		be:        be,
		tolerance: be.cfg.ScaleTolerance,
		log:       be.log.With("component", "align"),
	}
}

// Align returns copies of a and b at the same level and scale. The
// operand with the higher level is switched down; on a scale mismatch
// within tolerance, the switched operand (b when levels were equal) takes
// the other's scale.
func (m *Manager) Align(a, b *Ciphertext) (*Ciphertext, *Ciphertext, error) {
	if a == nil || b == nil {
		return nil, nil, newError(BackendError, "Align", "input ciphertexts cannot be nil")
	}
	if a.LogDimensions != b.LogDimensions {
		return nil, nil, newError(DimensionMismatch, "Align", "operand periods differ: 2^%d vs 2^%d",
			a.LogDimensions.Cols, b.LogDimensions.Cols).at(a.Ciphertext)
	}

	moveA := false
	var err error
	switch {
	case a.Level() > b.Level():
		moveA = true
		if a, err = m.be.ModSwitch(a, b.Level()); err != nil {
			return nil, nil, err
		}
	case b.Level() > a.Level():
		if b, err = m.be.ModSwitch(b, a.Level()); err != nil {
			return nil, nil, err
		}
	}

	if a.Scale.Cmp(b.Scale) == 0 {
		return a, b, nil
	}

	r := scaleRatio(a.Scale, b.Scale)
	if math.Abs(r-1) > m.tolerance {
		return nil, nil, newError(ScaleDriftExceeded, "Align", "tolerance %g", m.tolerance).at(a.Ciphertext).ratio(r)
	}
	m.log.Debug("scale override", "ratio", r, "level", a.Level())
	if moveA {
		return withScale(a, b.Scale), b, nil
	}
	return a, withScale(b, a.Scale), nil
}

// AlignPlain returns pt encoded at ct's scale, level and period. pt is
// returned as is when it already matches.
func (m *Manager) AlignPlain(ct *Ciphertext, pt *Plaintext) (*Plaintext, error) {
	if ct == nil || pt == nil {
		return nil, newError(BackendError, "AlignPlain", "operands cannot be nil")
	}
	return m.reencode("AlignPlain", pt, ct.Scale, ct.Level(), ct.LogDimensions.Cols)
}

// MulOperand returns pt encoded at ct's level and period with the scale of
// the prime the next rescale divides by, so that mul_plain followed by
// rescale returns exactly to ct's scale.
func (m *Manager) MulOperand(ct *Ciphertext, pt *Plaintext) (*Plaintext, error) {
	if ct == nil || pt == nil {
		return nil, newError(BackendError, "MulOperand", "operands cannot be nil")
	}
	return m.reencode("MulOperand", pt, m.RescaleScale(ct.Level()), ct.Level(), ct.LogDimensions.Cols)
}

// RescaleScale is the product of the primes a rescale at level drops.
func (m *Manager) RescaleScale(level int) rlwe.Scale {
	q := m.be.params.Q()
	scale := rlwe.NewScale(q[level])
	for i := 1; i < m.be.params.LevelsConsumedPerRescaling() && level-i >= 0; i++ {
		scale = scale.Mul(rlwe.NewScale(q[level-i]))
	}
	return scale
}

func (m *Manager) reencode(op string, pt *Plaintext, scale rlwe.Scale, level, logSlots int) (*Plaintext, error) {
	if pt.Level() == level && pt.Scale.Cmp(scale) == 0 && pt.LogDimensions.Cols == logSlots {
		return pt, nil
	}
	if pt.values == nil {
		return nil, newError(BackendError, op, "plaintext carries no source values to re-encode").expect(level)
	}

	var v Vector
	if pt.Layout.Shape == Replicated {
		v = m.be.packer.Replicated(pt.values[0], logSlots)
	} else {
		period := 1 << logSlots
		for _, p := range pt.Layout.Positions() {
			if p >= period {
				return nil, newError(DimensionMismatch, op, "plaintext position %d outside period %d", p, period).expect(level)
			}
		}
		values := make([]float64, period)
		copy(values, pt.values)
		layout := pt.Layout
		layout.LogSlots = logSlots
		v = Vector{Values: values, Layout: layout}
	}
	return m.be.Encode(v, scale, level)
}

// RequireLevel fails with LevelExhausted when ct is below level min.
func (m *Manager) RequireLevel(op string, ct *Ciphertext, min int) error {
	if ct.Level() < min {
		return newError(LevelExhausted, op, "multiplicative depth exhausted").at(ct.Ciphertext).expect(min)
	}
	return nil
}

// Normalize sets ct's scale metadata to nominal when the two differ by at
// most the tolerance.
func (m *Manager) Normalize(ct *Ciphertext, nominal rlwe.Scale) (*Ciphertext, error) {
	if ct.Scale.Cmp(nominal) == 0 {
		return ct, nil
	}
	r := scaleRatio(ct.Scale, nominal)
	if math.Abs(r-1) > m.tolerance {
		return nil, newError(ScaleDriftExceeded, "Normalize", "tolerance %g", m.tolerance).at(ct.Ciphertext).ratio(r)
	}
	return withScale(ct, nominal), nil
}

// withScale returns a ciphertext sharing ct's polynomials with its scale
// metadata replaced.
func withScale(ct *Ciphertext, scale rlwe.Scale) *Ciphertext {
	md := ct.MetaData.CopyNew()
	md.Scale = scale
	return &Ciphertext{
		Ciphertext: &rlwe.Ciphertext{Element: rlwe.Element[ring.Poly]{MetaData: md, Value: ct.Value}},
		Layout:     ct.Layout,
	}
}

// withLogSlots returns a ciphertext sharing ct's polynomials read with the
// longer period 2^logSlots. The sparse packing repeats with the shorter
// period, so every slot keeps its value.
func withLogSlots(ct *Ciphertext, logSlots int) *Ciphertext {
	md := ct.MetaData.CopyNew()
	md.LogDimensions.Cols = logSlots
	layout := ct.Layout
	layout.LogSlots = logSlots
	return &Ciphertext{
		Ciphertext: &rlwe.Ciphertext{Element: rlwe.Element[ring.Poly]{MetaData: md, Value: ct.Value}},
		Layout:     layout,
	}
}
