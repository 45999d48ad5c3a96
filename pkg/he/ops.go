package he

import (
	"math"
)

// Add computes Enc(a + b), where b is either encrypted or a plaintext.
// Operands are aligned first; no rescaling happens, so the kernel has depth 0.
//
// Parameters:
//   - a: the encrypted left operand. Its layout is the layout of the result.
//   - b: a *Ciphertext or *Plaintext of the same logical length. A plaintext
//     is re-encoded at a's scale and level before the addition.
//
// Returns:
//   - *Ciphertext: Enc(a + b).
//   - error: DimensionMismatch on a length mismatch, ScaleDriftExceeded when
//     the scales cannot be reconciled, BackendError otherwise.
func (k *Kernels) Add(a *Ciphertext, b Operand) (*Ciphertext, error) {
	return k.addSub("Add", a, b, k.be.Add, k.be.AddPlain)
}

// Sub computes Enc(a - b) under the same rules as Add.
func (k *Kernels) Sub(a *Ciphertext, b Operand) (*Ciphertext, error) {
	return k.addSub("Sub", a, b, k.be.Sub, k.be.SubPlain)
}

func (k *Kernels) addSub(
	op string,
	a *Ciphertext,
	b Operand,
	ctOp func(x, y *Ciphertext) (*Ciphertext, error),
	ptOp func(x *Ciphertext, y *Plaintext) (*Ciphertext, error),
) (*Ciphertext, error) {
	if a == nil || b == nil {
		return nil, newError(BackendError, op, "operands cannot be nil")
	}
	if err := checkLengths(op, a, b); err != nil {
		return nil, err
	}

	var out *Ciphertext
	switch b := b.(type) {
	case *Ciphertext:
		x, y, err := k.mgr.Align(a, b)
		if err != nil {
			return nil, err
		}
		if out, err = ctOp(x, y); err != nil {
			return nil, err
		}
	case *Plaintext:
		pt, err := k.mgr.AlignPlain(a, b)
		if err != nil {
			return nil, err
		}
		if out, err = ptOp(a, pt); err != nil {
			return nil, err
		}
	default:
		return nil, newError(BackendError, op, "unsupported operand %T", b)
	}
	out.Layout = a.Layout
	k.trace(op, out)
	return out, nil
}

// AddConst adds c to every slot of a. The constant is encoded at a's
// current scale and level.
func (k *Kernels) AddConst(a *Ciphertext, c float64) (*Ciphertext, error) {
	if a == nil {
		return nil, newError(BackendError, "AddConst", "input ciphertext cannot be nil")
	}
	pt, err := k.be.Encode(k.be.packer.Replicated(c, a.LogDimensions.Cols), a.Scale, a.Level())
	if err != nil {
		return nil, err
	}
	out, err := k.be.AddPlain(a, pt)
	if err != nil {
		return nil, err
	}
	out.Layout = a.Layout
	return out, nil
}

// Mul computes the element-wise product Enc(a * b).
// The operation involves:
//  1. Alignment of a and b (a plaintext b is re-encoded at a's level).
//  2. Multiplication: relinearized ct*ct, or ct*pt.
//  3. Rescaling, which consumes one level.
//  4. Normalization of the scale back to a's scale when it drifted.
//
// Parameters:
//   - a: the encrypted left operand, at level 1 or above.
//   - b: a *Ciphertext or *Plaintext of the same logical length.
//   - keys: evaluation keys holding the relinearization key. May be nil
//     when b is a plaintext.
//
// Returns:
//   - *Ciphertext: Enc(a * b), one level below the aligned operands.
//   - error: LevelExhausted when a is at level 0, or any alignment or
//     backend error.
func (k *Kernels) Mul(a *Ciphertext, b Operand, keys *EvalKeys) (*Ciphertext, error) {
	if a == nil || b == nil {
		return nil, newError(BackendError, "Mul", "operands cannot be nil")
	}
	if err := checkLengths("Mul", a, b); err != nil {
		return nil, err
	}

	var prod *Ciphertext
	nominal := a.Scale
	switch b := b.(type) {
	case *Ciphertext:
		x, y, err := k.mgr.Align(a, b)
		if err != nil {
			return nil, err
		}
		if err = k.mgr.RequireLevel("Mul", x, k.be.params.LevelsConsumedPerRescaling()); err != nil {
			return nil, err
		}
		nominal = x.Scale
		if prod, err = k.be.Mul(x, y, keys); err != nil {
			return nil, err
		}
	case *Plaintext:
		if err := k.mgr.RequireLevel("Mul", a, k.be.params.LevelsConsumedPerRescaling()); err != nil {
			return nil, err
		}
		pt, err := k.mgr.MulOperand(a, b)
		if err != nil {
			return nil, err
		}
		if prod, err = k.be.MulPlain(a, pt); err != nil {
			return nil, err
		}
	default:
		return nil, newError(BackendError, "Mul", "unsupported operand %T", b)
	}

	out, err := k.be.Rescale(prod)
	if err != nil {
		return nil, err
	}
	if out, err = k.mgr.Normalize(out, nominal); err != nil {
		return nil, err
	}
	out.Layout = a.Layout
	k.trace("Mul", out)
	return out, nil
}

// MulConst computes Enc(c * a) for a plaintext scalar c.
// Integer constants need no rescale and keep a's level; other constants are
// scaled by the current prime and rescaled, consuming one level.
func (k *Kernels) MulConst(a *Ciphertext, c float64) (*Ciphertext, error) {
	if a == nil {
		return nil, newError(BackendError, "MulConst", "input ciphertext cannot be nil")
	}
	integer := c == math.Trunc(c) && math.Abs(c) < 1<<53
	if !integer {
		if err := k.mgr.RequireLevel("MulConst", a, k.be.params.LevelsConsumedPerRescaling()); err != nil {
			return nil, err
		}
	}
	out, err := k.be.MulConst(a, c)
	if err != nil {
		return nil, err
	}
	if integer {
		return out, nil
	}
	if out, err = k.be.Rescale(out); err != nil {
		return nil, err
	}
	if out, err = k.mgr.Normalize(out, a.Scale); err != nil {
		return nil, err
	}
	k.trace("MulConst", out)
	return out, nil
}

// Sum reduces the first n slots of a by rotate-and-sum: for r = 1, 2, ...,
// m/2 with m = 2^ceil(log2 n), a += rotate(a, r). Slot 0 then holds the sum
// of the first n slots; when a is packed with period m, every slot does.
func (k *Kernels) Sum(a *Ciphertext, n int, keys *EvalKeys) (*Ciphertext, error) {
	if a == nil {
		return nil, newError(BackendError, "Sum", "input ciphertext cannot be nil")
	}
	if n < 1 || n > a.Layout.Slots() {
		return nil, newError(DimensionMismatch, "Sum", "cannot reduce %d slots of a period %d", n, a.Layout.Slots()).at(a.Ciphertext)
	}

	acc := a
	m := nextPow2(n)
	for r := 1; r < m; r <<= 1 {
		rot, err := k.be.Rotate(acc, r, keys)
		if err != nil {
			return nil, err
		}
		if acc, err = k.be.Add(acc, rot); err != nil {
			return nil, err
		}
	}
	if acc == a {
		acc = a.CopyNew()
	}
	acc.Layout = Layout{Shape: Dense, Len: 1, LogSlots: a.Layout.LogSlots}
	k.trace("Sum", acc)
	return acc, nil
}

// Dot computes the inner product of two vectors of logical length n.
//
// Parameters:
//   - a: the encrypted vector.
//   - b: a *Ciphertext or *Plaintext, also of length n.
//   - n: the logical length. Slots at and beyond n must be zero.
//   - keys: relinearization key (for a ciphertext b) and the rotation keys
//     of RotationsForDot(n), or powers of two they decompose into.
//
// Returns:
//   - *Ciphertext: slot 0 holds sum_i a_i*b_i. With dense packing the
//     reduction is total and every slot holds it.
//   - error: DimensionMismatch, MissingRotationKey, LevelExhausted or
//     BackendError.
func (k *Kernels) Dot(a *Ciphertext, b Operand, n int, keys *EvalKeys) (*Ciphertext, error) {
	if a == nil || b == nil {
		return nil, newError(BackendError, "Dot", "operands cannot be nil")
	}
	if a.Layout.Len != n {
		return nil, newError(DimensionMismatch, "Dot", "vector length %d, want %d", a.Layout.Len, n).at(a.Ciphertext)
	}
	p, err := k.Mul(a, b, keys)
	if err != nil {
		return nil, err
	}
	if n == 1 {
		p.Layout = Layout{Shape: Dense, Len: 1, LogSlots: a.Layout.LogSlots}
		return p, nil
	}
	return k.Sum(p, n, keys)
}

// Mean returns Sum(a, n) / n.
func (k *Kernels) Mean(a *Ciphertext, n int, keys *EvalKeys) (*Ciphertext, error) {
	s, err := k.Sum(a, n, keys)
	if err != nil {
		return nil, err
	}
	return k.MulConst(s, 1/float64(n))
}

// checkLengths requires equal logical lengths; a replicated plaintext
// matches any length.
func checkLengths(op string, a *Ciphertext, b Operand) error {
	lb := b.layout()
	if lb.Shape == Replicated {
		return nil
	}
	if a.Layout.Len != lb.Len {
		return newError(DimensionMismatch, op, "operand lengths %d and %d", a.Layout.Len, lb.Len).at(a.Ciphertext)
	}
	return nil
}
