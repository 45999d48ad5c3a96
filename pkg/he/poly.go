package he

// Square computes Enc(a * a). Depth 1.
func (k *Kernels) Square(a *Ciphertext, keys *EvalKeys) (*Ciphertext, error) {
	return k.Mul(a, a, keys)
}

// Polynomial evaluates p(a) = c[0] + c[1]*a + ... + c[n]*a^n slot-wise
// using Horner's method: ((c[n]*a + c[n-1])*a + ... + c[1])*a + c[0].
//
// Parameters:
//   - a: the encrypted input.
//   - coeffs: the coefficients ordered from lowest to highest degree.
//   - keys: evaluation keys holding the relinearization key.
//
// Returns:
//   - *Ciphertext: Enc(p(a)). A degree-n polynomial consumes n levels, or
//     n-1 when c[n] is an integer.
//   - error: DimensionMismatch for an empty polynomial, LevelExhausted when
//     a has too few levels left, or any kernel error.
func (k *Kernels) Polynomial(a *Ciphertext, coeffs []float64, keys *EvalKeys) (*Ciphertext, error) {
	if a == nil {
		return nil, newError(BackendError, "Polynomial", "input ciphertext cannot be nil")
	}
	// Trailing zero coefficients do not change the polynomial.
	n := len(coeffs) - 1
	for n > 0 && coeffs[n] == 0 {
		n--
	}
	if n < 0 {
		return nil, newError(DimensionMismatch, "Polynomial", "polynomial coefficients are empty")
	}

	if n == 0 {
		zero, err := k.be.MulConst(a, 0)
		if err != nil {
			return nil, err
		}
		zero.Layout = a.Layout
		return k.AddConst(zero, coeffs[0])
	}

	acc, err := k.MulConst(a, coeffs[n])
	if err != nil {
		return nil, err
	}
	for i := n - 1; i >= 0; i-- {
		if coeffs[i] != 0 {
			if acc, err = k.AddConst(acc, coeffs[i]); err != nil {
				return nil, err
			}
		}
		if i == 0 {
			break
		}
		if acc, err = k.Mul(acc, a, keys); err != nil {
			return nil, err
		}
	}
	k.trace("Polynomial", acc)
	return acc, nil
}

// EvalPolynomial evaluates the same polynomial on a plain value.
func EvalPolynomial(coeffs []float64, x float64) float64 {
	var y float64
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = y*x + coeffs[i]
	}
	return y
}
