package he

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanthreddybontha/CKKS-LLM-sub000/pkg/testvec"
)

func TestSquare(t *testing.T) {
	tc := setup(t)

	sq, err := tc.k.Square(tc.encrypt(t, []float64{1, -2, 3, 0.5}), tc.evk)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{1, 4, 9, 0.25}, tc.decrypt(t, sq), 1e-3)
}

func TestPolynomial(t *testing.T) {
	tc := setup(t)
	x := testvec.Uniform("poly/x", 16, -2, 2)

	testCases := []struct {
		name      string
		coeffs    []float64
		wantDepth int
	}{
		{"constant", []float64{3}, 0},
		{"linear", []float64{0.5, -1.5}, 1},
		{"quadratic", []float64{0.5, -1, 0.25}, 2},
		{"integer leading coefficient", []float64{1, 2, 1}, 1},
		{"trailing zeros", []float64{-1, 0.75, 0, 0}, 1},
	}

	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			ct := tc.encrypt(t, x)
			out, err := tc.k.Polynomial(ct, c.coeffs, tc.evk)
			require.NoError(t, err)
			assert.Equal(t, ct.Level()-c.wantDepth, out.Level())

			want := make([]float64, len(x))
			for i, v := range x {
				want[i] = EvalPolynomial(c.coeffs, v)
			}
			checkCloseEnough(t, want, tc.decrypt(t, out), 1e-3)
		})
	}
}

func TestPolynomialErrors(t *testing.T) {
	tc := setup(t)
	ct := tc.encrypt(t, []float64{0.5, 0.25})

	_, err := tc.k.Polynomial(ct, nil, tc.evk)
	assert.ErrorIs(t, err, DimensionMismatch)

	// Three levels are needed and the test parameters have two.
	_, err = tc.k.Polynomial(ct, []float64{0, 0, 0, 0.5}, tc.evk)
	assert.ErrorIs(t, err, LevelExhausted)
}

func TestEvalPolynomial(t *testing.T) {
	assert.Equal(t, 0.0, EvalPolynomial(nil, 3))
	assert.Equal(t, 16.0, EvalPolynomial([]float64{1, 2, 1}, 3))
	assert.InDelta(t, -0.5, EvalPolynomial([]float64{0.5, -1, 0.25}, 2), 1e-12)
}
