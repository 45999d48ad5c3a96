package he

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"

	"github.com/sumanthreddybontha/CKKS-LLM-sub000/pkg/testvec"
)

func TestAdd(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1.1, 2.2, 3.3, 4.4, 5.5})
	b := tc.encrypt(t, []float64{2.2, 3.3, 4.4, 5.5, 6.6})

	sum, err := tc.k.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, tc.params.MaxLevel(), sum.Level(), "addition must not consume a level")
	checkCloseEnough(t, []float64{3.3, 5.5, 7.7, 9.9, 12.1}, tc.decrypt(t, sum), 1e-3)

	diff, err := tc.k.Sub(b, a)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{1.1, 1.1, 1.1, 1.1, 1.1}, tc.decrypt(t, diff), 1e-3)
}

func TestAddRandomVectors(t *testing.T) {
	tc := setup(t)

	x := testvec.Uniform("add/x", 64, -10, 10)
	y := testvec.Uniform("add/y", 64, -10, 10)
	want := make([]float64, len(x))
	for i := range x {
		want[i] = x[i] + y[i]
	}

	sum, err := tc.k.Add(tc.encrypt(t, x), tc.encrypt(t, y))
	require.NoError(t, err)
	checkCloseEnough(t, want, tc.decrypt(t, sum), 1e-3)
}

func TestAddAlignsLevels(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{0.5, 0.5, 0.5, 0.5})
	b, err := tc.k.MulConst(b, 0.5) // one level down
	require.NoError(t, err)
	require.Equal(t, tc.params.MaxLevel()-1, b.Level())

	sum, err := tc.k.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, b.Level(), sum.Level())
	checkCloseEnough(t, []float64{1.25, 2.25, 3.25, 4.25}, tc.decrypt(t, sum), 1e-3)
}

func TestAddPlaintextAfterRescale(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})
	prod, err := tc.k.Mul(a, b, tc.evk)
	require.NoError(t, err)

	// The plaintext is encoded at the top level; Add re-encodes it at the
	// product's level and scale.
	pt, err := tc.be.EncodeDense([]float64{0.5, 0.5, 0.5, 0.5})
	require.NoError(t, err)
	require.NotEqual(t, prod.Level(), pt.Level())

	out, err := tc.k.Add(prod, pt)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{2.5, 6.5, 12.5, 20.5}, tc.decrypt(t, out), 1e-3)

	out, err = tc.k.AddConst(prod, -2)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{0, 4, 10, 18}, tc.decrypt(t, out), 1e-3)
}

func TestAddDimensionMismatch(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{1, 2, 3})

	_, err := tc.k.Add(a, b)
	require.Error(t, err)
	assert.ErrorIs(t, err, DimensionMismatch)

	// Different periods cannot be aligned either.
	c := tc.encrypt(t, make([]float64, 16))
	c.Layout.Len = 4
	_, err = tc.k.Add(a, c)
	assert.ErrorIs(t, err, DimensionMismatch)
}

func TestMul(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})

	prod, err := tc.k.Mul(a, b, tc.evk)
	require.NoError(t, err)
	assert.Equal(t, tc.params.MaxLevel()-1, prod.Level(), "Mul consumes exactly one level")
	assert.Equal(t, 0, prod.Scale.Cmp(a.Scale), "Mul returns to the operand scale")
	checkCloseEnough(t, []float64{2, 6, 12, 20}, tc.decrypt(t, prod), 1e-3)
}

func TestMulPlaintext(t *testing.T) {
	tc := setup(t)

	x := testvec.Uniform("mul/x", 32, -4, 4)
	y := testvec.Uniform("mul/y", 32, -4, 4)
	want := make([]float64, len(x))
	for i := range x {
		want[i] = x[i] * y[i]
	}

	pt, err := tc.be.EncodeDense(y)
	require.NoError(t, err)

	prod, err := tc.k.Mul(tc.encrypt(t, x), pt, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, prod.Scale.Cmp(tc.params.DefaultScale()))
	checkCloseEnough(t, want, tc.decrypt(t, prod), 1e-3)

	// A second product on the rescaled ciphertext re-encodes the plaintext
	// at the lower level.
	prod, err = tc.k.Mul(prod, pt, nil)
	require.NoError(t, err)
	for i := range want {
		want[i] *= y[i]
	}
	checkCloseEnough(t, want, tc.decrypt(t, prod), 1e-2)
}

func TestMulConst(t *testing.T) {
	tc := setup(t)
	a := tc.encrypt(t, []float64{1.5, -2, 4, 0})

	tripled, err := tc.k.MulConst(a, 3)
	require.NoError(t, err)
	assert.Equal(t, a.Level(), tripled.Level(), "integer constants need no rescale")
	checkCloseEnough(t, []float64{4.5, -6, 12, 0}, tc.decrypt(t, tripled), 1e-3)

	halved, err := tc.k.MulConst(a, 0.25)
	require.NoError(t, err)
	assert.Equal(t, a.Level()-1, halved.Level())
	assert.Equal(t, 0, halved.Scale.Cmp(a.Scale))
	checkCloseEnough(t, []float64{0.375, -0.5, 1, 0}, tc.decrypt(t, halved), 1e-3)
}

func TestMulLevelExhausted(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})
	a0, err := tc.be.ModSwitch(a, 0)
	require.NoError(t, err)

	_, err = tc.k.Mul(a0, b, tc.evk)
	require.Error(t, err)
	assert.ErrorIs(t, err, LevelExhausted)

	var ke *KernelError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, 0, ke.Level)
	assert.Equal(t, 1, ke.ExpectedLevel)

	_, err = tc.k.MulConst(a0, 0.5)
	assert.ErrorIs(t, err, LevelExhausted)

	// Integer constants still work at level 0.
	_, err = tc.k.MulConst(a0, 2)
	assert.NoError(t, err)
}

func TestMulRequiresRelinearizationKey(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2})
	_, err := tc.k.Mul(a, a, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, BackendError)
}

func TestScaleDriftExceeded(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{1, 1, 1, 1})

	drifted := withScale(b, b.Scale.Mul(rlwe.NewScale(1.01)))
	_, err := tc.k.Add(a, drifted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ScaleDriftExceeded)

	var ke *KernelError
	require.True(t, errors.As(err, &ke))
	assert.InDelta(t, 1/1.01, ke.ScaleRatio, 1e-9)

	// Within tolerance the scale is overridden and the sum goes through.
	near := withScale(b, b.Scale.Mul(rlwe.NewScale(1+1e-6)))
	sum, err := tc.k.Add(a, near)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{2, 3, 4, 5}, tc.decrypt(t, sum), 1e-3)
}

func TestDot(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})

	dot, err := tc.k.Dot(a, b, 4, tc.evk)
	require.NoError(t, err)
	assert.Equal(t, 1, dot.Layout.Len)

	v, err := tc.be.DecryptVector(dot)
	require.NoError(t, err)
	require.Len(t, v.Values, 4)
	// Dense packing of 4 values has period 4, so every slot holds the sum.
	checkCloseEnough(t, []float64{40, 40, 40, 40}, v.Values, 1e-2)
}

func TestDotPlaintext(t *testing.T) {
	tc := setup(t)

	x := testvec.Uniform("dot/x", 100, -1, 1)
	y := testvec.Uniform("dot/y", 100, -1, 1)
	var want float64
	for i := range x {
		want += x[i] * y[i]
	}

	pt, err := tc.be.EncodeDense(y)
	require.NoError(t, err)

	dot, err := tc.k.Dot(tc.encrypt(t, x), pt, 100, tc.evk)
	require.NoError(t, err)
	got := tc.decrypt(t, dot)
	require.Len(t, got, 1)
	assert.InDelta(t, want, got[0], 1e-2)
}

func TestDotErrors(t *testing.T) {
	tc := setup(t)
	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})

	_, err := tc.k.Dot(a, b, 5, tc.evk)
	assert.ErrorIs(t, err, DimensionMismatch)

	_, err = tc.k.Dot(a, b, 4, tc.relinOnly)
	require.Error(t, err)
	assert.ErrorIs(t, err, MissingRotationKey)

	var ke *KernelError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, 1, ke.Rotation)
}

func TestSumAndMean(t *testing.T) {
	tc := setup(t)
	a := tc.encrypt(t, []float64{1, 2, 3, 4, 5, 6, 7, 8})

	sum, err := tc.k.Sum(a, 8, tc.evk)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{36}, tc.decrypt(t, sum), 1e-3)

	mean, err := tc.k.Mean(a, 8, tc.evk)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{4.5}, tc.decrypt(t, mean), 1e-3)

	_, err = tc.k.Sum(a, 9, tc.evk)
	assert.ErrorIs(t, err, DimensionMismatch)
}

func TestEncodeDecodeIdempotent(t *testing.T) {
	tc := setup(t)

	values := testvec.Uniform("encode", 50, -100, 100)
	v, err := tc.be.Packer().Dense(values)
	require.NoError(t, err)

	for _, level := range []int{tc.params.MaxLevel(), 0} {
		pt, err := tc.be.Encode(v, tc.params.DefaultScale(), level)
		require.NoError(t, err)
		out, err := tc.be.Decode(pt)
		require.NoError(t, err)
		checkCloseEnough(t, values, Unpack(out), 1e-6)
	}
}

func TestRotateRoundTrip(t *testing.T) {
	tc := setup(t)

	x := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	ct := tc.encrypt(t, x)

	// No key exists for 3; it decomposes into 1 + 2.
	require.False(t, tc.evk.HasRotation(3))
	rot, err := tc.be.Rotate(ct, 3, tc.evk)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{4, 5, 6, 7, 8, 1, 2, 3}, tc.decrypt(t, rot), 1e-3)

	back, err := tc.be.Rotate(rot, -3, tc.evk)
	require.NoError(t, err)
	checkCloseEnough(t, x, tc.decrypt(t, back), 1e-3)

	// Rotations are taken modulo the period.
	same, err := tc.be.Rotate(ct, 8, nil)
	require.NoError(t, err)
	checkCloseEnough(t, x, tc.decrypt(t, same), 1e-3)

	_, err = tc.be.Rotate(ct, 3, tc.relinOnly)
	assert.ErrorIs(t, err, MissingRotationKey)
}

func TestRotateWithExactKey(t *testing.T) {
	tc := setup(t)

	evk, err := GenEvalKeys(tc.params, tc.keys.Secret, []int{-1})
	require.NoError(t, err)
	require.True(t, evk.HasRotation(-1))

	ct := tc.encrypt(t, []float64{1, 2, 3, 4})
	// A rotation by 3 on a period of 4 is a rotation by -1.
	rot, err := tc.be.Rotate(ct, 3, evk)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{4, 1, 2, 3}, tc.decrypt(t, rot), 1e-3)
}
