package he

import (
	"bytes"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

func TestBackendLevelsAndBudget(t *testing.T) {
	tc := setup(t)
	ct := tc.encrypt(t, []float64{1, 2, 3, 4})
	require.Equal(t, tc.params.MaxLevel(), ct.Level())

	// Q = 55 + 40 + 40 bits and the scale is 2^40.
	assert.InDelta(t, 95, tc.be.NoiseBudget(ct), 1)

	low, err := tc.be.ModSwitch(ct, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, low.Level())
	assert.Equal(t, 0, low.Scale.Cmp(ct.Scale), "a modulus switch keeps the scale")
	assert.InDelta(t, 15, tc.be.NoiseBudget(low), 1)
	checkCloseEnough(t, []float64{1, 2, 3, 4}, tc.decrypt(t, low), 1e-3)

	_, err = tc.be.ModSwitch(low, 1)
	assert.ErrorIs(t, err, BackendError, "levels cannot be raised")
	_, err = tc.be.ModSwitch(ct, -1)
	assert.ErrorIs(t, err, LevelExhausted)

	_, err = tc.be.Rescale(low)
	assert.ErrorIs(t, err, LevelExhausted)
}

func TestBackendRescalePrecisionLost(t *testing.T) {
	tc := setup(t)
	ct := tc.encrypt(t, []float64{1, 2})

	// A scale of 2^140 at level 2 rescales to about 2^100 at level 1, above
	// Q_1 (95 bits).
	big := withScale(ct, rlwe.NewScale(math.Exp2(140)))
	_, err := tc.be.Rescale(big)
	require.Error(t, err)
	assert.ErrorIs(t, err, PrecisionLost)
}

func TestBackendCheckedPrimitives(t *testing.T) {
	tc := setup(t)
	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{1, 1, 1, 1})
	low, err := tc.be.ModSwitch(b, 1)
	require.NoError(t, err)

	_, err = tc.be.Add(a, low)
	assert.ErrorIs(t, err, BackendError, "raw Add does not align levels")

	pt, err := tc.be.EncodeDense([]float64{1, 1, 1, 1})
	require.NoError(t, err)
	_, err = tc.be.AddPlain(low, pt)
	assert.ErrorIs(t, err, BackendError)

	_, err = tc.be.Encode(Vector{Values: []float64{1}, Layout: Layout{LogSlots: 1}}, tc.params.DefaultScale(), tc.params.MaxLevel()+1)
	assert.ErrorIs(t, err, LevelExhausted)
}

func TestBackendWithoutSecretKey(t *testing.T) {
	tc := setup(t)
	public := NewBackend(tc.params, KeyPair{Public: tc.keys.Public}, Config{})

	ct, err := public.EncryptDense([]float64{1, 2, 3})
	require.NoError(t, err)
	_, err = public.Decrypt(ct)
	assert.ErrorIs(t, err, BackendError)

	// The owner of the secret key can still read it.
	checkCloseEnough(t, []float64{1, 2, 3}, tc.decrypt(t, ct), 1e-3)

	secretOnly := NewBackend(tc.params, KeyPair{Secret: tc.keys.Secret}, Config{})
	_, err = secretOnly.EncryptDense([]float64{1})
	assert.ErrorIs(t, err, BackendError)
}

func TestBackendConcurrentUse(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping concurrent backend test in short mode")
	}
	tc := setup(t)

	const goroutines = 8
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	results := make([][]float64, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			x := []float64{float64(g), 1, 2, 3}
			ct, err := tc.be.EncryptDense(x)
			if err != nil {
				errs[g] = err
				return
			}
			prod, err := tc.k.Mul(ct, ct, tc.evk)
			if err != nil {
				errs[g] = err
				return
			}
			v, err := tc.be.DecryptVector(prod)
			if err != nil {
				errs[g] = err
				return
			}
			results[g] = Unpack(v)
		}(g)
	}
	wg.Wait()

	for g := 0; g < goroutines; g++ {
		require.NoError(t, errs[g])
		checkCloseEnough(t, []float64{float64(g * g), 1, 4, 9}, results[g], 1e-3)
	}
}

func TestManagerAlign(t *testing.T) {
	tc := setup(t)
	m := tc.k.Manager()

	a := tc.encrypt(t, []float64{1, 2})
	b := tc.encrypt(t, []float64{3, 4})
	low, err := tc.be.ModSwitch(b, 0)
	require.NoError(t, err)

	x, y, err := m.Align(a, low)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Level())
	assert.Equal(t, 0, y.Level())
	assert.Equal(t, 0, x.Scale.Cmp(y.Scale))

	// A plaintext is re-encoded at the ciphertext's level and scale.
	pt, err := tc.be.EncodeDense([]float64{5, 6})
	require.NoError(t, err)
	aligned, err := m.AlignPlain(low, pt)
	require.NoError(t, err)
	assert.Equal(t, 0, aligned.Level())
	same, err := m.AlignPlain(a, pt)
	require.NoError(t, err)
	assert.Same(t, pt, same)

	// The mul operand is encoded at the prime the next rescale removes.
	mo, err := m.MulOperand(a, pt)
	require.NoError(t, err)
	assert.Equal(t, 0, mo.Scale.Cmp(m.RescaleScale(a.Level())))
	assert.Equal(t, 0, m.RescaleScale(a.Level()).Cmp(rlwe.NewScale(tc.params.Q()[a.Level()])))

	// A decrypted plaintext carries no source values and cannot move.
	dec, err := tc.be.Decrypt(a)
	require.NoError(t, err)
	_, err = m.AlignPlain(low, dec)
	assert.ErrorIs(t, err, BackendError)

	// Different periods never align.
	wide := tc.encrypt(t, make([]float64, 8))
	_, _, err = m.Align(a, wide)
	assert.ErrorIs(t, err, DimensionMismatch)
}

func TestManagerNormalize(t *testing.T) {
	tc := setup(t)
	m := tc.k.Manager()
	ct := tc.encrypt(t, []float64{1, 2})
	nominal := ct.Scale

	drifted := withScale(ct, nominal.Mul(rlwe.NewScale(1+1e-5)))
	norm, err := m.Normalize(drifted, nominal)
	require.NoError(t, err)
	assert.Equal(t, 0, norm.Scale.Cmp(nominal))
	assert.NotEqual(t, 0, drifted.Scale.Cmp(nominal), "the input is left untouched")

	_, err = m.Normalize(withScale(ct, nominal.Mul(rlwe.NewScale(2))), nominal)
	assert.ErrorIs(t, err, ScaleDriftExceeded)
}

func TestDecryptResultPrecision(t *testing.T) {
	tc := setup(t)

	a := tc.encrypt(t, []float64{1, 2, 3, 4})
	b := tc.encrypt(t, []float64{2, 3, 4, 5})
	prod, err := tc.k.Mul(a, b, tc.evk)
	require.NoError(t, err)

	res, err := tc.be.DecryptResult(prod)
	require.NoError(t, err)
	checkCloseEnough(t, []float64{2, 6, 12, 20}, res.Values, 1e-3)
	assert.Greater(t, res.LogPrecision, 10.0)
	assert.False(t, res.PrecisionWarning)
	assert.NoError(t, res.Check())
	assert.GreaterOrEqual(t, res.MeanError, 0.0)

	// The same ciphertext under a demanding threshold is flagged and logged.
	var logs bytes.Buffer
	strict := NewBackend(tc.params, tc.keys, Config{
		PrecisionThreshold: 60,
		Logger:             slog.New(slog.NewTextHandler(&logs, nil)),
	})
	res, err = strict.DecryptResult(prod)
	require.NoError(t, err)
	assert.True(t, res.PrecisionWarning)
	assert.ErrorIs(t, res.Check(), PrecisionLost)
	assert.Contains(t, logs.String(), "result below precision threshold")
}
