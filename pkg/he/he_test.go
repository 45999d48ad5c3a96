package he

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// testContext is shared by the HE tests. Key generation dominates the
// setup cost, so it happens once per test binary.
type testContext struct {
	params ckks.Parameters
	keys   KeyPair
	be     *Backend
	k      *Kernels
	// evk holds the relinearization key and Galois keys for every power
	// of two, which Rotate can compose into any amount.
	evk *EvalKeys
	// relinOnly has no Galois keys at all.
	relinOnly *EvalKeys
}

var (
	sharedOnce sync.Once
	shared     *testContext
	sharedErr  error
)

func setup(t *testing.T) *testContext {
	t.Helper()
	sharedOnce.Do(func() {
		params, err := GetCKKSParameters(TestSet)
		if err != nil {
			sharedErr = err
			return
		}
		kp := GenKeyPair(params)
		evk, err := GenEvalKeys(params, kp.Secret, PowerOfTwoRotations(params.MaxSlots()))
		if err != nil {
			sharedErr = err
			return
		}
		relinOnly, err := GenEvalKeys(params, kp.Secret, nil)
		if err != nil {
			sharedErr = err
			return
		}
		be := NewBackend(params, kp, Config{})
		shared = &testContext{
			params:    params,
			keys:      kp,
			be:        be,
			k:         NewKernels(be),
			evk:       evk,
			relinOnly: relinOnly,
		}
	})
	require.NoError(t, sharedErr, "failed to set up the HE test context")
	return shared
}

// checkCloseEnough compares two slices element-wise within epsilon.
func checkCloseEnough(t *testing.T, want, got []float64, epsilon float64) bool {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("checkCloseEnough: slices have different lengths (%d vs %d)", len(want), len(got))
		return false
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > epsilon {
			t.Errorf("checkCloseEnough: mismatch at index %d. Expected %f, got %f (diff %g > epsilon %g)",
				i, want[i], got[i], math.Abs(want[i]-got[i]), epsilon)
			return false
		}
	}
	return true
}

func (tc *testContext) encrypt(t *testing.T, values []float64) *Ciphertext {
	t.Helper()
	ct, err := tc.be.EncryptDense(values)
	require.NoError(t, err)
	return ct
}

func (tc *testContext) decrypt(t *testing.T, ct *Ciphertext) []float64 {
	t.Helper()
	v, err := tc.be.DecryptVector(ct)
	require.NoError(t, err)
	return Unpack(v)
}

func TestKernelErrorIsKind(t *testing.T) {
	err := newError(LevelExhausted, "Mul", "multiplicative depth exhausted").expect(1)
	err.Level = 0

	assert.True(t, errors.Is(err, LevelExhausted))
	assert.False(t, errors.Is(err, ScaleDriftExceeded))

	var ke *KernelError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, 0, ke.Level)
	assert.Equal(t, 1, ke.ExpectedLevel)
	assert.Contains(t, err.Error(), "Mul: level exhausted")
	assert.Contains(t, err.Error(), "level=0 expected_level=1")
}

func TestKernelErrorDiagnostics(t *testing.T) {
	testCases := []struct {
		name     string
		err      *KernelError
		contains []string
	}{
		{
			name:     "scale ratio",
			err:      newError(ScaleDriftExceeded, "Align", "tolerance 0.001").ratio(1.5),
			contains: []string{"scale drift exceeded", "scale_ratio=1.5"},
		},
		{
			name: "rotation",
			err: func() *KernelError {
				e := newError(MissingRotationKey, "Rotate", "no key")
				e.Rotation = -3
				return e
			}(),
			contains: []string{"missing rotation key", "rotation=-3"},
		},
		{
			name:     "wrapped",
			err:      newError(BackendError, "Encode", "").wrap(errors.New("boom")),
			contains: []string{"Encode: backend error", ": boom"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			for _, s := range tc.contains {
				assert.Contains(t, tc.err.Error(), s)
			}
		})
	}

	wrapped := newError(BackendError, "Encode", "").wrap(errInner)
	assert.ErrorIs(t, wrapped, errInner)
	assert.Equal(t, "ErrorKind(42)", ErrorKind(42).String())
}

var errInner = errors.New("inner")

func TestDefaultConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 1e-3, cfg.ScaleTolerance)
	assert.Equal(t, 10.0, cfg.PrecisionThreshold)
	assert.Positive(t, cfg.Workers)
	assert.NotNil(t, cfg.Logger)

	custom := Config{ScaleTolerance: 1e-6, Workers: 3}.withDefaults()
	assert.Equal(t, 1e-6, custom.ScaleTolerance)
	assert.Equal(t, 3, custom.Workers)
}
