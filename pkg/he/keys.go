package he

import (
	"fmt"
	"sort"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// KeyPair holds the secret and public keys. Secret may be nil on a backend
// that only encrypts and evaluates.
type KeyPair struct {
	Secret *rlwe.SecretKey
	Public *rlwe.PublicKey
}

// GenKeyPair samples a fresh secret key and its public key.
func GenKeyPair(params ckks.Parameters) KeyPair {
	kgen := rlwe.NewKeyGenerator(params)
	sk := kgen.GenSecretKeyNew()
	return KeyPair{Secret: sk, Public: kgen.GenPublicKeyNew(sk)}
}

// EvalKeys bundles the relinearization key and the Galois keys of the
// rotations that were requested. It is read-only after construction and
// safe to share across goroutines.
type EvalKeys struct {
	set       *rlwe.MemEvaluationKeySet
	slots     int
	rotations map[int]bool
}

// GenEvalKeys generates the relinearization key and one Galois key per
// distinct rotation (normalized modulo the slot count; zero is skipped).
func GenEvalKeys(params ckks.Parameters, sk *rlwe.SecretKey, rotations []int) (*EvalKeys, error) {
	if sk == nil {
		return nil, fmt.Errorf("GenEvalKeys: secret key cannot be nil")
	}
	kgen := rlwe.NewKeyGenerator(params)
	rlk := kgen.GenRelinearizationKeyNew(sk)

	slots := params.MaxSlots()
	keys := &EvalKeys{slots: slots, rotations: make(map[int]bool)}

	var galKeys []*rlwe.GaloisKey
	for _, r := range NormalizeRotations(rotations, slots) {
		galKeys = append(galKeys, kgen.GenGaloisKeyNew(params.GaloisElement(r), sk))
		keys.rotations[r] = true
	}
	keys.set = rlwe.NewMemEvaluationKeySet(rlk, galKeys...)
	return keys, nil
}

// HasRotation reports whether a Galois key exists for a rotation by r.
func (k *EvalKeys) HasRotation(r int) bool {
	if k == nil {
		return false
	}
	return k.rotations[mod(r, k.slots)]
}

// Rotations returns the keyed rotations in ascending order.
func (k *EvalKeys) Rotations() []int {
	if k == nil {
		return nil
	}
	out := make([]int, 0, len(k.rotations))
	for r := range k.rotations {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// NormalizeRotations reduces each rotation modulo slots, drops zeros and
// duplicates, and sorts the result.
func NormalizeRotations(rotations []int, slots int) []int {
	seen := make(map[int]bool, len(rotations))
	out := make([]int, 0, len(rotations))
	for _, r := range rotations {
		r = mod(r, slots)
		if r == 0 || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// RotationsForDot returns the rotate-and-sum steps 1, 2, ..., m/2 with
// m the next power of two of n.
func RotationsForDot(n int) []int {
	var out []int
	for r := 1; r < nextPow2(n); r <<= 1 {
		out = append(out, r)
	}
	return out
}

// RotationsForConv1D returns the tap offsets 1..K-1.
func RotationsForConv1D(taps int) []int {
	var out []int
	for j := 1; j < taps; j++ {
		out = append(out, j)
	}
	return out
}

// RotationsForConv2D returns the offsets i*rowWidth+j of a kh x kw kernel.
func RotationsForConv2D(kh, kw, rowWidth int) []int {
	var out []int
	for i := 0; i < kh; i++ {
		for j := 0; j < kw; j++ {
			if i == 0 && j == 0 {
				continue
			}
			out = append(out, i*rowWidth+j)
		}
	}
	return out
}

// RotationsForMatMul returns the rotations a product of an M x K matrix by a
// K x N matrix needs under the given strategy. For StrategyDiagonal the
// encrypted side is A unless mirrored is set; StrategyAuto returns the
// union of both.
func RotationsForMatMul(shape MatMulShape, strategy Strategy, mirrored bool) []int {
	switch strategy {
	case StrategyRows:
		return RotationsForDot(shape.K)
	case StrategyDiagonal:
		var out []int
		if mirrored {
			w := shape.stride(true)
			for u := -(shape.M - 1); u < shape.K; u++ {
				if u != 0 {
					out = append(out, u*w)
				}
			}
			return out
		}
		for d := -(shape.N - 1); d < shape.K; d++ {
			if d != 0 {
				out = append(out, d)
			}
		}
		return out
	default:
		return append(RotationsForDot(shape.K), RotationsForMatMul(shape, StrategyDiagonal, mirrored)...)
	}
}

// PowerOfTwoRotations returns 1, 2, 4, ... below slots. Keys for these let
// Rotate reach any amount by decomposition.
func PowerOfTwoRotations(slots int) []int {
	var out []int
	for r := 1; r < slots; r <<= 1 {
		out = append(out, r)
	}
	return out
}

func mod(a, m int) int {
	a %= m
	if a < 0 {
		a += m
	}
	return a
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func log2Ceil(n int) int {
	l := 0
	for 1<<l < n {
		l++
	}
	return l
}
