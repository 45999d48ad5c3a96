// Package testvec produces deterministic pseudo-random vectors and
// matrices. Each stream is keyed by a label, so a test asking for
// "conv/x" always gets the same values regardless of call order.
package testvec

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Seed derives a 64-bit seed from label with SHAKE256.
func Seed(label string) uint64 {
	var buf [8]byte
	sha3.ShakeSum256(buf[:], []byte(label))
	return binary.LittleEndian.Uint64(buf[:])
}

// Uniform returns n values drawn uniformly from [lo, hi).
func Uniform(label string, n int, lo, hi float64) []float64 {
	dist := distuv.Uniform{Min: lo, Max: hi, Src: rand.NewSource(Seed(label))}
	out := make([]float64, n)
	for i := range out {
		out[i] = dist.Rand()
	}
	return out
}

// Matrix returns a rows x cols matrix drawn uniformly from [lo, hi).
func Matrix(label string, rows, cols int, lo, hi float64) [][]float64 {
	flat := Uniform(label, rows*cols, lo, hi)
	out := make([][]float64, rows)
	for i := range out {
		out[i] = flat[i*cols : (i+1)*cols]
	}
	return out
}

// Ramp returns 1, 2, ..., n.
func Ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}
