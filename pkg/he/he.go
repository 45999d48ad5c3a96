// Package he implements vector and matrix kernels over CKKS ciphertexts:
// addition, element-wise multiplication, dot product, 1-D and 2-D
// convolution and matrix multiplication.
//
// Kernels are written against Backend, which wraps the lattigo primitives.
// Operands are aligned to a common scale and level before every binary
// operation by a Manager, and every failure is reported as a *KernelError.
package he

import (
	"context"
	"io"
	"log/slog"
	"math"
	"runtime"

	"github.com/tuneinsight/lattigo/v6/schemes/ckks"

	"github.com/sumanthreddybontha/CKKS-LLM-sub000/pkg/he/params"
)

// Re-export types from params package
type ParameterSetIdentifier = params.ParameterSetIdentifier

const (
	AddSet     = params.AddSet
	MulSet     = params.MulSet
	DotSet     = params.DotSet
	ConvSet    = params.ConvSet
	MatMulSet  = params.MatMulSet
	DefaultSet = params.DefaultSet
	TestSet    = params.TestSet
)

// GetCKKSParameters returns the parameters of a named set.
func GetCKKSParameters(paramSetID ParameterSetIdentifier) (ckks.Parameters, error) {
	return params.GetCKKSParameters(paramSetID)
}

// Config tunes the kernels. Zero fields take the defaults of DefaultConfig.
type Config struct {
	// ScaleTolerance is the largest relative scale difference |a/b - 1|
	// that alignment resolves by overriding scale metadata.
	ScaleTolerance float64
	// PrecisionThreshold is the number of bits of absolute precision below
	// which a decrypted result is flagged.
	PrecisionThreshold float64
	// Workers bounds the goroutines used by the chunk driver and the
	// parallel matrix product.
	Workers int
	// Logger receives debug records for each kernel and warnings for
	// flagged results.
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		ScaleTolerance:     1e-3,
		PrecisionThreshold: 10,
		Workers:            runtime.GOMAXPROCS(0),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ScaleTolerance <= 0 {
		c.ScaleTolerance = d.ScaleTolerance
	}
	if c.PrecisionThreshold <= 0 {
		c.PrecisionThreshold = d.PrecisionThreshold
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// Kernels runs the kernel algorithms on a Backend.
type Kernels struct {
	be  *Backend
	mgr *Manager
	log *slog.Logger
}

// NewKernels returns the kernels for be, sharing its configuration.
func NewKernels(be *Backend) *Kernels {
	return &Kernels{
		be:  be,
		mgr: NewManager(be),
		log: be.log.With("component", "kernels"),
	}
}

// Backend returns the backend the kernels run on.
func (k *Kernels) Backend() *Backend { return k.be }

// Manager returns the scale and level manager used between operations.
func (k *Kernels) Manager() *Manager { return k.mgr }

func (k *Kernels) trace(op string, ct *Ciphertext) {
	if ct == nil || !k.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	k.log.Debug(op,
		"level", ct.Level(),
		"log_scale", math.Log2(ct.Scale.Float64()),
		"budget", k.be.NoiseBudget(ct),
		"len", ct.Layout.Len,
	)
}
