package he

import (
	"math"

	"github.com/montanaflynn/stats"
)

// maxLogPrecision caps the estimate when no error is measurable.
const maxLogPrecision = 64

// Result is a decrypted kernel output.
//
// Encoded data is real, so the imaginary part of every decoded slot is pure
// approximation error. LogPrecision is -log2 of the largest such error over
// the meaningful slots, an estimate of the bits of absolute precision of
// Values.
type Result struct {
	Values           []float64
	Layout           Layout
	LogPrecision     float64
	MeanError        float64
	StdDevError      float64
	PrecisionWarning bool
}

// Check returns a PrecisionLost error when the result was flagged.
func (r Result) Check() error {
	if !r.PrecisionWarning {
		return nil
	}
	e := newError(PrecisionLost, "Result", "%.2f bits of precision left", r.LogPrecision)
	e.Budget = r.LogPrecision
	return e
}

// DecryptResult decrypts ct, unpacks its meaningful values and estimates
// their precision. Results below Config.PrecisionThreshold bits are
// returned with PrecisionWarning set and logged.
func (b *Backend) DecryptResult(ct *Ciphertext) (Result, error) {
	pt, err := b.Decrypt(ct)
	if err != nil {
		return Result{}, err
	}
	slots, err := b.decodeComplex(pt)
	if err != nil {
		return Result{}, err
	}

	pos := ct.Layout.Positions()
	values := make([]float64, len(pos))
	errs := make(stats.Float64Data, len(pos))
	for i, p := range pos {
		values[i] = real(slots[p])
		errs[i] = math.Abs(imag(slots[p]))
	}

	res := Result{Values: values, Layout: ct.Layout, LogPrecision: maxLogPrecision}
	if len(errs) > 0 {
		worst, _ := errs.Max()
		res.MeanError, _ = errs.Mean()
		res.StdDevError, _ = errs.StandardDeviation()
		if worst > 0 {
			res.LogPrecision = math.Min(-math.Log2(worst), maxLogPrecision)
		}
	}

	if res.LogPrecision < b.cfg.PrecisionThreshold {
		res.PrecisionWarning = true
		b.log.Warn("result below precision threshold",
			"log_precision", res.LogPrecision,
			"threshold", b.cfg.PrecisionThreshold,
			"level", ct.Level(),
			"budget", b.NoiseBudget(ct),
		)
	}
	return res, nil
}
