package he

import (
	"fmt"
	"strings"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
)

// ErrorKind classifies kernel failures. An ErrorKind is itself an error so
// that callers can write errors.Is(err, he.LevelExhausted).
type ErrorKind int

const (
	// DimensionMismatch means lengths or shapes are incompatible.
	DimensionMismatch ErrorKind = iota + 1
	// MissingRotationKey means a rotation has neither a key nor a keyed decomposition.
	MissingRotationKey
	// LevelExhausted means no multiplicative depth remains.
	LevelExhausted
	// ScaleDriftExceeded means operand scales diverged beyond the override tolerance.
	ScaleDriftExceeded
	// PrecisionLost means the decoded result is below the precision threshold
	// or the noise budget ran out.
	PrecisionLost
	// BackendError wraps any other failure reported by lattigo.
	BackendError
)

func (k ErrorKind) String() string {
	switch k {
	case DimensionMismatch:
		return "dimension mismatch"
	case MissingRotationKey:
		return "missing rotation key"
	case LevelExhausted:
		return "level exhausted"
	case ScaleDriftExceeded:
		return "scale drift exceeded"
	case PrecisionLost:
		return "precision lost"
	case BackendError:
		return "backend error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) Error() string { return k.String() }

// KernelError is returned by every kernel and backend operation. Level and
// ExpectedLevel are -1 when they do not apply.
type KernelError struct {
	Kind          ErrorKind
	Op            string
	Msg           string
	Level         int
	ExpectedLevel int
	ScaleRatio    float64
	Budget        float64
	Rotation      int
	Err           error
}

func (e *KernelError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Op, e.Kind)
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	var diag []string
	if e.Level >= 0 {
		diag = append(diag, fmt.Sprintf("level=%d", e.Level))
	}
	if e.ExpectedLevel >= 0 {
		diag = append(diag, fmt.Sprintf("expected_level=%d", e.ExpectedLevel))
	}
	if e.ScaleRatio != 0 {
		diag = append(diag, fmt.Sprintf("scale_ratio=%.9g", e.ScaleRatio))
	}
	if e.Kind == PrecisionLost {
		diag = append(diag, fmt.Sprintf("budget=%.2f", e.Budget))
	}
	if e.Kind == MissingRotationKey {
		diag = append(diag, fmt.Sprintf("rotation=%d", e.Rotation))
	}
	if len(diag) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(diag, " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *KernelError) Unwrap() error { return e.Err }

// Is matches an ErrorKind target against the error's kind.
func (e *KernelError) Is(target error) bool {
	k, ok := target.(ErrorKind)
	return ok && k == e.Kind
}

func newError(kind ErrorKind, op string, format string, args ...any) *KernelError {
	return &KernelError{
		Kind:          kind,
		Op:            op,
		Msg:           fmt.Sprintf(format, args...),
		Level:         -1,
		ExpectedLevel: -1,
	}
}

// at attaches the level and scale ratio of ct (relative to nominal, when set).
func (e *KernelError) at(ct *rlwe.Ciphertext) *KernelError {
	if ct != nil {
		e.Level = ct.Level()
	}
	return e
}

func (e *KernelError) expect(level int) *KernelError {
	e.ExpectedLevel = level
	return e
}

func (e *KernelError) ratio(r float64) *KernelError {
	e.ScaleRatio = r
	return e
}

func (e *KernelError) wrap(err error) *KernelError {
	e.Err = err
	return e
}

func backendError(op string, ct *rlwe.Ciphertext, err error) *KernelError {
	return newError(BackendError, op, "").at(ct).wrap(err)
}
