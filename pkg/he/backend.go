package he

import (
	"log/slog"
	"math"
	"math/big"
	"sync"

	"github.com/ALTree/bigfloat"
	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/ring"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Backend exposes the CKKS primitives the kernels are written against.
//
// A Backend is safe for concurrent use on distinct ciphertext handles: each
// call checks out a private encoder/evaluator/encryptor/decryptor set from a
// pool of shallow copies, and key material is only read.
type Backend struct {
	params ckks.Parameters
	packer *Packer
	cfg    Config
	log    *slog.Logger
	keys   KeyPair
	pool   sync.Pool
}

type worker struct {
	encoder   *ckks.Encoder
	evaluator *ckks.Evaluator
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor
}

func (w *worker) shallowCopy() *worker {
	cp := &worker{
		encoder:   w.encoder.ShallowCopy(),
		evaluator: w.evaluator.ShallowCopy(),
	}
	if w.encryptor != nil {
		cp.encryptor = w.encryptor.ShallowCopy()
	}
	if w.decryptor != nil {
		cp.decryptor = w.decryptor.ShallowCopy()
	}
	return cp
}

// NewBackend builds a Backend. keys.Public is required to encrypt and
// keys.Secret to decrypt; either may be nil if that direction is unused.
func NewBackend(params ckks.Parameters, keys KeyPair, cfg Config) *Backend {
	cfg = cfg.withDefaults()

	base := &worker{
		encoder:   ckks.NewEncoder(params),
		evaluator: ckks.NewEvaluator(params, nil),
	}
	if keys.Public != nil {
		base.encryptor = rlwe.NewEncryptor(params, keys.Public)
	}
	if keys.Secret != nil {
		base.decryptor = rlwe.NewDecryptor(params, keys.Secret)
	}

	b := &Backend{
		params: params,
		packer: NewPacker(params),
		cfg:    cfg,
		log:    cfg.Logger,
		keys:   keys,
	}
	b.pool.New = func() any { return base.shallowCopy() }
	return b
}

// Params returns the CKKS parameters of the backend.
func (b *Backend) Params() ckks.Parameters { return b.params }

// Packer returns the packer matching the backend's slot count.
func (b *Backend) Packer() *Packer { return b.packer }

// Config returns the effective configuration.
func (b *Backend) Config() Config { return b.cfg }

func (b *Backend) with(fn func(w *worker) error) error {
	w := b.pool.Get().(*worker)
	defer b.pool.Put(w)
	return fn(w)
}

func evaluatorFor(w *worker, keys *EvalKeys) *ckks.Evaluator {
	if keys == nil || keys.set == nil {
		return w.evaluator
	}
	return w.evaluator.WithKey(keys.set)
}

// Encode encodes v at the given scale and level. The plaintext period is
// v.Layout.LogSlots.
func (b *Backend) Encode(v Vector, scale rlwe.Scale, level int) (*Plaintext, error) {
	if level < 0 || level > b.params.MaxLevel() {
		return nil, newError(LevelExhausted, "Encode", "level outside [0, %d]", b.params.MaxLevel()).expect(level)
	}
	if len(v.Values) > v.Layout.Slots() {
		return nil, newError(DimensionMismatch, "Encode", "%d values for a period of %d", len(v.Values), v.Layout.Slots())
	}

	values := v.Values
	if len(values) < v.Layout.Slots() {
		values = make([]float64, v.Layout.Slots())
		copy(values, v.Values)
	}

	pt := ckks.NewPlaintext(b.params, level)
	pt.Scale = scale
	pt.LogDimensions = ring.Dimensions{Rows: 0, Cols: v.Layout.LogSlots}

	err := b.with(func(w *worker) error {
		return w.encoder.Encode(values, pt)
	})
	if err != nil {
		return nil, newError(BackendError, "Encode", "").expect(level).wrap(err)
	}
	return &Plaintext{Plaintext: pt, Layout: v.Layout, values: values}, nil
}

// Encrypt encrypts pt under the public key.
func (b *Backend) Encrypt(pt *Plaintext) (*Ciphertext, error) {
	if pt == nil {
		return nil, newError(BackendError, "Encrypt", "plaintext cannot be nil")
	}
	var ct *rlwe.Ciphertext
	err := b.with(func(w *worker) (err error) {
		if w.encryptor == nil {
			return newError(BackendError, "Encrypt", "backend has no public key")
		}
		ct, err = w.encryptor.EncryptNew(pt.Plaintext)
		return err
	})
	if err != nil {
		if ke, ok := err.(*KernelError); ok {
			return nil, ke
		}
		return nil, newError(BackendError, "Encrypt", "").wrap(err)
	}
	return &Ciphertext{Ciphertext: ct, Layout: pt.Layout}, nil
}

// EncryptVector encodes v at the default scale and top level, then encrypts.
func (b *Backend) EncryptVector(v Vector) (*Ciphertext, error) {
	pt, err := b.Encode(v, b.params.DefaultScale(), b.params.MaxLevel())
	if err != nil {
		return nil, err
	}
	return b.Encrypt(pt)
}

// EncryptDense packs values densely and encrypts them.
func (b *Backend) EncryptDense(values []float64) (*Ciphertext, error) {
	v, err := b.packer.Dense(values)
	if err != nil {
		return nil, err
	}
	return b.EncryptVector(v)
}

// EncodeDense packs values densely and encodes them at the default scale
// and top level.
func (b *Backend) EncodeDense(values []float64) (*Plaintext, error) {
	v, err := b.packer.Dense(values)
	if err != nil {
		return nil, err
	}
	return b.Encode(v, b.params.DefaultScale(), b.params.MaxLevel())
}

// Decrypt decrypts ct with the secret key.
func (b *Backend) Decrypt(ct *Ciphertext) (*Plaintext, error) {
	if ct == nil {
		return nil, newError(BackendError, "Decrypt", "ciphertext cannot be nil")
	}
	var pt *rlwe.Plaintext
	err := b.with(func(w *worker) error {
		if w.decryptor == nil {
			return newError(BackendError, "Decrypt", "backend has no secret key").at(ct.Ciphertext)
		}
		pt = w.decryptor.DecryptNew(ct.Ciphertext)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Plaintext{Plaintext: pt, Layout: ct.Layout}, nil
}

// Decode decodes pt into a Vector with the plaintext's layout.
func (b *Backend) Decode(pt *Plaintext) (Vector, error) {
	slots, err := b.decodeComplex(pt)
	if err != nil {
		return Vector{}, err
	}
	values := make([]float64, len(slots))
	for i, c := range slots {
		values[i] = real(c)
	}
	return Vector{Values: values, Layout: pt.Layout}, nil
}

func (b *Backend) decodeComplex(pt *Plaintext) ([]complex128, error) {
	if pt == nil {
		return nil, newError(BackendError, "Decode", "plaintext cannot be nil")
	}
	slots := make([]complex128, 1<<pt.LogDimensions.Cols)
	err := b.with(func(w *worker) error {
		return w.encoder.Decode(pt.Plaintext, slots)
	})
	if err != nil {
		return nil, newError(BackendError, "Decode", "").wrap(err)
	}
	return slots, nil
}

// DecryptVector decrypts and decodes ct.
func (b *Backend) DecryptVector(ct *Ciphertext) (Vector, error) {
	pt, err := b.Decrypt(ct)
	if err != nil {
		return Vector{}, err
	}
	return b.Decode(pt)
}

func (b *Backend) checkBinary(op string, x, y *rlwe.Ciphertext) error {
	if x == nil || y == nil {
		return newError(BackendError, op, "input ciphertexts cannot be nil")
	}
	if x.Level() != y.Level() {
		return newError(BackendError, op, "operand levels differ").at(x).expect(y.Level())
	}
	if x.Scale.Cmp(y.Scale) != 0 {
		return newError(BackendError, op, "operand scales differ").at(x).ratio(scaleRatio(x.Scale, y.Scale))
	}
	if x.LogDimensions != y.LogDimensions {
		return newError(BackendError, op, "operand periods differ: 2^%d vs 2^%d", x.LogDimensions.Cols, y.LogDimensions.Cols).at(x)
	}
	return nil
}

func (b *Backend) checkPlain(op string, ct *Ciphertext, pt *Plaintext) error {
	if ct == nil || pt == nil {
		return newError(BackendError, op, "operands cannot be nil")
	}
	if ct.Level() != pt.Level() {
		return newError(BackendError, op, "plaintext level differs").at(ct.Ciphertext).expect(pt.Level())
	}
	if ct.LogDimensions != pt.LogDimensions {
		return newError(BackendError, op, "operand periods differ: 2^%d vs 2^%d", ct.LogDimensions.Cols, pt.LogDimensions.Cols).at(ct.Ciphertext)
	}
	return nil
}

// Add returns a+b. Operands must share level, scale and period.
func (b *Backend) Add(x, y *Ciphertext) (*Ciphertext, error) {
	if x == nil || y == nil {
		return nil, newError(BackendError, "Add", "input ciphertexts cannot be nil")
	}
	if err := b.checkBinary("Add", x.Ciphertext, y.Ciphertext); err != nil {
		return nil, err
	}
	return b.binary("Add", x, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.AddNew(x.Ciphertext, y.Ciphertext)
	}, nil)
}

// Sub returns a-b. Operands must share level, scale and period.
func (b *Backend) Sub(x, y *Ciphertext) (*Ciphertext, error) {
	if x == nil || y == nil {
		return nil, newError(BackendError, "Sub", "input ciphertexts cannot be nil")
	}
	if err := b.checkBinary("Sub", x.Ciphertext, y.Ciphertext); err != nil {
		return nil, err
	}
	return b.binary("Sub", x, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.SubNew(x.Ciphertext, y.Ciphertext)
	}, nil)
}

// AddPlain returns ct+pt. The plaintext must sit at the ciphertext's scale
// and level.
func (b *Backend) AddPlain(ct *Ciphertext, pt *Plaintext) (*Ciphertext, error) {
	if err := b.checkPlain("AddPlain", ct, pt); err != nil {
		return nil, err
	}
	if ct.Scale.Cmp(pt.Scale) != 0 {
		return nil, newError(BackendError, "AddPlain", "plaintext scale differs").at(ct.Ciphertext).ratio(scaleRatio(ct.Scale, pt.Scale))
	}
	return b.binary("AddPlain", ct, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.AddNew(ct.Ciphertext, pt.Plaintext)
	}, nil)
}

// SubPlain returns ct-pt under the same preconditions as AddPlain.
func (b *Backend) SubPlain(ct *Ciphertext, pt *Plaintext) (*Ciphertext, error) {
	if err := b.checkPlain("SubPlain", ct, pt); err != nil {
		return nil, err
	}
	if ct.Scale.Cmp(pt.Scale) != 0 {
		return nil, newError(BackendError, "SubPlain", "plaintext scale differs").at(ct.Ciphertext).ratio(scaleRatio(ct.Scale, pt.Scale))
	}
	return b.binary("SubPlain", ct, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.SubNew(ct.Ciphertext, pt.Plaintext)
	}, nil)
}

// Mul returns the relinearized product x*y. The result is not rescaled.
func (b *Backend) Mul(x, y *Ciphertext, keys *EvalKeys) (*Ciphertext, error) {
	if x == nil || y == nil {
		return nil, newError(BackendError, "Mul", "input ciphertexts cannot be nil")
	}
	if keys == nil {
		return nil, newError(BackendError, "Mul", "relinearization key required").at(x.Ciphertext)
	}
	if x.Level() != y.Level() {
		return nil, newError(BackendError, "Mul", "operand levels differ").at(x.Ciphertext).expect(y.Level())
	}
	if x.LogDimensions != y.LogDimensions {
		return nil, newError(BackendError, "Mul", "operand periods differ").at(x.Ciphertext)
	}
	return b.binary("Mul", x, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.MulRelinNew(x.Ciphertext, y.Ciphertext)
	}, keys)
}

// MulPlain returns ct*pt. The result is not rescaled.
func (b *Backend) MulPlain(ct *Ciphertext, pt *Plaintext) (*Ciphertext, error) {
	if err := b.checkPlain("MulPlain", ct, pt); err != nil {
		return nil, err
	}
	return b.binary("MulPlain", ct, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.MulNew(ct.Ciphertext, pt.Plaintext)
	}, nil)
}

// MulConst returns c*ct. Non-integer constants are scaled by the current
// level's prime, so a following Rescale restores the input scale exactly.
func (b *Backend) MulConst(ct *Ciphertext, c float64) (*Ciphertext, error) {
	if ct == nil {
		return nil, newError(BackendError, "MulConst", "input ciphertext cannot be nil")
	}
	return b.binary("MulConst", ct, func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error) {
		return eval.MulNew(ct.Ciphertext, c)
	}, nil)
}

func (b *Backend) binary(op string, ct *Ciphertext, fn func(eval *ckks.Evaluator) (*rlwe.Ciphertext, error), keys *EvalKeys) (*Ciphertext, error) {
	var out *rlwe.Ciphertext
	err := b.with(func(w *worker) (err error) {
		out, err = fn(evaluatorFor(w, keys))
		return err
	})
	if err != nil {
		return nil, backendError(op, ct.Ciphertext, err)
	}
	return &Ciphertext{Ciphertext: out, Layout: ct.Layout}, nil
}

// Rotate rotates the slots of ct left by r (right when r is negative).
//
// The rotation is taken modulo the ciphertext's period. When no key exists
// for the amount itself, it is decomposed into keyed powers of two; if that
// also fails the error kind is MissingRotationKey.
func (b *Backend) Rotate(ct *Ciphertext, r int, keys *EvalKeys) (*Ciphertext, error) {
	if ct == nil {
		return nil, newError(BackendError, "Rotate", "input ciphertext cannot be nil")
	}
	period := 1 << ct.LogDimensions.Cols
	rr := mod(r, period)
	if rr == 0 {
		return ct.CopyNew(), nil
	}

	steps, ok := b.planRotation(rr, period, keys)
	if !ok {
		e := newError(MissingRotationKey, "Rotate", "no key for rotation and no keyed decomposition").at(ct.Ciphertext)
		e.Rotation = r
		return nil, e
	}
	if len(steps) > 1 {
		b.log.Debug("rotation decomposed", "rotation", r, "steps", steps)
	}

	out := ct.Ciphertext
	err := b.with(func(w *worker) error {
		eval := evaluatorFor(w, keys)
		for _, s := range steps {
			next, err := eval.RotateNew(out, s)
			if err != nil {
				return err
			}
			out = next
		}
		return nil
	})
	if err != nil {
		return nil, backendError("Rotate", ct.Ciphertext, err)
	}
	return &Ciphertext{Ciphertext: out, Layout: ct.Layout}, nil
}

// planRotation returns the keyed rotations whose composition equals a
// rotation by rr on a vector of the given period.
func (b *Backend) planRotation(rr, period int, keys *EvalKeys) ([]int, bool) {
	if keys == nil {
		return nil, false
	}
	keyed := func(s int) (int, bool) {
		switch {
		case keys.HasRotation(s):
			return s, true
		case keys.HasRotation(s - period):
			return s - period, true
		}
		return 0, false
	}
	if s, ok := keyed(rr); ok {
		return []int{s}, true
	}
	var steps []int
	for bit := 1; bit < period; bit <<= 1 {
		if rr&bit == 0 {
			continue
		}
		s, ok := keyed(bit)
		if !ok {
			return nil, false
		}
		steps = append(steps, s)
	}
	return steps, true
}

// Rescale divides by the last prime of the current level and drops a level.
func (b *Backend) Rescale(ct *Ciphertext) (*Ciphertext, error) {
	if ct == nil {
		return nil, newError(BackendError, "Rescale", "input ciphertext cannot be nil")
	}
	need := b.params.LevelsConsumedPerRescaling()
	if ct.Level() < need {
		return nil, newError(LevelExhausted, "Rescale", "no prime left to divide by").at(ct.Ciphertext).expect(need)
	}
	out := ct.Ciphertext.CopyNew()
	err := b.with(func(w *worker) error {
		return w.evaluator.Rescale(out, out)
	})
	if err != nil {
		return nil, backendError("Rescale", ct.Ciphertext, err)
	}
	res := &Ciphertext{Ciphertext: out, Layout: ct.Layout}
	if budget := b.NoiseBudget(res); budget <= 0 {
		e := newError(PrecisionLost, "Rescale", "scale exceeds the remaining modulus").at(out)
		e.Budget = budget
		return nil, e
	}
	return res, nil
}

// ModSwitch drops ct to the target level without changing its scale.
func (b *Backend) ModSwitch(ct *Ciphertext, level int) (*Ciphertext, error) {
	if ct == nil {
		return nil, newError(BackendError, "ModSwitch", "input ciphertext cannot be nil")
	}
	if level < 0 {
		return nil, newError(LevelExhausted, "ModSwitch", "target level below 0").at(ct.Ciphertext).expect(level)
	}
	if level > ct.Level() {
		return nil, newError(BackendError, "ModSwitch", "cannot raise a level").at(ct.Ciphertext).expect(level)
	}
	if level == ct.Level() {
		return ct.CopyNew(), nil
	}
	var out *rlwe.Ciphertext
	err := b.with(func(w *worker) error {
		out = w.evaluator.DropLevelNew(ct.Ciphertext, ct.Level()-level)
		return nil
	})
	if err != nil {
		return nil, backendError("ModSwitch", ct.Ciphertext, err)
	}
	return &Ciphertext{Ciphertext: out, Layout: ct.Layout}, nil
}

// NoiseBudget returns log2(Q_l) - log2(scale) in bits: the headroom left
// between the encoded values and the modulus at the current level.
func (b *Backend) NoiseBudget(ct *Ciphertext) float64 {
	q := new(big.Float).SetPrec(256).SetInt(b.params.QLvl(ct.Level()))
	s := new(big.Float).SetPrec(256).Set(&ct.Scale.Value)
	diff, _ := new(big.Float).Sub(bigfloat.Log(q), bigfloat.Log(s)).Float64()
	return diff / math.Ln2
}

func scaleRatio(a, b rlwe.Scale) float64 {
	return a.Float64() / b.Float64()
}
