package he

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Strategy selects the matrix product algorithm.
type Strategy int

const (
	// StrategyAuto follows ChooseStrategy when the operands allow it: a
	// packed operand always runs diagonally and row-separated operands
	// always run by rows.
	StrategyAuto Strategy = iota
	// StrategyRows computes every output cell as a Dot of a row of A with
	// a column of B.
	StrategyRows
	// StrategyDiagonal multiplies rotations of the packed encrypted
	// operand by generalized diagonals of the plaintext one and produces
	// the whole product in one ciphertext.
	StrategyDiagonal
)

func (s Strategy) String() string {
	switch s {
	case StrategyAuto:
		return "auto"
	case StrategyRows:
		return "rows"
	case StrategyDiagonal:
		return "diagonal"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// MatMulShape is the shape of an (M x K) by (K x N) product. Stride is the
// row stride of the packed operand for StrategyDiagonal; zero means the
// default, max(K, N) for a packed A and N for a packed B.
type MatMulShape struct {
	M, K, N int
	Stride  int
}

func (s MatMulShape) stride(mirrored bool) int {
	if s.Stride > 0 {
		return s.Stride
	}
	if mirrored {
		return s.N
	}
	return max(s.K, s.N)
}

// ChooseStrategy returns StrategyDiagonal when K*max(M, N) <= slots and the
// row-major packing of A with stride max(K, N) fits in the slots,
// StrategyRows otherwise.
func ChooseStrategy(shape MatMulShape, slots int) Strategy {
	if shape.K*max(shape.M, shape.N) <= slots && diagonalFits(shape, false, slots) {
		return StrategyDiagonal
	}
	return StrategyRows
}

// diagonalFits reports whether a diagonal product can hold its input and
// its M output rows in one ciphertext of the given slot count.
func diagonalFits(shape MatMulShape, mirrored bool, slots int) bool {
	rows := shape.M
	if mirrored {
		rows = max(shape.M, shape.K)
	}
	return rows*shape.stride(mirrored) <= slots
}

// MatrixOperand is one side of a matrix product. Exactly one of Plain,
// Vectors or Packed is set. Vectors holds the rows of A or the columns of B.
type MatrixOperand struct {
	Rows, Cols int
	Plain      [][]float64
	Vectors    []*Ciphertext
	Packed     *Ciphertext
}

// PlainMatrix wraps a plaintext matrix.
func PlainMatrix(m [][]float64) (*MatrixOperand, error) {
	rows, cols, err := dims("PlainMatrix", m)
	if err != nil {
		return nil, err
	}
	return &MatrixOperand{Rows: rows, Cols: cols, Plain: m}, nil
}

func (o *MatrixOperand) encrypted() bool {
	return o.Packed != nil || len(o.Vectors) > 0
}

// EncryptRows encrypts each row of m separately (the A side of StrategyRows).
func (b *Backend) EncryptRows(m [][]float64) (*MatrixOperand, error) {
	vecs, err := b.packer.Rows(m)
	if err != nil {
		return nil, err
	}
	return b.encryptVectors(m, vecs)
}

// EncryptColumns encrypts each column of m separately (the B side of
// StrategyRows).
func (b *Backend) EncryptColumns(m [][]float64) (*MatrixOperand, error) {
	vecs, err := b.packer.Columns(m)
	if err != nil {
		return nil, err
	}
	return b.encryptVectors(m, vecs)
}

func (b *Backend) encryptVectors(m [][]float64, vecs []Vector) (*MatrixOperand, error) {
	op := &MatrixOperand{Rows: len(m), Cols: len(m[0]), Vectors: make([]*Ciphertext, len(vecs))}
	for i, v := range vecs {
		ct, err := b.EncryptVector(v)
		if err != nil {
			return nil, err
		}
		op.Vectors[i] = ct
	}
	return op, nil
}

// EncryptMatMulLeft encrypts m as the left operand of a product with an
// n-column right operand, packed the way ChooseStrategy prefers: row-major
// with stride max(K, N) for StrategyDiagonal, one ciphertext per row for
// StrategyRows.
func (b *Backend) EncryptMatMulLeft(m [][]float64, n int) (*MatrixOperand, error) {
	rows, cols, err := dims("EncryptMatMulLeft", m)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, newError(DimensionMismatch, "EncryptMatMulLeft", "right operand has %d columns", n)
	}
	shape := MatMulShape{M: rows, K: cols, N: n}
	if ChooseStrategy(shape, b.packer.MaxSlots()) == StrategyDiagonal {
		return b.EncryptRowMajor(m, shape.stride(false))
	}
	return b.EncryptRows(m)
}

// EncryptRowMajor packs m row-major with the given stride (0 for the row
// length) into one ciphertext.
func (b *Backend) EncryptRowMajor(m [][]float64, stride int) (*MatrixOperand, error) {
	v, err := b.packer.RowMajor(m, stride)
	if err != nil {
		return nil, err
	}
	ct, err := b.EncryptVector(v)
	if err != nil {
		return nil, err
	}
	return &MatrixOperand{Rows: v.Layout.Rows, Cols: v.Layout.Cols, Packed: ct}, nil
}

// MatMulResult holds a product as a grid of ciphertexts (StrategyRows, the
// value is in slot 0 of each cell) or as one row-major ciphertext
// (StrategyDiagonal).
type MatMulResult struct {
	Shape    MatMulShape
	Strategy Strategy
	Cells    [][]*Ciphertext
	Packed   *Ciphertext
}

// DecryptMatrix decrypts a product into an M x N matrix.
func (b *Backend) DecryptMatrix(r *MatMulResult) ([][]float64, error) {
	if r == nil {
		return nil, newError(BackendError, "DecryptMatrix", "result cannot be nil")
	}
	if r.Packed != nil {
		v, err := b.DecryptVector(r.Packed)
		if err != nil {
			return nil, err
		}
		return UnpackMatrix(v)
	}
	out := make([][]float64, len(r.Cells))
	for i, row := range r.Cells {
		out[i] = make([]float64, len(row))
		for j, ct := range row {
			v, err := b.DecryptVector(ct)
			if err != nil {
				return nil, err
			}
			out[i][j] = v.Values[0]
		}
	}
	return out, nil
}

// MatMul computes A*B with at least one side encrypted.
//
// Parameters:
//   - a: the M x K left operand.
//   - b: the K x N right operand.
//   - strategy: StrategyRows needs A as rows (encrypted or plain) and B as
//     columns; StrategyDiagonal needs one side packed row-major and the
//     other plain.
//   - keys: relinearization and rotation keys, see RotationsForMatMul.
//
// Returns:
//   - *MatMulResult: the encrypted product.
//   - error: DimensionMismatch when shapes or packings do not fit the
//     strategy, or any kernel error.
func (k *Kernels) MatMul(a, b *MatrixOperand, strategy Strategy, keys *EvalKeys) (*MatMulResult, error) {
	return k.matMul(context.Background(), a, b, strategy, keys, 1)
}

// MatMulParallel is MatMul with StrategyRows cells computed on up to
// workers goroutines.
func (k *Kernels) MatMulParallel(ctx context.Context, a, b *MatrixOperand, strategy Strategy, keys *EvalKeys, workers int) (*MatMulResult, error) {
	if workers <= 0 {
		workers = k.be.cfg.Workers
	}
	return k.matMul(ctx, a, b, strategy, keys, workers)
}

func (k *Kernels) matMul(ctx context.Context, a, b *MatrixOperand, strategy Strategy, keys *EvalKeys, workers int) (*MatMulResult, error) {
	if a == nil || b == nil {
		return nil, newError(BackendError, "MatMul", "operands cannot be nil")
	}
	if a.Cols != b.Rows {
		return nil, newError(DimensionMismatch, "MatMul", "A is %dx%d, B is %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	if !a.encrypted() && !b.encrypted() {
		return nil, newError(DimensionMismatch, "MatMul", "neither operand is encrypted")
	}
	shape := MatMulShape{M: a.Rows, K: a.Cols, N: b.Cols}

	if strategy == StrategyAuto {
		strategy = k.autoStrategy(shape, a, b)
	}
	k.log.Debug("matmul", "m", shape.M, "k", shape.K, "n", shape.N, "strategy", strategy)

	switch strategy {
	case StrategyRows:
		return k.matMulRows(ctx, shape, a, b, keys, workers)
	case StrategyDiagonal:
		return k.matMulDiagonal(shape, a, b, keys)
	default:
		return nil, newError(BackendError, "MatMul", "unknown strategy %s", strategy)
	}
}

// autoStrategy applies ChooseStrategy, then falls back to what the operand
// packing allows.
func (k *Kernels) autoStrategy(shape MatMulShape, a, b *MatrixOperand) Strategy {
	preferred := ChooseStrategy(shape, k.be.packer.MaxSlots())
	packed := (a.Packed != nil && b.Plain != nil) || (b.Packed != nil && a.Plain != nil)
	switch {
	case packed:
		if preferred == StrategyRows {
			k.log.Debug("matmul: operand is packed, running diagonally", "preferred", preferred)
		}
		return StrategyDiagonal
	case preferred == StrategyDiagonal:
		k.log.Debug("matmul: operands are row-separated, running by rows", "preferred", preferred)
	}
	return StrategyRows
}

// matMulRows computes C[i][j] = Dot(row_i(A), col_j(B)).
func (k *Kernels) matMulRows(ctx context.Context, shape MatMulShape, a, b *MatrixOperand, keys *EvalKeys, workers int) (*MatMulResult, error) {
	rows, err := k.rowOperands(a, false)
	if err != nil {
		return nil, err
	}
	cols, err := k.rowOperands(b, true)
	if err != nil {
		return nil, err
	}

	cells := make([][]*Ciphertext, shape.M)
	for i := range cells {
		cells[i] = make([]*Ciphertext, shape.N)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
dispatch:
	for i := 0; i < shape.M; i++ {
		for j := 0; j < shape.N; j++ {
			i, j := i, j
			if gctx.Err() != nil {
				break dispatch
			}
			g.Go(func() error {
				var left *Ciphertext
				var right Operand
				if ct, ok := rows[i].(*Ciphertext); ok {
					left, right = ct, cols[j]
				} else {
					left, right = cols[j].(*Ciphertext), rows[i]
				}
				c, err := k.Dot(left, right, shape.K, keys)
				if err != nil {
					return fmt.Errorf("MatMul: C[%d][%d]: %w", i, j, err)
				}
				cells[i][j] = c
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &MatMulResult{Shape: shape, Strategy: StrategyRows, Cells: cells}, nil
}

// rowOperands returns the rows of A (or the columns of B when columns is
// set) as ciphertexts or plaintexts.
func (k *Kernels) rowOperands(o *MatrixOperand, columns bool) ([]Operand, error) {
	if len(o.Vectors) > 0 {
		want := o.Rows
		if columns {
			want = o.Cols
		}
		if len(o.Vectors) != want {
			return nil, newError(DimensionMismatch, "MatMul", "%d vectors for %d %s", len(o.Vectors), want, map[bool]string{false: "rows", true: "columns"}[columns])
		}
		out := make([]Operand, len(o.Vectors))
		for i, ct := range o.Vectors {
			if ct == nil {
				return nil, newError(BackendError, "MatMul", "vector %d cannot be nil", i)
			}
			out[i] = ct
		}
		return out, nil
	}
	if o.Plain == nil {
		return nil, newError(DimensionMismatch, "MatMul", "row strategy needs separated or plaintext operands, got a packed one")
	}
	var vecs []Vector
	var err error
	if columns {
		vecs, err = k.be.packer.Columns(o.Plain)
	} else {
		vecs, err = k.be.packer.Rows(o.Plain)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Operand, len(vecs))
	for i, v := range vecs {
		pt, err := k.be.Encode(v, k.be.params.DefaultScale(), k.be.params.MaxLevel())
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}

// matMulDiagonal computes the product in one ciphertext as
// sum_d rotate(X, d) * diag_d, rescaled once, where X is the packed
// encrypted operand and diag_d the matching generalized diagonal of the
// plaintext operand.
func (k *Kernels) matMulDiagonal(shape MatMulShape, a, b *MatrixOperand, keys *EvalKeys) (*MatMulResult, error) {
	var x *Ciphertext
	var plain *mat.Dense
	mirrored := false
	switch {
	case a.Packed != nil && b.Plain != nil:
		x, plain = a.Packed, toDense(b.Plain)
	case b.Packed != nil && a.Plain != nil:
		x, plain, mirrored = b.Packed, toDense(a.Plain), true
	default:
		return nil, newError(DimensionMismatch, "MatMul", "diagonal strategy needs one packed encrypted operand and one plaintext operand")
	}
	if x.Layout.Shape != RowMajor {
		return nil, newError(DimensionMismatch, "MatMul", "packed operand has %s layout", x.Layout.Shape).at(x.Ciphertext)
	}

	w := x.Layout.Stride
	m, kk, n := shape.M, shape.K, shape.N
	if !mirrored && w < max(kk, n) {
		return nil, newError(DimensionMismatch, "MatMul", "stride %d of A is below max(K, N) = %d", w, max(kk, n)).at(x.Ciphertext)
	}
	if mirrored && w < n {
		return nil, newError(DimensionMismatch, "MatMul", "stride %d of B is below N = %d", w, n).at(x.Ciphertext)
	}
	// The output needs M rows of stride w. A packed B with more output rows
	// than input rows is read at a longer period; its slots repeat with the
	// packing period, so rotations within the product are unchanged.
	shape.Stride = w
	if !diagonalFits(shape, mirrored, k.be.packer.MaxSlots()) {
		return nil, newError(DimensionMismatch, "MatMul", "%d output rows with stride %d exceed %d slots", m, w, k.be.packer.MaxSlots()).at(x.Ciphertext)
	}
	if logSlots := log2Ceil(m * w); logSlots > x.Layout.LogSlots {
		x = withLogSlots(x, logSlots)
	}
	period := x.Layout.Slots()
	if err := k.mgr.RequireLevel("MatMul", x, k.be.params.LevelsConsumedPerRescaling()); err != nil {
		return nil, err
	}
	scale := k.mgr.RescaleScale(x.Level())

	// Offsets d and the diagonal entry at slot i*w+j:
	//   packed A: d in (-N, K),  diag[i*w+j] = B[j+d][j]
	//   packed B: d in (-M, K),  diag[i*w+j] = A[i][i+d], rotation d*w
	lo := -(n - 1)
	if mirrored {
		lo = -(m - 1)
	}

	var acc *Ciphertext
	for d := lo; d < kk; d++ {
		diag := make([]float64, period)
		nonzero := false
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var v float64
				if mirrored {
					if t := i + d; t >= 0 && t < kk {
						v = plain.At(i, t)
					}
				} else {
					if t := j + d; t >= 0 && t < kk {
						v = plain.At(t, j)
					}
				}
				if v != 0 {
					diag[i*w+j] = v
					nonzero = true
				}
			}
		}
		if !nonzero {
			continue
		}

		rot := d
		if mirrored {
			rot = d * w
		}
		term := x
		if rot != 0 {
			var err error
			if term, err = k.be.Rotate(x, rot, keys); err != nil {
				return nil, err
			}
		}
		pt, err := k.be.Encode(Vector{Values: diag, Layout: Layout{Shape: Dense, Len: period, LogSlots: x.Layout.LogSlots}}, scale, x.Level())
		if err != nil {
			return nil, err
		}
		if term, err = k.be.MulPlain(term, pt); err != nil {
			return nil, err
		}
		if acc == nil {
			acc = term
			continue
		}
		if acc, err = k.be.Add(acc, term); err != nil {
			return nil, err
		}
	}
	if acc == nil {
		// The plaintext operand is all zeros.
		zero, err := k.be.MulConst(x, 0)
		if err != nil {
			return nil, err
		}
		zero.Layout = x.Layout
		return k.packedResult(shape, w, zero, StrategyDiagonal)
	}

	out, err := k.be.Rescale(acc)
	if err != nil {
		return nil, err
	}
	if out, err = k.mgr.Normalize(out, x.Scale); err != nil {
		return nil, err
	}
	return k.packedResult(shape, w, out, StrategyDiagonal)
}

func (k *Kernels) packedResult(shape MatMulShape, stride int, ct *Ciphertext, s Strategy) (*MatMulResult, error) {
	ct.Layout = Layout{
		Shape:    RowMajor,
		Len:      (shape.M-1)*stride + shape.N,
		Rows:     shape.M,
		Cols:     shape.N,
		Stride:   stride,
		LogSlots: ct.Layout.LogSlots,
	}
	shape.Stride = stride
	k.trace("MatMul", ct)
	return &MatMulResult{Shape: shape, Strategy: s, Packed: ct}, nil
}

func toDense(m [][]float64) *mat.Dense {
	d := mat.NewDense(len(m), len(m[0]), nil)
	for i, row := range m {
		d.SetRow(i, row)
	}
	return d
}
