package he

import (
	"fmt"

	"github.com/tuneinsight/lattigo/v6/core/rlwe"
	"github.com/tuneinsight/lattigo/v6/schemes/ckks"
)

// Shape is the packing policy a Vector was produced with.
type Shape int

const (
	// Dense puts n values in slots [0, n).
	Dense Shape = iota
	// Replicated broadcasts one scalar to every slot.
	Replicated
	// RowMajor puts an r x c matrix in one vector, row i at offset i*Stride.
	RowMajor
	// RowSeparated is one Dense vector per matrix row.
	RowSeparated
	// ColumnSeparated is one Dense vector per matrix column.
	ColumnSeparated
)

func (s Shape) String() string {
	switch s {
	case Dense:
		return "dense"
	case Replicated:
		return "replicated"
	case RowMajor:
		return "row-major"
	case RowSeparated:
		return "row-separated"
	case ColumnSeparated:
		return "column-separated"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// Layout records how many slot positions are meaningful and where they are.
//
// LogSlots is the log2 of the encoded period P: values are encoded into P
// slots and the full slot vector repeats with period P, so rotations by r
// and r mod P coincide.
type Layout struct {
	Shape    Shape
	Len      int
	Rows     int
	Cols     int
	Stride   int
	LogSlots int
}

// Slots is the encoded period 2^LogSlots.
func (l Layout) Slots() int { return 1 << l.LogSlots }

// Positions returns the slot indices holding meaningful values, in order.
func (l Layout) Positions() []int {
	if l.Shape == RowMajor {
		out := make([]int, 0, l.Rows*l.Cols)
		for r := 0; r < l.Rows; r++ {
			for c := 0; c < l.Cols; c++ {
				out = append(out, r*l.Stride+c)
			}
		}
		return out
	}
	out := make([]int, l.Len)
	for i := range out {
		out[i] = i
	}
	return out
}

// Vector is a logical real vector together with its layout. Values has
// exactly Layout.Slots() entries; positions outside the layout are zero.
type Vector struct {
	Values []float64
	Layout Layout
}

// Plaintext is an encoded Vector. The source values are kept so the
// plaintext can be re-encoded at another scale or level.
type Plaintext struct {
	*rlwe.Plaintext
	Layout Layout
	values []float64
}

// Values returns the slot values the plaintext was encoded from.
func (p *Plaintext) Values() []float64 { return p.values }

// Ciphertext is an encrypted Vector.
type Ciphertext struct {
	*rlwe.Ciphertext
	Layout Layout
}

// CopyNew returns a deep copy.
func (c *Ciphertext) CopyNew() *Ciphertext {
	return &Ciphertext{Ciphertext: c.Ciphertext.CopyNew(), Layout: c.Layout}
}

// Operand is either a *Ciphertext or a *Plaintext.
type Operand interface {
	layout() Layout
}

func (c *Ciphertext) layout() Layout { return c.Layout }
func (p *Plaintext) layout() Layout  { return p.Layout }

// Packer maps logical vectors and matrices to slot vectors.
type Packer struct {
	maxSlots    int
	logMaxSlots int
}

// NewPacker returns a Packer for the slot count of params.
func NewPacker(params ckks.Parameters) *Packer {
	return &Packer{maxSlots: params.MaxSlots(), logMaxSlots: params.LogMaxSlots()}
}

// MaxSlots is S = N/2.
func (p *Packer) MaxSlots() int { return p.maxSlots }

// logSlotsFor returns the smallest period that holds n values. The period
// is at least 2 so that every layout has a rotation group to work with.
func (p *Packer) logSlotsFor(n int) int {
	l := log2Ceil(n)
	if l < 1 {
		l = 1
	}
	if l > p.logMaxSlots {
		l = p.logMaxSlots
	}
	return l
}

// Dense packs values into the first len(values) slots.
func (p *Packer) Dense(values []float64) (Vector, error) {
	n := len(values)
	if n == 0 {
		return Vector{}, newError(DimensionMismatch, "Dense", "empty vector")
	}
	if n > p.maxSlots {
		return Vector{}, newError(DimensionMismatch, "Dense", "length %d exceeds %d slots", n, p.maxSlots)
	}
	logSlots := p.logSlotsFor(n)
	slots := make([]float64, 1<<logSlots)
	copy(slots, values)
	return Vector{Values: slots, Layout: Layout{Shape: Dense, Len: n, LogSlots: logSlots}}, nil
}

// DenseIn packs values with a fixed period 2^logSlots, which must hold them.
func (p *Packer) DenseIn(values []float64, logSlots int) (Vector, error) {
	if logSlots < 0 || logSlots > p.logMaxSlots {
		return Vector{}, newError(DimensionMismatch, "DenseIn", "log slots %d outside [0, %d]", logSlots, p.logMaxSlots)
	}
	if len(values) > 1<<logSlots {
		return Vector{}, newError(DimensionMismatch, "DenseIn", "length %d exceeds period %d", len(values), 1<<logSlots)
	}
	slots := make([]float64, 1<<logSlots)
	copy(slots, values)
	return Vector{Values: slots, Layout: Layout{Shape: Dense, Len: len(values), LogSlots: logSlots}}, nil
}

// Replicated broadcasts c to every slot of a period 2^logSlots.
func (p *Packer) Replicated(c float64, logSlots int) Vector {
	if logSlots > p.logMaxSlots {
		logSlots = p.logMaxSlots
	}
	slots := make([]float64, 1<<logSlots)
	for i := range slots {
		slots[i] = c
	}
	return Vector{Values: slots, Layout: Layout{Shape: Replicated, Len: len(slots), LogSlots: logSlots}}
}

// RowMajor packs an r x c matrix with row i starting at slot i*stride.
// A stride of 0 means c.
func (p *Packer) RowMajor(m [][]float64, stride int) (Vector, error) {
	rows, cols, err := dims("RowMajor", m)
	if err != nil {
		return Vector{}, err
	}
	if stride == 0 {
		stride = cols
	}
	if stride < cols {
		return Vector{}, newError(DimensionMismatch, "RowMajor", "stride %d shorter than row length %d", stride, cols)
	}
	if rows*stride > p.maxSlots {
		return Vector{}, newError(DimensionMismatch, "RowMajor", "%dx%d matrix with stride %d exceeds %d slots", rows, cols, stride, p.maxSlots)
	}
	logSlots := p.logSlotsFor(rows * stride)
	slots := make([]float64, 1<<logSlots)
	for i, row := range m {
		copy(slots[i*stride:], row)
	}
	return Vector{
		Values: slots,
		Layout: Layout{Shape: RowMajor, Len: (rows-1)*stride + cols, Rows: rows, Cols: cols, Stride: stride, LogSlots: logSlots},
	}, nil
}

// Rows packs each row of m as its own Dense vector.
func (p *Packer) Rows(m [][]float64) ([]Vector, error) {
	if _, _, err := dims("Rows", m); err != nil {
		return nil, err
	}
	out := make([]Vector, len(m))
	for i, row := range m {
		v, err := p.Dense(row)
		if err != nil {
			return nil, err
		}
		v.Layout.Shape = RowSeparated
		out[i] = v
	}
	return out, nil
}

// Columns packs each column of m as its own Dense vector.
func (p *Packer) Columns(m [][]float64) ([]Vector, error) {
	rows, cols, err := dims("Columns", m)
	if err != nil {
		return nil, err
	}
	out := make([]Vector, cols)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			col[i] = m[i][j]
		}
		v, err := p.Dense(col)
		if err != nil {
			return nil, err
		}
		v.Layout.Shape = ColumnSeparated
		out[j] = v
	}
	return out, nil
}

// Unpack returns the meaningful values of v in layout order.
func Unpack(v Vector) []float64 {
	pos := v.Layout.Positions()
	out := make([]float64, len(pos))
	for i, p := range pos {
		if p < len(v.Values) {
			out[i] = v.Values[p]
		}
	}
	return out
}

// UnpackMatrix returns the Rows x Cols matrix of a RowMajor vector.
func UnpackMatrix(v Vector) ([][]float64, error) {
	if v.Layout.Shape != RowMajor {
		return nil, newError(DimensionMismatch, "UnpackMatrix", "layout is %s, not %s", v.Layout.Shape, RowMajor)
	}
	flat := Unpack(v)
	out := make([][]float64, v.Layout.Rows)
	for i := range out {
		out[i] = flat[i*v.Layout.Cols : (i+1)*v.Layout.Cols]
	}
	return out, nil
}

func dims(op string, m [][]float64) (rows, cols int, err error) {
	rows = len(m)
	if rows == 0 || len(m[0]) == 0 {
		return 0, 0, newError(DimensionMismatch, op, "empty matrix")
	}
	cols = len(m[0])
	for i, row := range m {
		if len(row) != cols {
			return 0, 0, newError(DimensionMismatch, op, "row %d has %d columns, want %d", i, len(row), cols)
		}
	}
	return rows, cols, nil
}
