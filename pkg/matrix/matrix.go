// Package matrix is the plaintext reference algebra the encrypted kernels
// are checked against. Matrices are [][]float64 in row-major order; a
// matrix with no rows is 0x0 and one whose rows are empty is Mx0.
package matrix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

func shape(a [][]float64) (rows, cols int) {
	rows = len(a)
	if rows > 0 {
		cols = len(a[0])
	}
	return rows, cols
}

func zeros(rows, cols int) [][]float64 {
	c := make([][]float64, rows)
	for i := range c {
		c[i] = make([]float64, cols)
	}
	return c
}

// Dense converts a non-empty rectangular matrix to a gonum matrix.
func Dense(a [][]float64) *mat.Dense {
	rows, cols := shape(a)
	d := mat.NewDense(rows, cols, nil)
	for i, row := range a {
		d.SetRow(i, row)
	}
	return d
}

// FromDense converts a gonum matrix back to [][]float64.
func FromDense(d mat.Matrix) [][]float64 {
	rows, cols := d.Dims()
	out := zeros(rows, cols)
	for i := range out {
		for j := range out[i] {
			out[i][j] = d.At(i, j)
		}
	}
	return out
}

// Multiply performs matrix multiplication C = A * B for an m x k matrix A
// and a k x n matrix B.
func Multiply(a, b [][]float64) ([][]float64, error) {
	rowsA, colsA := shape(a)
	rowsB, colsB := shape(b)
	if colsA != rowsB {
		return nil, fmt.Errorf("matrix: incompatible dimensions for multiplication, A_cols(%d) != B_rows(%d)", colsA, rowsB)
	}
	// gonum rejects zero-length dimensions; the product is then all zeros.
	if rowsA == 0 || colsA == 0 || colsB == 0 {
		return zeros(rowsA, colsB), nil
	}
	var c mat.Dense
	c.Mul(Dense(a), Dense(b))
	return FromDense(&c), nil
}

// Add performs element-wise addition C = A + B.
func Add(a, b [][]float64) ([][]float64, error) {
	return elementwise("addition", a, b, func(x, y float64) float64 { return x + y })
}

// Subtract performs element-wise subtraction C = A - B.
func Subtract(a, b [][]float64) ([][]float64, error) {
	return elementwise("subtraction", a, b, func(x, y float64) float64 { return x - y })
}

func elementwise(name string, a, b [][]float64, f func(x, y float64) float64) ([][]float64, error) {
	rowsA, colsA := shape(a)
	rowsB, colsB := shape(b)
	if rowsA != rowsB || colsA != colsB {
		return nil, fmt.Errorf("matrix: dimensions must be identical for %s, A is %dx%d, B is %dx%d", name, rowsA, colsA, rowsB, colsB)
	}
	c := zeros(rowsA, colsA)
	for i := range c {
		for j := range c[i] {
			c[i][j] = f(a[i][j], b[i][j])
		}
	}
	return c, nil
}

// Transpose returns A^T.
func Transpose(a [][]float64) [][]float64 {
	rows, cols := shape(a)
	t := zeros(cols, rows)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			t[j][i] = a[i][j]
		}
	}
	return t
}

// Dot returns sum_i a[i]*b[i].
func Dot(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("matrix: vector lengths differ, %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, nil
	}
	return mat.Dot(mat.NewVecDense(len(a), append([]float64(nil), a...)), mat.NewVecDense(len(b), append([]float64(nil), b...))), nil
}

// Conv1D is the valid, stride-1 correlation y[i] = sum_j k[j]*x[i+j].
func Conv1D(x, k []float64) ([]float64, error) {
	if len(k) == 0 || len(k) > len(x) {
		return nil, fmt.Errorf("matrix: kernel of length %d over a signal of length %d", len(k), len(x))
	}
	y := make([]float64, len(x)-len(k)+1)
	for i := range y {
		for j, w := range k {
			y[i] += w * x[i+j]
		}
	}
	return y, nil
}

// Conv2D is the valid, stride-1 2-D correlation.
func Conv2D(x, k [][]float64) ([][]float64, error) {
	return Conv2DStrided(x, k, 1, 1)
}

// Conv2DStrided is the valid 2-D correlation with the given strides.
func Conv2DStrided(x, k [][]float64, strideH, strideW int) ([][]float64, error) {
	h, w := shape(x)
	kh, kw := shape(k)
	if strideH < 1 || strideW < 1 {
		return nil, fmt.Errorf("matrix: strides must be positive, got %dx%d", strideH, strideW)
	}
	if kh == 0 || kw == 0 || kh > h || kw > w {
		return nil, fmt.Errorf("matrix: %dx%d kernel over a %dx%d input", kh, kw, h, w)
	}
	y := zeros((h-kh)/strideH+1, (w-kw)/strideW+1)
	for i := range y {
		for j := range y[i] {
			var s float64
			for a := 0; a < kh; a++ {
				for b := 0; b < kw; b++ {
					s += k[a][b] * x[i*strideH+a][j*strideW+b]
				}
			}
			y[i][j] = s
		}
	}
	return y, nil
}

// Pad surrounds x with ph zero rows and pw zero columns on each side.
func Pad(x [][]float64, ph, pw int) [][]float64 {
	h, w := shape(x)
	out := zeros(h+2*ph, w+2*pw)
	for i := 0; i < h; i++ {
		copy(out[i+ph][pw:], x[i])
	}
	return out
}

// Flatten returns the rows of x concatenated.
func Flatten(x [][]float64) []float64 {
	var out []float64
	for _, row := range x {
		out = append(out, row...)
	}
	return out
}

// Reshape splits v into rows of the given width.
func Reshape(v []float64, width int) ([][]float64, error) {
	if width <= 0 || len(v)%width != 0 {
		return nil, fmt.Errorf("matrix: cannot reshape %d values into rows of %d", len(v), width)
	}
	out := make([][]float64, len(v)/width)
	for i := range out {
		out[i] = append([]float64(nil), v[i*width:(i+1)*width]...)
	}
	return out, nil
}
