package he

import (
	"fmt"

	"github.com/sumanthreddybontha/CKKS-LLM-sub000/pkg/matrix"
)

// Conv1D computes the valid, stride-1 correlation y[i] = sum_j k[j]*x[i+j]
// by rotate-weighted-sum: each tap j multiplies rotate(x, j) by the
// replicated constant k[j], and the rescaled terms are accumulated low
// index first. The result has logical length n-K+1. Depth 1.
//
// Parameters:
//   - x: the encrypted signal of logical length n.
//   - taps: the plaintext kernel, 1 <= K <= n.
//   - keys: rotation keys for RotationsForConv1D(K) or powers of two.
//
// Returns:
//   - *Ciphertext: the encrypted output, valid in slots [0, n-K].
//   - error: DimensionMismatch, MissingRotationKey, LevelExhausted or
//     BackendError.
func (k *Kernels) Conv1D(x *Ciphertext, taps []float64, keys *EvalKeys) (*Ciphertext, error) {
	if x == nil {
		return nil, newError(BackendError, "Conv1D", "input ciphertext cannot be nil")
	}
	n, K := x.Layout.Len, len(taps)
	if K == 0 || K > n {
		return nil, newError(DimensionMismatch, "Conv1D", "kernel of %d taps over a signal of length %d", K, n).at(x.Ciphertext)
	}

	offsets := make([]int, K)
	for j := range offsets {
		offsets[j] = j
	}
	y, err := k.weightedSum("Conv1D", x, offsets, taps, keys)
	if err != nil {
		return nil, err
	}
	y.Layout = Layout{Shape: Dense, Len: n - K + 1, LogSlots: x.Layout.LogSlots}
	k.trace("Conv1D", y)
	return y, nil
}

// Conv1DBias is Conv1D followed by adding bias to every output.
func (k *Kernels) Conv1DBias(x *Ciphertext, taps []float64, bias float64, keys *EvalKeys) (*Ciphertext, error) {
	y, err := k.Conv1D(x, taps, keys)
	if err != nil {
		return nil, err
	}
	return k.addBias(y, bias)
}

// Conv2D computes the valid, stride-1 2-D correlation of a row-major image
// with row width rowWidth. Kernel position (i, j) contributes
// k[i][j]*rotate(x, i*rowWidth+j). The (H-Kh+1) x (W-Kw+1) result stays in
// place with row stride rowWidth, and its layout records the region.
func (k *Kernels) Conv2D(x *Ciphertext, kernel [][]float64, rowWidth int, keys *EvalKeys) (*Ciphertext, error) {
	if x == nil {
		return nil, newError(BackendError, "Conv2D", "input ciphertext cannot be nil")
	}
	h, w, err := imageDims(x.Layout, rowWidth)
	if err != nil {
		return nil, err
	}
	kh := len(kernel)
	if kh == 0 || len(kernel[0]) == 0 {
		return nil, newError(DimensionMismatch, "Conv2D", "empty kernel")
	}
	kw := len(kernel[0])
	for i, row := range kernel {
		if len(row) != kw {
			return nil, newError(DimensionMismatch, "Conv2D", "kernel row %d has %d taps, want %d", i, len(row), kw)
		}
	}
	if kh > h || kw > w {
		return nil, newError(DimensionMismatch, "Conv2D", "%dx%d kernel over a %dx%d image", kh, kw, h, w).at(x.Ciphertext)
	}

	var offsets []int
	var weights []float64
	for i := 0; i < kh; i++ {
		for j := 0; j < kw; j++ {
			if kernel[i][j] == 0 {
				continue
			}
			offsets = append(offsets, i*rowWidth+j)
			weights = append(weights, kernel[i][j])
		}
	}
	if len(offsets) == 0 {
		offsets, weights = []int{0}, []float64{0}
	}

	y, err := k.weightedSum("Conv2D", x, offsets, weights, keys)
	if err != nil {
		return nil, err
	}
	rows, cols := h-kh+1, w-kw+1
	y.Layout = Layout{
		Shape:    RowMajor,
		Len:      (rows-1)*rowWidth + cols,
		Rows:     rows,
		Cols:     cols,
		Stride:   rowWidth,
		LogSlots: x.Layout.LogSlots,
	}
	k.trace("Conv2D", y)
	return y, nil
}

// Conv2DBias is Conv2D followed by adding bias to every output.
func (k *Kernels) Conv2DBias(x *Ciphertext, kernel [][]float64, rowWidth int, bias float64, keys *EvalKeys) (*Ciphertext, error) {
	y, err := k.Conv2D(x, kernel, rowWidth, keys)
	if err != nil {
		return nil, err
	}
	return k.addBias(y, bias)
}

func (k *Kernels) addBias(y *Ciphertext, bias float64) (*Ciphertext, error) {
	if bias == 0 {
		return y, nil
	}
	out, err := k.AddConst(y, bias)
	if err != nil {
		return nil, err
	}
	out.Layout = y.Layout
	return out, nil
}

// weightedSum returns sum_t w[t]*rotate(x, offsets[t]). Each term is
// multiplied by a replicated plaintext at x's level and rescaled, then
// aligned to the running sum before the addition.
func (k *Kernels) weightedSum(op string, x *Ciphertext, offsets []int, weights []float64, keys *EvalKeys) (*Ciphertext, error) {
	if err := k.mgr.RequireLevel(op, x, k.be.params.LevelsConsumedPerRescaling()); err != nil {
		return nil, err
	}
	scale := k.mgr.RescaleScale(x.Level())

	var acc *Ciphertext
	for t, off := range offsets {
		term := x
		if off != 0 {
			var err error
			if term, err = k.be.Rotate(x, off, keys); err != nil {
				return nil, err
			}
		}
		pt, err := k.be.Encode(k.be.packer.Replicated(weights[t], x.LogDimensions.Cols), scale, x.Level())
		if err != nil {
			return nil, err
		}
		if term, err = k.be.MulPlain(term, pt); err != nil {
			return nil, err
		}
		if term, err = k.be.Rescale(term); err != nil {
			return nil, err
		}
		if acc == nil {
			acc = term
			continue
		}
		a, b, err := k.mgr.Align(acc, term)
		if err != nil {
			return nil, err
		}
		if acc, err = k.be.Add(a, b); err != nil {
			return nil, err
		}
	}
	return k.mgr.Normalize(acc, x.Scale)
}

// imageDims returns the image height and width of a row-major layout with
// the given row stride.
func imageDims(l Layout, rowWidth int) (h, w int, err error) {
	if rowWidth <= 0 {
		return 0, 0, newError(DimensionMismatch, "Conv2D", "row width must be positive, got %d", rowWidth)
	}
	if l.Shape == RowMajor {
		if l.Stride != rowWidth {
			return 0, 0, newError(DimensionMismatch, "Conv2D", "row width %d does not match layout stride %d", rowWidth, l.Stride)
		}
		return l.Rows, l.Cols, nil
	}
	if l.Len%rowWidth != 0 {
		return 0, 0, newError(DimensionMismatch, "Conv2D", "length %d is not a multiple of row width %d", l.Len, rowWidth)
	}
	return l.Len / rowWidth, rowWidth, nil
}

// ConvLayer is a multi-channel convolution layer. The plaintext forward
// pass supports any stride and zero padding; the homomorphic pass supports
// stride 1 without padding, which is what Conv2D computes.
type ConvLayer struct {
	KernelHeight   int
	KernelWidth    int
	InputChannels  int
	OutputChannels int
	StrideHeight   int
	StrideWidth    int
	PaddingHeight  int
	PaddingWidth   int
	// Weights is indexed [outputChannel][inputChannel][row][col].
	Weights [][][][]float64
	Biases  []float64
}

// NewConvLayer validates the weight and bias shapes against the layer
// configuration.
func NewConvLayer(
	inputChannels, outputChannels int,
	kernelHeight, kernelWidth int,
	strideHeight, strideWidth int,
	paddingHeight, paddingWidth int,
	weights [][][][]float64,
	biases []float64,
) (*ConvLayer, error) {
	if strideHeight < 1 || strideWidth < 1 {
		return nil, fmt.Errorf("NewConvLayer: strides must be positive, got %dx%d", strideHeight, strideWidth)
	}
	if paddingHeight < 0 || paddingWidth < 0 {
		return nil, fmt.Errorf("NewConvLayer: padding must be non-negative, got %dx%d", paddingHeight, paddingWidth)
	}
	if len(weights) != outputChannels {
		return nil, fmt.Errorf("NewConvLayer: weights have %d output channels, want %d", len(weights), outputChannels)
	}
	for oc := range weights {
		if len(weights[oc]) != inputChannels {
			return nil, fmt.Errorf("NewConvLayer: weights[%d] has %d input channels, want %d", oc, len(weights[oc]), inputChannels)
		}
		for ic := range weights[oc] {
			if len(weights[oc][ic]) != kernelHeight {
				return nil, fmt.Errorf("NewConvLayer: weights[%d][%d] has %d rows, want %d", oc, ic, len(weights[oc][ic]), kernelHeight)
			}
			for r := range weights[oc][ic] {
				if len(weights[oc][ic][r]) != kernelWidth {
					return nil, fmt.Errorf("NewConvLayer: weights[%d][%d][%d] has %d taps, want %d", oc, ic, r, len(weights[oc][ic][r]), kernelWidth)
				}
			}
		}
	}
	if len(biases) != outputChannels {
		return nil, fmt.Errorf("NewConvLayer: %d biases, want %d", len(biases), outputChannels)
	}

	return &ConvLayer{
		KernelHeight:   kernelHeight,
		KernelWidth:    kernelWidth,
		InputChannels:  inputChannels,
		OutputChannels: outputChannels,
		StrideHeight:   strideHeight,
		StrideWidth:    strideWidth,
		PaddingHeight:  paddingHeight,
		PaddingWidth:   paddingWidth,
		Weights:        weights,
		Biases:         biases,
	}, nil
}

// CalculateOutputDimensions returns floor((in + 2*pad - kernel)/stride) + 1
// for both axes.
func (c *ConvLayer) CalculateOutputDimensions(inputHeight, inputWidth int) (outputHeight, outputWidth int) {
	outputHeight = (inputHeight+2*c.PaddingHeight-c.KernelHeight)/c.StrideHeight + 1
	outputWidth = (inputWidth+2*c.PaddingWidth-c.KernelWidth)/c.StrideWidth + 1
	return
}

// ForwardPlaintext is the reference forward pass.
// Input shape: [inputChannels][height][width]; output shape:
// [outputChannels][outputHeight][outputWidth].
func (c *ConvLayer) ForwardPlaintext(input [][][]float64) ([][][]float64, error) {
	if len(input) != c.InputChannels {
		return nil, fmt.Errorf("ForwardPlaintext: got %d input channels, want %d", len(input), c.InputChannels)
	}

	output := make([][][]float64, c.OutputChannels)
	for oc := 0; oc < c.OutputChannels; oc++ {
		var acc [][]float64
		for ic := 0; ic < c.InputChannels; ic++ {
			padded := matrix.Pad(input[ic], c.PaddingHeight, c.PaddingWidth)
			y, err := matrix.Conv2DStrided(padded, c.Weights[oc][ic], c.StrideHeight, c.StrideWidth)
			if err != nil {
				return nil, fmt.Errorf("ForwardPlaintext: channel %d->%d: %w", ic, oc, err)
			}
			if acc == nil {
				acc = y
				continue
			}
			if acc, err = matrix.Add(acc, y); err != nil {
				return nil, fmt.Errorf("ForwardPlaintext: channel %d->%d: %w", ic, oc, err)
			}
		}
		for i := range acc {
			for j := range acc[i] {
				acc[i][j] += c.Biases[oc]
			}
		}
		output[oc] = acc
	}
	return output, nil
}

// ForwardHomomorphic runs the layer on one row-major ciphertext per input
// channel, each an image of the given row width. Every output channel is
// the sum over input channels of Conv2D plus the channel bias.
func (c *ConvLayer) ForwardHomomorphic(k *Kernels, inputs []*Ciphertext, rowWidth int, keys *EvalKeys) ([]*Ciphertext, error) {
	if k == nil {
		return nil, fmt.Errorf("ForwardHomomorphic: kernels cannot be nil")
	}
	if len(inputs) != c.InputChannels {
		return nil, newError(DimensionMismatch, "ForwardHomomorphic", "got %d input channels, want %d", len(inputs), c.InputChannels)
	}
	if c.StrideHeight != 1 || c.StrideWidth != 1 || c.PaddingHeight != 0 || c.PaddingWidth != 0 {
		return nil, newError(DimensionMismatch, "ForwardHomomorphic", "only stride 1 without padding is supported, got stride %dx%d padding %dx%d",
			c.StrideHeight, c.StrideWidth, c.PaddingHeight, c.PaddingWidth)
	}

	outputs := make([]*Ciphertext, c.OutputChannels)
	for oc := 0; oc < c.OutputChannels; oc++ {
		var acc *Ciphertext
		for ic, x := range inputs {
			y, err := k.Conv2D(x, c.Weights[oc][ic], rowWidth, keys)
			if err != nil {
				return nil, fmt.Errorf("ForwardHomomorphic: channel %d->%d: %w", ic, oc, err)
			}
			if acc == nil {
				acc = y
				continue
			}
			if acc, err = k.Add(acc, y); err != nil {
				return nil, fmt.Errorf("ForwardHomomorphic: channel %d->%d: %w", ic, oc, err)
			}
		}
		out, err := k.addBias(acc, c.Biases[oc])
		if err != nil {
			return nil, fmt.Errorf("ForwardHomomorphic: bias %d: %w", oc, err)
		}
		outputs[oc] = out
	}
	return outputs, nil
}
