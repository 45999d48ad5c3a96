package he

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Chunked is a logically long vector split into ciphertexts of at most
// ChunkSize values each, in input order.
type Chunked struct {
	Chunks    []*Ciphertext
	Len       int
	ChunkSize int
}

// Driver runs kernels over vectors longer than one ciphertext. Chunks are
// independent and are dispatched to a bounded pool of goroutines; results
// keep input order.
type Driver struct {
	k         *Kernels
	chunkSize int
	workers   int
	log       *slog.Logger
}

// NewDriver returns a Driver splitting vectors into chunks of chunkSize
// values. A chunkSize of 0, or one above the slot count, means the slot
// count.
func NewDriver(k *Kernels, chunkSize int) *Driver {
	slots := k.be.params.MaxSlots()
	if chunkSize <= 0 || chunkSize > slots {
		chunkSize = slots
	}
	return &Driver{
		k:         k,
		chunkSize: chunkSize,
		workers:   k.be.cfg.Workers,
		log:       k.be.log.With("component", "driver"),
	}
}

// ChunkSize is the number of values per chunk.
func (d *Driver) ChunkSize() int { return d.chunkSize }

// each runs fn(i) for i in [0, n) on the worker pool and stops dispatching
// once ctx is done or a call failed.
func (d *Driver) each(ctx context.Context, n int, fn func(i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if err := fn(i); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// EncryptLong splits values into chunks and encrypts each. Every chunk is
// packed with the same period so chunks can be combined slot-wise.
func (d *Driver) EncryptLong(ctx context.Context, values []float64) (*Chunked, error) {
	if len(values) == 0 {
		return nil, newError(DimensionMismatch, "EncryptLong", "empty vector")
	}
	n := (len(values) + d.chunkSize - 1) / d.chunkSize
	logSlots := d.k.be.packer.logSlotsFor(d.chunkSize)
	out := &Chunked{Chunks: make([]*Ciphertext, n), Len: len(values), ChunkSize: d.chunkSize}

	err := d.each(ctx, n, func(i int) error {
		lo, hi := i*d.chunkSize, min((i+1)*d.chunkSize, len(values))
		v, err := d.k.be.packer.DenseIn(values[lo:hi], logSlots)
		if err != nil {
			return err
		}
		ct, err := d.k.be.EncryptVector(v)
		if err != nil {
			return err
		}
		out.Chunks[i] = ct
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Debug("encrypted", "len", len(values), "chunks", n)
	return out, nil
}

// DecryptLong decrypts every chunk and concatenates the meaningful values.
func (d *Driver) DecryptLong(ctx context.Context, c *Chunked) ([]float64, error) {
	if c == nil {
		return nil, newError(BackendError, "DecryptLong", "input cannot be nil")
	}
	parts := make([][]float64, len(c.Chunks))
	err := d.each(ctx, len(c.Chunks), func(i int) error {
		v, err := d.k.be.DecryptVector(c.Chunks[i])
		if err != nil {
			return err
		}
		parts[i] = Unpack(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, c.Len)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (d *Driver) checkPair(op string, a, b *Chunked) error {
	if a == nil || b == nil {
		return newError(BackendError, op, "inputs cannot be nil")
	}
	if a.Len != b.Len || len(a.Chunks) != len(b.Chunks) {
		return newError(DimensionMismatch, op, "lengths %d and %d", a.Len, b.Len)
	}
	return nil
}

func (d *Driver) zip(ctx context.Context, op string, a, b *Chunked, fn func(x, y *Ciphertext) (*Ciphertext, error)) (*Chunked, error) {
	if err := d.checkPair(op, a, b); err != nil {
		return nil, err
	}
	out := &Chunked{Chunks: make([]*Ciphertext, len(a.Chunks)), Len: a.Len, ChunkSize: a.ChunkSize}
	err := d.each(ctx, len(a.Chunks), func(i int) (err error) {
		out.Chunks[i], err = fn(a.Chunks[i], b.Chunks[i])
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Add adds two chunked vectors chunk by chunk.
func (d *Driver) Add(ctx context.Context, a, b *Chunked) (*Chunked, error) {
	return d.zip(ctx, "Add", a, b, func(x, y *Ciphertext) (*Ciphertext, error) {
		return d.k.Add(x, y)
	})
}

// Mul multiplies two chunked vectors element-wise.
func (d *Driver) Mul(ctx context.Context, a, b *Chunked, keys *EvalKeys) (*Chunked, error) {
	return d.zip(ctx, "Mul", a, b, func(x, y *Ciphertext) (*Ciphertext, error) {
		return d.k.Mul(x, y, keys)
	})
}

// MulPlain multiplies a chunked vector element-wise by plaintext values.
func (d *Driver) MulPlain(ctx context.Context, a *Chunked, values []float64) (*Chunked, error) {
	if a == nil {
		return nil, newError(BackendError, "MulPlain", "input cannot be nil")
	}
	if len(values) != a.Len {
		return nil, newError(DimensionMismatch, "MulPlain", "lengths %d and %d", a.Len, len(values))
	}
	out := &Chunked{Chunks: make([]*Ciphertext, len(a.Chunks)), Len: a.Len, ChunkSize: a.ChunkSize}
	err := d.each(ctx, len(a.Chunks), func(i int) error {
		x := a.Chunks[i]
		lo := i * a.ChunkSize
		v, err := d.k.be.packer.DenseIn(values[lo:lo+x.Layout.Len], x.Layout.LogSlots)
		if err != nil {
			return err
		}
		pt, err := d.k.be.Encode(v, d.k.be.params.DefaultScale(), x.Level())
		if err != nil {
			return err
		}
		out.Chunks[i], err = d.k.Mul(x, pt, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Dot computes per-chunk partial dot products in parallel, then sums the
// partials in chunk order. Each partial is reduced over the whole chunk
// period, so every slot of the result holds the full sum even when the
// last chunk is short.
func (d *Driver) Dot(ctx context.Context, a, b *Chunked, keys *EvalKeys) (*Ciphertext, error) {
	if err := d.checkPair("Dot", a, b); err != nil {
		return nil, err
	}
	partials := make([]*Ciphertext, len(a.Chunks))
	err := d.each(ctx, len(a.Chunks), func(i int) error {
		x := a.Chunks[i]
		p, err := d.k.Mul(x, b.Chunks[i], keys)
		if err != nil {
			return err
		}
		// Slots past the chunk length are zero.
		partials[i], err = d.k.Sum(p, x.Layout.Slots(), keys)
		return err
	})
	if err != nil {
		return nil, err
	}

	acc := partials[0]
	partials[0] = nil
	for i := 1; i < len(partials); i++ {
		if acc, err = d.k.Add(acc, partials[i]); err != nil {
			return nil, fmt.Errorf("Dot: reducing chunk %d: %w", i, err)
		}
		partials[i] = nil
	}
	return acc, nil
}
