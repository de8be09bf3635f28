// Package kvcache stores attention keys and values as 8-bit offset-binary
// codes with one f32 scale per token and head.
//
// Layout is [kvHeads][seq][headDim] for codes and [kvHeads][seq] for scales.
// The cache only grows; Reset clears keys and values together.
package kvcache

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/kernels"
)

// ErrCacheFull is returned when an append would exceed the cache capacity.
var ErrCacheFull = errors.New("kv cache full")

type buffer struct {
	codes  [][]uint8   // per head: seq*headDim codes
	scales [][]float32 // per head: seq scales
}

func newBuffer(heads, capacity, headDim int) buffer {
	b := buffer{codes: make([][]uint8, heads), scales: make([][]float32, heads)}
	for h := 0; h < heads; h++ {
		b.codes[h] = make([]uint8, 0, capacity*headDim)
		b.scales[h] = make([]float32, 0, capacity)
	}
	return b
}

// Cache is the quantized KV cache of one attention layer for one sequence.
type Cache struct {
	Heads   int
	HeadDim int
	MaxSeq  int

	k, v buffer
	n    int
	row  []uint8
}

// New allocates an empty cache. maxSeq <= 0 means unbounded.
func New(heads, headDim, maxSeq int) *Cache {
	capacity := maxSeq
	if capacity <= 0 {
		capacity = 64
	}
	return &Cache{
		Heads:   heads,
		HeadDim: headDim,
		MaxSeq:  maxSeq,
		k:       newBuffer(heads, capacity, headDim),
		v:       newBuffer(heads, capacity, headDim),
		row:     make([]uint8, headDim),
	}
}

// Len is the number of cached positions.
func (c *Cache) Len() int { return c.n }

// Reset drops every cached position.
func (c *Cache) Reset() {
	for h := 0; h < c.Heads; h++ {
		c.k.codes[h] = c.k.codes[h][:0]
		c.k.scales[h] = c.k.scales[h][:0]
		c.v.codes[h] = c.v.codes[h][:0]
		c.v.scales[h] = c.v.scales[h][:0]
	}
	c.n = 0
}

// Bytes is the resident size of codes and scales.
func (c *Cache) Bytes() uint64 {
	perPos := uint64(c.Heads) * (uint64(c.HeadDim) + 4)
	return 2 * perPos * uint64(c.n)
}

// Append quantizes kNew and vNew ([Heads][seq][HeadDim]) and returns the
// dequantized full keys and values ([Heads][Len()][HeadDim]).
func (c *Cache) Append(kNew, vNew []float32) (kFull, vFull []float32, err error) {
	step := c.Heads * c.HeadDim
	if step == 0 || len(kNew) != len(vNew) || len(kNew)%step != 0 {
		return nil, nil, errors.Wrapf(kernels.ErrDimensionMismatch,
			"kv append: k=%d v=%d values for %d heads of %d", len(kNew), len(vNew), c.Heads, c.HeadDim)
	}
	seq := len(kNew) / step
	if c.MaxSeq > 0 && c.n+seq > c.MaxSeq {
		return nil, nil, errors.Wrapf(ErrCacheFull, "%d cached + %d new > %d", c.n, seq, c.MaxSeq)
	}
	c.appendTo(&c.k, kNew, seq)
	c.appendTo(&c.v, vNew, seq)
	c.n += seq
	return c.dequantize(&c.k), c.dequantize(&c.v), nil
}

func (c *Cache) appendTo(b *buffer, x []float32, seq int) {
	for h := 0; h < c.Heads; h++ {
		for s := 0; s < seq; s++ {
			src := x[(h*seq+s)*c.HeadDim : (h*seq+s+1)*c.HeadDim]
			scale := kernels.QuantizeRowU8(c.row, src)
			b.codes[h] = append(b.codes[h], c.row...)
			b.scales[h] = append(b.scales[h], scale)
		}
	}
}

func (c *Cache) dequantize(b *buffer) []float32 {
	out := make([]float32, c.Heads*c.n*c.HeadDim)
	for h := 0; h < c.Heads; h++ {
		codes, scales := b.codes[h], b.scales[h]
		for s := 0; s < c.n; s++ {
			dst := out[(h*c.n+s)*c.HeadDim : (h*c.n+s+1)*c.HeadDim]
			kernels.DequantizeRowU8(dst, codes[s*c.HeadDim:(s+1)*c.HeadDim], scales[s])
		}
	}
	return out
}
