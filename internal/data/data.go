// Package data streams pre-tokenized training data. A token file is a flat
// little-endian array of u16 tokens, or u32 when the name ends in .u32 or
// .u32.bin. An optional sibling file with the .mask extension holds one byte
// per token: 0 means learn the token, anything else means ignore it.
package data

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrEndOfData is returned by Next when looping is off and the stream
	// cannot fill another batch.
	ErrEndOfData = errors.New("end of data")
	// ErrTooShort is returned when the stream holds fewer than len+2 tokens.
	ErrTooShort = errors.New("token stream too short")
)

// Batch is one training batch. Inputs and Targets are [Size][Len]; Targets
// are Inputs shifted by one. Mask is nil when the stream has no mask file,
// otherwise [Size][Len] weights (1 learn, 0 ignore) aligned with Targets.
type Batch struct {
	Inputs  [][]int32
	Targets [][]int32
	Mask    [][]float32
}

// Tokens returns the number of input tokens in b.
func (b *Batch) Tokens() int {
	if len(b.Inputs) == 0 {
		return 0
	}
	return len(b.Inputs) * len(b.Inputs[0])
}

// Loader reads batches sequentially from a memory-mapped token file.
type Loader struct {
	Path string
	// Loop rewinds to the start when the stream is exhausted.
	Loop bool

	tokens []byte
	mask   []byte
	is32   bool
	n      int
	cursor int
	closes []func() error
}

func isU32(path string) bool {
	return filepath.Ext(path) == ".u32" || strings.HasSuffix(path, ".u32.bin")
}

// MaskPath is the mask file that accompanies path.
func MaskPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".mask"
}

func mapFile(path string) ([]byte, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	b, unmap, err := mmapReadOnly(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmap %s", path)
	}
	return b, unmap, nil
}

// Open maps path and its mask file, if any. Looping is on by default.
func Open(path string) (*Loader, error) {
	b, unmap, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	l := &Loader{Path: path, Loop: true, tokens: b, is32: isU32(path), closes: []func() error{unmap}}
	elem := 2
	if l.is32 {
		elem = 4
	}
	l.n = len(b) / elem

	if mp := MaskPath(path); mp != path {
		if _, err := os.Stat(mp); err == nil {
			m, unmapMask, err := mapFile(mp)
			if err != nil {
				l.Close()
				return nil, err
			}
			l.mask = m
			l.closes = append(l.closes, unmapMask)
			if len(m) != l.n {
				klog.Warningf("mask %s has %d bytes for %d tokens", mp, len(m), l.n)
			}
			klog.Infof("data: mask %s", mp)
		}
	}
	klog.Infof("data: %s, %s tokens (u%d)", path, humanize.Comma(int64(l.n)), elem*8)
	return l, nil
}

// Close unmaps the files.
func (l *Loader) Close() error {
	var first error
	for _, c := range l.closes {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	l.closes = nil
	l.tokens, l.mask = nil, nil
	return first
}

// Len is the number of tokens in the stream.
func (l *Loader) Len() int { return l.n }

// HasMask reports whether a mask file was found.
func (l *Loader) HasMask() bool { return l.mask != nil }

// Cursor is the index of the next token to read.
func (l *Loader) Cursor() int { return l.cursor }

// Seek moves the cursor, wrapping around the stream length.
func (l *Loader) Seek(cursor int) {
	if l.n > 0 {
		l.cursor = cursor % l.n
	}
}

func (l *Loader) token(i int) int32 {
	if l.is32 {
		return int32(binary.LittleEndian.Uint32(l.tokens[4*i:]))
	}
	return int32(binary.LittleEndian.Uint16(l.tokens[2*i:]))
}

func (l *Loader) maskWeight(i int) float32 {
	if i >= len(l.mask) || l.mask[i] == 0 {
		return 1
	}
	return 0
}

// Next reads size sequences of seqLen tokens. Consecutive sequences advance
// the cursor by seqLen; each also reads one extra token for the target.
func (l *Loader) Next(size, seqLen int) (*Batch, error) {
	if size <= 0 || seqLen <= 0 {
		return nil, errors.Errorf("batch %d x %d", size, seqLen)
	}
	if l.n < seqLen+2 {
		return nil, errors.Wrapf(ErrTooShort, "%d tokens for sequences of %d", l.n, seqLen)
	}
	b := &Batch{Inputs: make([][]int32, size), Targets: make([][]int32, size)}
	if l.mask != nil {
		b.Mask = make([][]float32, size)
	}
	for r := 0; r < size; r++ {
		if l.cursor+seqLen+1 >= l.n {
			if !l.Loop {
				return nil, ErrEndOfData
			}
			l.cursor = 0
		}
		in := make([]int32, seqLen)
		tg := make([]int32, seqLen)
		for i := 0; i < seqLen; i++ {
			in[i] = l.token(l.cursor + i)
			tg[i] = l.token(l.cursor + i + 1)
		}
		b.Inputs[r], b.Targets[r] = in, tg
		if l.mask != nil {
			m := make([]float32, seqLen)
			for i := range m {
				m[i] = l.maskWeight(l.cursor + i + 1)
			}
			b.Mask[r] = m
		}
		l.cursor += seqLen
	}
	return b, nil
}

// WriteTokens writes tokens in the layout Open expects for path.
func WriteTokens(path string, tokens []uint32) error {
	var buf []byte
	if isU32(path) {
		buf = make([]byte, 4*len(tokens))
		for i, t := range tokens {
			binary.LittleEndian.PutUint32(buf[4*i:], t)
		}
	} else {
		buf = make([]byte, 2*len(tokens))
		for i, t := range tokens {
			if t > 0xffff {
				return errors.Errorf("token %d does not fit u16 file %s", t, path)
			}
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(t))
		}
	}
	return os.WriteFile(path, buf, 0o644)
}
