package packed

import (
	"github.com/pkg/errors"
)

// MultiBase is the adaptive layout: several ternary bases summed with
// per-base scales. Packed has shape (Out, In/4, Bases); byte (o, g, b) holds
// the codes of features 4g..4g+3 of base b.
type MultiBase struct {
	Packed []byte
	Scales []float32
	Out    int
	In     int
}

// Bases is the number of summed ternary bases.
func (m *MultiBase) Bases() int { return len(m.Scales) }

// Validate checks that Packed matches (Out, ceil(In/4), Bases).
func (m *MultiBase) Validate() error {
	bases := len(m.Scales)
	if bases == 0 {
		return errors.Wrap(ErrLayout, "multi-base weight without scales")
	}
	want := m.Out * PackedLen(m.In) * bases
	if len(m.Packed) != want {
		return errors.Wrapf(ErrLayout, "multi-base: got %d bytes for (%d, %d, %d), want %d",
			len(m.Packed), m.Out, PackedLen(m.In), bases, want)
	}
	return nil
}

// Dense reconstructs the row-major (Out, In) float matrix.
func (m *MultiBase) Dense() ([]float32, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	bases := len(m.Scales)
	groups := PackedLen(m.In)
	lut := DecodeLUT()
	out := make([]float32, m.Out*m.In)
	for o := 0; o < m.Out; o++ {
		row := out[o*m.In : (o+1)*m.In]
		for g := 0; g < groups; g++ {
			base := (o*groups + g) * bases
			for b := 0; b < bases; b++ {
				e := &lut[m.Packed[base+b]]
				s := m.Scales[b]
				for i := 0; i < 4; i++ {
					k := g*4 + i
					if k >= m.In {
						break
					}
					row[k] += e[i] * s
				}
			}
		}
	}
	return out, nil
}

// FromMultiBase reconstructs the dense matrix and re-packs it to a single
// base. The dense matrix is returned as well for the dense fallback path.
func FromMultiBase(m *MultiBase) (*Weight, []float32, error) {
	dense, err := m.Dense()
	if err != nil {
		return nil, nil, err
	}
	return Pack(dense, m.Out, m.In), dense, nil
}
