package packed

import "sync"

var (
	lutOnce sync.Once
	lut     [256][4]float32
)

// DecodeLUT returns the table mapping one packed byte to its four ternary values.
func DecodeLUT() *[256][4]float32 {
	lutOnce.Do(func() {
		for b := 0; b < 256; b++ {
			for i := 0; i < 4; i++ {
				lut[b][i] = codeValue[(b>>(i*2))&3]
			}
		}
	})
	return &lut
}
