package train

import (
	"github.com/pkg/errors"

	"bitllama-go/internal/kernels"
)

// crossEntropySum returns the mask-weighted sum of token cross-entropies
// and the total weight.
func crossEntropySum(logits []float32, targets []int32, mask []float32) (sum, weight float64, err error) {
	n := len(targets)
	if n == 0 || len(logits)%n != 0 || (mask != nil && len(mask) != n) {
		return 0, 0, errors.Wrapf(kernels.ErrDimensionMismatch, "cross-entropy: %d logits, %d targets, %d mask", len(logits), n, len(mask))
	}
	vocab := len(logits) / n
	for i, tgt := range targets {
		w := float64(1)
		if mask != nil {
			w = float64(mask[i])
		}
		if w == 0 {
			continue
		}
		if tgt < 0 || int(tgt) >= vocab {
			return 0, 0, errors.Errorf("target %d outside vocab %d", tgt, vocab)
		}
		row := logits[i*vocab : (i+1)*vocab]
		sum += w * float64(kernels.LogSumExp(row)-row[tgt])
		weight += w
	}
	return sum, weight, nil
}

// CrossEntropy is the mean cross-entropy of logits[len(targets)×vocab]
// against targets over positions with nonzero mask. A nil mask keeps every
// position; a fully masked input has loss 0.
func CrossEntropy(logits []float32, targets []int32, mask []float32) (float32, error) {
	sum, weight, err := crossEntropySum(logits, targets, mask)
	if err != nil || weight == 0 {
		return 0, err
	}
	return float32(sum / weight), nil
}
