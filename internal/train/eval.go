package train

import (
	"context"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"bitllama-go/internal/data"
	"bitllama-go/internal/model"
)

// Evaluate measures the mean cross-entropy and perplexity of m over src.
// Every row starts from fresh fast weights and is run one token at a time,
// the way inference sees it. It stops at the end of the data or once limit
// input tokens were read (limit <= 0 reads everything). src should not loop.
func Evaluate(ctx context.Context, m *model.Model, src BatchSource, batch, ctxLen, limit int) (loss, ppl float64, err error) {
	if batch <= 0 || ctxLen <= 0 {
		return 0, 0, errors.Errorf("evaluate: batch %d x %d", batch, ctxLen)
	}
	var sum, weight float64
	var tokens int
	for limit <= 0 || tokens < limit {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		b, err := src.Next(batch, ctxLen)
		if errors.Is(err, data.ErrEndOfData) {
			break
		}
		if err != nil {
			return 0, 0, err
		}
		logits, err := m.ForwardChunkwise(b.Inputs, nil, 1)
		if err != nil {
			return 0, 0, err
		}
		for r := range logits {
			var mask []float32
			if b.Mask != nil {
				mask = b.Mask[r]
			}
			s, w, err := crossEntropySum(logits[r], b.Targets[r], mask)
			if err != nil {
				return 0, 0, err
			}
			sum += s
			weight += w
		}
		tokens += b.Tokens()
		klog.V(1).Infof("eval: %s tokens, running loss %.4f", humanize.Comma(int64(tokens)), sum/max(weight, 1))
	}
	if weight == 0 {
		return 0, 0, errors.Wrap(data.ErrTooShort, "evaluate: no scored tokens")
	}
	loss = sum / weight
	ppl = math.Exp(loss)
	klog.Infof("eval: %s tokens, avg nll %.4f, perplexity %.4f", humanize.Comma(int64(tokens)), loss, ppl)
	return loss, ppl, nil
}
