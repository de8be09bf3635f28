package runtime

import (
	"math"
	"slices"

	"bitllama-go/internal/kernels"
)

// TopKEntry is one candidate token with its logit.
type TopKEntry struct {
	TokenID int32
	Logit   float32
}

// TopKStep records the best candidates at one generated position.
type TopKStep struct {
	Step    int
	Entries []TopKEntry
}

type samplingConfig struct {
	temp float32
	topP float32
	topK int
}

func (c *samplingConfig) normalize() {
	if c.temp < 0 || math.IsNaN(float64(c.temp)) {
		c.temp = 0
	}
	if c.topP <= 0 || c.topP > 1 {
		c.topP = 1
	}
	if c.topK < 0 {
		c.topK = 0
	}
}

// sampler is a xorshift64* stream. Generation with the same seed and
// logits reproduces the same tokens.
type sampler struct {
	state uint64
}

func newSampler(seed int64) *sampler {
	state := uint64(seed) ^ 0x9e3779b97f4a7c15
	if state == 0 {
		state = 1
	}
	return &sampler{state: state}
}

func (s *sampler) nextU64() uint64 {
	x := s.state
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	s.state = x
	return x * 2685821657736338717
}

func (s *sampler) nextFloat() float32 {
	const denom = 1.0 / (1 << 53)
	return float32(float64(s.nextU64()>>11) * denom)
}

// fillTopK writes the k largest logits into entries in descending order and
// returns how many were written.
func fillTopK(entries []TopKEntry, logits []float32, k int) int {
	k = min(k, len(logits), len(entries))
	if k <= 0 {
		return 0
	}
	count := 0
	minIdx := 0
	rescan := func() {
		minIdx = 0
		for i := 1; i < k; i++ {
			if entries[i].Logit < entries[minIdx].Logit {
				minIdx = i
			}
		}
	}
	for id, logit := range logits {
		if count < k {
			entries[count] = TopKEntry{TokenID: int32(id), Logit: logit}
			count++
			if count == k {
				rescan()
			}
			continue
		}
		if logit <= entries[minIdx].Logit {
			continue
		}
		entries[minIdx] = TopKEntry{TokenID: int32(id), Logit: logit}
		rescan()
	}
	out := entries[:count]
	slices.SortFunc(out, func(a, b TopKEntry) int {
		switch {
		case a.Logit > b.Logit:
			return -1
		case a.Logit < b.Logit:
			return 1
		}
		return int(a.TokenID - b.TokenID)
	})
	return count
}

// sampleLogits picks the next token: argmax at temperature 0, otherwise a
// draw from the tempered distribution restricted to the top k tokens and
// then to the smallest prefix with mass >= topP.
func sampleLogits(logits []float32, cfg samplingConfig, rng *sampler) int {
	if len(logits) == 0 {
		return -1
	}
	if cfg.temp <= 0 {
		return kernels.Argmax(logits)
	}
	k := cfg.topK
	if k == 0 || k > len(logits) {
		k = len(logits)
	}
	if k == len(logits) && cfg.topP >= 1 {
		return sampleFromFull(logits, cfg.temp, rng)
	}
	entries := make([]TopKEntry, k)
	n := fillTopK(entries, logits, k)
	return sampleFromTopK(entries[:n], cfg.temp, cfg.topP, rng)
}

// sampleFromTopK draws from entries, which are sorted by descending logit.
func sampleFromTopK(entries []TopKEntry, temp, topP float32, rng *sampler) int {
	if len(entries) == 0 {
		return -1
	}
	maxLogit := entries[0].Logit / temp
	probs := make([]float32, len(entries))
	var sum float32
	for i := range entries {
		p := float32(math.Exp(float64(entries[i].Logit/temp - maxLogit)))
		probs[i] = p
		sum += p
	}
	if sum == 0 {
		return int(entries[0].TokenID)
	}
	limit := len(entries)
	if topP < 1 {
		var cum float32
		for i, p := range probs {
			cum += p / sum
			if cum >= topP {
				limit = i + 1
				break
			}
		}
		sum = 0
		for _, p := range probs[:limit] {
			sum += p
		}
	}
	r := rng.nextFloat() * sum
	var cum float32
	for i := 0; i < limit; i++ {
		cum += probs[i]
		if r <= cum {
			return int(entries[i].TokenID)
		}
	}
	return int(entries[limit-1].TokenID)
}

func sampleFromFull(logits []float32, temp float32, rng *sampler) int {
	probs := make([]float32, len(logits))
	for i, v := range logits {
		probs[i] = v / temp
	}
	kernels.SoftmaxInPlace(probs)
	r := rng.nextFloat()
	var cum float32
	for i, p := range probs {
		cum += p
		if r <= cum {
			return i
		}
	}
	return len(probs) - 1
}
