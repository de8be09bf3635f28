package model

import "fmt"

// Layout is a tensor naming scheme.
type Layout uint8

const (
	// LayoutLegacy names tensors layers.N.*, embed, norm_f. Checkpoints are
	// always written in this layout.
	LayoutLegacy Layout = iota
	// LayoutHF names tensors model.layers.N.*, model.embed_tokens, model.norm.
	LayoutHF
)

func (l Layout) String() string {
	if l == LayoutHF {
		return "hf"
	}
	return "legacy"
}

func (l Layout) embed() string {
	if l == LayoutHF {
		return "model.embed_tokens"
	}
	return "embed"
}

func (l Layout) finalNorm() string {
	if l == LayoutHF {
		return "model.norm"
	}
	return "norm_f"
}

func (l Layout) lmHead() string { return "lm_head" }

func (l Layout) layer(i int) string {
	if l == LayoutHF {
		return fmt.Sprintf("model.layers.%d", i)
	}
	return fmt.Sprintf("layers.%d", i)
}

func (l Layout) norm1(i int) string {
	if l == LayoutHF {
		return l.layer(i) + ".input_layernorm"
	}
	return l.layer(i) + ".norm1"
}

func (l Layout) norm2(i int) string {
	if l == LayoutHF {
		return l.layer(i) + ".post_attention_layernorm"
	}
	return l.layer(i) + ".norm2"
}

func (l Layout) ttt(i int, proj string) string { return l.layer(i) + ".ttt." + proj }

func (l Layout) attn(i int, proj string) string { return l.layer(i) + ".self_attn." + proj + "_proj" }

func (l Layout) mlp(i int, proj string) string { return l.layer(i) + ".mlp." + proj + "_proj" }

// detectLayout picks the HF layout when its embedding name is present.
func detectLayout(has func(string) bool) Layout {
	if has(LayoutHF.embed()+".weight") || has(LayoutHF.layer(0)+".input_layernorm.weight") {
		return LayoutHF
	}
	return LayoutLegacy
}
