// Package model composes embeddings, ternary transformer blocks and the LM
// head into the recurrent language model, and loads it from named weights.
package model

import (
	"encoding/json"
	"os"
	"slices"

	"github.com/pkg/errors"
)

// ErrConfig is returned for inconsistent model configurations.
var ErrConfig = errors.New("invalid model config")

// MetaConfigKey is the checkpoint metadata key holding the JSON config.
const MetaConfigKey = "bitllama.config"

// Config describes the model shape. Zero values are filled by Normalize.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenDim             int     `json:"hidden_dim"`
	NumLayers             int     `json:"num_layers"`
	InnerLR               float64 `json:"inner_lr"`
	NGPULayers            *int    `json:"n_gpu_layers,omitempty"`
	NHeads                int     `json:"n_heads,omitempty"`
	NKVHeads              int     `json:"n_kv_heads,omitempty"`
	IntermediateDim       int     `json:"intermediate_dim,omitempty"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings,omitempty"`
	RopeTheta             float64 `json:"rope_theta,omitempty"`
	RMSNormEps            float64 `json:"rms_norm_eps,omitempty"`
	AttentionLayers       []int   `json:"attention_layers,omitempty"`
	LMHeadCPU             bool    `json:"lm_head_cpu,omitempty"`
}

// UnmarshalJSON accepts n_layers as an alias of num_layers.
func (c *Config) UnmarshalJSON(b []byte) error {
	type plain Config
	aux := struct {
		*plain
		NLayers int `json:"n_layers"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if c.NumLayers == 0 {
		c.NumLayers = aux.NLayers
	}
	return nil
}

// Normalize fills defaults and validates the result.
func (c *Config) Normalize() error {
	if c.InnerLR == 0 {
		c.InnerLR = 0.1
	}
	if c.NHeads == 0 {
		c.NHeads = 1
		if c.HiddenDim%64 == 0 && c.HiddenDim >= 64 {
			c.NHeads = c.HiddenDim / 64
		}
	}
	if c.NKVHeads == 0 {
		c.NKVHeads = c.NHeads
	}
	if c.IntermediateDim == 0 {
		c.IntermediateDim = 4 * c.HiddenDim
	}
	if c.MaxPositionEmbeddings == 0 {
		c.MaxPositionEmbeddings = 2048
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-5
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Wrapf(ErrConfig, "vocab_size %d", c.VocabSize)
	case c.HiddenDim <= 0 || c.HiddenDim%4 != 0:
		return errors.Wrapf(ErrConfig, "hidden_dim %d must be a positive multiple of 4", c.HiddenDim)
	case c.NumLayers <= 0:
		return errors.Wrapf(ErrConfig, "num_layers %d", c.NumLayers)
	case c.NHeads <= 0 || c.HiddenDim%c.NHeads != 0:
		return errors.Wrapf(ErrConfig, "n_heads %d does not divide hidden_dim %d", c.NHeads, c.HiddenDim)
	case c.NKVHeads <= 0 || c.NHeads%c.NKVHeads != 0:
		return errors.Wrapf(ErrConfig, "n_kv_heads %d does not divide n_heads %d", c.NKVHeads, c.NHeads)
	case c.NGPULayers != nil && *c.NGPULayers < 0:
		return errors.Wrapf(ErrConfig, "n_gpu_layers %d", *c.NGPULayers)
	}
	for _, l := range c.AttentionLayers {
		if l < 0 || l >= c.NumLayers {
			return errors.Wrapf(ErrConfig, "attention layer %d out of range [0, %d)", l, c.NumLayers)
		}
	}
	return nil
}

// DSmall is the TTT fast-weight width.
func (c *Config) DSmall() int { return c.HiddenDim / 4 }

// HeadDim is the attention head width.
func (c *Config) HeadDim() int { return c.HiddenDim / c.NHeads }

// IsAttention reports whether layer i uses attention instead of TTT.
func (c *Config) IsAttention(i int) bool { return slices.Contains(c.AttentionLayers, i) }

// AccelLayers returns the requested accelerator layer count, or -1 when
// n_gpu_layers is unset and placement should be derived from free memory.
func (c *Config) AccelLayers() int {
	if c.NGPULayers == nil {
		return -1
	}
	return *c.NGPULayers
}

// LoadConfig reads and normalizes a config.json file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return Config{}, errors.Wrap(err, "parse model config")
	}
	if err := c.Normalize(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ConfigFromMeta reads the config stored in checkpoint metadata.
func ConfigFromMeta(meta map[string]any) (Config, bool, error) {
	s, ok := meta[MetaConfigKey].(string)
	if !ok {
		return Config{}, false, nil
	}
	c, err := ParseConfig([]byte(s))
	return c, true, err
}

func (c Config) marshal() (string, error) {
	b, err := json.Marshal(c)
	return string(b), err
}
