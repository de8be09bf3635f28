// Package train runs the MeZO training loop: batches from the token stream,
// a warmup-cosine learning rate, cooperative stop handling and checkpoints.
package train

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"bitllama-go/internal/mezo"
	"bitllama-go/internal/model"
)

// Config holds every training knob. It can be read from YAML and then
// overridden by flags.
type Config struct {
	Dim    int `yaml:"dim"`
	Layers int `yaml:"layers"`
	Vocab  int `yaml:"vocab"`
	// AttentionLayers lists blocks that use attention instead of TTT.
	AttentionLayers []int   `yaml:"attention_layers"`
	ContextLen      int     `yaml:"context_len"`
	BatchSize       int     `yaml:"batch_size"`
	Accum           int     `yaml:"accum"`
	LR              float64 `yaml:"lr"`
	MinLR           float64 `yaml:"min_lr"`
	WarmupSteps     int     `yaml:"warmup_steps"`
	Steps           int     `yaml:"steps"`
	SaveInterval    int     `yaml:"save_interval"`
	LogInterval     int     `yaml:"log_interval"`
	BestInterval    int     `yaml:"best_interval"`
	KeepLast        int     `yaml:"keep_last"`
	ChunkSize       int     `yaml:"chunk_size"`
	MezoEps         float64 `yaml:"mezo_eps"`
	Seed            uint64  `yaml:"seed"`
	Data            string  `yaml:"data"`
	OutputDir       string  `yaml:"output_dir"`
	Load            string  `yaml:"load"`
	F16             bool    `yaml:"f16"`
	Progress        bool    `yaml:"progress"`
}

// DefaultConfig returns the stock training setup.
func DefaultConfig() Config {
	return Config{
		Dim:          256,
		Layers:       8,
		Vocab:        32000,
		ContextLen:   128,
		BatchSize:    16,
		Accum:        1,
		LR:           3e-4,
		MinLR:        1e-5,
		WarmupSteps:  100,
		Steps:        1000,
		SaveInterval: 500,
		LogInterval:  10,
		BestInterval: 50,
		KeepLast:     3,
		ChunkSize:    32,
		MezoEps:      mezo.DefaultEps,
		OutputDir:    ".",
		Progress:     true,
	}
}

// LoadConfig reads YAML from path over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch {
	case c.ContextLen <= 0 || c.BatchSize <= 0:
		return errors.Errorf("context_len %d and batch_size %d must be positive", c.ContextLen, c.BatchSize)
	case c.Steps <= 0:
		return errors.Errorf("steps %d must be positive", c.Steps)
	case c.LR < 0 || c.MinLR < 0 || c.MinLR > c.LR:
		return errors.Errorf("lr %g, min_lr %g", c.LR, c.MinLR)
	case c.MezoEps <= 0:
		return errors.Errorf("mezo_eps %g must be positive", c.MezoEps)
	}
	if c.Accum <= 0 {
		c.Accum = 1
	}
	if c.KeepLast <= 0 {
		c.KeepLast = 3
	}
	if c.LogInterval <= 0 {
		c.LogInterval = 10
	}
	if c.BestInterval <= 0 {
		c.BestInterval = 50
	}
	return nil
}

// ModelConfig is the model shape for training from scratch.
func (c *Config) ModelConfig() model.Config {
	accel := 0
	return model.Config{
		VocabSize:             c.Vocab,
		HiddenDim:             c.Dim,
		NumLayers:             c.Layers,
		NGPULayers:            &accel,
		MaxPositionEmbeddings: max(2048, c.ContextLen),
		AttentionLayers:       c.AttentionLayers,
	}
}

// Schedule is the learning-rate schedule described by c.
func (c *Config) Schedule() mezo.WarmupCosine {
	return mezo.WarmupCosine{LR: c.LR, MinLR: c.MinLR, Warmup: c.WarmupSteps, Total: c.Steps}
}
