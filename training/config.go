package training

import (
	"github.com/Noofbiz/linenet/datasets"
	"github.com/pkg/errors"
)

// Config holds the hyperparameters of the LineNet model.
type Config struct {
	// ImageShape is the shape of the virtual camera image of a line.
	ImageShape datasets.ImageShape

	// MaxLineCount is the number of line slots per frame.
	MaxLineCount int

	// LineNumAttr is the length of the line geometry vector; it must match
	// datasets.LineNumAttr.
	LineNumAttr int

	// ConvFilters lists the filters of the image feature blocks, one entry
	// per block. Default: {16, 32, 64}.
	ConvFilters []int

	// HiddenDim is the width of the dense layers. Default: 64.
	HiddenDim int

	// EmbeddingDim is the size of the output embedding. Default: 16.
	EmbeddingDim int

	// LearningRate of the Adam optimizer. Default: 1e-4.
	LearningRate float64

	// Margin of the contrastive loss: different-instance pairs closer than
	// Margin are penalized. Default: 1.
	Margin float64

	// PretrainImages trains the image features alone, with a head that
	// ignores geometry and frame context.
	PretrainImages bool

	// TrainSetMean, when set, is stored in the model as a non-trainable
	// variable so the normalization travels with the weights.
	TrainSetMean []float64

	// Seed of the variable initializers. Zero picks a random seed.
	Seed int64

	// Backend selects the gomlx backend, see newBackend.
	Backend string
}

func (cfg *Config) withDefaults() error {
	if cfg.ImageShape.C == 0 {
		cfg.ImageShape.C = 3
	}
	if cfg.ImageShape.H <= 0 || cfg.ImageShape.W <= 0 || cfg.ImageShape.C != 3 {
		return errors.Errorf("invalid image shape %+v", cfg.ImageShape)
	}
	if cfg.MaxLineCount <= 0 {
		return errors.Errorf("max line count must be > 0, got %d", cfg.MaxLineCount)
	}
	if cfg.LineNumAttr == 0 {
		cfg.LineNumAttr = datasets.LineNumAttr
	}
	if cfg.LineNumAttr != datasets.LineNumAttr {
		return errors.Errorf("line_num_attr must be %d, got %d", datasets.LineNumAttr, cfg.LineNumAttr)
	}
	if len(cfg.ConvFilters) == 0 {
		cfg.ConvFilters = []int{16, 32, 64}
	}
	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 64
	}
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 16
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 1e-4
	}
	if cfg.Margin == 0 {
		cfg.Margin = 1
	}
	if cfg.TrainSetMean != nil && len(cfg.TrainSetMean) != datasets.MeanDims {
		return errors.Errorf("train set mean must have %d values, got %d", datasets.MeanDims, len(cfg.TrainSetMean))
	}
	return nil
}
