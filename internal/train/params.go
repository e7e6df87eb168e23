// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package train fits tile classifiers on extracted archives. The training
// engine is selected through the SF_BACKEND environment variable; both
// engines share the feature extractor and checkpoint format but differ in
// their optimization scheme.
package train

import "fmt"

// Model types.
const (
	ModelCategorical = "categorical"
	ModelLinear      = "linear"
)

// HyperParams are the tunable training parameters.
type HyperParams struct {
	ModelType string `json:"model_type"`
	TilePX    int    `json:"tile_px"`
	TileUM    int    `json:"tile_um"`

	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Epsilon      float64 `json:"epsilon"`
	Momentum     float64 `json:"momentum"`
	WeightDecay  float64 `json:"weight_decay"`

	BatchSize int `json:"batch_size"`
	Epochs    int `json:"epochs"`

	EarlyStop         bool    `json:"early_stop"`
	EarlyStopPatience int     `json:"early_stop_patience"`
	EarlyStopDelta    float64 `json:"early_stop_delta"`

	Seed int64 `json:"seed"`
}

// DefaultHyperParams returns the standard training configuration for the
// given tile geometry.
func DefaultHyperParams(tilePX, tileUM int) HyperParams {
	return HyperParams{
		ModelType:         ModelCategorical,
		TilePX:            tilePX,
		TileUM:            tileUM,
		LearningRate:      0.0001,
		Beta1:             0.9,
		Beta2:             0.999,
		Epsilon:           1e-8,
		Momentum:          0.9,
		BatchSize:         16,
		Epochs:            3,
		EarlyStop:         true,
		EarlyStopPatience: 3,
		EarlyStopDelta:    0.015,
	}
}

func (hp HyperParams) validate() error {
	switch hp.ModelType {
	case ModelCategorical, ModelLinear:
	default:
		return fmt.Errorf("unknown model type %q", hp.ModelType)
	}
	if hp.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive")
	}
	if hp.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if hp.Epochs < 1 {
		return fmt.Errorf("epoch count must be at least 1")
	}
	return nil
}
