// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package train

import (
	"fmt"
	"math"
)

// Model is a trained tile classifier or regressor. Weights are stored as
// one flat vector per output, each with a trailing bias term.
type Model struct {
	Backend    string      `json:"backend"`
	Hyper      HyperParams `json:"hyper"`
	Classes    []string    `json:"classes,omitempty"` // categorical models only
	FeatureDim int         `json:"feature_dim"`
	Weights    [][]float64 `json:"weights"`
}

// Prediction is one tile's model output.
type Prediction struct {
	Probabilities []float64 // categorical models
	Class         int
	Value         float64 // linear models
	Uncertainty   float64 // normalized entropy of the probabilities
}

func (m *Model) outputs() int {
	if m.Hyper.ModelType == ModelLinear {
		return 1
	}
	return len(m.Classes)
}

// logits computes the raw outputs for one feature vector.
func (m *Model) logits(features []float64) []float64 {
	out := make([]float64, m.outputs())
	for o := range out {
		w := m.Weights[o]
		v := w[len(w)-1] // bias
		for i, f := range features {
			v += w[i] * f
		}
		out[o] = v
	}
	return out
}

// Predict runs the model on one feature vector.
func (m *Model) Predict(features []float64) (*Prediction, error) {
	if len(features) != m.FeatureDim {
		return nil, fmt.Errorf("feature vector has %d dims, model expects %d", len(features), m.FeatureDim)
	}
	logits := m.logits(features)
	if m.Hyper.ModelType == ModelLinear {
		return &Prediction{Value: logits[0]}, nil
	}

	probs := softmax(logits)
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return &Prediction{
		Probabilities: probs,
		Class:         best,
		Uncertainty:   normalizedEntropy(probs),
	}, nil
}

func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(v - max)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// normalizedEntropy maps a probability vector to [0,1]; 1 is a uniform
// (maximally uncertain) prediction.
func normalizedEntropy(probs []float64) float64 {
	if len(probs) < 2 {
		return 0
	}
	var h float64
	for _, p := range probs {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(probs)))
}

// Evaluate computes mean loss and, for categorical models, accuracy over a
// sample set.
func (m *Model) Evaluate(samples []Sample) (loss float64, accuracy float64, err error) {
	if len(samples) == 0 {
		return 0, 0, fmt.Errorf("no samples to evaluate")
	}
	correct := 0
	for _, s := range samples {
		pred, err := m.Predict(s.Features)
		if err != nil {
			return 0, 0, err
		}
		if m.Hyper.ModelType == ModelLinear {
			d := pred.Value - s.Value
			loss += d * d
			continue
		}
		p := pred.Probabilities[s.Label]
		if p < 1e-12 {
			p = 1e-12
		}
		loss -= math.Log(p)
		if pred.Class == s.Label {
			correct++
		}
	}
	loss /= float64(len(samples))
	if m.Hyper.ModelType == ModelCategorical {
		accuracy = float64(correct) / float64(len(samples))
	}
	return loss, accuracy, nil
}
