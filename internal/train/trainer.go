// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package train

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/pathscope/pathscope/internal/logging"
)

// EpochMetrics records one epoch of training.
type EpochMetrics struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	ValLoss   float64 `json:"val_loss"`
	ValAcc    float64 `json:"val_acc"`
}

// History is the full training trajectory.
type History struct {
	Epochs      []EpochMetrics `json:"epochs"`
	BestEpoch   int            `json:"best_epoch"`
	BestValLoss float64        `json:"best_val_loss"`
	Stopped     bool           `json:"stopped_early"`
}

// Train fits a model on the training samples, monitoring the validation
// samples for early stopping. The engine comes from hp-independent backend
// selection; pass the result of ActiveBackend.
func Train(ctx context.Context, backend Backend, hp HyperParams, classes []string, train, val []Sample) (*Model, *History, error) {
	if err := hp.validate(); err != nil {
		return nil, nil, err
	}
	if len(train) == 0 {
		return nil, nil, fmt.Errorf("no training samples")
	}
	if hp.ModelType == ModelCategorical && len(classes) < 2 {
		return nil, nil, fmt.Errorf("categorical training needs at least 2 classes (got %d)", len(classes))
	}

	dim := len(train[0].Features)
	outputs := 1
	if hp.ModelType == ModelCategorical {
		outputs = len(classes)
	}

	model := &Model{
		Backend:    backend.Name(),
		Hyper:      hp,
		Classes:    classes,
		FeatureDim: dim,
		Weights:    make([][]float64, outputs),
	}
	// One flat parameter vector keeps a single optimizer state across all
	// outputs.
	params := make([]float64, outputs*(dim+1))
	for o := 0; o < outputs; o++ {
		model.Weights[o] = params[o*(dim+1) : (o+1)*(dim+1)]
	}
	opt := backend.NewOptimizer(hp, len(params))
	rng := rand.New(rand.NewSource(hp.Seed))

	history := &History{BestValLoss: -1}
	var bestParams []float64
	sinceBest := 0

	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		order = epochOrder(rng, train, order)

		var epochLoss float64
		for start := 0; start < len(order); start += hp.BatchSize {
			end := start + hp.BatchSize
			if end > len(order) {
				end = len(order)
			}
			batch := order[start:end]
			grad := make([]float64, len(params))
			for _, idx := range batch {
				epochLoss += accumulateGradient(model, grad, train[idx], len(batch))
			}
			if hp.WeightDecay > 0 {
				for i, w := range params {
					grad[i] += hp.WeightDecay * w
				}
			}
			opt.Step(params, grad)
		}
		epochLoss /= float64(len(train))

		m := EpochMetrics{Epoch: epoch, TrainLoss: epochLoss}
		if len(val) > 0 {
			valLoss, valAcc, err := model.Evaluate(val)
			if err != nil {
				return nil, nil, err
			}
			m.ValLoss = valLoss
			m.ValAcc = valAcc
		} else {
			m.ValLoss = epochLoss
		}
		history.Epochs = append(history.Epochs, m)
		logging.Debugf("epoch %d: train_loss=%.4f val_loss=%.4f val_acc=%.3f", epoch, m.TrainLoss, m.ValLoss, m.ValAcc)

		if history.BestValLoss < 0 || m.ValLoss < history.BestValLoss-hp.EarlyStopDelta {
			history.BestValLoss = m.ValLoss
			history.BestEpoch = epoch
			bestParams = append([]float64(nil), params...)
			sinceBest = 0
		} else {
			sinceBest++
			if hp.EarlyStop && sinceBest >= hp.EarlyStopPatience {
				history.Stopped = true
				logging.Infof("early stop at epoch %d (best epoch %d, val_loss %.4f)", epoch, history.BestEpoch, history.BestValLoss)
				break
			}
		}
	}

	if bestParams != nil {
		copy(params, bestParams)
	}
	return model, history, nil
}

// epochOrder produces the sample visit order for one epoch. Unweighted
// samples get a uniform shuffle; when sampling weights are set, each slot is
// a weighted draw with replacement, so rare categories appear as often as
// their weights demand. Zero-weight samples are never drawn.
func epochOrder(rng *rand.Rand, train []Sample, order []int) []int {
	var totalWeight float64
	for _, s := range train {
		totalWeight += s.Weight
	}
	if totalWeight <= 0 {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		return order
	}

	cumulative := make([]float64, len(train))
	running := 0.0
	for i, s := range train {
		running += s.Weight
		cumulative[i] = running
	}
	for i := range order {
		idx := sort.SearchFloat64s(cumulative, rng.Float64()*totalWeight)
		for idx < len(train) && train[idx].Weight == 0 {
			idx++
		}
		if idx >= len(train) {
			idx = len(train) - 1
		}
		order[i] = idx
	}
	return order
}

// accumulateGradient adds one sample's gradient contribution (scaled by the
// batch size) and returns the sample's loss.
func accumulateGradient(m *Model, grad []float64, s Sample, batchSize int) float64 {
	dim := m.FeatureDim
	scale := 1.0 / float64(batchSize)
	logits := m.logits(s.Features)

	if m.Hyper.ModelType == ModelLinear {
		d := logits[0] - s.Value
		for i, f := range s.Features {
			grad[i] += scale * 2 * d * f
		}
		grad[dim] += scale * 2 * d
		return d * d
	}

	probs := softmax(logits)
	for o := range probs {
		delta := probs[o]
		if o == s.Label {
			delta -= 1
		}
		base := o * (dim + 1)
		for i, f := range s.Features {
			grad[base+i] += scale * delta * f
		}
		grad[base+dim] += scale * delta
	}
	p := probs[s.Label]
	if p < 1e-12 {
		p = 1e-12
	}
	return -math.Log(p)
}
