// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package train

import (
	"fmt"
	"math"
	"os"
)

// EnvBackend selects the training engine.
const EnvBackend = "SF_BACKEND"

// Known engines. BackendTensorFlow trains with Adam, BackendTorch with
// SGD and Nesterov-style momentum.
const (
	BackendTensorFlow = "tensorflow"
	BackendTorch      = "torch"
)

// Backend supplies the engine-specific parts of training.
type Backend interface {
	// Name returns the engine name.
	Name() string
	// NewOptimizer returns a fresh optimizer for a parameter vector of
	// the given length.
	NewOptimizer(hp HyperParams, dim int) Optimizer
}

// Optimizer applies one gradient step in place.
type Optimizer interface {
	Step(weights, grad []float64)
}

var backends = map[string]Backend{
	BackendTensorFlow: tfBackend{},
	BackendTorch:      torchBackend{},
}

// ActiveBackend resolves the engine from SF_BACKEND, defaulting to
// tensorflow. Unknown names are an error.
func ActiveBackend() (Backend, error) {
	name := os.Getenv(EnvBackend)
	if name == "" {
		name = BackendTensorFlow
	}
	return backendFor(name)
}

func backendFor(name string) (Backend, error) {
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown training backend %q (supported: %s, %s)", name, BackendTensorFlow, BackendTorch)
	}
	return b, nil
}

// tfBackend optimizes with Adam.
type tfBackend struct{}

func (tfBackend) Name() string { return BackendTensorFlow }

func (tfBackend) NewOptimizer(hp HyperParams, dim int) Optimizer {
	return &adam{
		lr:      hp.LearningRate,
		beta1:   hp.Beta1,
		beta2:   hp.Beta2,
		epsilon: hp.Epsilon,
		m:       make([]float64, dim),
		v:       make([]float64, dim),
	}
}

type adam struct {
	lr, beta1, beta2, epsilon float64
	m, v                      []float64
	t                         int
}

func (a *adam) Step(weights, grad []float64) {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mHat := a.m[i] / bc1
		vHat := a.v[i] / bc2
		weights[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.epsilon)
	}
}

// torchBackend optimizes with momentum SGD.
type torchBackend struct{}

func (torchBackend) Name() string { return BackendTorch }

func (torchBackend) NewOptimizer(hp HyperParams, dim int) Optimizer {
	return &sgd{
		lr:       hp.LearningRate,
		momentum: hp.Momentum,
		velocity: make([]float64, dim),
	}
}

type sgd struct {
	lr, momentum float64
	velocity     []float64
}

func (s *sgd) Step(weights, grad []float64) {
	for i, g := range grad {
		s.velocity[i] = s.momentum*s.velocity[i] + g
		weights[i] -= s.lr * s.velocity[i]
	}
}
