// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

// ErrNoSamples is returned by Train when there is nothing to fit.
var ErrNoSamples = errors.New("cannot fit mixture model: no samples")

// Status is the terminal state of a Train call.
type Status int

const (
	Converged Status = iota
	DidNotConverge
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case DidNotConverge:
		return "did not converge"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// NonConvergenceError reports an EM run that hit its iteration cap.
type NonConvergenceError struct {
	Iterations int
	Delta      float64
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("mixture model did not converge after %d iterations (last parameter change %g)", e.Iterations, e.Delta)
}

// Fit is the outcome of Train. Responsibilities has one row per
// sample and one column per component, computed from Params.
type Fit struct {
	Params           Params
	Responsibilities *mat.Dense
	Iterations       int
	Delta            float64
	Status           Status
}

// Err returns a *NonConvergenceError if the fit did not converge,
// otherwise nil.
func (fit *Fit) Err() error {
	if fit.Status == Converged {
		return nil
	}
	return &NonConvergenceError{Iterations: fit.Iterations, Delta: fit.Delta}
}

// Trainer fits the mixture model by EM.
type Trainer struct {
	// Minimizer used for each M-step. If nil, conjugate gradient
	// is used.
	Minimizer Minimizer

	// Stop after this many E/M cycles even if not converged.
	MaxIterations int

	// Converged when no log-scale parameter changes by this much
	// or more in one cycle.
	Tolerance float64

	// Initial concentration.
	Scale float64
}

// DefaultTrainer returns a Trainer with the standard settings.
func DefaultTrainer() *Trainer {
	return &Trainer{
		MaxIterations: 500,
		Tolerance:     1e-5,
		Scale:         1,
	}
}

// InitialParams seeds the model from the feature means. Component 0
// starts with a lower Y shape and a higher XIST shape than component
// 1, so the two start apart along the expected female/male axis. All
// beta shapes start at s.
func InitialParams(features []Feature, s float64) Params {
	var p Params
	for d := 0; d < Dims; d++ {
		vals := make([]float64, len(features))
		for i, x := range features {
			vals[i] = x.dim(d)
		}
		mean := stat.Mean(vals, nil)
		lo, hi := math.Log(0.5*s*mean), math.Log(2*s*mean)
		if d == 0 {
			p[paramIndex(0, d, shapeAlpha)] = lo
			p[paramIndex(1, d, shapeAlpha)] = hi
		} else {
			p[paramIndex(0, d, shapeAlpha)] = hi
			p[paramIndex(1, d, shapeAlpha)] = lo
		}
		p[paramIndex(0, d, shapeBeta)] = math.Log(s)
		p[paramIndex(1, d, shapeBeta)] = math.Log(s)
	}
	return p
}

// EStep sets z[i,j] to the posterior probability that sample i came
// from component j under p, with equal component weights.
func EStep(p Params, features []Feature, z *mat.Dense) {
	for i, x := range features {
		l0, l1 := p.LogLik(0, x), p.LogLik(1, x)
		lse := LogAddExp(l0, l1)
		if math.IsNaN(lse) || math.IsInf(lse, 0) {
			z.Set(i, 0, 0.5)
			z.Set(i, 1, 0.5)
			continue
		}
		z.Set(i, 0, math.Exp(l0-lse))
		z.Set(i, 1, math.Exp(l1-lse))
	}
}

// Train runs EM on the given features until the parameters stop
// changing or MaxIterations is reached. A fit that hits the cap is
// returned with Status DidNotConverge and a nil error.
func (t *Trainer) Train(features []Feature) (*Fit, error) {
	if len(features) == 0 {
		return nil, ErrNoSamples
	}
	minimizer := t.Minimizer
	if minimizer == nil {
		var err error
		minimizer, err = NewMinimizer("cg")
		if err != nil {
			return nil, err
		}
	}
	scale := t.Scale
	if scale <= 0 {
		scale = 1
	}

	params := InitialParams(features, scale)
	z := mat.NewDense(len(features), Components, nil)
	fit := &Fit{Status: DidNotConverge, Delta: math.Inf(1)}
	for it := 1; it <= t.MaxIterations; it++ {
		EStep(params, features, z)
		next, err := maximize(minimizer, params, features, z)
		if err != nil {
			return nil, fmt.Errorf("EM iteration %d: M-step: %w", it, err)
		}
		fit.Delta = floats.Distance(next[:], params[:], math.Inf(1))
		fit.Iterations = it
		params = next
		log.WithFields(log.Fields{
			"iteration": it,
			"delta":     fit.Delta,
		}).Debugf("EM params %v", params)
		if fit.Delta < t.Tolerance {
			fit.Status = Converged
			break
		}
	}
	EStep(params, features, z)
	fit.Params = params
	fit.Responsibilities = z
	return fit, nil
}

// maximize returns the parameters that maximize the M-step objective
// for responsibilities z, starting the search at p.
func maximize(minimizer Minimizer, p Params, features []Feature, z mat.Matrix) (Params, error) {
	m := newMStep(features, z)
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return -m.eval(toParams(x), nil)
		},
		Grad: func(grad, x []float64) {
			m.eval(toParams(x), grad)
			floats.Scale(-1, grad)
		},
	}
	x0 := p
	x, err := minimizer.Minimize(problem, x0[:])
	if err != nil {
		return p, err
	}
	if len(x) != NParams {
		return p, fmt.Errorf("bug: minimizer returned %d values, expected %d", len(x), NParams)
	}
	return toParams(x), nil
}

func toParams(x []float64) Params {
	var p Params
	copy(p[:], x)
	return p
}
