// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"errors"
	"fmt"
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// A Minimizer finds a local minimum of an unconstrained objective,
// starting from x0.
type Minimizer interface {
	Minimize(problem optimize.Problem, x0 []float64) ([]float64, error)
}

var methods = map[string]func() optimize.Method{
	"cg":    func() optimize.Method { return &optimize.CG{} },
	"bfgs":  func() optimize.Method { return &optimize.BFGS{} },
	"lbfgs": func() optimize.Method { return &optimize.LBFGS{} },
}

// MinimizerNames returns the names accepted by NewMinimizer.
func MinimizerNames() []string {
	var names []string
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMinimizer returns a Minimizer backed by the named gonum method
// ("cg", "bfgs" or "lbfgs").
func NewMinimizer(name string) (Minimizer, error) {
	newMethod, ok := methods[name]
	if !ok {
		return nil, fmt.Errorf("unknown optimizer %q (choices: %v)", name, MinimizerNames())
	}
	return &gonumMinimizer{
		name:           name,
		newMethod:      newMethod,
		gradThreshold:  1e-5,
		maxIterations:  1000,
		maxEvaluations: 20000,
	}, nil
}

type gonumMinimizer struct {
	name           string
	newMethod      func() optimize.Method
	gradThreshold  float64
	maxIterations  int
	maxEvaluations int
}

func (m *gonumMinimizer) Minimize(problem optimize.Problem, x0 []float64) ([]float64, error) {
	f0 := problem.Func(x0)
	// Shapes pinned at the clamp leave a flat objective with a zero
	// gradient, where a line search can run forever.
	settings := &optimize.Settings{
		GradientThreshold: m.gradThreshold,
		MajorIterations:   m.maxIterations,
		FuncEvaluations:   m.maxEvaluations,
	}
	// Method values carry per-run state, so each call gets a new one.
	result, err := optimize.Minimize(problem, x0, settings, m.newMethod())
	if result == nil {
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	if !usable(result.X, result.F) {
		if err == nil {
			err = errors.New("non-finite result")
		}
		return nil, fmt.Errorf("%s: %w", m.name, err)
	}
	if err != nil {
		// Typically a line search that can make no further
		// progress near the optimum; the best location found so
		// far is still a valid answer.
		if result.F > f0 {
			return nil, fmt.Errorf("%s: %w", m.name, err)
		}
		log.WithFields(log.Fields{
			"optimizer": m.name,
			"status":    result.Status,
			"f":         result.F,
		}).Debugf("optimizer stopped early: %s", err)
	}
	if result.Status == optimize.FunctionEvaluationLimit || result.Status == optimize.IterationLimit {
		log.WithFields(log.Fields{
			"optimizer":   m.name,
			"status":      result.Status,
			"f":           result.F,
			"evaluations": result.FuncEvaluations,
		}).Debug("optimizer stopped at limit; using best location found")
	}
	return result.X, nil
}

func usable(x []float64, f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) || len(x) == 0 {
		return false
	}
	return !floats.HasNaN(x) && !math.IsInf(floats.Max(x), 1) && !math.IsInf(floats.Min(x), -1)
}
