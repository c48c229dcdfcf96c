// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LogAddExp returns log(exp(a) + exp(b)) without overflow.
func LogAddExp(a, b float64) float64 {
	if a == b {
		// also covers -Inf, -Inf
		return a + math.Ln2
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

// mstep is the M-step objective for one set of responsibilities. It
// only holds the (immutable) inputs, so eval can be called
// concurrently.
type mstep struct {
	features []Feature
	logz     [][Components]float64
}

func newMStep(features []Feature, z mat.Matrix) *mstep {
	m := &mstep{
		features: features,
		logz:     make([][Components]float64, len(features)),
	}
	for i := range features {
		for j := 0; j < Components; j++ {
			m.logz[i][j] = math.Log(z.At(i, j))
		}
	}
	return m
}

// eval returns
//
//	J = sum_i log(z[i,0]*exp(LogLik(0,x_i)) + z[i,1]*exp(LogLik(1,x_i)))
//
// and, if grad is not nil, overwrites grad with dJ/dp. Each
// component's score is weighted by its share of the sum for that
// sample, not by z directly.
func (m *mstep) eval(p Params, grad []float64) float64 {
	for k := range grad {
		grad[k] = 0
	}
	total := 0.0
	for i, x := range m.features {
		var lp [Components]float64
		for j := range lp {
			lp[j] = m.logz[i][j] + p.LogLik(j, x)
		}
		lse := LogAddExp(lp[0], lp[1])
		total += lse
		if grad == nil {
			continue
		}
		for j := range lp {
			w := math.Exp(lp[j] - lse)
			if w == 0 || math.IsNaN(w) {
				continue
			}
			p.addScore(grad, j, x, w)
		}
	}
	return total
}

// Objective returns the M-step objective J for the given parameters,
// features and responsibilities, along with its gradient with
// respect to the log-scale parameters.
func Objective(p Params, features []Feature, z mat.Matrix) (float64, Params) {
	var grad Params
	f := newMStep(features, z).eval(p, grad[:])
	return f, grad
}
