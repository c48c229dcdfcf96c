// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// Components is the number of mixture components.
	Components = 2
	// Dims is the number of feature dimensions (Y ratio, XIST ratio).
	Dims = 2
	// NParams is the number of free (log-scale) parameters.
	NParams = Components * Dims * 2

	// Shape parameters are clamped to [minShape, maxShape] when the
	// model is evaluated.
	minShape = 1e-7
	maxShape = 1e7
)

const (
	shapeAlpha = 0
	shapeBeta  = 1
)

// Params holds log(alpha) and log(beta) for each component and
// feature dimension. Element (j, d, shape) is at index j*4 + d*2 +
// shape, where shape 0 is alpha and 1 is beta.
type Params [NParams]float64

func paramIndex(comp, dim, shape int) int {
	return comp*Dims*2 + dim*2 + shape
}

// shape returns exp(p[idx]) clamped to the allowed range, and whether
// the clamp was applied.
func (p Params) shape(idx int) (float64, bool) {
	v := math.Exp(p[idx])
	if v < minShape {
		return minShape, true
	} else if v > maxShape || math.IsNaN(v) {
		return maxShape, true
	}
	return v, false
}

// Alpha returns the clamped alpha shape parameter for component comp,
// feature dimension dim.
func (p Params) Alpha(comp, dim int) float64 {
	v, _ := p.shape(paramIndex(comp, dim, shapeAlpha))
	return v
}

// Beta returns the clamped beta shape parameter.
func (p Params) Beta(comp, dim int) float64 {
	v, _ := p.shape(paramIndex(comp, dim, shapeBeta))
	return v
}

func (p Params) dist(comp, dim int) distuv.Beta {
	return distuv.Beta{Alpha: p.Alpha(comp, dim), Beta: p.Beta(comp, dim)}
}

// Mean returns alpha/(alpha+beta) for component comp, dimension dim.
func (p Params) Mean(comp, dim int) float64 {
	return p.dist(comp, dim).Mean()
}

// LogLik returns the log density of x under component comp. The two
// dimensions are independent Beta variables given the component.
func (p Params) LogLik(comp int, x Feature) float64 {
	ll := 0.0
	for d := 0; d < Dims; d++ {
		ll += p.dist(comp, d).LogProb(x.dim(d))
	}
	return ll
}

// addScore adds w times the gradient of LogLik(comp, x) with respect
// to the log-scale parameters to grad. Clamped parameters have no
// effect on the density, so their partials are zero.
func (p Params) addScore(grad []float64, comp int, x Feature, w float64) {
	for d := 0; d < Dims; d++ {
		ia := paramIndex(comp, d, shapeAlpha)
		ib := paramIndex(comp, d, shapeBeta)
		alpha, clampA := p.shape(ia)
		beta, clampB := p.shape(ib)
		v := x.dim(d)
		psiSum := mathext.Digamma(alpha + beta)
		if !clampA {
			grad[ia] += w * alpha * (math.Log(v) + psiSum - mathext.Digamma(alpha))
		}
		if !clampB {
			grad[ib] += w * beta * (math.Log1p(-v) + psiSum - mathext.Digamma(beta))
		}
	}
}

func (p Params) String() string {
	s := ""
	for j := 0; j < Components; j++ {
		if j > 0 {
			s += " "
		}
		s += fmt.Sprintf("[%d: Y(%.4g,%.4g) XIST(%.4g,%.4g)]", j,
			p.Alpha(j, 0), p.Beta(j, 0), p.Alpha(j, 1), p.Beta(j, 1))
	}
	return s
}
