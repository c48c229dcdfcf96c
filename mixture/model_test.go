// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type modelSuite struct{}

var _ = check.Suite(&modelSuite{})

// setMean sets component comp, dimension dim to a Beta distribution
// with the given mean and concentration (alpha+beta).
func setMean(p *Params, comp, dim int, mean, conc float64) {
	p[paramIndex(comp, dim, shapeAlpha)] = math.Log(mean * conc)
	p[paramIndex(comp, dim, shapeBeta)] = math.Log((1 - mean) * conc)
}

func (s *modelSuite) TestUniform(c *check.C) {
	var p Params
	for _, x := range []Feature{{0.5, 0.5}, {1e-6, 0.999}, {0.3, 0.01}} {
		for j := 0; j < Components; j++ {
			c.Check(math.Abs(p.LogLik(j, x)) < 1e-12, check.Equals, true, check.Commentf("LogLik(%d, %v) = %g", j, x, p.LogLik(j, x)))
		}
	}
}

func (s *modelSuite) TestLogLik(c *check.C) {
	var p Params
	// Beta(2,1) has density 2y; the XIST dimension stays uniform.
	p[paramIndex(1, 0, shapeAlpha)] = math.Log(2)
	for _, y := range []float64{0.01, 0.25, 0.9} {
		got := p.LogLik(1, Feature{YRatio: y, XRatio: 0.5})
		c.Check(math.Abs(got-math.Log(2*y)) < 1e-12, check.Equals, true, check.Commentf("y=%g got %g", y, got))
		c.Check(math.Abs(p.LogLik(0, Feature{YRatio: y, XRatio: 0.5})) < 1e-12, check.Equals, true)
	}
}

func (s *modelSuite) TestMean(c *check.C) {
	var p Params
	setMean(&p, 0, 1, 0.25, 8)
	c.Check(math.Abs(p.Alpha(0, 1)-2) < 1e-12, check.Equals, true)
	c.Check(math.Abs(p.Beta(0, 1)-6) < 1e-12, check.Equals, true)
	c.Check(math.Abs(p.Mean(0, 1)-0.25) < 1e-12, check.Equals, true)
	c.Check(p.Mean(1, 1), check.Equals, 0.5)
}

func (s *modelSuite) TestClamp(c *check.C) {
	p := Params{100, -100, math.Inf(1), math.Inf(-1)}
	c.Check(p.Alpha(0, 0), check.Equals, maxShape)
	c.Check(p.Beta(0, 0), check.Equals, minShape)
	c.Check(p.Alpha(0, 1), check.Equals, maxShape)
	c.Check(p.Beta(0, 1), check.Equals, minShape)
	ll := p.LogLik(0, Feature{0.5, 0.5})
	c.Check(math.IsNaN(ll) || math.IsInf(ll, 0), check.Equals, false)
}

func (s *modelSuite) TestLogAddExp(c *check.C) {
	for _, x := range []float64{0, 1, -1, 123.456, -7e5, 1e300} {
		c.Check(LogAddExp(x, x), check.Equals, x+math.Ln2)
	}
	for _, ab := range [][2]float64{{0, 0.5}, {-3, 2}, {10, -10}, {-700, -701}, {1e-3, 2e-3}} {
		want := math.Log(math.Exp(ab[0]) + math.Exp(ab[1]))
		for _, got := range []float64{LogAddExp(ab[0], ab[1]), LogAddExp(ab[1], ab[0])} {
			c.Check(math.Abs(got-want) < 1e-12*math.Max(1, math.Abs(want)), check.Equals, true, check.Commentf("%v: got %g want %g", ab, got, want))
		}
	}
	// exp() would overflow here.
	c.Check(LogAddExp(1e4, 0), check.Equals, 1e4)
	c.Check(LogAddExp(0, 1e4), check.Equals, 1e4)
	c.Check(LogAddExp(2e4, 1e4), check.Equals, 2e4)
	c.Check(LogAddExp(-1e4, -2e4), check.Equals, -1e4)
	c.Check(LogAddExp(math.Inf(-1), 3), check.Equals, 3.0)
	c.Check(LogAddExp(math.Inf(-1), math.Inf(-1)), check.Equals, math.Inf(-1))
}

var gradFeatures = []Feature{
	{0.12, 0.7},
	{0.3, 0.55},
	{0.05, 0.9},
	{0.6, 0.2},
	{0.45, 0.35},
}

var gradZ = mat.NewDense(5, 2, []float64{
	0.9, 0.1,
	0.6, 0.4,
	0.99, 0.01,
	0.2, 0.8,
	0.5, 0.5,
})

func gradParams() Params {
	var p Params
	setMean(&p, 0, 0, 0.2, 5)
	setMean(&p, 0, 1, 0.7, 3)
	setMean(&p, 1, 0, 0.5, 4)
	setMean(&p, 1, 1, 0.3, 6)
	return p
}

func (s *modelSuite) TestGradientFiniteDifference(c *check.C) {
	p := gradParams()
	_, grad := Objective(p, gradFeatures, gradZ)
	const h = 1e-6
	for k := 0; k < NParams; k++ {
		plus, minus := p, p
		plus[k] += h
		minus[k] -= h
		fplus, _ := Objective(plus, gradFeatures, gradZ)
		fminus, _ := Objective(minus, gradFeatures, gradZ)
		numeric := (fplus - fminus) / (2 * h)
		c.Check(math.Abs(numeric-grad[k]) < 1e-5*math.Max(1, math.Abs(numeric)), check.Equals, true,
			check.Commentf("param %d: analytic %g numeric %g", k, grad[k], numeric))
	}
}

func (s *modelSuite) TestObjective(c *check.C) {
	// Uniform components: J = sum_i log(z[i,0] + z[i,1]) = 0, and
	// each score is 0.5*(log x + 1) for alpha, 0.5*(log(1-x) + 1)
	// for beta.
	var p Params
	z := mat.NewDense(len(gradFeatures), 2, nil)
	for i := range gradFeatures {
		z.Set(i, 0, 0.5)
		z.Set(i, 1, 0.5)
	}
	f, grad := Objective(p, gradFeatures, z)
	c.Check(math.Abs(f) < 1e-12, check.Equals, true)
	for j := 0; j < Components; j++ {
		for d := 0; d < Dims; d++ {
			var wantA, wantB float64
			for _, x := range gradFeatures {
				wantA += 0.5 * (math.Log(x.dim(d)) + 1)
				wantB += 0.5 * (math.Log1p(-x.dim(d)) + 1)
			}
			c.Check(math.Abs(grad[paramIndex(j, d, shapeAlpha)]-wantA) < 1e-9, check.Equals, true)
			c.Check(math.Abs(grad[paramIndex(j, d, shapeBeta)]-wantB) < 1e-9, check.Equals, true)
		}
	}
}

func (s *modelSuite) TestObjectiveIsPure(c *check.C) {
	p := gradParams()
	f1, g1 := Objective(p, gradFeatures, gradZ)
	f2, g2 := Objective(p, gradFeatures, gradZ)
	c.Check(f1, check.Equals, f2)
	c.Check(g1, check.DeepEquals, g2)
	c.Check(p, check.DeepEquals, gradParams())
}

func (s *modelSuite) TestClampedGradientIsZero(c *check.C) {
	p := gradParams()
	p[paramIndex(1, 0, shapeBeta)] = 30
	p[paramIndex(0, 1, shapeAlpha)] = -30
	_, grad := Objective(p, gradFeatures, gradZ)
	c.Check(grad[paramIndex(1, 0, shapeBeta)], check.Equals, 0.0)
	c.Check(grad[paramIndex(0, 1, shapeAlpha)], check.Equals, 0.0)
	c.Check(grad[paramIndex(0, 0, shapeAlpha)] != 0, check.Equals, true)
}
