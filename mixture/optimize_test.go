// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gopkg.in/check.v1"
)

type optimizeSuite struct{}

var _ = check.Suite(&optimizeSuite{})

func (s *optimizeSuite) TestQuadratic(c *check.C) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return (x[0]-3)*(x[0]-3) + 2*(x[1]+1)*(x[1]+1)
		},
		Grad: func(grad, x []float64) {
			grad[0] = 2 * (x[0] - 3)
			grad[1] = 4 * (x[1] + 1)
		},
	}
	for _, name := range MinimizerNames() {
		m, err := NewMinimizer(name)
		c.Assert(err, check.IsNil)
		x, err := m.Minimize(problem, []float64{0, 0})
		c.Assert(err, check.IsNil, check.Commentf("%s", name))
		c.Check(math.Abs(x[0]-3) < 1e-4, check.Equals, true, check.Commentf("%s: %v", name, x))
		c.Check(math.Abs(x[1]+1) < 1e-4, check.Equals, true, check.Commentf("%s: %v", name, x))
	}
}

// Identical samples drive beta shapes to the clamp, where the
// objective is flat and the clamped partials are zero. Each M-step must
// still return.
func (s *optimizeSuite) TestMStepAtClamp(c *check.C) {
	for _, counts := range [][]SampleCount{
		append(repeat(maleLike, 5), repeat(femaleLike, 5)...),
		repeat(femaleLike, 10),
		repeat(maleLike, 10),
	} {
		features := Features(counts)
		for _, name := range MinimizerNames() {
			m, err := NewMinimizer(name)
			c.Assert(err, check.IsNil)
			p := InitialParams(features, 1)
			z := mat.NewDense(len(features), Components, nil)
			for it := 0; it < 3; it++ {
				EStep(p, features, z)
				p, err = maximize(m, p, features, z)
				c.Assert(err, check.IsNil, check.Commentf("%s", name))
			}
			c.Check(floats.HasNaN(p[:]), check.Equals, false, check.Commentf("%s: %v", name, p))
			checkRowsSumToOne(c, z)
		}
	}
}
