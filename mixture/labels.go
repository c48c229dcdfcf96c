// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Reasons for an ambiguous Resolution.
const (
	ReasonMeansDisagree = "Y-ratio and XIST-ratio means disagree on which component is female"
	ReasonSingleCluster = "all samples are assigned to the same component"
)

// Resolution maps the two fitted components to sexes. When the
// means disagree, Female and Male hold the default assignment (0 and
// 1). Ambiguous is true and Reason explains why whenever the fit could
// not be labeled with confidence.
type Resolution struct {
	Female    int
	Male      int
	Ambiguous bool
	Reason    string
}

func (r Resolution) String() string {
	if r.Ambiguous {
		return fmt.Sprintf("ambiguous (%s); using female=%d male=%d", r.Reason, r.Female, r.Male)
	}
	return fmt.Sprintf("female=%d male=%d", r.Female, r.Male)
}

// Resolve decides which component is female by comparing the fitted
// Beta means: the female component should have the lower Y-ratio
// mean and the higher XIST-ratio mean. z is the fitted
// responsibility matrix; if every sample is most likely to come from
// the same component, the input holds a single cluster and the
// result is ambiguous even when the means agree.
func Resolve(p Params, z mat.Matrix) Resolution {
	var res Resolution
	y0, y1 := p.Mean(0, 0), p.Mean(1, 0)
	x0, x1 := p.Mean(0, 1), p.Mean(1, 1)
	switch {
	case y0 < y1 && x0 > x1:
		res = Resolution{Female: 0, Male: 1}
	case y1 < y0 && x1 > x0:
		res = Resolution{Female: 1, Male: 0}
	default:
		res = Resolution{Female: 0, Male: 1, Ambiguous: true, Reason: ReasonMeansDisagree}
	}
	if singleCluster(z) {
		res.Ambiguous = true
		res.Reason = ReasonSingleCluster
	}
	return res
}

func singleCluster(z mat.Matrix) bool {
	rows, _ := z.Dims()
	seen := [Components]bool{}
	for i := 0; i < rows; i++ {
		if z.At(i, 1) > z.At(i, 0) {
			seen[1] = true
		} else {
			seen[0] = true
		}
	}
	return !(seen[0] && seen[1])
}

// Apply returns an n x 2 matrix of (female_prob, male_prob) rows.
func (r Resolution) Apply(z mat.Matrix) *mat.Dense {
	rows, _ := z.Dims()
	out := mat.NewDense(rows, 2, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, z.At(i, r.Female))
		out.Set(i, 1, z.At(i, r.Male))
	}
	return out
}
