// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mixture

import "math"

// SampleCount holds the alignment counts extracted from one input
// file. Total is expected to be >= the other two, but this is not
// checked.
type SampleCount struct {
	YChrom uint64
	XIST   uint64
	Total  uint64
}

// Feature is the smoothed (Y ratio, XIST ratio) pair for one sample.
// Both values are strictly between 0 and 1.
type Feature struct {
	YRatio float64
	XRatio float64
}

// dim returns the feature value for dimension d (0 = Y, 1 = XIST).
func (f Feature) dim(d int) float64 {
	if d == 0 {
		return f.YRatio
	}
	return f.XRatio
}

// Largest float64 below 1. Smoothed ratios are capped here so a
// count equal to (or above) the total still yields a value inside the
// Beta support.
var maxRatio = math.Nextafter(1, 0)

// Features converts counts to Laplace-smoothed ratios, (count+1) /
// (total+1), in the same order.
func Features(counts []SampleCount) []Feature {
	out := make([]Feature, len(counts))
	for i, c := range counts {
		out[i] = Feature{
			YRatio: smoothedRatio(c.YChrom, c.Total),
			XRatio: smoothedRatio(c.XIST, c.Total),
		}
	}
	return out
}

func smoothedRatio(count, total uint64) float64 {
	r := (float64(count) + 1) / (float64(total) + 1)
	if r > maxRatio {
		return maxRatio
	}
	return r
}
