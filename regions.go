// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package xistsex

import (
	"sort"
)

// Closed interval of 0-based reference positions.
type interval struct {
	start int
	end   int
}

type intervalTreeNode struct {
	interval interval
	maxend   int
}

// Implicit binary tree (children of i at 2i+1, 2i+2) sorted by start,
// where each node records the largest end in its subtree.
type intervalTree []intervalTreeNode

// regionSet answers "does [start,end] on seqname overlap any added
// region?". All regions must be added before Freeze; Overlaps may
// only be called after.
type regionSet struct {
	intervals map[string][]interval
	itrees    map[string]intervalTree
	frozen    bool
}

func (rs *regionSet) Add(seqname string, start, end int) {
	if rs.frozen {
		panic("bug: (*regionSet)Add() called after Freeze()")
	}
	if rs.intervals == nil {
		rs.intervals = map[string][]interval{}
	}
	rs.intervals[seqname] = append(rs.intervals[seqname], interval{start, end})
}

func (rs *regionSet) Freeze() {
	rs.itrees = map[string]intervalTree{}
	for seqname, intervals := range rs.intervals {
		rs.itrees[seqname] = buildIntervalTree(intervals)
	}
	rs.frozen = true
}

// Seqnames returns the reference names that have at least one region.
func (rs *regionSet) Seqnames() []string {
	var names []string
	for name := range rs.intervals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (rs *regionSet) Overlaps(seqname string, start, end int) bool {
	if !rs.frozen {
		panic("bug: (*regionSet)Overlaps() called before Freeze()")
	}
	return rs.itrees[seqname].overlaps(0, interval{start, end})
}

func buildIntervalTree(in []interval) intervalTree {
	if len(in) == 0 {
		return nil
	}
	sorted := append([]interval(nil), in...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].start < sorted[j].start
	})
	size := 1
	for size < len(sorted) {
		size *= 2
	}
	// Unused slots keep maxend -1 so searches never descend into
	// them.
	itree := make(intervalTree, size*2)
	for i := range itree {
		itree[i].maxend = -1
	}
	itree.fill(0, sorted)
	return itree
}

func (itree intervalTree) overlaps(root int, q interval) bool {
	if root >= len(itree) || itree[root].maxend < q.start {
		return false
	}
	node := itree[root].interval
	return (node.start <= q.end && node.end >= q.start) ||
		itree.overlaps(root*2+1, q) ||
		itree.overlaps(root*2+2, q)
}

// fill stores the median of in at root and recurses on each half,
// returning the largest end in the subtree.
func (itree intervalTree) fill(root int, in []interval) int {
	mid := len(in) / 2
	node := intervalTreeNode{interval: in[mid], maxend: in[mid].end}
	if mid > 0 {
		if end := itree.fill(root*2+1, in[:mid]); end > node.maxend {
			node.maxend = end
		}
	}
	if mid+1 < len(in) {
		if end := itree.fill(root*2+2, in[mid+1:]); end > node.maxend {
			node.maxend = end
		}
	}
	itree[root] = node
	return node.maxend
}
