// Package gop builds hierarchical GOP coding orders, validates reference
// graphs, and restores display order for coded pictures.
package gop

import (
	"github.com/five82/encloop/internal/picture"
)

// Plan is one GOP's pictures in decode order.
type Plan struct {
	Index    int
	Pictures []picture.Picture
}

// Len returns the number of pictures in the GOP.
func (p Plan) Len() int {
	return len(p.Pictures)
}

// MinPOC returns the smallest POC in the GOP.
func (p Plan) MinPOC() int {
	return minPOC(p.Pictures)
}

// IntraLed reports whether the first picture in decode order is intra.
func (p Plan) IntraLed() bool {
	return len(p.Pictures) > 0 && p.Pictures[0].Intra
}

// PlanSequence builds the GOPs covering count pictures starting at POC
// start. The first picture and every POC divisible by intraPeriod are
// intra; intraPeriod 0 makes only the first picture intra. Each GOP ends
// on an anchor picture that references the previous anchor; the pictures
// between two anchors are filled by recursive bisection with temporal
// levels capped at levels-1. The last GOP may be shorter than gopSize.
func PlanSequence(start, count, gopSize, intraPeriod, levels int) []Plan {
	if count <= 0 || gopSize < 1 {
		return nil
	}
	levels = max(levels, 1)
	last := start + count - 1

	isIntra := func(poc int) bool {
		if poc == start {
			return true
		}
		return intraPeriod > 0 && poc%intraPeriod == 0
	}

	var plans []Plan
	plans = append(plans, Plan{
		Index:    0,
		Pictures: []picture.Picture{{POC: start, Level: 0, Intra: true}},
	})

	prev := start
	for prev < last {
		anchor := min(prev+gopSize, last)
		pics := make([]picture.Picture, 0, anchor-prev)

		ap := picture.Picture{POC: anchor, Level: 0}
		if isIntra(anchor) {
			ap.Intra = true
		} else {
			ap.Refs = []int{prev}
		}
		pics = append(pics, ap)
		pics = bisect(pics, prev, anchor, 1, levels)

		plans = append(plans, Plan{Index: len(plans), Pictures: pics})
		prev = anchor
	}
	return plans
}

// bisect appends the midpoint of (lo, hi) and recurses on both halves.
func bisect(pics []picture.Picture, lo, hi, depth, levels int) []picture.Picture {
	if hi-lo < 2 {
		return pics
	}
	mid := (lo + hi) / 2
	pics = append(pics, picture.Picture{
		POC:   mid,
		Level: min(depth, levels-1),
		Refs:  []int{lo, hi},
	})
	pics = bisect(pics, lo, mid, depth+1, levels)
	return bisect(pics, mid, hi, depth+1, levels)
}

func minPOC(pics []picture.Picture) int {
	if len(pics) == 0 {
		return 0
	}
	m := pics[0].POC
	for _, p := range pics[1:] {
		m = min(m, p.POC)
	}
	return m
}
