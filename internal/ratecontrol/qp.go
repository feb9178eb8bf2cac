package ratecontrol

import "math"

// Lambda and QP mapping constants.
const (
	MinLambda = 0.1
	MaxLambda = 10000.0

	qpLambdaScale  = 4.2005
	qpLambdaOffset = 13.7122

	// NeighborQPDelta bounds how far a QP may move from its neighbor.
	NeighborQPDelta = 2
)

// Neighbor is the QP of the previously coded picture at the same level.
type Neighbor struct {
	QP    int
	Known bool
}

// ClampLambda limits lambda to [MinLambda, MaxLambda]. Non-finite or
// non-positive values map to MaxLambda.
func ClampLambda(lambda float64) float64 {
	if !(lambda > 0) || math.IsInf(lambda, 0) {
		return MaxLambda
	}
	return clamp(lambda, MinLambda, MaxLambda)
}

// RawQP returns the unrounded QP for lambda.
func RawQP(lambda float64) float64 {
	return qpLambdaScale*math.Log(ClampLambda(lambda)) + qpLambdaOffset
}

// QPToLambda is the inverse of RawQP.
func QPToLambda(qp float64) float64 {
	return math.Exp((qp - qpLambdaOffset) / qpLambdaScale)
}

// LambdaToQP rounds lambda to a QP in [minQP, maxQP], then to within
// NeighborQPDelta of a known neighbor.
func LambdaToQP(lambda float64, minQP, maxQP int, nb Neighbor) int {
	qp := int(math.Round(RawQP(lambda)))
	qp = clampInt(qp, minQP, maxQP)
	if nb.Known {
		qp = clampInt(qp, nb.QP-NeighborQPDelta, nb.QP+NeighborQPDelta)
		qp = clampInt(qp, minQP, maxQP)
	}
	return qp
}

// LambdaForQP clips lambda into the range that rounds to qp.
func LambdaForQP(lambda float64, qp int) float64 {
	lo := QPToLambda(float64(qp) - 0.5)
	hi := QPToLambda(float64(qp) + 0.5)
	return clamp(ClampLambda(lambda), lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
