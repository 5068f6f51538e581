package curve

import (
	"math"
	"sort"

	"transactive-network/internal/model"
)

// Sum builds the aggregate net curve of several curves over one interval of
// the given length. Candidate prices are every vertex price of every curve,
// with single-vertex curves contributing +Inf. At most two candidates share
// a price and a shared pair is separated by PriceEpsilon. +Inf candidates are
// dropped unless nothing finite remains, and then exactly one is kept; an
// inelastic curve is constant, so a vertex at +Inf repeats the last finite
// one.
//
// Each aggregate vertex carries the summed power and summed production cost
// of every curve at that price. Empty curves are skipped.
func Sum(curves [][]model.Vertex, hours float64) ([]model.Vertex, error) {
	prices := candidatePrices(curves)
	out := make([]model.Vertex, 0, len(prices))
	for _, p := range prices {
		total := model.NewVertex(p, 0, 0)
		for _, c := range curves {
			if len(c) == 0 {
				continue
			}
			q, err := ProductionAt(c, p)
			if err != nil {
				return nil, err
			}
			total.Power += q
			total.Cost += ProductionCostAt(c, q, hours)
		}
		out = append(out, total)
	}
	return out, nil
}

func candidatePrices(curves [][]model.Vertex) []float64 {
	var raw []float64
	for _, c := range curves {
		switch len(c) {
		case 0:
		case 1:
			raw = append(raw, math.Inf(1))
		default:
			for _, v := range c {
				raw = append(raw, v.MarginalPrice)
			}
		}
	}
	sort.Float64s(raw)

	// At most two entries per price; a third is redundant.
	var capped []float64
	for i, p := range raw {
		if i >= 2 && p == raw[i-1] && p == raw[i-2] {
			continue
		}
		capped = append(capped, p)
	}

	var finite []float64
	for _, p := range capped {
		if !math.IsInf(p, 0) {
			finite = append(finite, p)
		}
	}
	if len(finite) == 0 {
		if len(capped) == 0 {
			return nil
		}
		return []float64{math.Inf(1)}
	}

	// The lower of a shared pair moves down so the vertical step survives:
	// ProductionAt returns the higher-power vertex at the exact price.
	for i := len(finite) - 1; i > 0; i-- {
		if finite[i] == finite[i-1] {
			finite[i-1] -= PriceEpsilon
		}
	}
	return finite
}
