// Package curve evaluates piecewise-linear supply/demand curves given as
// vertex lists.
package curve

import (
	"math"
	"sort"

	"transactive-network/internal/model"
)

// PriceEpsilon separates two aggregate vertices that would otherwise share a
// marginal price.
const PriceEpsilon = 1e-6

// Order returns a copy of vs sorted by marginal price, then power.
func Order(vs []model.Vertex) []model.Vertex {
	out := make([]model.Vertex, len(vs))
	copy(out, vs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Monotone reports whether an ordered curve's power never decreases as price
// increases.
func Monotone(ordered []model.Vertex) bool {
	for k := 1; k < len(ordered); k++ {
		if ordered[k].Power < ordered[k-1].Power {
			return false
		}
	}
	return true
}

// ProductionAt returns the power the curve vs delivers at price. A single
// vertex is constant power. Prices outside the curve clamp to the end
// vertices, and on a vertical step the higher-power vertex wins.
func ProductionAt(vs []model.Vertex, price float64) (float64, error) {
	if len(vs) == 0 {
		return 0, model.ErrNoVertices
	}
	if len(vs) == 1 {
		return vs[0].Power, nil
	}
	v := Order(vs)
	if !Monotone(v) {
		return 0, model.ErrNotMonotone
	}
	last := len(v) - 1
	if price < v[0].MarginalPrice {
		return v[0].Power, nil
	}
	if price > v[last].MarginalPrice {
		return v[last].Power, nil
	}
	for k := last; k >= 0; k-- {
		if v[k].MarginalPrice == price {
			return v[k].Power, nil
		}
	}
	for k := 0; k < last; k++ {
		lo, hi := v[k], v[k+1]
		if price > lo.MarginalPrice && price < hi.MarginalPrice {
			if math.IsInf(hi.MarginalPrice, 1) {
				return lo.Power, nil
			}
			frac := (price - lo.MarginalPrice) / (hi.MarginalPrice - lo.MarginalPrice)
			return lo.Power + frac*(hi.Power-lo.Power), nil
		}
	}
	return v[last].Power, nil
}

// PriceAt is the inverse of ProductionAt: the marginal price at which the
// curve delivers power. Powers outside the curve clamp to the end vertices.
func PriceAt(vs []model.Vertex, power float64) (float64, error) {
	if len(vs) == 0 {
		return 0, model.ErrNoVertices
	}
	v := Order(vs)
	last := len(v) - 1
	if power <= v[0].Power {
		return v[0].MarginalPrice, nil
	}
	if power >= v[last].Power {
		return v[last].MarginalPrice, nil
	}
	for k := 0; k < last; k++ {
		lo, hi := v[k], v[k+1]
		if power >= lo.Power && power <= hi.Power {
			if hi.Power == lo.Power {
				return lo.MarginalPrice, nil
			}
			if math.IsInf(hi.MarginalPrice, 1) {
				return hi.MarginalPrice, nil
			}
			frac := (power - lo.Power) / (hi.Power - lo.Power)
			return lo.MarginalPrice + frac*(hi.MarginalPrice-lo.MarginalPrice), nil
		}
	}
	return v[last].MarginalPrice, nil
}

// ProductionCostAt returns the accumulated cost of producing power over an
// interval of the given length, integrating the marginal price from the
// nearest vertex at or below power:
//
//	cost = c_k + p_k·Δq·h + ½·slope·Δq²·h,  Δq = power − q_k
//
// Slope is zero on a vertical step or next to an infinite price. Outside the
// curve the nearest end vertex's price extends flat.
func ProductionCostAt(vs []model.Vertex, power, hours float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	if len(vs) == 1 {
		return vs[0].Cost
	}
	v := orderByPower(vs)
	last := len(v) - 1

	var base model.Vertex
	slope := 0.0
	switch {
	case power < v[0].Power:
		base = v[0]
	case power >= v[last].Power:
		base = v[last]
	default:
		k := 0
		for k < last-1 && power >= v[k+1].Power {
			k++
		}
		base = v[k]
		next := v[k+1]
		if a := next.Power - base.Power; a != 0 && !math.IsInf(next.MarginalPrice, 0) {
			slope = (next.MarginalPrice - base.MarginalPrice) / a
		}
	}
	if math.IsInf(base.MarginalPrice, 0) {
		return base.Cost
	}
	dq := power - base.Power
	return base.Cost + base.MarginalPrice*dq*hours + 0.5*slope*dq*dq*hours
}

func orderByPower(vs []model.Vertex) []model.Vertex {
	out := make([]model.Vertex, len(vs))
	copy(out, vs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Power != out[j].Power {
			return out[i].Power < out[j].Power
		}
		return out[i].MarginalPrice < out[j].MarginalPrice
	})
	return out
}

// ClearingPrice finds the price at which an aggregate curve crosses zero net
// power by similar triangles between the last vertex at or below zero and the
// vertex after it. ErrNoBracket is returned when no such pair exists.
func ClearingPrice(aggregate []model.Vertex) (float64, error) {
	v := Order(aggregate)
	for k := 0; k+1 < len(v); k++ {
		lo, hi := v[k], v[k+1]
		if lo.Power > 0 || hi.Power <= 0 {
			continue
		}
		if lo.Power == 0 {
			return lo.MarginalPrice, nil
		}
		if math.IsInf(lo.MarginalPrice, 0) || math.IsInf(hi.MarginalPrice, 0) {
			return 0, model.ErrNoBracket
		}
		return lo.MarginalPrice + (hi.MarginalPrice-lo.MarginalPrice)*(-lo.Power)/(hi.Power-lo.Power), nil
	}
	if n := len(v); n > 0 && v[n-1].Power == 0 && !math.IsInf(v[n-1].MarginalPrice, 0) {
		return v[n-1].MarginalPrice, nil
	}
	return 0, model.ErrNoBracket
}

// Clip limits a curve to powers within [lo, hi]. Vertices beyond a bound
// are replaced by the curve's point at that bound, so the clipped curve
// holds its end power outside the range. A curve lying wholly outside the
// range collapses to one vertex at the nearer bound.
func Clip(vs []model.Vertex, lo, hi, hours float64) []model.Vertex {
	if len(vs) == 0 {
		return nil
	}
	v := Order(vs)
	first, last := v[0].Power, v[len(v)-1].Power
	if first >= lo && last <= hi {
		return v
	}
	switch {
	case last < lo:
		end := v[len(v)-1]
		end.Power = lo
		return []model.Vertex{end}
	case first > hi:
		end := v[0]
		end.Power = hi
		return []model.Vertex{end}
	}

	l, h := math.Max(lo, first), math.Min(hi, last)
	at := func(q float64) model.Vertex {
		p, _ := PriceAt(v, q)
		return model.NewVertex(p, q, ProductionCostAt(v, q, hours))
	}
	var out []model.Vertex
	for _, x := range v {
		if x.Power >= l && x.Power <= h {
			out = append(out, x)
		}
	}
	if len(out) == 0 || out[0].Power > l {
		out = append([]model.Vertex{at(l)}, out...)
	}
	if out[len(out)-1].Power < h {
		out = append(out, at(h))
	}
	return out
}
