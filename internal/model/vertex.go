package model

import (
	"fmt"
	"math"
)

// Vertex is one point on a piecewise-linear supply (Power > 0) or demand
// (Power < 0) curve.
// Units:
// - MarginalPrice: $/kWh, +Inf marks a perfectly inelastic segment
// - Power: kW, positive when the owner is a net supplier/importer
// - Cost: $ accumulated to produce Power over one interval
type Vertex struct {
	MarginalPrice float64 `json:"marginal_price" yaml:"price"`
	Power         float64 `json:"power" yaml:"power"`
	Cost          float64 `json:"cost" yaml:"cost"`
	// Continuity reports whether the curve is continuous into the next
	// vertex. Only used for rendering.
	Continuity bool `json:"continuity" yaml:"continuity"`
}

func NewVertex(price, power, cost float64) Vertex {
	return Vertex{MarginalPrice: price, Power: power, Cost: cost, Continuity: true}
}

// Less orders vertices by price, then power.
func (v Vertex) Less(o Vertex) bool {
	if v.MarginalPrice != o.MarginalPrice {
		return v.MarginalPrice < o.MarginalPrice
	}
	return v.Power < o.Power
}

// Finite reports whether every numeric field is a usable number. Price may
// be +Inf.
func (v Vertex) Finite() bool {
	if math.IsNaN(v.MarginalPrice) || math.IsInf(v.MarginalPrice, -1) {
		return false
	}
	return !math.IsNaN(v.Power) && !math.IsInf(v.Power, 0) && !math.IsNaN(v.Cost) && !math.IsInf(v.Cost, 0)
}

func (v Vertex) String() string {
	return fmt.Sprintf("(%.6g $/kWh, %.6g kW, $%.6g)", v.MarginalPrice, v.Power, v.Cost)
}
