// Package reconcile persists the final state of a market instance once its
// delivery is over.
package reconcile

import (
	"time"

	"transactive-network/internal/market"
)

// VertexRow is one active vertex of one model in one interval.
type VertexRow struct {
	Market        string
	Owner         string
	Interval      string
	MarginalPrice float64
	Power         float64
	Cost          float64
}

// PriceRow is the cleared outcome of one interval.
type PriceRow struct {
	Index           int
	Market          string
	IntervalStart   time.Time
	IntervalEnd     time.Time
	MarginalPrice   float64
	TotalGeneration float64
	TotalDemand     float64
	NetPower        float64
	ProductionCost  float64
	DualCost        float64
}

// Report is everything persisted for one market instance.
type Report struct {
	Market    string
	Converged bool
	Vertices  []VertexRow
	Prices    []PriceRow
}

// SystemOwner labels aggregate-curve vertices in the vertex table.
const SystemOwner = "system"

// Build collects m's final vertices and prices.
func Build(m *market.Market) *Report {
	r := &Report{Market: m.ID(), Converged: m.Converged()}
	tis := m.TimeIntervals()
	for _, md := range m.Models() {
		for _, ti := range tis {
			for _, v := range md.ActiveVertices(m, ti) {
				r.Vertices = append(r.Vertices, VertexRow{
					Market:        m.ID(),
					Owner:         md.Name(),
					Interval:      ti.Name(),
					MarginalPrice: v.MarginalPrice,
					Power:         v.Power,
					Cost:          v.Cost,
				})
			}
		}
	}
	for idx, s := range m.IntervalSummaries() {
		for _, v := range s.Vertices {
			r.Vertices = append(r.Vertices, VertexRow{
				Market:        m.ID(),
				Owner:         SystemOwner,
				Interval:      s.Name,
				MarginalPrice: v.MarginalPrice,
				Power:         v.Power,
				Cost:          v.Cost,
			})
		}
		if !s.Priced {
			continue
		}
		r.Prices = append(r.Prices, PriceRow{
			Index:           idx,
			Market:          m.ID(),
			IntervalStart:   s.Start,
			IntervalEnd:     s.End,
			MarginalPrice:   s.MarginalPrice,
			TotalGeneration: s.TotalGeneration,
			TotalDemand:     s.TotalDemand,
			NetPower:        s.NetPower,
			ProductionCost:  s.ProductionCost,
			DualCost:        s.DualCost,
		})
	}
	return r
}
