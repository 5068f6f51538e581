package market

import (
	"time"

	"transactive-network/internal/model"
)

// Summary is a point-in-time view of a market instance.
type Summary struct {
	ID               string
	Name             string
	Commodity        model.Commodity
	Method           string
	State            model.MarketState
	ClearingTime     time.Time
	NextClearingTime time.Time
	Intervals        int
	Converged        bool
	DualityGap       float64
	ProductionCost   float64
	DualCost         float64
	Newest           bool
	Reconciled       bool
	LastBalance      BalanceResult
	Disabled         []string
}

// IntervalSummary is the cleared state of one interval.
type IntervalSummary struct {
	Name            string
	Start           time.Time
	End             time.Time
	MarginalPrice   float64
	Priced          bool
	TotalGeneration float64
	TotalDemand     float64
	NetPower        float64
	ProductionCost  float64
	DualCost        float64
	// ReserveMargin is the summed headroom of every model.
	ReserveMargin   float64
	Vertices        []model.Vertex
	Models          []ModelInterval
}

// ModelInterval is one model's share of an interval.
type ModelInterval struct {
	Model          string
	Scheduled      bool
	ScheduledPower float64
	ReserveMargin  float64
	ProductionCost float64
	// TransitionCost is the engagement cost included in ProductionCost.
	TransitionCost float64
}

// transitioning is implemented by models that charge engagement changes.
type transitioning interface {
	TransitionCost(m *Market, ti *model.TimeInterval) float64
}

func (m *Market) Summary() Summary {
	s := Summary{
		ID:               m.id,
		Name:             m.cfg.Name,
		Commodity:        m.cfg.Commodity,
		Method:           m.cfg.Method.String(),
		State:            m.state,
		ClearingTime:     m.clearingTime,
		NextClearingTime: m.NextClearingTime(),
		Intervals:        len(m.intervals),
		Converged:        m.converged,
		DualityGap:       m.dualityGap,
		ProductionCost:   m.totalProductionCost,
		DualCost:         m.totalDualCost,
		Newest:           m.newest,
		Reconciled:       m.reconciled,
		LastBalance:      m.lastBalance,
	}
	for _, md := range m.models {
		if _, off := m.disabled[md.Name()]; off {
			s.Disabled = append(s.Disabled, md.Name())
		}
	}
	return s
}

func (m *Market) IntervalSummaries() []IntervalSummary {
	out := make([]IntervalSummary, 0, len(m.intervals))
	for _, ti := range m.intervals {
		p, ok := m.marginalPrices.Get(ti)
		shares, reserve := m.modelShares(ti)
		out = append(out, IntervalSummary{
			Name:            ti.Name(),
			Start:           ti.StartTime,
			End:             ti.EndTime(),
			MarginalPrice:   p,
			Priced:          ok,
			TotalGeneration: m.totalGeneration.Value(ti),
			TotalDemand:     m.totalDemand.Value(ti),
			NetPower:        m.netPowers.Value(ti),
			ProductionCost:  m.productionCosts.Value(ti),
			DualCost:        m.dualCosts.Value(ti),
			ReserveMargin:   reserve,
			Vertices:        m.systemVertices.Value(ti),
			Models:          shares,
		})
	}
	return out
}

func (m *Market) modelShares(ti *model.TimeInterval) ([]ModelInterval, float64) {
	out := make([]ModelInterval, 0, len(m.models))
	total := 0.0
	for _, md := range m.models {
		q, ok := md.ScheduledPower(m, ti)
		mi := ModelInterval{
			Model:          md.Name(),
			Scheduled:      ok,
			ScheduledPower: q,
			ReserveMargin:  md.ReserveMargin(m, ti),
			ProductionCost: md.ProductionCost(m, ti),
		}
		if tc, ok := md.(transitioning); ok {
			mi.TransitionCost = tc.TransitionCost(m, ti)
		}
		total += mi.ReserveMargin
		out = append(out, mi)
	}
	return out, total
}
