package market

import "transactive-network/internal/model"

// Model is a participant in a market: a neighbor or a local asset. Each
// model keeps its own interval ledgers per market instance; the market only
// reads them through this interface.
type Model interface {
	Name() string
	Participates(c model.Commodity) bool

	// ScheduleVertices refreshes the model's active vertices for every
	// interval of m.
	ScheduleVertices(m *Market) error
	// ScheduleGeneration sets scheduled power at m's current marginal prices.
	ScheduleGeneration(m *Market) error
	EstimateReserveMargin(m *Market) error
	// AccumulateCosts recomputes production and dual costs for every
	// interval of m.
	AccumulateCosts(m *Market) error

	ActiveVertices(m *Market, ti *model.TimeInterval) []model.Vertex
	ScheduledPower(m *Market, ti *model.TimeInterval) (float64, bool)
	ReserveMargin(m *Market, ti *model.TimeInterval) float64
	ProductionCost(m *Market, ti *model.TimeInterval) float64
	DualCost(m *Market, ti *model.TimeInterval) float64

	// Prune drops ledger entries for intervals m no longer holds.
	Prune(m *Market)
	// Release drops every ledger entry for m.
	Release(m *Market)
}
