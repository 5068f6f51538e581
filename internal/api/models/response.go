package models

import (
	"math"
	"time"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MarketSummary is one market instance. DualityGap is null when production
// cost is zero.
type MarketSummary struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Commodity        string        `json:"commodity"`
	Method           string        `json:"method"`
	State            string        `json:"state"`
	ClearingTime     time.Time     `json:"clearing_time"`
	NextClearingTime time.Time     `json:"next_clearing_time"`
	Intervals        int           `json:"intervals"`
	Converged        bool          `json:"converged"`
	DualityGap       *float64      `json:"duality_gap"`
	ProductionCost   float64       `json:"production_cost"`
	DualCost         float64       `json:"dual_cost"`
	Newest           bool          `json:"newest"`
	Reconciled       bool          `json:"reconciled"`
	LastBalance      BalanceResult `json:"last_balance"`
	Disabled         []string      `json:"disabled_models,omitempty"`
}

type BalanceResult struct {
	Outcome    string   `json:"outcome"`
	Iterations int      `json:"iterations"`
	DualityGap *float64 `json:"duality_gap"`
}

type MarketDetail struct {
	MarketSummary
	TimeIntervals []IntervalDetail `json:"time_intervals"`
}

type IntervalDetail struct {
	Name            string    `json:"name"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	MarginalPrice   *float64  `json:"marginal_price"`
	TotalGeneration float64   `json:"total_generation"`
	TotalDemand     float64   `json:"total_demand"`
	NetPower        float64   `json:"net_power"`
	ProductionCost  float64   `json:"production_cost"`
	DualCost        float64   `json:"dual_cost"`
	ReserveMargin   float64   `json:"reserve_margin"`
	Models          []Share   `json:"models,omitempty"`
}

// Share is one model's part of an interval. ScheduledPower is null before
// the model is first scheduled.
type Share struct {
	Model          string   `json:"model"`
	ScheduledPower *float64 `json:"scheduled_power"`
	ReserveMargin  float64  `json:"reserve_margin"`
	ProductionCost float64  `json:"production_cost"`
	TransitionCost float64  `json:"transition_cost"`
}

// Vertex carries a null marginal price for an inelastic (+Inf) vertex.
type Vertex struct {
	MarginalPrice *float64 `json:"marginal_price"`
	Power         float64  `json:"power"`
	Cost          float64  `json:"cost"`
}

type IntervalVertices struct {
	Interval string   `json:"interval"`
	Vertices []Vertex `json:"vertices"`
}

type NeighborInfo struct {
	Name            string          `json:"name"`
	Transactive     bool            `json:"transactive"`
	Friend          bool            `json:"friend"`
	DemandThreshold float64         `json:"demand_threshold"`
	Converged       map[string]bool `json:"converged"`
}

// Finite returns nil for infinite or NaN values, which JSON cannot carry.
func Finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}
