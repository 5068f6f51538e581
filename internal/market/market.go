// Package market clears one commodity over a horizon of time intervals by
// balancing the supply and demand curves of its models.
package market

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transactive-network/internal/curve"
	"transactive-network/internal/model"
)

// Method selects how marginal prices are revised between balancing
// iterations.
type Method int

const (
	Interpolation Method = iota
	Subgradient
)

func (m Method) String() string {
	if m == Subgradient {
		return "subgradient"
	}
	return "interpolation"
}

func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "interpolation":
		return Interpolation, nil
	case "subgradient":
		return Subgradient, nil
	default:
		return 0, fmt.Errorf("unknown balancing method %q", s)
	}
}

// Config describes one market series. Every instance spawned from a series
// shares it.
type Config struct {
	Name      string
	Commodity model.Commodity
	Method    Method

	IntervalsToClear       int
	IntervalDuration       time.Duration
	MarketClearingInterval time.Duration

	ActivationLeadTime  time.Duration
	NegotiationLeadTime time.Duration
	MarketLeadTime      time.Duration
	DeliveryLeadTime    time.Duration

	DualityGapThreshold float64
	// DefaultPrice is the last-resort seed price. Nil means none.
	DefaultPrice *float64
	// Refines names the market series whose prices seed this one when no
	// prior instance covers an interval.
	Refines string
}

func (c Config) Validate() error {
	bad := func(field, reason string) error {
		return &model.ConfigError{Owner: c.Name, Field: field, Reason: reason}
	}
	switch {
	case c.Name == "":
		return &model.ConfigError{Owner: "market", Field: "name", Reason: "required"}
	case c.IntervalsToClear < 1:
		return bad("intervals_to_clear", "must be at least 1")
	case c.IntervalDuration <= 0:
		return bad("interval_duration", "must be positive")
	case c.MarketClearingInterval <= 0:
		return bad("market_clearing_interval", "must be positive")
	case c.ActivationLeadTime < 0 || c.NegotiationLeadTime < 0 || c.MarketLeadTime < 0 || c.DeliveryLeadTime < 0:
		return bad("lead_times", "must not be negative")
	case c.DualityGapThreshold <= 0 || math.IsNaN(c.DualityGapThreshold):
		return bad("duality_gap_threshold", "must be positive")
	case c.DefaultPrice != nil && (math.IsNaN(*c.DefaultPrice) || math.IsInf(*c.DefaultPrice, 0)):
		return bad("default_price", "must be finite")
	}
	return nil
}

// leadWindow is how long before clearing an instance becomes active.
func (c Config) leadWindow() time.Duration {
	return c.ActivationLeadTime + c.NegotiationLeadTime + c.MarketLeadTime
}

// Market is one instance of a market series, identified by its clearing
// time. A Market is not safe for concurrent use except SignalNewData.
type Market struct {
	cfg     Config
	id      string
	baseLog zerolog.Logger
	log     zerolog.Logger

	clearingTime time.Time
	state        model.MarketState
	intervals    []*model.TimeInterval

	models   []Model
	disabled map[string]error
	skipped  map[string]bool

	marginalPrices  *model.Series[float64]
	systemVertices  *model.Series[[]model.Vertex]
	totalGeneration *model.Series[float64]
	totalDemand     *model.Series[float64]
	netPowers       *model.Series[float64]
	productionCosts *model.Series[float64]
	dualCosts       *model.Series[float64]

	totalProductionCost float64
	totalDualCost       float64
	dualityGap          float64
	converged           bool
	lastBalance         BalanceResult
	newData             atomic.Bool

	priceModel PriceModel
	prior      *Market
	refines    *Market
	reconciler Reconciler
	newest     bool
	reconciled bool
}

// New creates the newest instance of a series clearing at clearingTime.
func New(cfg Config, clearingTime time.Time, log zerolog.Logger) (*Market, error) {
	if cfg.Commodity == "" {
		cfg.Commodity = model.Electricity
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clearingTime = clearingTime.UTC()
	id := instanceID(cfg.Name, clearingTime)
	m := &Market{
		cfg:             cfg,
		id:              id,
		baseLog:         log,
		log:             log.With().Str("market", id).Logger(),
		clearingTime:    clearingTime,
		state:           model.Inactive,
		disabled:        map[string]error{},
		skipped:         map[string]bool{},
		marginalPrices:  model.NewSeries[float64](id, id, model.MarginalPrice),
		systemVertices:  model.NewSeries[[]model.Vertex](id, id, model.SystemVertex),
		totalGeneration: model.NewSeries[float64](id, id, model.TotalGeneration),
		totalDemand:     model.NewSeries[float64](id, id, model.TotalDemand),
		netPowers:       model.NewSeries[float64](id, id, model.NetPower),
		productionCosts: model.NewSeries[float64](id, id, model.ProductionCost),
		dualCosts:       model.NewSeries[float64](id, id, model.DualCost),
		dualityGap:      math.Inf(1),
		newest:          true,
	}
	return m, nil
}

func instanceID(name string, clearing time.Time) string {
	return name + "@" + clearing.UTC().Format(time.RFC3339)
}

func (m *Market) ID() string { return m.id }
func (m *Market) Name() string { return m.cfg.Name }
func (m *Market) Config() Config { return m.cfg }
func (m *Market) Commodity() model.Commodity { return m.cfg.Commodity }
func (m *Market) State() model.MarketState { return m.state }
func (m *Market) ClearingTime() time.Time { return m.clearingTime }
func (m *Market) Converged() bool { return m.converged }
func (m *Market) DualityGap() float64 { return m.dualityGap }
func (m *Market) LastBalance() BalanceResult { return m.lastBalance }
func (m *Market) IsNewest() bool { return m.newest }
func (m *Market) Prior() *Market { return m.prior }
func (m *Market) Refines() *Market { return m.refines }
func (m *Market) Reconciled() bool { return m.reconciled }
func (m *Market) PriceModel() PriceModel { return m.priceModel }
func (m *Market) TotalProductionCost() float64 { return m.totalProductionCost }
func (m *Market) TotalDualCost() float64 { return m.totalDualCost }
func (m *Market) SetReconciler(r Reconciler) { m.reconciler = r }
func (m *Market) SetRefines(other *Market) { m.refines = other }
func (m *Market) SetPriceModel(pm PriceModel) { m.priceModel = pm }

// NextClearingTime is the clearing time of the instance that follows m.
func (m *Market) NextClearingTime() time.Time {
	return m.clearingTime.Add(m.cfg.MarketClearingInterval)
}

// DeliveryStart is when the first interval begins.
func (m *Market) DeliveryStart() time.Time {
	return m.clearingTime.Add(m.cfg.DeliveryLeadTime)
}

// DeliveryEnd is when the last interval ends.
func (m *Market) DeliveryEnd() time.Time {
	return m.DeliveryStart().Add(time.Duration(m.cfg.IntervalsToClear) * m.cfg.IntervalDuration)
}

// SignalNewData marks that a model's inputs changed, so negotiation must
// rebalance. Safe to call from any goroutine; an in-flight Balance stops at
// its next iteration.
func (m *Market) SignalNewData() {
	m.newData.Store(true)
}

// HasNewData reports whether SignalNewData was called since the last Balance.
func (m *Market) HasNewData() bool {
	return m.newData.Load()
}

// TimeIntervals returns m's intervals ordered by start time.
func (m *Market) TimeIntervals() []*model.TimeInterval {
	out := make([]*model.TimeInterval, len(m.intervals))
	copy(out, m.intervals)
	return out
}

// Interval looks up the interval starting at start.
func (m *Market) Interval(start time.Time) (*model.TimeInterval, bool) {
	start = start.UTC()
	for _, ti := range m.intervals {
		if ti.StartTime.Equal(start) {
			return ti, true
		}
	}
	return nil, false
}

// IntervalNamed looks up an interval by its wire name.
func (m *Market) IntervalNamed(name string) (*model.TimeInterval, bool) {
	start, err := time.Parse(time.RFC3339, name)
	if err != nil {
		return nil, false
	}
	return m.Interval(start)
}

// IntervalAt returns the interval containing t.
func (m *Market) IntervalAt(t time.Time) (*model.TimeInterval, bool) {
	for _, ti := range m.intervals {
		if ti.Contains(t) {
			return ti, true
		}
	}
	return nil, false
}

func (m *Market) MarginalPrice(ti *model.TimeInterval) (float64, bool) {
	return m.marginalPrices.Get(ti)
}

// SetMarginalPrice overrides the price of ti. Negotiation should normally
// set prices through Balance.
func (m *Market) SetMarginalPrice(ti *model.TimeInterval, price float64) {
	m.marginalPrices.Set(ti, price)
}

func (m *Market) NetPower(ti *model.TimeInterval) float64 {
	return m.netPowers.Value(ti)
}

// SystemVertices returns the aggregate curve stored for ti by the last
// balancing pass.
func (m *Market) SystemVertices(ti *model.TimeInterval) []model.Vertex {
	return m.systemVertices.Value(ti)
}

// AddModel attaches md to m. A model that does not trade m's commodity is a
// ConfigError.
func (m *Market) AddModel(md Model) error {
	if !md.Participates(m.cfg.Commodity) {
		return &model.ConfigError{
			Owner:  md.Name(),
			Field:  "commodities",
			Reason: fmt.Sprintf("does not trade %s required by market %s", m.cfg.Commodity, m.cfg.Name),
		}
	}
	for _, existing := range m.models {
		if existing.Name() == md.Name() {
			return fmt.Errorf("market %s: model %q already added", m.id, md.Name())
		}
	}
	m.models = append(m.models, md)
	return nil
}

func (m *Market) Models() []Model {
	out := make([]Model, len(m.models))
	copy(out, m.models)
	return out
}

// DisabledModels returns the configuration errors that excluded models from
// scheduling, keyed by model name.
func (m *Market) DisabledModels() map[string]error {
	out := make(map[string]error, len(m.disabled))
	for k, v := range m.disabled {
		out[k] = v
	}
	return out
}

// participants are the models scheduled in the current pass.
func (m *Market) participants() []Model {
	out := make([]Model, 0, len(m.models))
	for _, md := range m.models {
		if _, off := m.disabled[md.Name()]; off {
			continue
		}
		if m.skipped[md.Name()] {
			continue
		}
		out = append(out, md)
	}
	return out
}

// SumVertices aggregates the active vertices of every participating model
// for ti, leaving out exclude when it is non-nil.
func (m *Market) SumVertices(ti *model.TimeInterval, exclude Model) ([]model.Vertex, error) {
	var curves [][]model.Vertex
	for _, md := range m.participants() {
		if exclude != nil && md.Name() == exclude.Name() {
			continue
		}
		if vs := md.ActiveVertices(m, ti); len(vs) > 0 {
			curves = append(curves, vs)
		}
	}
	if len(curves) == 0 {
		return nil, model.ErrNoVertices
	}
	return curve.Sum(curves, ti.DurationHours())
}
