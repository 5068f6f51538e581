package agent

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transactive-network/internal/market"
	"transactive-network/internal/model"
)

type LocalAssetConfig struct {
	Name        string
	Commodities []model.Commodity

	MinPower float64
	MaxPower float64

	// CostCoefficients are [a, b, c] of cost = a + b·p + c·p² in $/h.
	CostCoefficients []float64
	DefaultVertices  []model.Vertex
	// DefaultPower is a fixed, inelastic schedule in kW.
	DefaultPower *float64

	// EngageCost and DisengageCost are charged when consecutive intervals
	// switch the asset on or off.
	EngageCost    float64
	DisengageCost float64

	ControlPoint string
}

// LocalAsset models a resource or load owned by this node.
type LocalAsset struct {
	base
	cfg   LocalAssetConfig
	log   zerolog.Logger
	meter Telemetry

	engMu      sync.Mutex
	engagement map[time.Time]bool
}

func NewLocalAsset(cfg LocalAssetConfig, meter Telemetry, log zerolog.Logger) *LocalAsset {
	a := &LocalAsset{
		cfg:        cfg,
		log:        log.With().Str("asset", cfg.Name).Logger(),
		meter:      meter,
		engagement: map[time.Time]bool{},
	}
	a.init(cfg.Name, cfg.Commodities, cfg.MinPower, cfg.MaxPower, cfg.ControlPoint)
	return a
}

func (a *LocalAsset) Config() LocalAssetConfig { return a.cfg }

// Validate reports configuration that keeps the asset from scheduling.
func (a *LocalAsset) Validate() error {
	if a.minPower > a.maxPower {
		return configError(a.name, "min_power", "exceeds max_power")
	}
	if n := len(a.cfg.CostCoefficients); n != 0 && n != 3 {
		return configError(a.name, "cost_coefficients", fmt.Sprintf("want 3 coefficients, got %d", n))
	}
	if len(a.cfg.CostCoefficients) == 3 && (math.IsInf(a.minPower, 0) || math.IsInf(a.maxPower, 0)) {
		return configError(a.name, "max_power", "power bounds are required with cost coefficients")
	}
	for _, v := range a.cfg.DefaultVertices {
		if !v.Finite() {
			return configError(a.name, "default_vertices", fmt.Sprintf("vertex %s is not finite", v))
		}
	}
	return nil
}

// SetEngagement overrides whether the asset runs in the interval starting at
// start. Assets are engaged unless told otherwise.
func (a *LocalAsset) SetEngagement(start time.Time, engaged bool) {
	a.engMu.Lock()
	defer a.engMu.Unlock()
	a.engagement[start.UTC()] = engaged
}

func (a *LocalAsset) engaged(ti *model.TimeInterval) bool {
	a.engMu.Lock()
	defer a.engMu.Unlock()
	on, ok := a.engagement[ti.StartTime.UTC()]
	return !ok || on
}

// ScheduleVertices sets each interval's curve from the first available
// source: cost coefficients, default vertices, default power, then metered
// power. A disengaged interval is a single zero-power vertex.
func (a *LocalAsset) ScheduleVertices(m *market.Market) error {
	if err := a.Validate(); err != nil {
		return err
	}
	l := a.ledger(m)
	for _, ti := range m.TimeIntervals() {
		on := a.engaged(ti)
		l.engagement.Set(ti, on)
		if !on {
			l.activeVertices.Set(ti, []model.Vertex{model.NewVertex(math.Inf(1), 0, 0)})
			continue
		}
		vs, err := a.vertices(ti)
		if err != nil {
			return err
		}
		l.activeVertices.Set(ti, vs)
	}
	return nil
}

func (a *LocalAsset) vertices(ti *model.TimeInterval) ([]model.Vertex, error) {
	switch {
	case len(a.cfg.CostCoefficients) == 3:
		return a.quadraticVertices(ti.DurationHours()), nil
	case len(a.cfg.DefaultVertices) > 0:
		return a.cfg.DefaultVertices, nil
	case a.cfg.DefaultPower != nil:
		return []model.Vertex{model.NewVertex(math.Inf(1), *a.cfg.DefaultPower, 0)}, nil
	}
	if a.meter != nil {
		if kw, _, ok := a.meter.Latest(a.name, model.ObservedPower); ok {
			return []model.Vertex{model.NewVertex(math.Inf(1), kw, 0)}, nil
		}
	}
	return nil, configError(a.name, "default_power", "no cost coefficients, default vertices, default power, or meter reading")
}

// quadraticVertices places vertices at the power bounds with marginal price
// b + 2c·p and cost (a + b·p + c·p²)·h.
func (a *LocalAsset) quadraticVertices(h float64) []model.Vertex {
	k := a.cfg.CostCoefficients
	at := func(p float64) model.Vertex {
		return model.NewVertex(k[1]+2*k[2]*p, p, (k[0]+k[1]*p+k[2]*p*p)*h)
	}
	if a.minPower == a.maxPower {
		return []model.Vertex{at(a.minPower)}
	}
	return []model.Vertex{at(a.minPower), at(a.maxPower)}
}

// AccumulateCosts adds engagement transition costs on top of the curve's
// production cost. The interval before the horizon counts as engaged.
func (a *LocalAsset) AccumulateCosts(m *market.Market) error {
	l := a.ledger(m)
	prev := true
	for _, ti := range m.TimeIntervals() {
		on, ok := l.engagement.Get(ti)
		if !ok {
			on = true
		}
		cost := 0.0
		switch {
		case on && !prev:
			cost = a.cfg.EngageCost
		case !on && prev:
			cost = a.cfg.DisengageCost
		}
		l.transitionCost.Set(ti, cost)
		prev = on
	}
	return a.accumulateCosts(m, l.transitionCost.Value)
}

// TransitionCost returns the engagement cost charged in ti.
func (a *LocalAsset) TransitionCost(m *market.Market, ti *model.TimeInterval) float64 {
	return a.ledger(m).transitionCost.Value(ti)
}
