// Package agent implements the market models: neighbors reached over a
// transport and locally owned assets.
package agent

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"transactive-network/internal/curve"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
)

// Telemetry supplies the latest measured value of kind for owner.
type Telemetry interface {
	Latest(owner string, kind model.MeasurementKind) (float64, time.Time, bool)
}

// Actuator applies setpoints to a device.
type Actuator interface {
	Actuate(ctx context.Context, a model.Actuation) error
}

type ledgerKey struct {
	commodity model.Commodity
	market    string
}

// ledger is a model's interval data for one market instance.
type ledger struct {
	scheduledPower *model.Series[float64]
	activeVertices *model.Series[[]model.Vertex]
	reserveMargin  *model.Series[float64]
	productionCost *model.Series[float64]
	dualCost       *model.Series[float64]
	transitionCost *model.Series[float64]
	engagement     *model.Series[bool]
	convergence    *model.Series[bool]
}

func newLedger(owner, marketID string) *ledger {
	return &ledger{
		scheduledPower: model.NewSeries[float64](owner, marketID, model.ScheduledPower),
		activeVertices: model.NewSeries[[]model.Vertex](owner, marketID, model.ActiveVertex),
		reserveMargin:  model.NewSeries[float64](owner, marketID, model.ReserveMargin),
		productionCost: model.NewSeries[float64](owner, marketID, model.ProductionCost),
		dualCost:       model.NewSeries[float64](owner, marketID, model.DualCost),
		transitionCost: model.NewSeries[float64](owner, marketID, model.TransitionCost),
		engagement:     model.NewSeries[bool](owner, marketID, model.EngagementValue),
		convergence:    model.NewSeries[bool](owner, marketID, model.ConvergenceFlag),
	}
}

func (l *ledger) prune(keep func(*model.TimeInterval) bool) {
	l.scheduledPower.Prune(keep)
	l.activeVertices.Prune(keep)
	l.reserveMargin.Prune(keep)
	l.productionCost.Prune(keep)
	l.dualCost.Prune(keep)
	l.transitionCost.Prune(keep)
	l.engagement.Prune(keep)
	l.convergence.Prune(keep)
}

// base is the bookkeeping shared by every model kind.
type base struct {
	name     string
	caps     model.Capabilities
	minPower float64
	maxPower float64

	controlPoint string
	lastApplied  *float64

	mu      sync.Mutex
	ledgers map[ledgerKey]*ledger
}

// init sets up b in place. Zero bounds mean unbounded.
func (b *base) init(name string, commodities []model.Commodity, minPower, maxPower float64, controlPoint string) {
	if minPower == 0 && maxPower == 0 {
		minPower, maxPower = math.Inf(-1), math.Inf(1)
	}
	b.name = name
	b.caps = model.NewCapabilities(commodities...)
	b.minPower = minPower
	b.maxPower = maxPower
	b.controlPoint = controlPoint
	b.ledgers = map[ledgerKey]*ledger{}
}

func (b *base) Name() string { return b.name }
func (b *base) Participates(c model.Commodity) bool { return b.caps.Has(c) }
func (b *base) Capabilities() model.Capabilities { return b.caps }
func (b *base) Bounds() (minPower, maxPower float64) { return b.minPower, b.maxPower }

func (b *base) ledger(m *market.Market) *ledger {
	k := ledgerKey{commodity: m.Commodity(), market: m.ID()}
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.ledgers[k]
	if !ok {
		l = newLedger(b.name, m.ID())
		b.ledgers[k] = l
	}
	return l
}

func (b *base) ActiveVertices(m *market.Market, ti *model.TimeInterval) []model.Vertex {
	return b.ledger(m).activeVertices.Value(ti)
}

func (b *base) ScheduledPower(m *market.Market, ti *model.TimeInterval) (float64, bool) {
	return b.ledger(m).scheduledPower.Get(ti)
}

func (b *base) ReserveMargin(m *market.Market, ti *model.TimeInterval) float64 {
	return b.ledger(m).reserveMargin.Value(ti)
}

func (b *base) ProductionCost(m *market.Market, ti *model.TimeInterval) float64 {
	return b.ledger(m).productionCost.Value(ti)
}

func (b *base) DualCost(m *market.Market, ti *model.TimeInterval) float64 {
	return b.ledger(m).dualCost.Value(ti)
}

func (b *base) Prune(m *market.Market) {
	b.ledger(m).prune(m.Holds)
}

func (b *base) Release(m *market.Market) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ledgers, ledgerKey{commodity: m.Commodity(), market: m.ID()})
}

// ScheduleGeneration sets scheduled power to the active curve's production
// at each interval's marginal price.
func (b *base) ScheduleGeneration(m *market.Market) error {
	l := b.ledger(m)
	for _, ti := range m.TimeIntervals() {
		price, ok := m.MarginalPrice(ti)
		if !ok {
			return fmt.Errorf("%s: interval %s: %w", b.name, ti.Name(), model.ErrNoPrice)
		}
		q, err := curve.ProductionAt(l.activeVertices.Value(ti), price)
		if err != nil {
			return fmt.Errorf("%s: interval %s: %w", b.name, ti.Name(), err)
		}
		l.scheduledPower.Set(ti, q)
	}
	return nil
}

// EstimateReserveMargin records how much more power the model could
// deliver in each interval.
func (b *base) EstimateReserveMargin(m *market.Market) error {
	l := b.ledger(m)
	for _, ti := range m.TimeIntervals() {
		top := math.Inf(-1)
		for _, v := range l.activeVertices.Value(ti) {
			top = math.Max(top, v.Power)
		}
		ceiling := math.Min(b.maxPower, top)
		if math.IsInf(ceiling, 0) {
			l.reserveMargin.Set(ti, 0)
			continue
		}
		l.reserveMargin.Set(ti, math.Max(0, ceiling-l.scheduledPower.Value(ti)))
	}
	return nil
}

// accumulateCosts recomputes production and dual cost per interval. extra
// adds model-specific cost such as engagement transitions.
func (b *base) accumulateCosts(m *market.Market, extra func(*model.TimeInterval) float64) error {
	l := b.ledger(m)
	for _, ti := range m.TimeIntervals() {
		h := ti.DurationHours()
		q := l.scheduledPower.Value(ti)
		pc := curve.ProductionCostAt(l.activeVertices.Value(ti), q, h)
		if extra != nil {
			pc += extra(ti)
		}
		price, _ := m.MarginalPrice(ti)
		l.productionCost.Set(ti, pc)
		l.dualCost.Set(ti, pc-price*q*h)
	}
	return nil
}

// Actuate issues the scheduled power of the interval containing now as a
// setpoint. Nothing is issued without a control point or when the value is
// already applied. The previous value is the last one applied successfully.
func (b *base) Actuate(ctx context.Context, m *market.Market, now time.Time, a Actuator) (bool, error) {
	if b.controlPoint == "" || a == nil {
		return false, nil
	}
	ti, ok := m.IntervalAt(now)
	if !ok {
		return false, nil
	}
	value, ok := b.ScheduledPower(m, ti)
	if !ok {
		return false, nil
	}
	b.mu.Lock()
	last := b.lastApplied
	b.mu.Unlock()
	if last != nil && *last == value {
		return false, nil
	}
	act := model.Actuation{
		Owner:        b.name,
		ControlPoint: b.controlPoint,
		Interval:     ti.Name(),
		Value:        value,
		IssuedAt:     now.UTC(),
	}
	if last != nil {
		act.PreviousValue = *last
	}
	if err := a.Actuate(ctx, act); err != nil {
		return false, fmt.Errorf("%s: actuate %s: %w", b.name, b.controlPoint, err)
	}
	b.mu.Lock()
	b.lastApplied = &value
	b.mu.Unlock()
	return true, nil
}

func configError(owner, field, reason string) error {
	return &model.ConfigError{Owner: owner, Field: field, Reason: reason}
}

var (
	_ market.Model = (*Neighbor)(nil)
	_ market.Model = (*LocalAsset)(nil)
)
