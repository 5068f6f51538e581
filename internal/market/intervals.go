package market

import (
	"time"

	"transactive-network/internal/model"
)

// expectedStarts are the interval start times m must hold.
func (m *Market) expectedStarts() []time.Time {
	first := m.DeliveryStart()
	out := make([]time.Time, m.cfg.IntervalsToClear)
	for k := range out {
		out[k] = first.Add(time.Duration(k) * m.cfg.IntervalDuration)
	}
	return out
}

func (m *Market) newInterval(start time.Time) *model.TimeInterval {
	return &model.TimeInterval{
		Market:             m.id,
		ActivationTime:     m.clearingTime.Add(-m.cfg.leadWindow()),
		MarketClearingTime: m.clearingTime,
		StartTime:          start,
		Duration:           m.cfg.IntervalDuration,
	}
}

// CheckIntervals makes m hold exactly one interval per expected start time.
// Missing intervals are created, duplicates collapse onto the first, and
// intervals outside the horizon are retired together with every ledger entry
// that refers to them.
func (m *Market) CheckIntervals() {
	byStart := make(map[time.Time][]*model.TimeInterval, len(m.intervals))
	for _, ti := range m.intervals {
		k := ti.StartTime.UTC()
		byStart[k] = append(byStart[k], ti)
	}

	expected := m.expectedStarts()
	next := make([]*model.TimeInterval, 0, len(expected))
	changed := false
	for _, start := range expected {
		found := byStart[start]
		delete(byStart, start)
		switch len(found) {
		case 0:
			next = append(next, m.newInterval(start))
		case 1:
			next = append(next, found[0])
		default:
			m.log.Warn().
				Str("interval", model.IntervalName(start)).
				Int("copies", len(found)).
				Msg("collapsing duplicate time intervals")
			next = append(next, found[0])
			changed = true
		}
	}
	if len(byStart) > 0 {
		m.log.Debug().Int("retired", len(byStart)).Msg("retiring time intervals outside the horizon")
		changed = true
	}
	m.intervals = next
	if changed {
		m.prune()
	}
}

// holds reports whether ti is one of m's current intervals.
func (m *Market) holds(ti *model.TimeInterval) bool {
	if ti == nil {
		return false
	}
	for _, own := range m.intervals {
		if own.StartTime.Equal(ti.StartTime) {
			return true
		}
	}
	return false
}

func (m *Market) prune() {
	keep := m.holds
	m.marginalPrices.Prune(keep)
	m.systemVertices.Prune(keep)
	m.totalGeneration.Prune(keep)
	m.totalDemand.Prune(keep)
	m.netPowers.Prune(keep)
	m.productionCosts.Prune(keep)
	m.dualCosts.Prune(keep)
	for _, md := range m.models {
		md.Prune(m)
	}
}

// Holds reports whether ti belongs to m's current horizon. Models use it to
// prune their ledgers.
func (m *Market) Holds(ti *model.TimeInterval) bool {
	return m.holds(ti)
}
