package model

import "time"

// TimeInterval is one delivery period of a market instance.
// All times are UTC.
type TimeInterval struct {
	// Market is the ID of the owning market instance.
	Market string

	ActivationTime     time.Time
	MarketClearingTime time.Time
	StartTime          time.Time
	Duration           time.Duration
}

// IntervalName formats a start time the way intervals are named on the wire.
func IntervalName(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

// Name identifies the interval on the wire. Intervals are compared by start
// time, so the name is the RFC3339 start time.
func (ti *TimeInterval) Name() string {
	return IntervalName(ti.StartTime)
}

func (ti *TimeInterval) EndTime() time.Time {
	return ti.StartTime.Add(ti.Duration)
}

func (ti *TimeInterval) DurationHours() float64 {
	return ti.Duration.Hours()
}

// Contains reports whether t falls in [StartTime, EndTime).
func (ti *TimeInterval) Contains(t time.Time) bool {
	return !t.Before(ti.StartTime) && t.Before(ti.EndTime())
}

// State derives the interval's lifecycle position from its timing.
func (ti *TimeInterval) State(now time.Time) MarketState {
	switch {
	case now.Before(ti.ActivationTime):
		return Inactive
	case now.Before(ti.MarketClearingTime):
		return Active
	case now.Before(ti.StartTime):
		return DeliveryLead
	case now.Before(ti.EndTime()):
		return Delivery
	default:
		return Expired
	}
}
