package model

import "time"

// IntervalValue associates one measurement with one time interval.
type IntervalValue[T any] struct {
	Owner    string
	Market   string
	Kind     MeasurementKind
	Interval *TimeInterval
	Value    T
}

// Series is the IntervalValue collection of one kind for one owner and
// market. There is at most one entry per interval start time; Set overwrites.
// A Series is not safe for concurrent writes.
type Series[T any] struct {
	Owner  string
	Market string
	Kind   MeasurementKind

	values map[time.Time]*IntervalValue[T]
}

func NewSeries[T any](owner, market string, kind MeasurementKind) *Series[T] {
	return &Series[T]{
		Owner:  owner,
		Market: market,
		Kind:   kind,
		values: make(map[time.Time]*IntervalValue[T]),
	}
}

func key(ti *TimeInterval) time.Time {
	return ti.StartTime.UTC()
}

// Set stores v for ti, replacing any existing entry.
func (s *Series[T]) Set(ti *TimeInterval, v T) {
	if iv, ok := s.values[key(ti)]; ok {
		iv.Interval = ti
		iv.Value = v
		return
	}
	s.values[key(ti)] = &IntervalValue[T]{
		Owner:    s.Owner,
		Market:   s.Market,
		Kind:     s.Kind,
		Interval: ti,
		Value:    v,
	}
}

func (s *Series[T]) Get(ti *TimeInterval) (T, bool) {
	iv, ok := s.values[key(ti)]
	if !ok {
		var zero T
		return zero, false
	}
	return iv.Value, true
}

// Value returns the stored value or the zero value.
func (s *Series[T]) Value(ti *TimeInterval) T {
	v, _ := s.Get(ti)
	return v
}

func (s *Series[T]) Has(ti *TimeInterval) bool {
	_, ok := s.values[key(ti)]
	return ok
}

func (s *Series[T]) Delete(ti *TimeInterval) {
	delete(s.values, key(ti))
}

// Prune drops every entry whose interval is not kept.
func (s *Series[T]) Prune(keep func(*TimeInterval) bool) int {
	var drop []time.Time
	for k, iv := range s.values {
		if !keep(iv.Interval) {
			drop = append(drop, k)
		}
	}
	for _, k := range drop {
		delete(s.values, k)
	}
	return len(drop)
}
