package model

import (
	"math"
	"sort"
	"time"
)

// TransactiveRecord is one vertex of a node's residual curve as offered to a
// neighbor for one interval. Record 0 is the balance point; records 1..N are
// flexibility vertices.
type TransactiveRecord struct {
	Commodity        Commodity `json:"E_Type,omitempty"`
	TimeStamp        time.Time `json:"TimeStamp"`
	TimeInterval     string    `json:"TimeInterval"`
	Record           int       `json:"Record"`
	MarginalPrice    float64   `json:"MarginalPrice"`
	Power            float64   `json:"Power"`
	PowerUncertainty float64   `json:"PowerUncertainty"`
	Cost             float64   `json:"Cost"`

	// Carried but unused by the clearing math.
	ReactivePower            float64 `json:"ReactivePower"`
	ReactivePowerUncertainty float64 `json:"ReactivePowerUncertainty"`
	Voltage                  float64 `json:"Voltage"`
	VoltageUncertainty       float64 `json:"VoltageUncertainty"`
}

func (r TransactiveRecord) Vertex() Vertex {
	return NewVertex(r.MarginalPrice, r.Power, r.Cost)
}

func (r TransactiveRecord) valid() bool {
	return r.Record >= 0 &&
		!math.IsNaN(r.MarginalPrice) && !math.IsInf(r.MarginalPrice, 0) &&
		!math.IsNaN(r.Power) && !math.IsInf(r.Power, 0)
}

// SortRecords orders records by record number.
func SortRecords(rs []TransactiveRecord) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Record < rs[j].Record })
}

// BalancePoint returns record 0, if present.
func BalancePoint(rs []TransactiveRecord) (TransactiveRecord, bool) {
	for _, r := range rs {
		if r.Record == 0 {
			return r, true
		}
	}
	return TransactiveRecord{}, false
}

// FlexRecords returns records numbered 1 and above.
func FlexRecords(rs []TransactiveRecord) []TransactiveRecord {
	var out []TransactiveRecord
	for _, r := range rs {
		if r.Record > 0 {
			out = append(out, r)
		}
	}
	return out
}

// SignalVertices turns one interval's record set into curve vertices. Two or
// more flexibility records define the curve and record 0 is ignored; a lone
// balance point is inelastic. Anything else, or any non-finite value, is
// ErrMalformedSignal.
func SignalVertices(rs []TransactiveRecord) ([]Vertex, error) {
	for _, r := range rs {
		if !r.valid() {
			return nil, ErrMalformedSignal
		}
	}
	if flex := FlexRecords(rs); len(flex) >= 2 {
		out := make([]Vertex, 0, len(flex))
		for _, r := range flex {
			out = append(out, r.Vertex())
		}
		return out, nil
	}
	if bp, ok := BalancePoint(rs); ok {
		return []Vertex{bp.Vertex()}, nil
	}
	return nil, ErrMalformedSignal
}
