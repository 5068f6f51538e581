package model

// MarketState is a position in the market lifecycle.
type MarketState int

const (
	Inactive MarketState = iota
	Active
	Negotiation
	MarketLead
	DeliveryLead
	Delivery
	Reconcile
	Expired
)

var stateNames = [...]string{
	Inactive:     "Inactive",
	Active:       "Active",
	Negotiation:  "Negotiation",
	MarketLead:   "MarketLead",
	DeliveryLead: "DeliveryLead",
	Delivery:     "Delivery",
	Reconcile:    "Reconcile",
	Expired:      "Expired",
}

func (s MarketState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Next returns the state that follows s, or s itself once Expired.
func (s MarketState) Next() MarketState {
	if s >= Expired {
		return Expired
	}
	return s + 1
}
