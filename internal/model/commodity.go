package model

import "strings"

// Commodity tags the energy type a market clears and a model trades.
// Keep these values stable; they travel as the E_Type wire field.
type Commodity string

const (
	Electricity Commodity = "electricity"
	Heat        Commodity = "heat"
	Cooling     Commodity = "cooling"
)

func ParseCommodity(s string) (Commodity, bool) {
	switch c := Commodity(strings.ToLower(strings.TrimSpace(s))); c {
	case Electricity, Heat, Cooling:
		return c, true
	case "":
		return Electricity, true
	default:
		return "", false
	}
}

// Capabilities is the fixed set of commodities a model participates in.
type Capabilities map[Commodity]struct{}

func NewCapabilities(cs ...Commodity) Capabilities {
	out := Capabilities{}
	for _, c := range cs {
		out[c] = struct{}{}
	}
	if len(out) == 0 {
		out[Electricity] = struct{}{}
	}
	return out
}

func (c Capabilities) Has(x Commodity) bool {
	_, ok := c[x]
	return ok
}
