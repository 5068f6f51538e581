package market

import (
	"fmt"
	"math"

	"transactive-network/internal/model"
)

// priceModelWeight is the sample count of the exponentially weighted
// hour-of-day statistics.
const priceModelWeight = 14

// HourStats is the price forecast for one hour of day.
type HourStats struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"std_dev"`
	Samples int     `json:"samples"`
}

// PriceModel is a per-hour-of-day (UTC) price forecast. It is a value type:
// copying a market's model copies its statistics.
type PriceModel [24]HourStats

// Forecast returns the mean and standard deviation for hour. ok is false
// until the hour has seen a price.
func (pm PriceModel) Forecast(hour int) (mean, stdDev float64, ok bool) {
	if hour < 0 || hour >= len(pm) {
		return 0, 0, false
	}
	h := pm[hour]
	if h.Samples == 0 {
		return 0, 0, false
	}
	return h.Mean, h.StdDev, true
}

// Update folds price into hour's statistics.
func (pm *PriceModel) Update(hour int, price float64) {
	if hour < 0 || hour >= len(pm) || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	h := &pm[hour]
	if h.Samples == 0 {
		*h = HourStats{Mean: price, Samples: 1}
		return
	}
	k := float64(priceModelWeight)
	mean := ((k-1)*h.Mean + price) / k
	variance := ((k-1)*h.StdDev*h.StdDev + (price-mean)*(price-mean)) / k
	h.Mean = mean
	h.StdDev = math.Sqrt(variance)
	h.Samples++
}

// updatePriceModel folds m's cleared prices into its forecast.
func (m *Market) updatePriceModel() {
	for _, ti := range m.intervals {
		if p, ok := m.marginalPrices.Get(ti); ok {
			m.priceModel.Update(ti.StartTime.UTC().Hour(), p)
		}
	}
}

// priceCovering returns the price m holds for the interval containing the
// start of ti.
func (m *Market) priceCovering(ti *model.TimeInterval) (float64, bool) {
	for _, own := range m.intervals {
		if own.Contains(ti.StartTime) {
			return m.marginalPrices.Get(own)
		}
	}
	return 0, false
}

// seedPrice picks the first available starting price for ti: the prior
// instance, then the refined market, then the forecast, then the default.
func (m *Market) seedPrice(ti *model.TimeInterval) (float64, string, bool) {
	if m.prior != nil {
		if p, ok := m.prior.priceCovering(ti); ok {
			return p, "prior", true
		}
	}
	if m.refines != nil {
		if p, ok := m.refines.priceCovering(ti); ok {
			return p, "refined", true
		}
	}
	if p, _, ok := m.priceModel.Forecast(ti.StartTime.UTC().Hour()); ok {
		return p, "forecast", true
	}
	if m.cfg.DefaultPrice != nil {
		return *m.cfg.DefaultPrice, "default", true
	}
	return 0, "", false
}

// CheckMarginalPrices gives every interval without a price a starting one.
// Existing prices are kept. Intervals with no source stay unpriced and the
// returned ConfigError wraps model.ErrNoPrice.
func (m *Market) CheckMarginalPrices() error {
	var missing []string
	for _, ti := range m.intervals {
		if m.marginalPrices.Has(ti) {
			continue
		}
		p, src, ok := m.seedPrice(ti)
		if !ok {
			missing = append(missing, ti.Name())
			continue
		}
		m.marginalPrices.Set(ti, p)
		m.log.Debug().Str("interval", ti.Name()).Str("source", src).Float64("price", p).Msg("seeded marginal price")
	}
	if len(missing) > 0 {
		return &model.ConfigError{
			Owner:  m.id,
			Field:  "default_price",
			Reason: fmt.Sprintf("%d of %d intervals have no price source", len(missing), len(m.intervals)),
			Err:    model.ErrNoPrice,
		}
	}
	return nil
}
