package market

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"

	"transactive-network/internal/curve"
	"transactive-network/internal/metrics"
	"transactive-network/internal/model"
)

// MaxIterations bounds one Balance call. Reaching it forces convergence.
const MaxIterations = 100

// BalanceResult describes how a Balance call ended.
type BalanceResult struct {
	Converged bool `json:"converged"`
	// Forced is set when the iteration cap stopped the loop. The market
	// stops rebalancing but the result is not converged.
	Forced bool `json:"forced"`
	// Interrupted is set when new data arrived mid-pass.
	Interrupted bool `json:"interrupted"`
	// Aborted is set when interpolation found no clearing bracket.
	Aborted    bool    `json:"aborted"`
	Iterations int     `json:"iterations"`
	DualityGap float64 `json:"-"`
}

// Outcome names the result for metrics and status output.
func (r BalanceResult) Outcome() string {
	switch {
	case r.Converged:
		return "converged"
	case r.Forced:
		return "forced"
	case r.Interrupted:
		return "interrupted"
	case r.Aborted:
		return "aborted"
	case r.Iterations == 0:
		return "pending"
	default:
		return "failed"
	}
}

// Balance iterates scheduling and price revision until the duality gap is
// within threshold, the iteration cap is hit, new data arrives, or ctx ends.
// Models with configuration errors are left out; their errors are joined
// into the returned error alongside a valid result.
func (m *Market) Balance(ctx context.Context) (BalanceResult, error) {
	m.newData.Store(false)
	m.converged = false
	m.skipped = map[string]bool{}

	res := BalanceResult{DualityGap: math.Inf(1)}
	defer func() {
		m.lastBalance = res
		m.storeSystemVertices()
		metrics.MarketConverged.WithLabelValues(m.cfg.Name).Set(metrics.Bool(res.Converged))
		metrics.DualityGap.WithLabelValues(m.cfg.Name).Set(res.DualityGap)
		metrics.BalanceIterations.WithLabelValues(m.cfg.Name).Add(float64(res.Iterations))
		metrics.BalanceOutcomes.WithLabelValues(m.cfg.Name, res.Outcome()).Inc()
	}()

	m.CheckIntervals()
	if err := m.CheckMarginalPrices(); err != nil {
		return res, err
	}

	for k := 0; k < MaxIterations; k++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if m.newData.Load() {
			res.Interrupted = true
			m.log.Debug().Int("iteration", k).Msg("new data arrived, balancing interrupted")
			return res, m.configErrors()
		}

		m.schedule(ctx)
		m.assessCosts()
		res.Iterations = k + 1
		res.DualityGap = m.dualityGap

		if math.Abs(m.dualityGap) <= m.cfg.DualityGapThreshold {
			res.Converged = true
			m.converged = true
			m.log.Info().Int("iterations", res.Iterations).Float64("duality_gap", m.dualityGap).Msg("market converged")
			return res, m.configErrors()
		}

		if err := m.revisePrices(k); err != nil {
			if errors.Is(err, model.ErrNoBracket) {
				res.Aborted = true
				m.log.Warn().Err(err).Int("iteration", k).Msg("balancing aborted")
				return res, errors.Join(err, m.configErrors())
			}
			return res, err
		}
	}

	res.Forced = true
	m.converged = true
	m.log.Warn().Float64("duality_gap", m.dualityGap).Msg("iteration cap reached, forcing convergence")
	return res, m.configErrors()
}

func (m *Market) configErrors() error {
	if len(m.disabled) == 0 {
		return nil
	}
	errs := make([]error, 0, len(m.disabled))
	for _, md := range m.models {
		if err, ok := m.disabled[md.Name()]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// schedule runs the per-model scheduling steps concurrently. Models only
// read shared market state here. A ConfigError disables the model for good;
// any other error skips it for the rest of this Balance call.
func (m *Market) schedule(ctx context.Context) {
	models := m.participants()
	errs := make([]error, len(models))
	g, _ := errgroup.WithContext(ctx)
	for i, md := range models {
		i, md := i, md
		g.Go(func() error {
			if err := md.ScheduleVertices(m); err != nil {
				errs[i] = err
				return nil
			}
			if err := md.ScheduleGeneration(m); err != nil {
				errs[i] = err
				return nil
			}
			errs[i] = md.EstimateReserveMargin(m)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		name := models[i].Name()
		if model.IsConfigError(err) {
			m.disabled[name] = err
			m.log.Error().Err(err).Str("model", name).Msg("model disabled by configuration error")
			continue
		}
		m.skipped[name] = true
		m.log.Warn().Err(err).Str("model", name).Msg("scheduling failed, skipping model for this pass")
	}
}

// assessCosts totals generation, demand, and costs per interval and over the
// horizon, then updates the duality gap.
func (m *Market) assessCosts() {
	models := m.participants()
	for _, md := range models {
		if err := md.AccumulateCosts(m); err != nil {
			m.log.Warn().Err(err).Str("model", md.Name()).Msg("cost accumulation failed")
		}
	}

	m.totalProductionCost, m.totalDualCost = 0, 0
	for _, ti := range m.intervals {
		var gen, dem, pc, dc float64
		for _, md := range models {
			if p, ok := md.ScheduledPower(m, ti); ok {
				if p > 0 {
					gen += p
				} else {
					dem += p
				}
			}
			pc += md.ProductionCost(m, ti)
			dc += md.DualCost(m, ti)
		}
		m.totalGeneration.Set(ti, gen)
		m.totalDemand.Set(ti, dem)
		m.netPowers.Set(ti, gen+dem)
		m.productionCosts.Set(ti, pc)
		m.dualCosts.Set(ti, dc)
		m.totalProductionCost += pc
		m.totalDualCost += dc
	}

	if m.totalProductionCost == 0 {
		m.dualityGap = math.Inf(1)
		return
	}
	m.dualityGap = (m.totalProductionCost - m.totalDualCost) / m.totalProductionCost
}

// revisePrices moves every interval's price toward balance for iteration k.
// No price changes if any interval fails.
func (m *Market) revisePrices(k int) error {
	next := make(map[*model.TimeInterval]float64, len(m.intervals))
	for _, ti := range m.intervals {
		price := m.marginalPrices.Value(ti)
		switch m.cfg.Method {
		case Subgradient:
			gen := m.totalGeneration.Value(ti)
			dem := m.totalDemand.Value(ti)
			denom := gen - dem
			if denom == 0 {
				continue
			}
			step := 0.1 / (10 + float64(k))
			next[ti] = price - m.netPowers.Value(ti)/denom*step
		default:
			agg, err := m.SumVertices(ti, nil)
			if err != nil {
				return err
			}
			p, err := curve.ClearingPrice(agg)
			if err != nil {
				return err
			}
			next[ti] = p
		}
	}
	for ti, p := range next {
		m.marginalPrices.Set(ti, p)
	}
	return nil
}

func (m *Market) storeSystemVertices() {
	for _, ti := range m.intervals {
		agg, err := m.SumVertices(ti, nil)
		if err != nil {
			m.systemVertices.Delete(ti)
			continue
		}
		m.systemVertices.Set(ti, agg)
	}
}
