package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"transactive-network/internal/metrics"
	"transactive-network/internal/model"
)

// Reconciler persists a market's final data once delivery is over. It
// returns true when the market may expire.
type Reconciler interface {
	Reconcile(ctx context.Context, m *Market) (bool, error)
}

// due returns the state m should move to at now, if any.
func (m *Market) due(now time.Time) (model.MarketState, bool) {
	var boundary time.Time
	switch m.state {
	case model.Inactive:
		boundary = m.clearingTime.Add(-m.cfg.leadWindow())
	case model.Active:
		boundary = m.clearingTime.Add(-m.cfg.MarketLeadTime - m.cfg.NegotiationLeadTime)
	case model.Negotiation:
		boundary = m.clearingTime.Add(-m.cfg.MarketLeadTime)
	case model.MarketLead:
		boundary = m.clearingTime
	case model.DeliveryLead:
		boundary = m.DeliveryStart()
	case model.Delivery:
		boundary = m.DeliveryEnd()
	case model.Reconcile:
		return model.Expired, m.reconciled
	default:
		return m.state, false
	}
	if now.Before(boundary) {
		return m.state, false
	}
	return m.state.Next(), true
}

// Step advances m's state machine to now, one transition at a time so every
// state's entry action runs in order, and performs the current state's
// recurring work. It returns the states entered.
//
// Entry actions: Active creates intervals and seeds prices; DeliveryLead
// folds cleared prices into the forecast; Expired releases all interval
// data. While in Negotiation an unconverged market, or one with new data, is
// balanced once per Step. While in Reconcile the reconciler runs until it
// succeeds.
func (m *Market) Step(ctx context.Context, now time.Time) ([]model.MarketState, error) {
	var (
		entered    []model.MarketState
		errs       []error
		balanced   bool
		reconciled bool
	)
	for {
		if m.state == model.Negotiation && !balanced && (!m.converged || m.newData.Load()) {
			balanced = true
			if _, err := m.Balance(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if m.state == model.Reconcile && !m.reconciled && !reconciled && m.reconciler != nil {
			reconciled = true
			ok, err := m.reconciler.Reconcile(ctx, m)
			if err != nil {
				m.log.Warn().Err(err).Msg("reconcile failed, retrying next step")
				errs = append(errs, err)
			}
			if ok {
				m.reconciled = true
			}
		}

		next, ok := m.due(now)
		if !ok {
			break
		}
		if err := m.enter(next); err != nil {
			errs = append(errs, err)
		}
		entered = append(entered, next)
		if next == model.Expired {
			break
		}
	}
	return entered, errors.Join(errs...)
}

func (m *Market) enter(s model.MarketState) error {
	from := m.state
	m.state = s
	metrics.MarketState.WithLabelValues(m.cfg.Name).Set(float64(s))
	m.log.Info().Str("from", from.String()).Str("to", s.String()).Msg("market state changed")

	switch s {
	case model.Active:
		m.CheckIntervals()
		return m.CheckMarginalPrices()
	case model.DeliveryLead:
		m.updatePriceModel()
	case model.Expired:
		m.release()
	}
	return nil
}

// SetReconciled records that m's final data was persisted externally. It
// lets a market without a Reconciler expire.
func (m *Market) SetReconciled() {
	m.reconciled = true
}

func (m *Market) release() {
	for _, md := range m.models {
		md.Release(m)
	}
	m.intervals = nil
	m.prune()
	m.prior = nil
	m.refines = nil
}

// ShouldSpawn reports whether m is the newest of its series and the next
// instance's activation time has come.
func (m *Market) ShouldSpawn(now time.Time) bool {
	if !m.newest {
		return false
	}
	return !now.Before(m.NextClearingTime().Add(-m.cfg.leadWindow()))
}

// Spawn creates the next instance of m's series. The new instance shares m's
// configuration and models, starts from a copy of m's price forecast, and
// takes over as newest. Its intervals and prices are initialized; a
// price-seeding error is returned together with the new instance.
func (m *Market) Spawn() (*Market, error) {
	if !m.newest {
		return nil, fmt.Errorf("market %s: only the newest instance may spawn", m.id)
	}
	nm, err := New(m.cfg, m.NextClearingTime(), m.baseLog)
	if err != nil {
		return nil, err
	}
	nm.models = m.Models()
	nm.priceModel = m.priceModel
	nm.prior = m
	nm.refines = m.refines
	nm.reconciler = m.reconciler
	m.newest = false

	nm.CheckIntervals()
	return nm, nm.CheckMarginalPrices()
}
