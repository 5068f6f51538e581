package agent

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactive-network/internal/curve"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
	"transactive-network/internal/transport"
)

var clearing = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newMarket(t *testing.T, name string, intervals int) *market.Market {
	t.Helper()
	def := 0.2
	m, err := market.New(market.Config{
		Name:                   name,
		IntervalsToClear:       intervals,
		IntervalDuration:       time.Hour,
		MarketClearingInterval: time.Hour,
		DeliveryLeadTime:       15 * time.Minute,
		DualityGapThreshold:    0.0005,
		DefaultPrice:           &def,
	}, clearing, zerolog.Nop())
	require.NoError(t, err)
	m.CheckIntervals()
	require.NoError(t, m.CheckMarginalPrices())
	return m
}

type meter map[model.MeasurementKind]float64

func (mt meter) Latest(_ string, kind model.MeasurementKind) (float64, time.Time, bool) {
	v, ok := mt[kind]
	return v, clearing, ok
}

type captureSender struct {
	msgs []transport.Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg transport.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

type captureActuator struct {
	got []model.Actuation
	err error
}

func (c *captureActuator) Actuate(_ context.Context, a model.Actuation) error {
	if c.err != nil {
		return c.err
	}
	c.got = append(c.got, a)
	return nil
}

func supplyNeighbor(name string) *Neighbor {
	return NewNeighbor(NeighborConfig{
		Name:        name,
		LocalNode:   "feeder",
		Transactive: true,
		MinPower:    0,
		MaxPower:    500,
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.10, 0, 0),
			model.NewVertex(0.30, 200, 0),
		},
	}, nil, zerolog.Nop())
}

func load(name string) *LocalAsset {
	return NewLocalAsset(LocalAssetConfig{
		Name: name,
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.10, -120, 0),
			model.NewVertex(0.30, -40, 0),
		},
	}, nil, zerolog.Nop())
}

func TestLossAdjustment(t *testing.T) {
	n := NewNeighbor(NeighborConfig{
		Name:       "substation",
		MaxPower:   100,
		LossFactor: 0.1,
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.10, -50, 0),
			model.NewVertex(0.20, 100, 0),
		},
	}, nil, zerolog.Nop())

	vs := n.adjust(n.cfg.DefaultVertices)
	require.Len(t, vs, 2)
	// Exports are untouched.
	assert.Equal(t, -50.0, vs[0].Power)
	assert.Equal(t, 0.10, vs[0].MarginalPrice)
	// At max power the loss factor applies in full.
	assert.InDelta(t, 100/1.1, vs[1].Power, 1e-9)
	assert.InDelta(t, 0.22, vs[1].MarginalPrice, 1e-12)
}

func TestDemandChargeInsertsThresholdStep(t *testing.T) {
	vs := applyDemandCharge([]model.Vertex{
		model.NewVertex(0.10, 0, 0),
		model.NewVertex(0.30, 200, 10),
	}, 100, 0.05)

	require.Len(t, vs, 4)
	assert.InDelta(t, 0.20, vs[1].MarginalPrice, 1e-12)
	assert.Equal(t, 100.0, vs[1].Power)
	assert.InDelta(t, 5, vs[1].Cost, 1e-12)
	assert.InDelta(t, 0.25, vs[2].MarginalPrice, 1e-12)
	assert.Equal(t, 100.0, vs[2].Power)
	assert.InDelta(t, 0.35, vs[3].MarginalPrice, 1e-12)
	assert.True(t, curve.Monotone(curve.Order(vs)))

	below := applyDemandCharge([]model.Vertex{model.NewVertex(0.1, 0, 0), model.NewVertex(0.3, 50, 0)}, 100, 0.05)
	assert.Len(t, below, 2)
	assert.Equal(t, 0.3, below[1].MarginalPrice)
}

func TestUpdateDemandThreshold(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	readings := meter{}
	n := NewNeighbor(NeighborConfig{
		Name:            "utility",
		DemandRate:      0.01,
		DemandThreshold: 100,
		DefaultVertices: []model.Vertex{model.NewVertex(0.1, 0, 0), model.NewVertex(0.3, 300, 0)},
	}, readings, zerolog.Nop())
	require.NoError(t, m.AddModel(n))
	require.NoError(t, n.ScheduleVertices(m))
	require.NoError(t, n.ScheduleGeneration(m))
	sched, _ := n.ScheduledPower(m, m.TimeIntervals()[0])
	require.Greater(t, sched, 100.0)

	now := m.TimeIntervals()[0].StartTime
	n.UpdateDemandThreshold(now, m)
	assert.Equal(t, sched, n.DemandThreshold())

	readings[model.AverageDemandkW] = 400
	n.UpdateDemandThreshold(now, m)
	assert.Equal(t, 400.0, n.DemandThreshold())

	delete(readings, model.AverageDemandkW)
	n.UpdateDemandThreshold(now.AddDate(0, 1, 0), nil)
	assert.InDelta(t, 320, n.DemandThreshold(), 1e-9)
}

func TestActiveVerticesClippedToLimits(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	n := NewNeighbor(NeighborConfig{
		Name:            "substation",
		MinPower:        0,
		MaxPower:        100,
		DefaultVertices: []model.Vertex{model.NewVertex(0.1, 0, 0), model.NewVertex(0.3, 200, 0)},
	}, nil, zerolog.Nop())
	require.NoError(t, m.AddModel(n))
	require.NoError(t, n.ScheduleVertices(m))

	ti := m.TimeIntervals()[0]
	vs := n.ActiveVertices(m, ti)
	require.Len(t, vs, 2)
	assert.Equal(t, 100.0, vs[1].Power)
	assert.InDelta(t, 0.2, vs[1].MarginalPrice, 1e-12)

	// The default price 0.2 sits at the limit; anything above holds there.
	require.NoError(t, n.ScheduleGeneration(m))
	q, ok := n.ScheduledPower(m, ti)
	require.True(t, ok)
	assert.InDelta(t, 100, q, 1e-9)
}

func TestNeighborRequiresDefaults(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	n := NewNeighbor(NeighborConfig{Name: "orphan"}, nil, zerolog.Nop())
	err := n.ScheduleVertices(m)
	assert.True(t, model.IsConfigError(err))
}

func TestSignalRoundTrip(t *testing.T) {
	// Feeder: a local load served by the substation neighbor.
	feeder := newMarket(t, "day-ahead", 2)
	sub := supplyNeighbor("substation")
	require.NoError(t, feeder.AddModel(sub))
	require.NoError(t, feeder.AddModel(load("houses")))
	res, err := feeder.Balance(context.Background())
	require.NoError(t, err)
	require.True(t, res.Converged)

	sub.PrepareSignal(feeder, clearing)
	sender := &captureSender{}
	sent, err := sub.Send(context.Background(), feeder, sender, clearing)
	require.NoError(t, err)
	require.True(t, sent)
	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, "feeder", msg.Source)
	assert.Equal(t, "substation", msg.Target)

	// Substation: models the feeder as a transactive neighbor.
	station := newMarket(t, "day-ahead", 2)
	peer := NewNeighbor(NeighborConfig{
		Name:            "feeder",
		LocalNode:       "substation",
		Transactive:     true,
		DefaultVertices: []model.Vertex{model.NewVertex(0.2, 0, 0)},
	}, nil, zerolog.Nop())
	require.NoError(t, station.AddModel(peer))
	require.True(t, peer.Receive(msg))
	require.NoError(t, peer.ScheduleVertices(station))

	for _, ti := range feeder.TimeIntervals() {
		want, ok := sub.ScheduledPower(feeder, ti)
		require.True(t, ok)
		price, _ := feeder.MarginalPrice(ti)

		peerTI, ok := station.IntervalNamed(ti.Name())
		require.True(t, ok)
		vs := peer.ActiveVertices(station, peerTI)
		require.GreaterOrEqual(t, len(vs), 2)
		got, err := curve.ProductionAt(vs, price)
		require.NoError(t, err)
		// Within the imbalance the feeder converged with.
		assert.InDelta(t, -want, got, 0.01)

		records := msg.ByInterval()[ti.Name()]
		bp, ok := model.BalancePoint(records)
		require.True(t, ok)
		assert.InDelta(t, -want, bp.Power, 1e-9)
		for _, r := range records {
			assert.False(t, math.IsInf(r.MarginalPrice, 0))
			assert.False(t, math.IsNaN(r.Power))
		}
	}
}

func TestPrepareSignalClipsToNeighborLimits(t *testing.T) {
	m := newMarket(t, "feeder", 1)
	n := NewNeighbor(NeighborConfig{
		Name:            "substation",
		Transactive:     true,
		MinPower:        0,
		MaxPower:        60,
		DefaultVertices: []model.Vertex{model.NewVertex(0.1, 0, 0), model.NewVertex(0.3, 60, 0)},
	}, nil, zerolog.Nop())
	require.NoError(t, m.AddModel(n))
	require.NoError(t, m.AddModel(load("houses")))
	_, _ = m.Balance(context.Background())

	n.PrepareSignal(m, clearing)
	mine, _, _ := n.signalsOf(model.Electricity, m.Name())
	rs := mine[m.TimeIntervals()[0].Name()]
	require.GreaterOrEqual(t, len(rs), 3)
	assert.Equal(t, -60.0, rs[1].Power)
	assert.Equal(t, -40.0, rs[2].Power)
	assert.Less(t, rs[1].MarginalPrice, rs[2].MarginalPrice)
}

func TestSendOnlyWhenSignalChanges(t *testing.T) {
	m := newMarket(t, "feeder", 1)
	n := supplyNeighbor("substation")
	require.NoError(t, m.AddModel(n))
	require.NoError(t, m.AddModel(load("houses")))
	_, err := m.Balance(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	n.PrepareSignal(m, clearing)
	failing := &captureSender{err: errors.New("broker down")}
	sent, err := n.Send(ctx, m, failing, clearing)
	assert.Error(t, err)
	assert.False(t, sent)

	sender := &captureSender{}
	sent, err = n.Send(ctx, m, sender, clearing)
	require.NoError(t, err)
	assert.True(t, sent)

	n.PrepareSignal(m, clearing.Add(time.Minute))
	sent, err = n.Send(ctx, m, sender, clearing.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Len(t, sender.msgs, 1)
}

func TestCheckConvergence(t *testing.T) {
	m := newMarket(t, "feeder", 1)
	n := supplyNeighbor("substation")
	require.NoError(t, m.AddModel(n))
	require.NoError(t, m.AddModel(load("houses")))
	_, err := m.Balance(context.Background())
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, n.CheckConvergence(m, clearing), "nothing sent yet")

	n.PrepareSignal(m, clearing)
	sender := &captureSender{}
	_, err = n.Send(ctx, m, sender, clearing)
	require.NoError(t, err)
	assert.True(t, n.CheckConvergence(m, clearing))

	// A reply that mirrors what was sent agrees with it.
	reply := mirror(sender.msgs[0], "substation", "feeder", clearing.Add(time.Second))
	require.True(t, n.Receive(reply))
	assert.True(t, n.CheckConvergence(m, clearing.Add(time.Second)))

	// A disagreeing reply does not.
	off := mirror(sender.msgs[0], "substation", "feeder", clearing.Add(2*time.Second))
	for i := range off.Records {
		off.Records[i].Power *= 2
		off.Records[i].MarginalPrice *= 2
	}
	require.True(t, n.Receive(off))
	assert.False(t, n.CheckConvergence(m, clearing.Add(2*time.Second)))
	assert.False(t, n.Converged(model.Electricity))

	// Stale messages are dropped.
	assert.False(t, n.Receive(reply))
}

func TestReplyAtSendTimeIsCompared(t *testing.T) {
	m := newMarket(t, "feeder", 1)
	n := supplyNeighbor("substation")
	require.NoError(t, m.AddModel(n))
	require.NoError(t, m.AddModel(load("houses")))
	_, err := m.Balance(context.Background())
	require.NoError(t, err)

	n.PrepareSignal(m, clearing)
	sender := &captureSender{}
	_, err = n.Send(context.Background(), m, sender, clearing)
	require.NoError(t, err)

	// Simulated clocks stamp the reply with the send time.
	off := mirror(sender.msgs[0], "substation", "feeder", clearing)
	for i := range off.Records {
		off.Records[i].Power *= 3
		off.Records[i].MarginalPrice *= 3
	}
	require.True(t, n.Receive(off))
	assert.False(t, n.CheckConvergence(m, clearing.Add(time.Minute)))
}

func mirror(msg transport.Message, source, target string, at time.Time) transport.Message {
	out := transport.NewMessage(source, target, msg.Commodity, at, nil)
	out.Market = msg.Market
	for _, r := range msg.Records {
		r.Power = -r.Power
		out.Records = append(out.Records, r)
	}
	return out
}

func TestMalformedSignalFallsBackToDefaults(t *testing.T) {
	m := newMarket(t, "feeder", 1)
	n := supplyNeighbor("substation")
	require.NoError(t, m.AddModel(n))
	ti := m.TimeIntervals()[0]

	bad := transport.NewMessage("substation", "feeder", model.Electricity, clearing, []model.TransactiveRecord{
		{TimeInterval: ti.Name(), Record: 1, MarginalPrice: 0.1, Power: 10},
	})
	require.True(t, n.Receive(bad))
	require.NoError(t, n.ScheduleVertices(m))
	assert.Equal(t, n.cfg.DefaultVertices, n.ActiveVertices(m, ti))
}

func TestSeriesKeepSeparateSignals(t *testing.T) {
	ahead := newMarket(t, "day-ahead", 1)
	rt := newMarket(t, "real-time", 1)
	n := supplyNeighbor("substation")
	require.NoError(t, ahead.AddModel(n))
	require.NoError(t, rt.AddModel(n))
	ti := rt.TimeIntervals()[0]
	require.Equal(t, ahead.TimeIntervals()[0].Name(), ti.Name())

	msg := transport.NewMessage("substation", "feeder", model.Electricity, clearing, []model.TransactiveRecord{
		{TimeInterval: ti.Name(), Record: 0, MarginalPrice: 0.15, Power: 75},
	})
	msg.Market = "real-time"
	require.True(t, n.Receive(msg))
	require.NoError(t, n.ScheduleVertices(rt))
	require.NoError(t, n.ScheduleVertices(ahead))

	got := n.ActiveVertices(rt, ti)
	require.Len(t, got, 1)
	assert.Equal(t, 75.0, got[0].Power)
	assert.Equal(t, n.cfg.DefaultVertices, n.ActiveVertices(ahead, ahead.TimeIntervals()[0]))

	_, _, received := n.signalsOf(model.Electricity, "day-ahead")
	assert.Empty(t, received)
}

func TestPruneSignalsOutsideHorizon(t *testing.T) {
	n := supplyNeighbor("substation")
	later := clearing.Add(48 * time.Hour).Format(time.RFC3339)
	now := clearing.Format(time.RFC3339)
	msg := transport.NewMessage("substation", "feeder", model.Electricity, clearing, []model.TransactiveRecord{
		{TimeInterval: now, Record: 0, MarginalPrice: 0.15, Power: 75},
		{TimeInterval: later, Record: 0, MarginalPrice: 0.15, Power: 75},
	})
	msg.Market = "day-ahead"
	require.True(t, n.Receive(msg))

	holds := func(series, interval string) bool { return series == "day-ahead" && interval == now }
	assert.Equal(t, 1, n.PruneSignals(holds))
	_, _, received := n.signalsOf(model.Electricity, "day-ahead")
	assert.Len(t, received, 1)
	assert.Contains(t, received, now)
	assert.Zero(t, n.PruneSignals(holds))
}

func TestLocalAssetQuadratic(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	gen := NewLocalAsset(LocalAssetConfig{
		Name:             "turbine",
		MinPower:         0,
		MaxPower:         100,
		CostCoefficients: []float64{1, 0.1, 0.001},
	}, nil, zerolog.Nop())
	require.NoError(t, m.AddModel(gen))
	require.NoError(t, gen.ScheduleVertices(m))
	ti := m.TimeIntervals()[0]

	vs := gen.ActiveVertices(m, ti)
	require.Len(t, vs, 2)
	assert.InDelta(t, 0.1, vs[0].MarginalPrice, 1e-12)
	assert.InDelta(t, 1, vs[0].Cost, 1e-12)
	assert.InDelta(t, 0.3, vs[1].MarginalPrice, 1e-12)
	assert.InDelta(t, 21, vs[1].Cost, 1e-12)

	require.NoError(t, gen.ScheduleGeneration(m))
	require.NoError(t, gen.EstimateReserveMargin(m))
	q, _ := gen.ScheduledPower(m, ti)
	assert.InDelta(t, 50, q, 1e-9)
	assert.InDelta(t, 50, gen.ReserveMargin(m, ti), 1e-9)

	require.NoError(t, gen.AccumulateCosts(m))
	pc := gen.ProductionCost(m, ti)
	assert.InDelta(t, 1+0.1*50+0.001*2500, pc, 1e-9)
	assert.InDelta(t, pc-0.2*50, gen.DualCost(m, ti), 1e-9)
}

func TestLocalAssetConfigErrors(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	cases := []LocalAssetConfig{
		{Name: "inverted", MinPower: 10, MaxPower: 5},
		{Name: "coeffs", MaxPower: 5, CostCoefficients: []float64{1, 2}},
		{Name: "nothing"},
	}
	for _, cfg := range cases {
		a := NewLocalAsset(cfg, nil, zerolog.Nop())
		err := a.ScheduleVertices(m)
		assert.True(t, model.IsConfigError(err), cfg.Name)
	}
}

func TestLocalAssetSources(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	ti := m.TimeIntervals()[0]

	fixed := -25.0
	a := NewLocalAsset(LocalAssetConfig{Name: "lights", DefaultPower: &fixed}, nil, zerolog.Nop())
	require.NoError(t, a.ScheduleVertices(m))
	vs := a.ActiveVertices(m, ti)
	require.Len(t, vs, 1)
	assert.Equal(t, -25.0, vs[0].Power)
	assert.True(t, math.IsInf(vs[0].MarginalPrice, 1))

	metered := NewLocalAsset(LocalAssetConfig{Name: "plug-load"}, meter{model.ObservedPower: -7}, zerolog.Nop())
	require.NoError(t, metered.ScheduleVertices(m))
	assert.Equal(t, -7.0, metered.ActiveVertices(m, ti)[0].Power)
}

func TestLocalAssetEngagement(t *testing.T) {
	m := newMarket(t, "day-ahead", 3)
	tis := m.TimeIntervals()
	a := NewLocalAsset(LocalAssetConfig{
		Name:             "chiller",
		Commodities:      []model.Commodity{model.Electricity, model.Cooling},
		MinPower:         -100,
		MaxPower:         -20,
		CostCoefficients: []float64{0, 0, 0},
		EngageCost:       3,
		DisengageCost:    1,
	}, nil, zerolog.Nop())
	require.NoError(t, m.AddModel(a))
	a.SetEngagement(tis[1].StartTime, false)

	require.NoError(t, a.ScheduleVertices(m))
	require.NoError(t, a.ScheduleGeneration(m))
	require.NoError(t, a.AccumulateCosts(m))

	q, _ := a.ScheduledPower(m, tis[1])
	assert.Zero(t, q)
	assert.Equal(t, 0.0, a.TransitionCost(m, tis[0]))
	assert.Equal(t, 1.0, a.TransitionCost(m, tis[1]))
	assert.Equal(t, 3.0, a.TransitionCost(m, tis[2]))
	assert.Equal(t, 3.0, a.ProductionCost(m, tis[2]))
}

func TestActuate(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	fixed := 12.0
	a := NewLocalAsset(LocalAssetConfig{Name: "battery", DefaultPower: &fixed, ControlPoint: "battery/setpoint"}, nil, zerolog.Nop())
	require.NoError(t, m.AddModel(a))
	require.NoError(t, a.ScheduleVertices(m))
	require.NoError(t, a.ScheduleGeneration(m))
	ctx := context.Background()
	now := m.TimeIntervals()[0].StartTime

	act := &captureActuator{err: errors.New("timeout")}
	ok, err := a.Actuate(ctx, m, now, act)
	assert.Error(t, err)
	assert.False(t, ok)

	act.err = nil
	ok, err = a.Actuate(ctx, m, now, act)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, act.got, 1)
	assert.Equal(t, "battery/setpoint", act.got[0].ControlPoint)
	assert.Equal(t, 12.0, act.got[0].Value)
	assert.Zero(t, act.got[0].PreviousValue)

	ok, _ = a.Actuate(ctx, m, now, act)
	assert.False(t, ok, "unchanged value is not reissued")

	ok, _ = a.Actuate(ctx, m, now.Add(-time.Hour), act)
	assert.False(t, ok, "no interval before delivery")
}

func TestReleaseDropsLedger(t *testing.T) {
	m := newMarket(t, "day-ahead", 1)
	a := load("houses")
	require.NoError(t, a.ScheduleVertices(m))
	assert.Len(t, a.ledgers, 1)
	a.Release(m)
	assert.Empty(t, a.ledgers)
}
