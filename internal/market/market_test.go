package market

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactive-network/internal/curve"
	"transactive-network/internal/model"
)

// curveModel schedules a fixed curve at the market price.
type curveModel struct {
	name     string
	vertices []model.Vertex
	caps     model.Capabilities
	failWith error

	mu      sync.Mutex
	power   map[string]map[time.Time]float64
	cost    map[string]map[time.Time]float64
	dual    map[string]map[time.Time]float64
	prunes  int
	release int
	reserve float64
}

func newCurveModel(name string, vs ...model.Vertex) *curveModel {
	return &curveModel{
		name:     name,
		vertices: vs,
		caps:     model.NewCapabilities(),
		power:    map[string]map[time.Time]float64{},
		cost:     map[string]map[time.Time]float64{},
		dual:     map[string]map[time.Time]float64{},
	}
}

func (c *curveModel) Name() string { return c.name }
func (c *curveModel) Participates(x model.Commodity) bool { return c.caps.Has(x) }
func (c *curveModel) ScheduleVertices(*Market) error { return c.failWith }
func (c *curveModel) EstimateReserveMargin(*Market) error { return nil }
func (c *curveModel) ReserveMargin(*Market, *model.TimeInterval) float64 {
	return c.reserve
}
func (c *curveModel) ActiveVertices(*Market, *model.TimeInterval) []model.Vertex {
	return c.vertices
}

func (c *curveModel) ScheduleGeneration(m *Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ledger := map[time.Time]float64{}
	for _, ti := range m.TimeIntervals() {
		p, _ := m.MarginalPrice(ti)
		q, err := curve.ProductionAt(c.vertices, p)
		if err != nil {
			return err
		}
		ledger[ti.StartTime] = q
	}
	c.power[m.ID()] = ledger
	return nil
}

func (c *curveModel) AccumulateCosts(m *Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cost, dual := map[time.Time]float64{}, map[time.Time]float64{}
	for _, ti := range m.TimeIntervals() {
		q := c.power[m.ID()][ti.StartTime]
		p, _ := m.MarginalPrice(ti)
		pc := curve.ProductionCostAt(c.vertices, q, ti.DurationHours())
		cost[ti.StartTime] = pc
		dual[ti.StartTime] = pc - p*q*ti.DurationHours()
	}
	c.cost[m.ID()] = cost
	c.dual[m.ID()] = dual
	return nil
}

func (c *curveModel) ScheduledPower(m *Market, ti *model.TimeInterval) (float64, bool) {
	q, ok := c.power[m.ID()][ti.StartTime]
	return q, ok
}

func (c *curveModel) ProductionCost(m *Market, ti *model.TimeInterval) float64 {
	return c.cost[m.ID()][ti.StartTime]
}

func (c *curveModel) DualCost(m *Market, ti *model.TimeInterval) float64 {
	return c.dual[m.ID()][ti.StartTime]
}

func (c *curveModel) Prune(*Market) { c.prunes++ }

func (c *curveModel) Release(m *Market) {
	c.release++
	delete(c.power, m.ID())
	delete(c.cost, m.ID())
	delete(c.dual, m.ID())
}

func price(p float64) *float64 { return &p }

var clearing = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Name:                   "day-ahead",
		Commodity:              model.Electricity,
		Method:                 Interpolation,
		IntervalsToClear:       1,
		IntervalDuration:       time.Hour,
		MarketClearingInterval: time.Hour,
		ActivationLeadTime:     10 * time.Minute,
		NegotiationLeadTime:    20 * time.Minute,
		MarketLeadTime:         5 * time.Minute,
		DeliveryLeadTime:       15 * time.Minute,
		DualityGapThreshold:    0.0005,
		DefaultPrice:           price(0.20),
	}
}

func scenarioMarket(t *testing.T, cfg Config) *Market {
	t.Helper()
	m, err := New(cfg, clearing, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.AddModel(newCurveModel("node-a",
		model.NewVertex(0.10, -100, 0), model.NewVertex(0.30, 100, 0))))
	require.NoError(t, m.AddModel(newCurveModel("node-b",
		model.NewVertex(math.Inf(1), 50, 0))))
	return m
}

func TestSumVerticesScenario(t *testing.T) {
	m := scenarioMarket(t, testConfig())
	m.CheckIntervals()
	ti := m.TimeIntervals()[0]

	agg, err := m.SumVertices(ti, nil)
	require.NoError(t, err)
	require.Len(t, agg, 2)
	assert.Equal(t, 0.10, agg[0].MarginalPrice)
	assert.Equal(t, -50.0, agg[0].Power)
	assert.Equal(t, 0.30, agg[1].MarginalPrice)
	assert.Equal(t, 150.0, agg[1].Power)
}

func TestSumVerticesExcludesModel(t *testing.T) {
	m := scenarioMarket(t, testConfig())
	m.CheckIntervals()
	ti := m.TimeIntervals()[0]

	agg, err := m.SumVertices(ti, m.Models()[1])
	require.NoError(t, err)
	require.Len(t, agg, 2)
	assert.Equal(t, -100.0, agg[0].Power)
}

func TestBalanceInterpolationScenario(t *testing.T) {
	m := scenarioMarket(t, testConfig())

	res, err := m.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.False(t, res.Forced)
	assert.LessOrEqual(t, math.Abs(res.DualityGap), 0.0005)

	ti := m.TimeIntervals()[0]
	p, ok := m.MarginalPrice(ti)
	require.True(t, ok)
	assert.InDelta(t, 0.15, p, 1e-9)
	assert.InDelta(t, 0, m.NetPower(ti), 1e-9)
	assert.True(t, m.Converged())
	assert.Len(t, m.SystemVertices(ti), 2)
}

func TestBalanceSubgradientTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.Method = Subgradient
	cfg.IntervalsToClear = 3
	m := scenarioMarket(t, cfg)

	res, err := m.Balance(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Iterations, MaxIterations)
	assert.True(t, res.Converged || res.Forced)
	assert.True(t, m.Converged())

	for _, ti := range m.TimeIntervals() {
		p, _ := m.MarginalPrice(ti)
		// The price moves toward the crossing at 0.15.
		assert.Less(t, p, 0.20)
		assert.Greater(t, p, 0.10)
	}
}

func TestBalanceAbortsWithoutBracket(t *testing.T) {
	m, err := New(testConfig(), clearing, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, m.AddModel(newCurveModel("supply",
		model.NewVertex(0.10, 10, 0), model.NewVertex(0.30, 100, 0))))

	res, err := m.Balance(context.Background())
	assert.ErrorIs(t, err, model.ErrNoBracket)
	assert.True(t, res.Aborted)
	assert.False(t, res.Converged)
	assert.False(t, m.Converged())
}

func TestBalanceInterruptedByNewData(t *testing.T) {
	m := scenarioMarket(t, testConfig())
	m.CheckIntervals()

	signalling := &signalModel{curveModel: newCurveModel("signaller", model.NewVertex(math.Inf(1), 0, 0)), m: m}
	require.NoError(t, m.AddModel(signalling))

	res, err := m.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.False(t, res.Converged)
	assert.True(t, m.HasNewData())
}

// signalModel reports new data the first time it is scheduled.
type signalModel struct {
	*curveModel
	m    *Market
	once sync.Once
}

func (s *signalModel) ScheduleVertices(*Market) error {
	s.once.Do(s.m.SignalNewData)
	return nil
}

func TestBalanceDisablesMisconfiguredModel(t *testing.T) {
	m := scenarioMarket(t, testConfig())
	bad := newCurveModel("bad", model.NewVertex(0.2, 10, 0))
	bad.failWith = &model.ConfigError{Owner: "bad", Field: "max_power", Reason: "below min_power"}
	require.NoError(t, m.AddModel(bad))

	res, err := m.Balance(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsConfigError(err))
	assert.True(t, res.Converged)
	assert.Contains(t, m.DisabledModels(), "bad")
	assert.Equal(t, []string{"bad"}, m.Summary().Disabled)
}

func TestBalanceSkipsTransientFailure(t *testing.T) {
	m := scenarioMarket(t, testConfig())
	flaky := newCurveModel("flaky", model.NewVertex(0.2, 1000, 0), model.NewVertex(0.25, 2000, 0))
	flaky.failWith = errors.New("telemetry unavailable")
	require.NoError(t, m.AddModel(flaky))

	res, err := m.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	p, _ := m.MarginalPrice(m.TimeIntervals()[0])
	assert.InDelta(t, 0.15, p, 1e-9)
	assert.Empty(t, m.DisabledModels())
}

func TestAddModelRejectsCommodity(t *testing.T) {
	m, err := New(testConfig(), clearing, zerolog.Nop())
	require.NoError(t, err)
	heat := newCurveModel("boiler")
	heat.caps = model.NewCapabilities(model.Heat)

	err = m.AddModel(heat)
	assert.True(t, model.IsConfigError(err))

	require.NoError(t, m.AddModel(newCurveModel("a")))
	assert.Error(t, m.AddModel(newCurveModel("a")))
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.IntervalsToClear = 0
	_, err := New(cfg, clearing, zerolog.Nop())
	assert.True(t, model.IsConfigError(err))

	cfg = testConfig()
	cfg.DefaultPrice = price(math.NaN())
	assert.Error(t, cfg.Validate())

	method, err := ParseMethod("SubGradient")
	require.NoError(t, err)
	assert.Equal(t, Subgradient, method)
	_, err = ParseMethod("newton")
	assert.Error(t, err)
}
