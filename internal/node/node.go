// Package node runs one transactive node: its market series, the neighbor
// and local asset models they coordinate, and the signal exchange with
// neighboring nodes.
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"transactive-network/internal/agent"
	"transactive-network/internal/data"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
	"transactive-network/internal/transport"
)

// ErrUnknownAsset is returned for a local asset the node does not have.
var ErrUnknownAsset = errors.New("unknown local asset")

type Options struct {
	Name        string
	Tick        time.Duration
	SendTimeout time.Duration
	DedupWindow time.Duration
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// actuating is implemented by models that drive a control point.
type actuating interface {
	Actuate(ctx context.Context, m *market.Market, now time.Time, a agent.Actuator) (bool, error)
}

// Node owns the markets of one network node. Models and series are added
// before Run; Step and the read accessors are safe for concurrent use.
type Node struct {
	opts      Options
	log       zerolog.Logger
	transport transport.Transport
	actuator  agent.Actuator
	telemetry *data.Store
	dedup     *transport.Deduper

	neighbors map[string]*agent.Neighbor
	order     []string
	assets    []*agent.LocalAsset

	mu      sync.Mutex
	series  []string
	newest  map[string]*market.Market
	markets []*market.Market
	live    atomic.Pointer[[]*market.Market]
}

func New(opts Options, tr transport.Transport, telemetry *data.Store, actuator agent.Actuator, log zerolog.Logger) *Node {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	n := &Node{
		opts:      opts,
		log:       log.With().Str("node", opts.Name).Logger(),
		transport: tr,
		actuator:  actuator,
		telemetry: telemetry,
		dedup:     transport.NewDeduper(opts.DedupWindow),
		neighbors: map[string]*agent.Neighbor{},
		newest:    map[string]*market.Market{},
	}
	n.publish()
	return n
}

func (n *Node) Name() string { return n.opts.Name }
func (n *Node) Telemetry() *data.Store { return n.telemetry }

func (n *Node) AddNeighbor(nb *agent.Neighbor) error {
	if _, dup := n.neighbors[nb.Name()]; dup {
		return fmt.Errorf("neighbor %q added twice", nb.Name())
	}
	n.neighbors[nb.Name()] = nb
	n.order = append(n.order, nb.Name())
	return nil
}

func (n *Node) AddLocalAsset(a *agent.LocalAsset) {
	n.assets = append(n.assets, a)
}

func (n *Node) models() []market.Model {
	out := make([]market.Model, 0, len(n.neighbors)+len(n.assets))
	for _, name := range n.order {
		out = append(out, n.neighbors[name])
	}
	for _, a := range n.assets {
		out = append(out, a)
	}
	return out
}

// AddSeries creates the first instance of a market series clearing at
// firstClearing. Every added model trading the series' commodity joins it.
func (n *Node) AddSeries(cfg market.Config, firstClearing time.Time, r market.Reconciler) (*market.Market, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.newest[cfg.Name]; dup {
		return nil, fmt.Errorf("market series %q added twice", cfg.Name)
	}
	m, err := market.New(cfg, firstClearing, n.log)
	if err != nil {
		return nil, err
	}
	for _, md := range n.models() {
		if !md.Participates(m.Commodity()) {
			continue
		}
		if err := m.AddModel(md); err != nil {
			return nil, err
		}
	}
	m.SetReconciler(r)
	n.series = append(n.series, cfg.Name)
	n.newest[cfg.Name] = m
	n.markets = append(n.markets, m)
	n.linkRefines(m)
	n.publish()
	return m, nil
}

func (n *Node) linkRefines(m *market.Market) {
	if name := m.Config().Refines; name != "" {
		if other, ok := n.newest[name]; ok {
			m.SetRefines(other)
		}
	}
}

func (n *Node) publish() {
	ms := append([]*market.Market(nil), n.markets...)
	n.live.Store(&ms)
}

// Listen delivers the node's inbound signals to HandleMessage, dropping
// duplicates, until ctx is done.
func (n *Node) Listen(ctx context.Context) error {
	if n.transport == nil {
		return nil
	}
	if err := n.transport.Subscribe(ctx, n.opts.Name, n.dedup.Wrap(n.HandleMessage)); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Run listens for signals and steps the node every tick until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Listen(ctx); err != nil {
		return err
	}
	t := time.NewTicker(n.opts.Tick)
	defer t.Stop()
	n.log.Info().Dur("tick", n.opts.Tick).Msg("node running")
	for {
		if err := n.Step(ctx, n.opts.Clock()); err != nil {
			n.log.Warn().Err(err).Msg("step completed with errors")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Step performs one cycle at now: spawns due market instances, advances
// every market, drops expired ones, exchanges signals for markets in
// negotiation and actuates markets in delivery.
func (n *Node) Step(ctx context.Context, now time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var errs []error

	n.spawn(now, &errs)

	kept := n.markets[:0]
	for _, m := range n.markets {
		if _, err := m.Step(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.ID(), err))
		}
		if m.State() == model.Expired {
			// An expired newest instance stays in newest to spawn its successor.
			n.log.Info().Str("market", m.ID()).Msg("market expired")
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(n.markets); i++ {
		n.markets[i] = nil
	}
	n.markets = kept
	n.publish()

	holds := n.horizon()
	for _, name := range n.order {
		nb := n.neighbors[name]
		nb.UpdateDemandThreshold(now, n.delivering(nb))
		if d := nb.PruneSignals(holds); d > 0 {
			n.log.Debug().Str("neighbor", name).Int("intervals", d).Msg("dropped signals outside the horizon")
		}
	}
	for _, m := range n.markets {
		switch m.State() {
		case model.Negotiation:
			errs = append(errs, n.exchange(ctx, m, now)...)
		case model.Delivery:
			errs = append(errs, n.actuate(ctx, m, now)...)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) spawn(now time.Time, errs *[]error) {
	for _, name := range n.series {
		m, ok := n.newest[name]
		for ok && m.ShouldSpawn(now) {
			nm, err := m.Spawn()
			if nm == nil {
				*errs = append(*errs, err)
				break
			}
			if err != nil {
				*errs = append(*errs, fmt.Errorf("%s: %w", nm.ID(), err))
			}
			n.linkRefines(nm)
			n.newest[name] = nm
			n.markets = append(n.markets, nm)
			n.log.Info().Str("market", nm.ID()).Time("clearing", nm.ClearingTime()).Msg("market spawned")
			m = nm
		}
	}
	sort.SliceStable(n.markets, func(i, j int) bool {
		return n.markets[i].ClearingTime().Before(n.markets[j].ClearingTime())
	})
}

// horizon reports whether a live market of series holds the named interval.
// An empty series matches any market.
func (n *Node) horizon() func(series, interval string) bool {
	names := map[string]map[string]bool{"": {}}
	for _, m := range n.markets {
		if names[m.Name()] == nil {
			names[m.Name()] = map[string]bool{}
		}
		for _, ti := range m.TimeIntervals() {
			names[m.Name()][ti.Name()] = true
			names[""][ti.Name()] = true
		}
	}
	return func(series, interval string) bool { return names[series][interval] }
}

// delivering returns the market in delivery for one of nb's commodities.
func (n *Node) delivering(nb *agent.Neighbor) *market.Market {
	for _, m := range n.markets {
		if m.State() == model.Delivery && nb.Participates(m.Commodity()) {
			return m
		}
	}
	return nil
}

// exchange offers m's converged schedule to each transactive neighbor. An
// unconverged market keeps its last offer until a pass converges.
func (n *Node) exchange(ctx context.Context, m *market.Market, now time.Time) []error {
	if !m.Converged() {
		n.log.Debug().Str("market", m.ID()).Str("outcome", m.LastBalance().Outcome()).Msg("market not converged, signals held")
		return nil
	}
	var errs []error
	for _, name := range n.order {
		nb := n.neighbors[name]
		if !nb.Transactive() || !nb.Participates(m.Commodity()) {
			continue
		}
		nb.PrepareSignal(m, now)
		sendCtx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
		_, err := nb.Send(sendCtx, m, n.transport, now)
		cancel()
		if err != nil {
			n.log.Warn().Err(err).Str("market", m.ID()).Msg("signal send failed")
			errs = append(errs, err)
		}
		if !nb.CheckConvergence(m, now) {
			n.log.Debug().Str("market", m.ID()).Str("neighbor", name).Msg("neighbor not converged")
		}
	}
	return errs
}

func (n *Node) actuate(ctx context.Context, m *market.Market, now time.Time) []error {
	if n.actuator == nil {
		return nil
	}
	var errs []error
	for _, md := range m.Models() {
		a, ok := md.(actuating)
		if !ok {
			continue
		}
		if _, err := a.Actuate(ctx, m, now, n.actuator); err != nil {
			n.log.Warn().Err(err).Str("market", m.ID()).Msg("actuation failed")
			errs = append(errs, err)
		}
	}
	return errs
}

// HandleMessage delivers a received signal to the neighbor that sent it and
// flags that neighbor's markets as having new data. It does not wait for
// a running Step.
func (n *Node) HandleMessage(msg transport.Message) {
	if msg.Target != "" && msg.Target != n.opts.Name {
		return
	}
	nb, ok := n.neighbors[msg.Source]
	if !ok {
		n.log.Warn().Str("source", msg.Source).Msg("signal from unknown neighbor")
		return
	}
	if !nb.Receive(msg) {
		return
	}
	for _, m := range *n.live.Load() {
		if nb.Participates(m.Commodity()) && (msg.Market == "" || msg.Market == m.Name()) {
			m.SignalNewData()
		}
	}
}

// SetEngagement overrides whether the named local asset runs in the
// interval starting at start and flags the asset's markets for rebalancing.
func (n *Node) SetEngagement(asset string, start time.Time, engaged bool) error {
	for _, a := range n.assets {
		if a.Name() != asset {
			continue
		}
		a.SetEngagement(start, engaged)
		for _, m := range *n.live.Load() {
			if a.Participates(m.Commodity()) {
				m.SignalNewData()
			}
		}
		n.log.Info().Str("asset", asset).Time("start", start).Bool("engaged", engaged).Msg("engagement set")
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
}

// Markets returns summaries of every live market, ordered by clearing time.
func (n *Node) Markets() []market.Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]market.Summary, 0, len(n.markets))
	for _, m := range n.markets {
		out = append(out, m.Summary())
	}
	return out
}

// Market returns the summary and interval detail of the market with id.
func (n *Node) Market(id string) (market.Summary, []market.IntervalSummary, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.markets {
		if m.ID() == id {
			return m.Summary(), m.IntervalSummaries(), true
		}
	}
	return market.Summary{}, nil, false
}

// SetReconciled marks the market with id reconciled so it may expire.
func (n *Node) SetReconciled(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.markets {
		if m.ID() == id {
			m.SetReconciled()
			return true
		}
	}
	return false
}

type NeighborStatus struct {
	Name            string
	Transactive     bool
	Friend          bool
	DemandThreshold float64
	Converged       map[model.Commodity]bool
}

func (n *Node) Neighbors() []NeighborStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NeighborStatus, 0, len(n.order))
	for _, name := range n.order {
		nb := n.neighbors[name]
		st := NeighborStatus{
			Name:            name,
			Transactive:     nb.Transactive(),
			Friend:          nb.Config().Friend,
			DemandThreshold: nb.DemandThreshold(),
			Converged:       map[model.Commodity]bool{},
		}
		for c := range nb.Capabilities() {
			st.Converged[c] = nb.Converged(c)
		}
		out = append(out, st)
	}
	return out
}
