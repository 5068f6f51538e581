package agent

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transactive-network/internal/curve"
	"transactive-network/internal/market"
	"transactive-network/internal/metrics"
	"transactive-network/internal/model"
	"transactive-network/internal/transport"
)

const (
	// DefaultConvergenceThreshold is the relative difference below which two
	// signals are considered equal.
	DefaultConvergenceThreshold = 0.01
	// resendAfter is how long a sent signal may go unanswered before a
	// changed local signal counts as unconverged.
	resendAfter = 5 * time.Minute
	// demandDecay scales the demand threshold at each month rollover.
	demandDecay = 0.8
)

type NeighborConfig struct {
	Name string
	// LocalNode is the name of the node this neighbor belongs to. It is the
	// source of every signal sent.
	LocalNode   string
	Commodities []model.Commodity
	// Transactive neighbors exchange signals; others only use defaults.
	Transactive bool
	// Friend marks a preferential-rate neighbor. Informational.
	Friend bool

	MinPower   float64
	MaxPower   float64
	LossFactor float64

	// DemandRate is the demand charge in $/kW applied above the monthly
	// demand threshold. Zero disables demand charges.
	DemandRate      float64
	DemandThreshold float64

	DefaultVertices      []model.Vertex
	ConvergenceThreshold float64
	ControlPoint         string
}

// sigKey scopes negotiation state to one market series of a commodity.
// Interval names only encode start times, so two series of the same
// commodity would otherwise share entries.
type sigKey struct {
	commodity model.Commodity
	series    string
}

// signals is one series' negotiation state with the neighbor.
type signals struct {
	mine     map[string][]model.TransactiveRecord
	sent     map[string][]model.TransactiveRecord
	received map[string][]model.TransactiveRecord

	sentAt time.Time
	// sentSeq and receivedSeq order sends and receipts on the neighbor's
	// event counter. Clock readings can tie under a simulated clock.
	sentSeq     uint64
	receivedSeq uint64
	// lastMessage is the send time of the newest accepted message.
	lastMessage time.Time
	converged   bool
}

// Neighbor models a remote node connected to this one.
type Neighbor struct {
	base
	cfg NeighborConfig
	log zerolog.Logger

	meter Telemetry

	sigMu   sync.Mutex
	signals map[sigKey]*signals
	seq     uint64

	demandThreshold float64
	demandMonth     time.Month
}

func NewNeighbor(cfg NeighborConfig, meter Telemetry, log zerolog.Logger) *Neighbor {
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = DefaultConvergenceThreshold
	}
	n := &Neighbor{
		cfg:             cfg,
		log:             log.With().Str("neighbor", cfg.Name).Logger(),
		meter:           meter,
		signals:         map[sigKey]*signals{},
		demandThreshold: cfg.DemandThreshold,
	}
	n.init(cfg.Name, cfg.Commodities, cfg.MinPower, cfg.MaxPower, cfg.ControlPoint)
	return n
}

func (n *Neighbor) Config() NeighborConfig { return n.cfg }
func (n *Neighbor) Transactive() bool { return n.cfg.Transactive }
func (n *Neighbor) DemandThreshold() float64 { return n.demandThreshold }

// Validate reports configuration that keeps the neighbor from scheduling.
func (n *Neighbor) Validate() error {
	switch {
	case len(n.cfg.DefaultVertices) == 0:
		return configError(n.name, "default_vertices", "at least one default vertex is required")
	case n.minPower > n.maxPower:
		return configError(n.name, "min_power", "exceeds max_power")
	case n.cfg.LossFactor < 0:
		return configError(n.name, "loss_factor", "must not be negative")
	case n.cfg.DemandRate < 0:
		return configError(n.name, "demand_rate", "must not be negative")
	}
	for _, v := range n.cfg.DefaultVertices {
		if !v.Finite() {
			return configError(n.name, "default_vertices", fmt.Sprintf("vertex %s is not finite", v))
		}
	}
	return nil
}

func (n *Neighbor) sig(c model.Commodity, series string) *signals {
	k := sigKey{c, series}
	s, ok := n.signals[k]
	if !ok {
		s = &signals{
			mine:     map[string][]model.TransactiveRecord{},
			sent:     map[string][]model.TransactiveRecord{},
			received: map[string][]model.TransactiveRecord{},
		}
		n.signals[k] = s
	}
	return s
}

// inbound returns the state holding received records for a series. Messages
// that name no series are filed under the bare commodity and serve every
// series that has not heard from the neighbor directly.
func (n *Neighbor) inbound(c model.Commodity, series string) *signals {
	if s := n.signals[sigKey{c, series}]; s != nil && len(s.received) > 0 {
		return s
	}
	if s := n.signals[sigKey{c, ""}]; s != nil && len(s.received) > 0 {
		return s
	}
	return n.sig(c, series)
}

// ScheduleVertices sets each interval's active vertices from the latest
// received signal, or from the defaults when none is usable, then applies
// line losses and demand charges and clips the curve to the neighbor's
// power limits.
func (n *Neighbor) ScheduleVertices(m *market.Market) error {
	if err := n.Validate(); err != nil {
		return err
	}
	l := n.ledger(m)
	for _, ti := range m.TimeIntervals() {
		vs := n.receivedVertices(m.Commodity(), m.Name(), ti)
		if len(vs) == 0 {
			vs = n.cfg.DefaultVertices
		}
		l.activeVertices.Set(ti, curve.Clip(n.adjust(vs), n.minPower, n.maxPower, ti.DurationHours()))
	}
	return nil
}

func (n *Neighbor) receivedVertices(c model.Commodity, series string, ti *model.TimeInterval) []model.Vertex {
	if !n.cfg.Transactive {
		return nil
	}
	n.sigMu.Lock()
	rs := n.inbound(c, series).received[ti.Name()]
	n.sigMu.Unlock()
	if len(rs) == 0 {
		return nil
	}
	// The peer offers its surplus as positive power, which is already our
	// import.
	vs, err := model.SignalVertices(rs)
	if err != nil {
		n.log.Debug().Err(err).Str("interval", ti.Name()).Msg("ignoring received signal")
		return nil
	}
	return vs
}

// adjust applies line losses and demand charges to a candidate curve.
func (n *Neighbor) adjust(vs []model.Vertex) []model.Vertex {
	out := make([]model.Vertex, 0, len(vs)+2)
	for _, v := range vs {
		if n.cfg.LossFactor > 0 && v.Power > 0 && !math.IsInf(n.maxPower, 0) && n.maxPower > 0 {
			f := 1 + (v.Power/n.maxPower)*(v.Power/n.maxPower)*n.cfg.LossFactor
			v.Power /= f
			v.MarginalPrice *= f
		}
		out = append(out, v)
	}
	if n.cfg.DemandRate > 0 {
		out = applyDemandCharge(out, n.demandThreshold, n.cfg.DemandRate)
	}
	return curve.Order(out)
}

// applyDemandCharge splits the curve at the threshold power with a vertical
// step of rate and raises every vertex above the threshold by rate.
func applyDemandCharge(vs []model.Vertex, threshold, rate float64) []model.Vertex {
	ordered := curve.Order(vs)
	out := make([]model.Vertex, 0, len(ordered)+2)
	inserted := false
	for i, v := range ordered {
		if v.Power > threshold {
			if !inserted && i > 0 {
				prev := ordered[i-1]
				p, c := prev.MarginalPrice, prev.Cost
				if d := v.Power - prev.Power; d > 0 && !math.IsInf(v.MarginalPrice, 0) && !math.IsInf(prev.MarginalPrice, 0) {
					frac := (threshold - prev.Power) / d
					p += (v.MarginalPrice - prev.MarginalPrice) * frac
					c += (v.Cost - prev.Cost) * frac
				}
				out = append(out, model.NewVertex(p, threshold, c), model.NewVertex(p+rate, threshold, c))
			}
			inserted = true
			v.MarginalPrice += rate
		}
		out = append(out, v)
	}
	return out
}

// UpdateDemandThreshold tracks the month's peak demand. The threshold decays
// at each month rollover, then rises to the metered average demand, or to
// the scheduled power of the interval in delivery when there is no meter.
func (n *Neighbor) UpdateDemandThreshold(now time.Time, m *market.Market) {
	if n.cfg.DemandRate <= 0 {
		return
	}
	month := now.UTC().Month()
	if n.demandMonth != 0 && month != n.demandMonth {
		n.demandThreshold *= demandDecay
		n.log.Info().Float64("threshold", n.demandThreshold).Msg("demand threshold decayed for new month")
	}
	n.demandMonth = month

	if n.meter != nil {
		if kw, _, ok := n.meter.Latest(n.name, model.AverageDemandkW); ok {
			n.demandThreshold = math.Max(n.demandThreshold, kw)
			return
		}
	}
	if m == nil {
		return
	}
	if ti, ok := m.IntervalAt(now); ok {
		if q, ok := n.ScheduledPower(m, ti); ok {
			n.demandThreshold = math.Max(n.demandThreshold, q)
		}
	}
}

func (n *Neighbor) AccumulateCosts(m *market.Market) error {
	return n.accumulateCosts(m, nil)
}

// PrepareSignal builds this node's offer to the neighbor for every interval
// of m. Record 0 is the balance point at the mirrored scheduled power. When
// the rest of the node has an elastic curve, records 1 and 2 are its minimum
// and maximum power clipped to the neighbor's limits and records 3 and up
// are the curve's vertices priced strictly between them.
func (n *Neighbor) PrepareSignal(m *market.Market, now time.Time) {
	if !n.cfg.Transactive {
		return
	}
	c := m.Commodity()
	out := map[string][]model.TransactiveRecord{}
	for _, ti := range m.TimeIntervals() {
		sched, ok := n.ScheduledPower(m, ti)
		if !ok {
			continue
		}
		price, _ := m.MarginalPrice(ti)
		h := ti.DurationHours()
		rec := func(i int, p, q, cost float64) model.TransactiveRecord {
			return model.TransactiveRecord{
				Commodity:     c,
				TimeStamp:     now.UTC(),
				TimeInterval:  ti.Name(),
				Record:        i,
				MarginalPrice: p,
				Power:         q,
				Cost:          cost,
			}
		}

		rest, err := m.SumVertices(ti, n)
		if err != nil {
			out[ti.Name()] = []model.TransactiveRecord{rec(0, price, -sched, 0)}
			continue
		}
		rs := []model.TransactiveRecord{rec(0, price, -sched, curve.ProductionCostAt(rest, -sched, h))}
		if len(rest) > 1 {
			rs = append(rs, n.flexRecords(rest, h, rec)...)
		}
		out[ti.Name()] = rs
	}

	n.sigMu.Lock()
	mine := n.sig(c, m.Name()).mine
	for k, rs := range out {
		mine[k] = rs
	}
	n.sigMu.Unlock()
}

func (n *Neighbor) flexRecords(rest []model.Vertex, h float64, rec func(int, float64, float64, float64) model.TransactiveRecord) []model.TransactiveRecord {
	ordered := curve.Order(rest)
	clip := func(q float64) float64 {
		return math.Min(math.Max(q, -n.maxPower), -n.minPower)
	}
	lo := clip(ordered[0].Power)
	hi := clip(ordered[len(ordered)-1].Power)
	plo, err := curve.PriceAt(ordered, lo)
	if err != nil {
		return nil
	}
	phi, err := curve.PriceAt(ordered, hi)
	if err != nil {
		return nil
	}
	if math.IsInf(plo, 0) || math.IsInf(phi, 0) {
		return nil
	}
	out := []model.TransactiveRecord{
		rec(1, plo, lo, curve.ProductionCostAt(ordered, lo, h)),
		rec(2, phi, hi, curve.ProductionCostAt(ordered, hi, h)),
	}
	next := 3
	for _, v := range ordered {
		if v.MarginalPrice > plo && v.MarginalPrice < phi {
			out = append(out, rec(next, v.MarginalPrice, v.Power, v.Cost))
			next++
		}
	}
	return out
}

// Receive stores a signal from the neighbor. Messages older than the newest
// accepted one are ignored. It reports whether the message was accepted.
func (n *Neighbor) Receive(msg transport.Message) bool {
	if !n.cfg.Transactive {
		return false
	}
	byCommodity := map[model.Commodity][]model.TransactiveRecord{}
	for _, r := range msg.Records {
		c := r.Commodity
		if c == "" {
			c = msg.Commodity
		}
		if c == "" {
			c = model.Electricity
		}
		if !n.caps.Has(c) {
			continue
		}
		byCommodity[c] = append(byCommodity[c], r)
	}

	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	accepted := false
	for c, rs := range byCommodity {
		s := n.sig(c, msg.Market)
		if msg.SentAt.Before(s.lastMessage) {
			n.log.Debug().Str("message", msg.ID.String()).Msg("ignoring stale signal")
			continue
		}
		grouped := map[string][]model.TransactiveRecord{}
		for _, r := range rs {
			grouped[r.TimeInterval] = append(grouped[r.TimeInterval], r)
		}
		for k, g := range grouped {
			model.SortRecords(g)
			s.received[k] = g
		}
		n.seq++
		s.receivedSeq = n.seq
		s.lastMessage = msg.SentAt
		accepted = true
	}
	if accepted {
		metrics.SignalsReceived.WithLabelValues(n.name).Inc()
	}
	return accepted
}

// CheckConvergence flags each interval of m. An interval is unconverged
// when nothing was sent yet, when a reply newer than the last send differs
// from it, or when the send is older than five minutes and the local signal
// has since changed. The neighbor is converged when every interval is.
func (n *Neighbor) CheckConvergence(m *market.Market, now time.Time) bool {
	if !n.cfg.Transactive {
		return true
	}
	l := n.ledger(m)
	thr := n.cfg.ConvergenceThreshold

	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	s := n.sig(m.Commodity(), m.Name())
	in := n.inbound(m.Commodity(), m.Name())
	all := true
	for _, ti := range m.TimeIntervals() {
		name := ti.Name()
		sent, wasSent := s.sent[name]
		flag := true
		switch {
		case !wasSent:
			flag = false
		case in.receivedSeq > s.sentSeq && len(in.received[name]) > 0 && replyDiffers(in.received[name], sent, thr):
			flag = false
		case now.Sub(s.sentAt) > resendAfter && recordsDiffer(s.mine[name], sent, thr):
			flag = false
		}
		l.convergence.Set(ti, flag)
		all = all && flag
	}
	s.converged = all
	metrics.NeighborConverged.WithLabelValues(n.name).Set(metrics.Bool(all))
	return all
}

// Converged reports whether the last CheckConvergence of every series of c
// succeeded. A commodity never checked is unconverged.
func (n *Neighbor) Converged(c model.Commodity) bool {
	if !n.cfg.Transactive {
		return true
	}
	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	checked := false
	for k, s := range n.signals {
		if k.commodity != c || k.series == "" {
			continue
		}
		if !s.converged {
			return false
		}
		checked = true
	}
	return checked
}

// Send transmits the prepared signal for m's commodity when it differs from
// what was last sent. A failed send is left for the next cycle.
func (n *Neighbor) Send(ctx context.Context, m *market.Market, sender transport.Sender, now time.Time) (bool, error) {
	if !n.cfg.Transactive || sender == nil {
		return false, nil
	}
	c := m.Commodity()

	n.sigMu.Lock()
	s := n.sig(c, m.Name())
	if len(s.mine) == 0 || (len(s.sent) > 0 && !signalDiffers(s.mine, s.sent, n.cfg.ConvergenceThreshold)) {
		n.sigMu.Unlock()
		return false, nil
	}
	mine := copyRecords(s.mine)
	n.sigMu.Unlock()

	msg := transport.NewMessage(n.cfg.LocalNode, n.name, c, now, flatten(mine))
	msg.Market = m.Name()
	if err := sender.Send(ctx, msg); err != nil {
		metrics.TransportFailures.WithLabelValues(n.name, "send").Inc()
		return false, fmt.Errorf("send to %s: %w", n.name, err)
	}
	metrics.SignalsSent.WithLabelValues(n.name).Inc()

	n.sigMu.Lock()
	s.sent = mine
	s.sentAt = now
	n.seq++
	s.sentSeq = n.seq
	n.sigMu.Unlock()
	n.log.Debug().Str("message", msg.ID.String()).Int("records", len(msg.Records)).Msg("signal sent")
	return true, nil
}

// PruneSignals drops received records for intervals no live market holds.
// holds reports whether a series has the named interval; an empty series
// matches any. It returns how many intervals were dropped.
func (n *Neighbor) PruneSignals(holds func(series, interval string) bool) int {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	dropped := 0
	for k, s := range n.signals {
		for name := range s.received {
			if !holds(k.series, name) {
				delete(s.received, name)
				dropped++
			}
		}
	}
	return dropped
}

// signalsOf returns copies of the prepared, sent and received records for
// one series of c, keyed by interval name.
func (n *Neighbor) signalsOf(c model.Commodity, series string) (mine, sent, received map[string][]model.TransactiveRecord) {
	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	s := n.sig(c, series)
	return copyRecords(s.mine), copyRecords(s.sent), copyRecords(n.inbound(c, series).received)
}

func (n *Neighbor) Release(m *market.Market) {
	n.base.Release(m)
	n.sigMu.Lock()
	defer n.sigMu.Unlock()
	s := n.sig(m.Commodity(), m.Name())
	shared := n.signals[sigKey{m.Commodity(), ""}]
	for _, ti := range m.TimeIntervals() {
		delete(s.mine, ti.Name())
		delete(s.sent, ti.Name())
		delete(s.received, ti.Name())
		if shared != nil {
			delete(shared.received, ti.Name())
		}
	}
}

func copyRecords(in map[string][]model.TransactiveRecord) map[string][]model.TransactiveRecord {
	out := make(map[string][]model.TransactiveRecord, len(in))
	for k, rs := range in {
		out[k] = append([]model.TransactiveRecord(nil), rs...)
	}
	return out
}

// flatten orders records by interval name, which sorts by start time, then
// by record number.
func flatten(by map[string][]model.TransactiveRecord) []model.TransactiveRecord {
	names := make([]string, 0, len(by))
	for k := range by {
		names = append(names, k)
	}
	sort.Strings(names)
	var out []model.TransactiveRecord
	for _, k := range names {
		out = append(out, by[k]...)
	}
	return out
}

func relDiff(a, b float64) float64 {
	d := math.Abs(a - b)
	if d == 0 {
		return 0
	}
	return d / math.Max(math.Abs(a), math.Abs(b))
}

func recordEqual(a, b model.TransactiveRecord, thr float64) bool {
	return relDiff(a.MarginalPrice, b.MarginalPrice) <= thr && relDiff(a.Power, b.Power) <= thr
}

// recordsDiffer compares two record sets for one interval. If either is a
// single record only the balance points are compared; otherwise every
// non-zero flex record of a must match one of b.
func recordsDiffer(a, b []model.TransactiveRecord, thr float64) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) != len(b)
	}
	if len(a) == 1 || len(b) == 1 {
		ba, okA := model.BalancePoint(a)
		bb, okB := model.BalancePoint(b)
		if !okA || !okB {
			return okA != okB
		}
		return !recordEqual(ba, bb, thr)
	}
	for _, ra := range model.FlexRecords(a) {
		if ra.Power == 0 {
			continue
		}
		matched := false
		for _, rb := range model.FlexRecords(b) {
			if recordEqual(ra, rb, thr) {
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}
	return false
}

// replyDiffers compares a neighbor's reply with what was sent. The reply
// describes power flowing the other way, so its powers are mirrored.
func replyDiffers(reply, sent []model.TransactiveRecord, thr float64) bool {
	mirrored := make([]model.TransactiveRecord, len(reply))
	for i, r := range reply {
		r.Power = -r.Power
		mirrored[i] = r
	}
	return recordsDiffer(mirrored, sent, thr)
}

func signalDiffers(a, b map[string][]model.TransactiveRecord, thr float64) bool {
	if len(a) != len(b) {
		return true
	}
	for k, ra := range a {
		rb, ok := b[k]
		if !ok || recordsDiffer(ra, rb, thr) {
			return true
		}
	}
	return false
}
