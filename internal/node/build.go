package node

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"transactive-network/internal/agent"
	"transactive-network/internal/config"
	"transactive-network/internal/data"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
	"transactive-network/internal/transport"
)

// Deps are the collaborators FromConfig wires into a node.
type Deps struct {
	Transport  transport.Transport
	Actuator   agent.Actuator
	Telemetry  *data.Store
	Reconciler market.Reconciler
	Clock      func() time.Time
}

// FromConfig builds a node from validated configuration. A model with an
// invalid configuration is logged and still added; markets exclude it when
// it fails to schedule.
func FromConfig(cfg *config.Config, deps Deps, log zerolog.Logger) (*Node, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	var meter agent.Telemetry
	if deps.Telemetry != nil {
		meter = deps.Telemetry
	}
	n := New(Options{
		Name:        cfg.Node.Name,
		Tick:        cfg.Node.Tick,
		SendTimeout: cfg.Node.SendTimeout,
		DedupWindow: cfg.Transport.DedupWindow,
		Clock:       clock,
	}, deps.Transport, deps.Telemetry, deps.Actuator, log)

	for _, nc := range cfg.Neighbors {
		ac, err := nc.ToAgent(cfg.Node.Name)
		if err != nil {
			return nil, err
		}
		nb := agent.NewNeighbor(ac, meter, log)
		if err := nb.Validate(); err != nil {
			log.Error().Err(err).Str("model", nb.Name()).Msg("neighbor misconfigured")
		}
		if err := n.AddNeighbor(nb); err != nil {
			return nil, err
		}
	}
	for _, lc := range cfg.LocalAssets {
		ac, err := lc.ToAgent()
		if err != nil {
			return nil, err
		}
		a := agent.NewLocalAsset(ac, meter, log)
		if err := a.Validate(); err != nil {
			log.Error().Err(err).Str("model", a.Name()).Msg("local asset misconfigured")
		}
		n.AddLocalAsset(a)
	}

	start := clock()
	for _, mc := range cfg.Markets {
		mcfg, err := mc.ToMarket()
		if err != nil {
			return nil, err
		}
		if _, err := n.AddSeries(mcfg, mc.FirstClearingAfter(start), deps.Reconciler); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// OpenTransport connects the configured transport and returns the actuator
// that goes with it. NATS carries actuations too; with the in-process hub
// they are logged.
func OpenTransport(cfg *config.Config, log zerolog.Logger) (transport.Transport, agent.Actuator, error) {
	if cfg.Transport.Type == "nats" {
		t, err := transport.DialNATS(transport.NATSConfig{
			URL:           cfg.Transport.URL,
			Name:          cfg.Node.Name,
			SubjectPrefix: cfg.Transport.SubjectPrefix,
			ReconnectWait: cfg.Transport.ReconnectWait,
			MaxReconnects: cfg.Transport.MaxReconnects,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return t, t, nil
	}
	return transport.NewHub(), LogActuator{Log: log}, nil
}

// LogActuator writes actuations to the log. It stands in for a device bus.
type LogActuator struct {
	Log zerolog.Logger
}

func (a LogActuator) Actuate(_ context.Context, act model.Actuation) error {
	a.Log.Info().
		Str("owner", act.Owner).
		Str("control_point", act.ControlPoint).
		Str("interval", act.Interval).
		Float64("value", act.Value).
		Float64("previous", act.PreviousValue).
		Msg("actuation")
	return nil
}
