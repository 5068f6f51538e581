package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"transactive-network/internal/agent"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
	"transactive-network/internal/node"
	"transactive-network/internal/transport"
	"transactive-network/internal/util"
)

// Demo:
// - A feeder node serving an elastic load, buying from a substation node
// - The substation node running a quadratic-cost generator
// - Both nodes negotiate over an in-process hub on a simulated clock until
//   both markets converge on the same prices
func main() {
	rounds := flag.Int("rounds", 20, "Maximum negotiation rounds")
	logLevel := flag.String("log", "warn", "Log level")
	flag.Parse()

	log := util.NewLoggerTo(os.Stderr, *logLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clearing := time.Now().UTC().Truncate(time.Hour).Add(2 * time.Hour)
	now := clearing.Add(-20 * time.Minute)
	clock := func() time.Time { return now }
	hub := transport.NewHub()

	feeder := node.New(node.Options{Name: "feeder", Clock: clock}, hub, nil, nil, log)
	feeder.AddLocalAsset(agent.NewLocalAsset(agent.LocalAssetConfig{
		Name: "houses",
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.02, -400, 0),
			model.NewVertex(0.12, -150, 0),
		},
	}, nil, log))
	must(feeder.AddNeighbor(agent.NewNeighbor(agent.NeighborConfig{
		Name:        "substation",
		LocalNode:   "feeder",
		Transactive: true,
		MaxPower:    1000,
		LossFactor:  0.01,
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.05, 0, 0),
			model.NewVertex(0.08, 1000, 0),
		},
	}, nil, log)))

	substation := node.New(node.Options{Name: "substation", Clock: clock}, hub, nil, nil, log)
	substation.AddLocalAsset(agent.NewLocalAsset(agent.LocalAssetConfig{
		Name:             "turbine",
		MinPower:         0,
		MaxPower:         600,
		CostCoefficients: []float64{5, 0.03, 0.00008},
	}, nil, log))
	must(substation.AddNeighbor(agent.NewNeighbor(agent.NeighborConfig{
		Name:        "feeder",
		LocalNode:   "substation",
		Transactive: true,
		// The feeder only imports, which the substation sees as negative.
		MinPower: -1000,
		MaxPower: 0,
		DefaultVertices: []model.Vertex{
			model.NewVertex(0.05, -300, 0),
		},
	}, nil, log)))

	cfg := market.Config{
		Name:                   "day-ahead",
		Commodity:              model.Electricity,
		IntervalsToClear:       4,
		IntervalDuration:       15 * time.Minute,
		MarketClearingInterval: time.Hour,
		ActivationLeadTime:     10 * time.Minute,
		NegotiationLeadTime:    30 * time.Minute,
		MarketLeadTime:         5 * time.Minute,
		DualityGapThreshold:    0.0005,
		DefaultPrice:           ptr(0.06),
	}
	fm, err := feeder.AddSeries(cfg, clearing, nil)
	must(err)
	sm, err := substation.AddSeries(cfg, clearing, nil)
	must(err)
	must(feeder.Listen(ctx))
	must(substation.Listen(ctx))

	fmt.Printf("Negotiating %s between feeder and substation\n\n", fm.ID())
	for r := 1; r <= *rounds; r++ {
		step(ctx, feeder, now)
		time.Sleep(20 * time.Millisecond)
		step(ctx, substation, now)
		time.Sleep(20 * time.Millisecond)

		fp, fc := firstPrice(feeder, fm.ID())
		sp, sc := firstPrice(substation, sm.ID())
		fmt.Printf("round %2d  %s  feeder price=%.5f  substation price=%.5f  converged=%t/%t\n",
			r, now.Format("15:04:05"), fp, sp, fc, sc)
		if fc && sc && r > 1 && math.Abs(fp-sp) < 1e-3 {
			break
		}
		now = now.Add(30 * time.Second)
	}

	_, ivs, _ := feeder.Market(fm.ID())
	fmt.Println("\nfeeder schedule:")
	for _, iv := range ivs {
		fmt.Printf("  %s  price=%.5f  demand=%.1f  supply=%.1f  net=%.2f\n",
			iv.Start.Format("15:04"), iv.MarginalPrice, iv.TotalDemand, iv.TotalGeneration, iv.NetPower)
	}
}

func step(ctx context.Context, n *node.Node, now time.Time) {
	if err := n.Step(ctx, now); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", n.Name(), err)
	}
}

// firstPrice returns the first interval's price and whether the market's
// last pass converged.
func firstPrice(n *node.Node, id string) (float64, bool) {
	s, ivs, ok := n.Market(id)
	if !ok || len(ivs) == 0 {
		return 0, false
	}
	return ivs[0].MarginalPrice, s.Converged
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func ptr(v float64) *float64 { return &v }
