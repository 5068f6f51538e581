package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"transactive-network/internal/config"
	"transactive-network/internal/data"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
	"transactive-network/internal/node"
	"transactive-network/internal/reconcile"
	"transactive-network/internal/transport"
	"transactive-network/internal/util"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "simulate":
		cmdSimulate(os.Args[2:])
	case "curve":
		cmdCurve(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("usage:")
	fmt.Println("  cli simulate --config configs/node.yaml --start 2024-06-01T00:00:00Z --duration 48h --out results/reconcile")
	fmt.Println("  cli curve --config configs/node.yaml --market day-ahead")
	fmt.Println("")
	fmt.Println("notes:")
	fmt.Println("  - simulate steps the node on a simulated clock and writes one vertices/prices CSV pair per reconciled market")
	fmt.Println("  - curve balances the first instance of a market and prints its aggregate vertices per interval")
	fmt.Println("  - outbound signals are drained locally; no neighbor replies")
}

func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config")
	startStr := fs.String("start", "", "Simulated start time, RFC3339 (default: now, truncated to the hour)")
	duration := fs.Duration("duration", 48*time.Hour, "Simulated span")
	step := fs.Duration("step", 5*time.Minute, "Simulated time per node step")
	outDir := fs.String("out", "results/reconcile", "Reconciliation CSV directory")
	telemetry := fs.String("telemetry", "", "Optional telemetry snapshot JSON")
	_ = fs.Parse(args)

	cfg := mustConfig(*cfgPath)
	start := time.Now().UTC().Truncate(time.Hour)
	if *startStr != "" {
		t, err := time.Parse(time.RFC3339, *startStr)
		if err != nil {
			panic(fmt.Errorf("--start: %w", err))
		}
		start = t.UTC()
	}
	if *step <= 0 {
		panic("--step must be positive")
	}

	log := util.NewLoggerTo(os.Stderr, cfg.Node.LogLevel)
	store := data.NewStore(0)
	if *telemetry != "" {
		snap, err := data.LoadSnapshotJSON(*telemetry)
		if err != nil {
			panic(err)
		}
		store.Apply(snap)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewHub()
	sent := drain(ctx, hub, cfg)

	now := start
	n, err := node.FromConfig(cfg, node.Deps{
		Transport:  hub,
		Actuator:   node.LogActuator{Log: log},
		Telemetry:  store,
		Reconciler: reconcile.NewCSVWriter(*outDir, log),
		Clock:      func() time.Time { return now },
	}, log)
	if err != nil {
		panic(err)
	}

	seen := map[string]market.Summary{}
	steps := 0
	for end := start.Add(*duration); now.Before(end); now = now.Add(*step) {
		if err := n.Step(ctx, now); err != nil {
			log.Warn().Err(err).Time("at", now).Msg("step completed with errors")
		}
		for _, s := range n.Markets() {
			seen[s.ID] = s
		}
		steps++
	}

	fmt.Printf("Simulated %s in %d steps from %s\n", *duration, steps, start.Format(time.RFC3339))
	fmt.Printf("%-40s %-13s %-10s %-12s %-8s\n", "market", "state", "converged", "gap", "iters")
	live := map[string]bool{}
	for _, s := range n.Markets() {
		live[s.ID] = true
	}
	for _, s := range sortedSummaries(seen) {
		state := s.State.String()
		if !live[s.ID] {
			state = model.Expired.String()
		}
		fmt.Printf("%-40s %-13s %-10t %-12s %-8d\n", s.ID, state, s.Converged, fmtGap(s.DualityGap), s.LastBalance.Iterations)
	}
	files, _ := filepath.Glob(filepath.Join(*outDir, "*.csv"))
	fmt.Printf("\nWrote %d CSV files to %s; %d signals sent\n", len(files), *outDir, sent())
}

func cmdCurve(args []string) {
	fs := flag.NewFlagSet("curve", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config")
	series := fs.String("market", "", "Market series name (default: first configured)")
	_ = fs.Parse(args)

	cfg := mustConfig(*cfgPath)
	log := util.NewLoggerTo(os.Stderr, cfg.Node.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := transport.NewHub()
	drain(ctx, hub, cfg)

	n, err := node.FromConfig(cfg, node.Deps{Transport: hub, Telemetry: data.NewStore(0)}, log)
	if err != nil {
		panic(err)
	}
	var target *market.Summary
	for _, s := range n.Markets() {
		if *series == "" || s.Name == *series {
			s := s
			target = &s
			break
		}
	}
	if target == nil {
		panic(fmt.Errorf("no market series %q", *series))
	}

	// Step into negotiation so the market balances once.
	var mc config.MarketConfig
	for _, c := range cfg.Markets {
		if c.Name == target.Name {
			mc = c
		}
	}
	at := target.ClearingTime.Add(-mc.MarketLeadTime - mc.NegotiationLeadTime/2)
	if err := n.Step(ctx, at); err != nil {
		log.Warn().Err(err).Msg("balance completed with errors")
	}

	sum, ivs, _ := n.Market(target.ID)
	fmt.Printf("market=%s state=%s converged=%t gap=%s iterations=%d\n",
		sum.ID, sum.State, sum.Converged, fmtGap(sum.DualityGap), sum.LastBalance.Iterations)
	for _, iv := range ivs {
		fmt.Printf("\n%s  %s  price=%.6f  net=%.3f\n", iv.Name, iv.Start.Format(time.RFC3339), iv.MarginalPrice, iv.NetPower)
		fmt.Printf("  %-14s %-14s %-14s\n", "price", "power", "cost")
		for _, v := range iv.Vertices {
			fmt.Printf("  %-14s %-14.3f %-14.3f\n", fmtPrice(v.MarginalPrice), v.Power, v.Cost)
		}
	}
}

func mustConfig(path string) *config.Config {
	if path == "" {
		fmt.Println("--config is required")
		os.Exit(2)
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// drain consumes signals addressed to every configured neighbor so hub
// sends never block. The returned func reports how many were consumed.
func drain(ctx context.Context, hub *transport.Hub, cfg *config.Config) func() int64 {
	var count atomic.Int64
	for _, nc := range cfg.Neighbors {
		_ = hub.Subscribe(ctx, nc.Name, func(transport.Message) { count.Add(1) })
	}
	return count.Load
}

func sortedSummaries(in map[string]market.Summary) []market.Summary {
	out := make([]market.Summary, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClearingTime.Equal(out[j].ClearingTime) {
			return out[i].ClearingTime.Before(out[j].ClearingTime)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func fmtGap(g float64) string {
	if math.IsInf(g, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.6f", g)
}

func fmtPrice(p float64) string {
	if math.IsInf(p, 1) {
		return "+Inf"
	}
	return fmt.Sprintf("%.6f", p)
}

