package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"transactive-network/internal/agent"
	"transactive-network/internal/market"
	"transactive-network/internal/model"
)

// Config is the on-disk configuration shape (YAML).
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Markets   []MarketConfig  `yaml:"markets"`

	// Optional: load neighbors and local assets from a separate YAML. Entries
	// below with the same name override fields of the file's entries.
	TopologyFile string             `yaml:"topology_file"`
	Neighbors    []NeighborConfig   `yaml:"neighbors"`
	LocalAssets  []LocalAssetConfig `yaml:"local_assets"`
}

type NodeConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	APIPort      int           `yaml:"api_port"`
	Tick         time.Duration `yaml:"tick"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	ReconcileDir string        `yaml:"reconcile_dir"`
}

type TransportConfig struct {
	// Type is "channel" for in-process delivery or "nats".
	Type          string        `yaml:"type"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	MaxReconnects int           `yaml:"max_reconnects"`
	// DedupWindow is how long message IDs are remembered.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

type TelemetryConfig struct {
	GatewayURL string `yaml:"gateway_url"`
	// TokenEnv names the environment variable holding the gateway token.
	TokenEnv string        `yaml:"token_env"`
	Poll     time.Duration `yaml:"poll"`
	TTL      time.Duration `yaml:"ttl"`
	// File seeds the store from a JSON snapshot at startup.
	File string `yaml:"file"`
}

type MarketConfig struct {
	Name                   string        `yaml:"name"`
	Commodity              string        `yaml:"commodity"`
	Method                 string        `yaml:"method"`
	IntervalsToClear       int           `yaml:"intervals_to_clear"`
	IntervalDuration       time.Duration `yaml:"interval_duration"`
	MarketClearingInterval time.Duration `yaml:"market_clearing_interval"`
	ActivationLeadTime     time.Duration `yaml:"activation_lead_time"`
	NegotiationLeadTime    time.Duration `yaml:"negotiation_lead_time"`
	MarketLeadTime         time.Duration `yaml:"market_lead_time"`
	DeliveryLeadTime       time.Duration `yaml:"delivery_lead_time"`
	DualityGapThreshold    float64       `yaml:"duality_gap_threshold"`
	DefaultPrice           *float64      `yaml:"default_price"`
	Refines                string        `yaml:"refines"`
	// FirstClearing is the clearing time of the first instance. Zero means
	// the next multiple of the clearing interval.
	FirstClearing time.Time `yaml:"first_clearing"`
}

type NeighborConfig struct {
	Name                 string         `yaml:"name"`
	Commodities          []string       `yaml:"commodities"`
	Transactive          bool           `yaml:"transactive"`
	Friend               bool           `yaml:"friend"`
	MinPower             float64        `yaml:"min_power"`
	MaxPower             float64        `yaml:"max_power"`
	LossFactor           float64        `yaml:"loss_factor"`
	DemandRate           float64        `yaml:"demand_rate"`
	DemandThreshold      float64        `yaml:"demand_threshold"`
	DefaultVertices      []model.Vertex `yaml:"default_vertices"`
	ConvergenceThreshold float64        `yaml:"convergence_threshold"`
	ControlPoint         string         `yaml:"control_point"`
}

type LocalAssetConfig struct {
	Name             string         `yaml:"name"`
	Commodities      []string       `yaml:"commodities"`
	MinPower         float64        `yaml:"min_power"`
	MaxPower         float64        `yaml:"max_power"`
	CostCoefficients []float64      `yaml:"cost_coefficients"`
	DefaultVertices  []model.Vertex `yaml:"default_vertices"`
	DefaultPower     *float64       `yaml:"default_power"`
	EngageCost       float64        `yaml:"engage_cost"`
	DisengageCost    float64        `yaml:"disengage_cost"`
	ControlPoint     string         `yaml:"control_point"`
}

const (
	DefaultTick                = 10 * time.Second
	DefaultSendTimeout         = 5 * time.Second
	DefaultDualityGapThreshold = 0.0005
	DefaultIntervalsToClear    = 24
	DefaultIntervalDuration    = time.Hour
	DefaultDedupWindow         = 10 * time.Minute
)

func Load(path string) (*Config, error) {
	c, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadUnchecked loads and merges config, but does not validate it.
// Useful for debugging/printing partial configs.
func LoadUnchecked(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if c.TopologyFile != "" {
		topoPath := c.TopologyFile
		if !filepath.IsAbs(topoPath) {
			// Prefer interpreting relative paths as relative to the config file directory,
			// but fall back to the provided path (relative to cwd) if that doesn't exist.
			cand := filepath.Join(filepath.Dir(path), topoPath)
			if _, err := os.Stat(cand); err == nil {
				topoPath = cand
			}
		}
		topo, err := loadTopologyFile(topoPath)
		if err != nil {
			return nil, err
		}
		c.Neighbors = mergeByName(topo.Neighbors, c.Neighbors, func(n NeighborConfig) string { return n.Name }, MergeNeighbor)
		c.LocalAssets = mergeByName(topo.LocalAssets, c.LocalAssets, func(a LocalAssetConfig) string { return a.Name }, MergeLocalAsset)
	}
	return &c, nil
}

type topologyFile struct {
	Neighbors   []NeighborConfig   `yaml:"neighbors"`
	LocalAssets []LocalAssetConfig `yaml:"local_assets"`
}

func loadTopologyFile(path string) (topologyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return topologyFile{}, err
	}
	var t topologyFile
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return topologyFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// mergeByName overlays override entries onto base entries with the same
// name and appends the rest, keeping base order first.
func mergeByName[T any](base, override []T, name func(T) string, merge func(T, T) T) []T {
	out := append([]T(nil), base...)
	index := map[string]int{}
	for i, b := range out {
		index[name(b)] = i
	}
	for _, o := range override {
		if i, ok := index[name(o)]; ok {
			out[i] = merge(out[i], o)
			continue
		}
		index[name(o)] = len(out)
		out = append(out, o)
	}
	return out
}

// MergeNeighbor overlays non-zero fields from override onto base.
func MergeNeighbor(base, override NeighborConfig) NeighborConfig {
	out := base
	if len(override.Commodities) > 0 {
		out.Commodities = override.Commodities
	}
	if override.Transactive {
		out.Transactive = true
	}
	if override.Friend {
		out.Friend = true
	}
	if override.MinPower != 0 {
		out.MinPower = override.MinPower
	}
	if override.MaxPower != 0 {
		out.MaxPower = override.MaxPower
	}
	if override.LossFactor != 0 {
		out.LossFactor = override.LossFactor
	}
	if override.DemandRate != 0 {
		out.DemandRate = override.DemandRate
	}
	if override.DemandThreshold != 0 {
		out.DemandThreshold = override.DemandThreshold
	}
	if len(override.DefaultVertices) > 0 {
		out.DefaultVertices = override.DefaultVertices
	}
	if override.ConvergenceThreshold != 0 {
		out.ConvergenceThreshold = override.ConvergenceThreshold
	}
	if override.ControlPoint != "" {
		out.ControlPoint = override.ControlPoint
	}
	return out
}

// MergeLocalAsset overlays non-zero fields from override onto base.
func MergeLocalAsset(base, override LocalAssetConfig) LocalAssetConfig {
	out := base
	if len(override.Commodities) > 0 {
		out.Commodities = override.Commodities
	}
	if override.MinPower != 0 {
		out.MinPower = override.MinPower
	}
	if override.MaxPower != 0 {
		out.MaxPower = override.MaxPower
	}
	if len(override.CostCoefficients) > 0 {
		out.CostCoefficients = override.CostCoefficients
	}
	if len(override.DefaultVertices) > 0 {
		out.DefaultVertices = override.DefaultVertices
	}
	if override.DefaultPower != nil {
		out.DefaultPower = override.DefaultPower
	}
	if override.EngageCost != 0 {
		out.EngageCost = override.EngageCost
	}
	if override.DisengageCost != 0 {
		out.DisengageCost = override.DisengageCost
	}
	if override.ControlPoint != "" {
		out.ControlPoint = override.ControlPoint
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.Node.APIPort == 0 {
		c.Node.APIPort = 8080
	}
	if c.Node.MetricsAddr == "" {
		c.Node.MetricsAddr = ":9102"
	}
	if c.Node.Tick == 0 {
		c.Node.Tick = DefaultTick
	}
	if c.Node.SendTimeout == 0 {
		c.Node.SendTimeout = DefaultSendTimeout
	}
	if c.Transport.Type == "" {
		c.Transport.Type = "channel"
	}
	if c.Transport.DedupWindow == 0 {
		c.Transport.DedupWindow = DefaultDedupWindow
	}
	if c.Telemetry.Poll == 0 {
		c.Telemetry.Poll = 30 * time.Second
	}
	for i := range c.Markets {
		m := &c.Markets[i]
		if m.IntervalsToClear == 0 {
			m.IntervalsToClear = DefaultIntervalsToClear
		}
		if m.IntervalDuration == 0 {
			m.IntervalDuration = DefaultIntervalDuration
		}
		if m.MarketClearingInterval == 0 {
			m.MarketClearingInterval = time.Duration(m.IntervalsToClear) * m.IntervalDuration
		}
		if m.DualityGapThreshold == 0 {
			m.DualityGapThreshold = DefaultDualityGapThreshold
		}
	}
	for i := range c.Neighbors {
		if c.Neighbors[i].ConvergenceThreshold == 0 {
			c.Neighbors[i].ConvergenceThreshold = agent.DefaultConvergenceThreshold
		}
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Node.Name == "" {
		return errors.New("node.name is required")
	}
	switch c.Transport.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("transport.type %q is not channel or nats", c.Transport.Type)
	}
	if len(c.Markets) == 0 {
		return errors.New("at least one market is required")
	}

	names := map[string]bool{}
	for _, mc := range c.Markets {
		if names[mc.Name] {
			return fmt.Errorf("market %q is defined twice", mc.Name)
		}
		names[mc.Name] = true
		if _, err := mc.ToMarket(); err != nil {
			return fmt.Errorf("market config invalid: %w", err)
		}
	}
	for _, mc := range c.Markets {
		if mc.Refines != "" && (!names[mc.Refines] || mc.Refines == mc.Name) {
			return fmt.Errorf("market %q refines unknown market %q", mc.Name, mc.Refines)
		}
	}

	models := map[string]bool{}
	for _, n := range c.Neighbors {
		if err := checkModel(models, n.Name, n.Commodities); err != nil {
			return err
		}
	}
	for _, a := range c.LocalAssets {
		if err := checkModel(models, a.Name, a.Commodities); err != nil {
			return err
		}
	}
	return nil
}

func checkModel(seen map[string]bool, name string, commodities []string) error {
	if name == "" {
		return errors.New("neighbor and local asset names are required")
	}
	if seen[name] {
		return fmt.Errorf("model %q is defined twice", name)
	}
	seen[name] = true
	if _, err := parseCommodities(commodities); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func parseCommodities(in []string) ([]model.Commodity, error) {
	out := make([]model.Commodity, 0, len(in))
	for _, s := range in {
		c, ok := model.ParseCommodity(s)
		if !ok {
			return nil, fmt.Errorf("unknown commodity %q", s)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m MarketConfig) ToMarket() (market.Config, error) {
	c, ok := model.ParseCommodity(m.Commodity)
	if !ok {
		return market.Config{}, fmt.Errorf("%s: unknown commodity %q", m.Name, m.Commodity)
	}
	method, err := market.ParseMethod(m.Method)
	if err != nil {
		return market.Config{}, fmt.Errorf("%s: %w", m.Name, err)
	}
	out := market.Config{
		Name:                   m.Name,
		Commodity:              c,
		Method:                 method,
		IntervalsToClear:       m.IntervalsToClear,
		IntervalDuration:       m.IntervalDuration,
		MarketClearingInterval: m.MarketClearingInterval,
		ActivationLeadTime:     m.ActivationLeadTime,
		NegotiationLeadTime:    m.NegotiationLeadTime,
		MarketLeadTime:         m.MarketLeadTime,
		DeliveryLeadTime:       m.DeliveryLeadTime,
		DualityGapThreshold:    m.DualityGapThreshold,
		DefaultPrice:           m.DefaultPrice,
		Refines:                m.Refines,
	}
	if err := out.Validate(); err != nil {
		return market.Config{}, err
	}
	return out, nil
}

// FirstClearingAfter returns the configured first clearing time, or the
// first multiple of the clearing interval (from the Unix epoch) after now.
func (m MarketConfig) FirstClearingAfter(now time.Time) time.Time {
	if !m.FirstClearing.IsZero() {
		return m.FirstClearing.UTC()
	}
	step := m.MarketClearingInterval
	t := now.UTC().Truncate(step)
	if !t.After(now) {
		t = t.Add(step)
	}
	return t
}

func (n NeighborConfig) ToAgent(localNode string) (agent.NeighborConfig, error) {
	cs, err := parseCommodities(n.Commodities)
	if err != nil {
		return agent.NeighborConfig{}, fmt.Errorf("%s: %w", n.Name, err)
	}
	return agent.NeighborConfig{
		Name:                 n.Name,
		LocalNode:            localNode,
		Commodities:          cs,
		Transactive:          n.Transactive,
		Friend:               n.Friend,
		MinPower:             n.MinPower,
		MaxPower:             n.MaxPower,
		LossFactor:           n.LossFactor,
		DemandRate:           n.DemandRate,
		DemandThreshold:      n.DemandThreshold,
		DefaultVertices:      n.DefaultVertices,
		ConvergenceThreshold: n.ConvergenceThreshold,
		ControlPoint:         n.ControlPoint,
	}, nil
}

func (a LocalAssetConfig) ToAgent() (agent.LocalAssetConfig, error) {
	cs, err := parseCommodities(a.Commodities)
	if err != nil {
		return agent.LocalAssetConfig{}, fmt.Errorf("%s: %w", a.Name, err)
	}
	return agent.LocalAssetConfig{
		Name:             a.Name,
		Commodities:      cs,
		MinPower:         a.MinPower,
		MaxPower:         a.MaxPower,
		CostCoefficients: a.CostCoefficients,
		DefaultVertices:  a.DefaultVertices,
		DefaultPower:     a.DefaultPower,
		EngageCost:       a.EngageCost,
		DisengageCost:    a.DisengageCost,
		ControlPoint:     a.ControlPoint,
	}, nil
}
