// Package config loads and validates the mode YAML that describes a run.
package config

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/tightloop/internal/domain"
	"github.com/vadiminshakov/tightloop/internal/services/conversion"
	"github.com/vadiminshakov/tightloop/internal/services/ledger"
	"github.com/vadiminshakov/tightloop/internal/services/pnl"
	"github.com/vadiminshakov/tightloop/internal/services/risk"
	"github.com/vadiminshakov/tightloop/internal/services/router"
	"github.com/vadiminshakov/tightloop/internal/services/strategy"
)

// Venue kinds.
const (
	VenueSimulated   = "simulated"
	VenueBinance     = "binance"
	VenueBybit       = "bybit"
	VenueHyperliquid = "hyperliquid"
)

const (
	defaultCurrency     = "USD"
	defaultPollInterval = 30 * time.Second
	defaultAuditDir     = "./wal/audit"
	defaultJournalDir   = "./wal/journal"
)

// kindActions lists the instruction types each live venue kind executes.
var kindActions = map[string][]domain.InstructionType{
	VenueBinance:     {domain.InstructionTrade},
	VenueBybit:       {domain.InstructionTrade},
	VenueHyperliquid: {domain.InstructionTrade},
}

type Config struct {
	Mode            domain.RunMode
	Run             RunConfig
	Subscriptions   []domain.PositionKey
	InitialBalances map[domain.PositionKey]decimal.Decimal
	Currency        string
	Conversion      map[string]conversion.Rule
	Routing         router.Mapping
	Strategy        strategy.Config
	Planner         strategy.PlannerConfig
	Risk            risk.Config
	PnL             pnl.Config
	Reconciliation  ReconciliationConfig
	Execution       ExecutionConfig
	// Costs are charged by the simulated venue.
	Costs  domain.CostModel
	Audit  AuditConfig
	Venues map[string]VenueConfig
}

type RunConfig struct {
	ID           string
	Scenario     string
	PollInterval time.Duration
	// MaxTicks stops the run after this many ticks; zero runs until the source ends.
	MaxTicks   int
	JournalDir string
	// Market is the static part of live market data (indices, protocol params).
	Market domain.MarketData
}

type ReconciliationConfig struct {
	Tolerance      ledger.Tolerance
	SettleAttempts int
	SettleInterval time.Duration
}

type ExecutionConfig struct {
	ExecTimeout      time.Duration
	ReconcileTimeout time.Duration
	GroupTimeout     time.Duration
	MaxRetries       int
	RetryInterval    time.Duration
	ParallelVenues   bool
	MaxInFlight      int
}

type AuditConfig struct {
	Dir         string
	SyncDisk    bool
	PostgresDSN string
}

// VenueConfig describes a live venue. Credentials are read from the
// environment variables the YAML names.
type VenueConfig struct {
	Kind        string
	APIKey      string
	APISecret   string
	PrivateKey  string
	URL         string
	Quotes      []string
	MarginAsset string
	// Spot maps an asset to the exchange pair used for its price.
	Spot map[string]string
	// Perps maps a perp symbol to the exchange contract.
	Perps map[string]string
}

type ConfigTmp struct {
	Mode            string              `yaml:"mode,omitempty"`
	Run             runTmp              `yaml:"run,omitempty"`
	Subscriptions   []string            `yaml:"subscriptions,omitempty"`
	InitialBalances map[string]string   `yaml:"initial_balances,omitempty"`
	Conversion      conversionTmp       `yaml:"conversion,omitempty"`
	Routing         map[string][]string `yaml:"routing,omitempty"`
	Strategy        strategyTmp         `yaml:"strategy,omitempty"`
	Risk            riskTmp             `yaml:"risk,omitempty"`
	PnL             pnlTmp              `yaml:"pnl,omitempty"`
	Reconciliation  reconciliationTmp   `yaml:"reconciliation,omitempty"`
	Execution       executionTmp        `yaml:"execution,omitempty"`
	Simulation      simulationTmp       `yaml:"simulation,omitempty"`
	Audit           auditTmp            `yaml:"audit,omitempty"`
	Venues          map[string]venueTmp `yaml:"venues,omitempty"`
}

type runTmp struct {
	ID           string                 `yaml:"id,omitempty"`
	Scenario     string                 `yaml:"scenario,omitempty"`
	PollInterval time.Duration          `yaml:"poll_interval,omitempty"`
	MaxTicks     int                    `yaml:"max_ticks,omitempty"`
	JournalDir   string                 `yaml:"journal_dir,omitempty"`
	Indices      map[string]string      `yaml:"indices,omitempty"`
	Protocols    map[string]protocolTmp `yaml:"protocols,omitempty"`
}

type protocolTmp struct {
	LiquidationThreshold string `yaml:"liquidation_threshold,omitempty"`
	MaxLTV               string `yaml:"max_ltv,omitempty"`
	MaintenanceMargin    string `yaml:"maintenance_margin,omitempty"`
	InitialMargin        string `yaml:"initial_margin,omitempty"`
}

type conversionTmp struct {
	Currency string                     `yaml:"currency,omitempty"`
	Rules    map[string]conversion.Rule `yaml:"rules,omitempty"`
}

type strategyTmp struct {
	Mode               string            `yaml:"mode,omitempty"`
	RebalanceThreshold string            `yaml:"rebalance_threshold,omitempty"`
	Params             map[string]string `yaml:"params,omitempty"`
	Planner            plannerTmp        `yaml:"planner,omitempty"`
}

type plannerTmp struct {
	WalletVenue string            `yaml:"wallet_venue,omitempty"`
	Quotes      map[string]string `yaml:"quotes,omitempty"`
	PerpMargin  map[string]string `yaml:"perp_margin,omitempty"`
	FlashLoans  bool              `yaml:"flash_loans,omitempty"`
	FlashVenue  string            `yaml:"flash_venue,omitempty"`
	Dust        string            `yaml:"dust,omitempty"`
	// Estimates default to simulation.costs.
	Estimates *costsTmp `yaml:"estimates,omitempty"`
}

type limitTmp struct {
	Max string `yaml:"max,omitempty"`
	Min string `yaml:"min,omitempty"`
}

type riskTmp struct {
	Metrics        []string            `yaml:"metrics,omitempty"`
	Limits         map[string]limitTmp `yaml:"limits,omitempty"`
	CircuitBreaker bool                `yaml:"circuit_breaker,omitempty"`
}

type pnlTmp struct {
	Buckets           []string `yaml:"buckets,omitempty"`
	Tolerance         string   `yaml:"tolerance,omitempty"`
	RelativeTolerance string   `yaml:"relative_tolerance,omitempty"`
}

type reconciliationTmp struct {
	Tolerance         string        `yaml:"tolerance,omitempty"`
	RelativeTolerance string        `yaml:"relative_tolerance,omitempty"`
	SettleAttempts    int           `yaml:"settle_attempts,omitempty"`
	SettleInterval    time.Duration `yaml:"settle_interval,omitempty"`
}

type executionTmp struct {
	ExecTimeout      time.Duration `yaml:"exec_timeout,omitempty"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout,omitempty"`
	GroupTimeout     time.Duration `yaml:"group_timeout,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`
	RetryInterval    time.Duration `yaml:"retry_interval,omitempty"`
	ParallelVenues   bool          `yaml:"parallel_venues,omitempty"`
	MaxInFlight      int           `yaml:"max_in_flight,omitempty"`
}

type simulationTmp struct {
	Costs costsTmp `yaml:"costs,omitempty"`
}

type costsTmp struct {
	TradeFeeBps    string `yaml:"trade_fee_bps,omitempty"`
	SlippageBps    string `yaml:"slippage_bps,omitempty"`
	PerpFeeBps     string `yaml:"perp_fee_bps,omitempty"`
	TransferFeeBps string `yaml:"transfer_fee_bps,omitempty"`
	StakeFeeBps    string `yaml:"stake_fee_bps,omitempty"`
	UnstakeFeeBps  string `yaml:"unstake_fee_bps,omitempty"`
	FlashFeeBps    string `yaml:"flash_fee_bps,omitempty"`
}

type auditTmp struct {
	Dir            string `yaml:"dir,omitempty"`
	SyncDisk       bool   `yaml:"sync_disk,omitempty"`
	PostgresDSNEnv string `yaml:"postgres_dsn_env,omitempty"`
}

type venueTmp struct {
	Kind          string            `yaml:"kind,omitempty"`
	APIKeyEnv     string            `yaml:"api_key_env,omitempty"`
	APISecretEnv  string            `yaml:"api_secret_env,omitempty"`
	PrivateKeyEnv string            `yaml:"private_key_env,omitempty"`
	URL           string            `yaml:"url,omitempty"`
	Quotes        []string          `yaml:"quotes,omitempty"`
	MarginAsset   string            `yaml:"margin_asset,omitempty"`
	Spot          map[string]string `yaml:"spot,omitempty"`
	Perps         map[string]string `yaml:"perps,omitempty"`
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(f)
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, invalid(err, "decode yaml config")
	}

	cfg, err := tmp.build()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(cause error, format string, args ...any) error {
	if cause == nil {
		return domain.NewError(domain.CodeConfigInvalid, domain.SeverityCritical, format, args...)
	}
	return domain.WrapError(cause, domain.CodeConfigInvalid, domain.SeverityCritical, format, args...)
}

func parseDecimal(field, raw string, def decimal.Decimal) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, invalid(err, "incorrect '%s' param in yaml config (must be a decimal)", field)
	}
	return v, nil
}

// PaperVenues adds a simulated venue entry for every routed venue that has
// none, so a live config can run against paper balances.
func (c *ConfigTmp) PaperVenues() {
	if c.Venues == nil {
		c.Venues = make(map[string]venueTmp)
	}
	for _, venues := range c.Routing {
		for _, v := range venues {
			if _, ok := c.Venues[v]; !ok {
				c.Venues[v] = venueTmp{Kind: VenueSimulated}
			}
		}
	}
}

func (c ConfigTmp) build() (*Config, error) {
	mode := domain.ModeSimulated
	if c.Mode != "" {
		m, err := domain.ParseRunMode(c.Mode)
		if err != nil {
			return nil, invalid(err, "incorrect 'mode' param in yaml config")
		}
		mode = m
	}

	cfg := &Config{
		Mode:            mode,
		InitialBalances: make(map[domain.PositionKey]decimal.Decimal, len(c.InitialBalances)),
		Currency:        c.Conversion.Currency,
		Conversion:      c.Conversion.Rules,
		Routing:         router.Mapping{},
		Venues:          make(map[string]VenueConfig, len(c.Venues)),
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}

	var err error
	if cfg.Run, err = c.Run.build(); err != nil {
		return nil, err
	}

	for _, raw := range c.Subscriptions {
		k, err := domain.ParsePositionKey(raw)
		if err != nil {
			return nil, invalid(err, "incorrect 'subscriptions' param in yaml config")
		}
		cfg.Subscriptions = append(cfg.Subscriptions, k)
	}
	for raw, amount := range c.InitialBalances {
		k, err := domain.ParsePositionKey(raw)
		if err != nil {
			return nil, invalid(err, "incorrect 'initial_balances' param in yaml config")
		}
		if cfg.InitialBalances[k], err = parseDecimal("initial_balances."+raw, amount, decimal.Zero); err != nil {
			return nil, err
		}
	}

	for rawType, venues := range c.Routing {
		t, err := domain.ParseInstructionType(rawType)
		if err != nil {
			return nil, invalid(err, "incorrect 'routing' param in yaml config")
		}
		cfg.Routing[t] = venues
	}

	if cfg.Costs, err = c.Simulation.Costs.build("simulation.costs"); err != nil {
		return nil, err
	}
	if cfg.Strategy, cfg.Planner, err = c.Strategy.build(cfg.Costs); err != nil {
		return nil, err
	}
	if cfg.Risk, err = c.Risk.build(); err != nil {
		return nil, err
	}
	if cfg.PnL, err = c.PnL.build(); err != nil {
		return nil, err
	}
	if cfg.Reconciliation, err = c.Reconciliation.build(); err != nil {
		return nil, err
	}
	cfg.Execution = ExecutionConfig(c.Execution)

	cfg.Audit = AuditConfig{Dir: c.Audit.Dir, SyncDisk: c.Audit.SyncDisk}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = defaultAuditDir
	}
	if c.Audit.PostgresDSNEnv != "" {
		cfg.Audit.PostgresDSN = os.Getenv(c.Audit.PostgresDSNEnv)
	}

	for name, v := range c.Venues {
		cfg.Venues[name] = VenueConfig{
			Kind:        v.Kind,
			APIKey:      env(v.APIKeyEnv),
			APISecret:   env(v.APISecretEnv),
			PrivateKey:  env(v.PrivateKeyEnv),
			URL:         v.URL,
			Quotes:      v.Quotes,
			MarginAsset: v.MarginAsset,
			Spot:        v.Spot,
			Perps:       v.Perps,
		}
	}

	return cfg, nil
}

func env(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

func (r runTmp) build() (RunConfig, error) {
	out := RunConfig{
		ID:           r.ID,
		Scenario:     r.Scenario,
		PollInterval: r.PollInterval,
		MaxTicks:     r.MaxTicks,
		JournalDir:   r.JournalDir,
		Market: domain.MarketData{
			Indices:   make(map[string]decimal.Decimal, len(r.Indices)),
			Protocols: make(map[string]domain.ProtocolParams, len(r.Protocols)),
		},
	}
	if out.PollInterval == 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.JournalDir == "" {
		out.JournalDir = defaultJournalDir
	}
	if out.MaxTicks < 0 {
		return out, invalid(nil, "incorrect 'run.max_ticks' param in yaml config (must be >= 0)")
	}

	for sym, raw := range r.Indices {
		v, err := parseDecimal("run.indices."+sym, raw, decimal.Zero)
		if err != nil {
			return out, err
		}
		out.Market.Indices[sym] = v
	}
	for venue, p := range r.Protocols {
		params, err := p.build("run.protocols." + venue)
		if err != nil {
			return out, err
		}
		out.Market.Protocols[venue] = params
	}
	return out, nil
}

func (p protocolTmp) build(field string) (domain.ProtocolParams, error) {
	var out domain.ProtocolParams
	var err error
	if out.LiquidationThreshold, err = parseDecimal(field+".liquidation_threshold", p.LiquidationThreshold, decimal.Zero); err != nil {
		return out, err
	}
	if out.MaxLTV, err = parseDecimal(field+".max_ltv", p.MaxLTV, decimal.Zero); err != nil {
		return out, err
	}
	if out.MaintenanceMargin, err = parseDecimal(field+".maintenance_margin", p.MaintenanceMargin, decimal.Zero); err != nil {
		return out, err
	}
	if out.InitialMargin, err = parseDecimal(field+".initial_margin", p.InitialMargin, decimal.Zero); err != nil {
		return out, err
	}
	return out, nil
}

func (c costsTmp) build(field string) (domain.CostModel, error) {
	var out domain.CostModel
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"trade_fee_bps", c.TradeFeeBps, &out.TradeFeeBps},
		{"slippage_bps", c.SlippageBps, &out.SlippageBps},
		{"perp_fee_bps", c.PerpFeeBps, &out.PerpFeeBps},
		{"transfer_fee_bps", c.TransferFeeBps, &out.TransferFeeBps},
		{"stake_fee_bps", c.StakeFeeBps, &out.StakeFeeBps},
		{"unstake_fee_bps", c.UnstakeFeeBps, &out.UnstakeFeeBps},
		{"flash_fee_bps", c.FlashFeeBps, &out.FlashFeeBps},
	}
	for _, f := range fields {
		v, err := parseDecimal(field+"."+f.name, f.raw, decimal.Zero)
		if err != nil {
			return out, err
		}
		if v.IsNegative() {
			return out, invalid(nil, "incorrect '%s.%s' param in yaml config (must be >= 0)", field, f.name)
		}
		*f.dst = v
	}
	return out, nil
}

func (s strategyTmp) build(costs domain.CostModel) (strategy.Config, strategy.PlannerConfig, error) {
	threshold, err := parseDecimal("strategy.rebalance_threshold", s.RebalanceThreshold, decimal.Zero)
	if err != nil {
		return strategy.Config{}, strategy.PlannerConfig{}, err
	}
	sc := strategy.Config{Mode: s.Mode, RebalanceThreshold: threshold, Params: strategy.Params(s.Params)}

	pc := strategy.PlannerConfig{
		WalletVenue: s.Planner.WalletVenue,
		Quotes:      s.Planner.Quotes,
		PerpMargin:  s.Planner.PerpMargin,
		FlashLoans:  s.Planner.FlashLoans,
		FlashVenue:  s.Planner.FlashVenue,
		Costs:       costs,
	}
	if pc.Dust, err = parseDecimal("strategy.planner.dust", s.Planner.Dust, decimal.Zero); err != nil {
		return sc, pc, err
	}
	if s.Planner.Estimates != nil {
		if pc.Costs, err = s.Planner.Estimates.build("strategy.planner.estimates"); err != nil {
			return sc, pc, err
		}
	}
	return sc, pc, nil
}

func (r riskTmp) build() (risk.Config, error) {
	out := risk.Config{Metrics: r.Metrics, CircuitBreaker: r.CircuitBreaker, Limits: make(map[string]risk.Limit, len(r.Limits))}
	for name, l := range r.Limits {
		var limit risk.Limit
		if l.Max != "" {
			v, err := parseDecimal("risk.limits."+name+".max", l.Max, decimal.Zero)
			if err != nil {
				return out, err
			}
			limit.Max = &v
		}
		if l.Min != "" {
			v, err := parseDecimal("risk.limits."+name+".min", l.Min, decimal.Zero)
			if err != nil {
				return out, err
			}
			limit.Min = &v
		}
		out.Limits[name] = limit
	}
	return out, nil
}

func (p pnlTmp) build() (pnl.Config, error) {
	out := pnl.Config{Buckets: p.Buckets}
	var err error
	if out.Absolute, err = parseDecimal("pnl.tolerance", p.Tolerance, decimal.NewFromFloat(0.01)); err != nil {
		return out, err
	}
	if out.Relative, err = parseDecimal("pnl.relative_tolerance", p.RelativeTolerance, decimal.Zero); err != nil {
		return out, err
	}
	return out, nil
}

func (r reconciliationTmp) build() (ReconciliationConfig, error) {
	out := ReconciliationConfig{SettleAttempts: r.SettleAttempts, SettleInterval: r.SettleInterval}
	var err error
	if out.Tolerance.Absolute, err = parseDecimal("reconciliation.tolerance", r.Tolerance, decimal.Zero); err != nil {
		return out, err
	}
	if out.Tolerance.Relative, err = parseDecimal("reconciliation.relative_tolerance", r.RelativeTolerance, decimal.Zero); err != nil {
		return out, err
	}
	if out.Tolerance.Absolute.IsNegative() || out.Tolerance.Relative.IsNegative() {
		return out, invalid(nil, "incorrect 'reconciliation.tolerance' param in yaml config (must be >= 0)")
	}
	if out.SettleAttempts < 0 {
		return out, invalid(nil, "incorrect 'reconciliation.settle_attempts' param in yaml config (must be >= 0)")
	}
	return out, nil
}

// Validate checks the cross-section rules a run depends on: every mapped
// action is supported by the venue it is mapped to and every position key
// the strategy touches is subscribed.
func (c *Config) Validate() error {
	if len(c.Subscriptions) == 0 {
		return invalid(nil, "incorrect 'subscriptions' param in yaml config: at least one key is required")
	}
	subscribed := make(map[domain.PositionKey]struct{}, len(c.Subscriptions))
	for _, k := range c.Subscriptions {
		subscribed[k] = struct{}{}
	}

	balances := make([]domain.PositionKey, 0, len(c.InitialBalances))
	for k := range c.InitialBalances {
		balances = append(balances, k)
	}
	domain.SortKeys(balances)
	for _, k := range balances {
		if _, ok := subscribed[k]; !ok {
			return domain.NewError(domain.CodeKeyNotSubscribed, domain.SeverityCritical,
				"initial balance key %s is not subscribed", k)
		}
	}

	if err := c.validateRouting(); err != nil {
		return err
	}

	if c.Mode == domain.ModeSimulated && c.Run.Scenario == "" {
		return invalid(nil, "incorrect 'run.scenario' param in yaml config: simulated runs replay a scenario")
	}

	for _, m := range c.Risk.Metrics {
		if !risk.Known(m) {
			return invalid(nil, "incorrect 'risk.metrics' param in yaml config: unknown metric %q", m)
		}
	}
	for _, b := range c.PnL.Buckets {
		if !pnl.Known(b) {
			return invalid(nil, "incorrect 'pnl.buckets' param in yaml config: unknown bucket %q", b)
		}
	}

	conv, err := conversion.New(c.Currency, c.Conversion)
	if err != nil {
		return invalid(err, "incorrect 'conversion' param in yaml config")
	}
	decider, err := strategy.New(c.Strategy, conv, nil)
	if err != nil {
		return invalid(err, "incorrect 'strategy' param in yaml config")
	}
	for _, k := range decider.Keys() {
		if _, ok := subscribed[k]; !ok {
			return domain.NewError(domain.CodeKeyNotSubscribed, domain.SeverityCritical,
				"strategy %s uses key %s which is not subscribed", decider.Mode(), k)
		}
	}
	if _, err := strategy.NewPlanner(c.Planner, conv, nil); err != nil {
		return invalid(err, "incorrect 'strategy.planner' param in yaml config")
	}

	return nil
}

func (c *Config) validateRouting() error {
	if len(c.Routing) == 0 {
		return invalid(nil, "incorrect 'routing' param in yaml config: no instruction types mapped")
	}

	types := make([]domain.InstructionType, 0, len(c.Routing))
	for t := range c.Routing {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		if len(c.Routing[t]) == 0 {
			return invalid(nil, "incorrect 'routing.%s' param in yaml config: no venues", t)
		}
		for _, v := range c.Routing[t] {
			if c.Mode == domain.ModeSimulated {
				continue
			}
			vc, ok := c.Venues[v]
			if !ok {
				return domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
					"venue %s mapped for %s has no 'venues' entry", v, t)
			}
			if !c.kindSupports(vc.Kind, t) {
				return domain.NewError(domain.CodeRouteNotFound, domain.SeverityCritical,
					"venue %s of kind %q does not support %s", v, vc.Kind, t)
			}
		}
	}
	return nil
}

func (c *Config) kindSupports(kind string, t domain.InstructionType) bool {
	if kind == VenueSimulated {
		return true
	}
	for _, a := range kindActions[kind] {
		if a == t {
			return true
		}
	}
	return false
}

// Tolerance returns the reconciliation tolerance.
func (c *Config) Tolerance() ledger.Tolerance {
	return c.Reconciliation.Tolerance
}
