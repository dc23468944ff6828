package pricer

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

const defaultScenarioStep = time.Hour

// scenarioTmp is the raw YAML form of a scenario file. Prices are strings
// so that no precision is lost before decimal parsing.
type scenarioTmp struct {
	Start     string                 `yaml:"start"`
	Step      string                 `yaml:"step"`
	Protocols map[string]protocolTmp `yaml:"protocols"`
	Ticks     []tickTmp              `yaml:"ticks"`
}

type tickTmp struct {
	Time      string                 `yaml:"time"`
	Spot      map[string]string      `yaml:"spot"`
	Oracle    map[string]string      `yaml:"oracle"`
	Mark      map[string]string      `yaml:"mark"`
	Funding   map[string]string      `yaml:"funding"`
	Indices   map[string]string      `yaml:"indices"`
	Protocols map[string]protocolTmp `yaml:"protocols"`
	Notices   []noticeTmp            `yaml:"notices"`
}

type protocolTmp struct {
	LiquidationThreshold string `yaml:"liquidation_threshold"`
	MaxLTV               string `yaml:"max_ltv"`
	MaintenanceMargin    string `yaml:"maintenance_margin"`
	InitialMargin        string `yaml:"initial_margin"`
}

type noticeTmp struct {
	Key    string `yaml:"key"`
	Delta  string `yaml:"delta"`
	Reason string `yaml:"reason"`
	Source string `yaml:"source"`
}

// Scenario replays a fixed list of ticks. Every tick inherits the values of
// the previous one and overrides what it names, so a scenario only spells
// out what moves.
type Scenario struct {
	ticks []Tick
	pos   int
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	return ParseScenario(data)
}

// ParseScenario decodes a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var raw scenarioTmp
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode scenario")
	}
	if len(raw.Ticks) == 0 {
		return nil, errors.New("scenario has no ticks")
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if raw.Start != "" {
		t, err := time.Parse(time.RFC3339, raw.Start)
		if err != nil {
			return nil, errors.Wrap(err, "incorrect 'start' param in scenario")
		}
		start = t
	}
	step := defaultScenarioStep
	if raw.Step != "" {
		d, err := time.ParseDuration(raw.Step)
		if err != nil || d <= 0 {
			return nil, errors.Errorf("incorrect 'step' param in scenario: %q", raw.Step)
		}
		step = d
	}

	base := Merge()
	for venue, p := range raw.Protocols {
		params, err := parseProtocol(p)
		if err != nil {
			return nil, errors.Wrapf(err, "protocol %s", venue)
		}
		base.Protocols[venue] = params
	}

	s := &Scenario{ticks: make([]Tick, 0, len(raw.Ticks))}
	prev := base
	ts := start
	for i, rt := range raw.Ticks {
		if i > 0 {
			ts = ts.Add(step)
		}
		if rt.Time != "" {
			t, err := time.Parse(time.RFC3339, rt.Time)
			if err != nil {
				return nil, errors.Wrapf(err, "tick %d: incorrect time", i)
			}
			if t.Before(ts) && i > 0 {
				return nil, errors.Errorf("tick %d: time %s goes backwards", i, rt.Time)
			}
			ts = t
		}

		md, err := rt.market()
		if err != nil {
			return nil, errors.Wrapf(err, "tick %d", i)
		}
		md = Merge(prev, md)
		md.Timestamp = ts

		notices := make([]domain.PositionNotice, 0, len(rt.Notices))
		for j, n := range rt.Notices {
			notice, err := n.parse(ts)
			if err != nil {
				return nil, errors.Wrapf(err, "tick %d notice %d", i, j)
			}
			notices = append(notices, notice)
		}

		s.ticks = append(s.ticks, Tick{Market: md, Notices: notices})
		prev = md
	}

	return s, nil
}

// Next returns the next tick or ErrExhausted.
func (s *Scenario) Next(ctx context.Context) (Tick, error) {
	if err := ctx.Err(); err != nil {
		return Tick{}, err
	}
	if s.pos >= len(s.ticks) {
		return Tick{}, ErrExhausted
	}
	t := s.ticks[s.pos]
	s.pos++
	return t, nil
}

// Len returns the number of ticks in the scenario.
func (s *Scenario) Len() int { return len(s.ticks) }

func (rt tickTmp) market() (domain.MarketData, error) {
	var md domain.MarketData
	var err error
	if md.SpotPrices, err = parsePrices("spot", rt.Spot); err != nil {
		return md, err
	}
	if md.OraclePrices, err = parsePrices("oracle", rt.Oracle); err != nil {
		return md, err
	}
	if md.MarkPrices, err = parsePrices("mark", rt.Mark); err != nil {
		return md, err
	}
	if md.FundingRates, err = parsePrices("funding", rt.Funding); err != nil {
		return md, err
	}
	if md.Indices, err = parsePrices("indices", rt.Indices); err != nil {
		return md, err
	}
	if len(rt.Protocols) > 0 {
		md.Protocols = make(map[string]domain.ProtocolParams, len(rt.Protocols))
		for venue, p := range rt.Protocols {
			params, err := parseProtocol(p)
			if err != nil {
				return md, errors.Wrapf(err, "protocol %s", venue)
			}
			md.Protocols[venue] = params
		}
	}
	return md, nil
}

func parsePrices(field string, raw map[string]string) (map[string]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(raw))
	for symbol, v := range raw {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.Wrapf(err, "incorrect %s value for %s", field, symbol)
		}
		out[symbol] = d
	}
	return out, nil
}

func parseProtocol(p protocolTmp) (domain.ProtocolParams, error) {
	var out domain.ProtocolParams
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"liquidation_threshold", p.LiquidationThreshold, &out.LiquidationThreshold},
		{"max_ltv", p.MaxLTV, &out.MaxLTV},
		{"maintenance_margin", p.MaintenanceMargin, &out.MaintenanceMargin},
		{"initial_margin", p.InitialMargin, &out.InitialMargin},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return out, errors.Wrapf(err, "incorrect '%s' param", f.name)
		}
		*f.dst = d
	}
	return out, nil
}

func (n noticeTmp) parse(ts time.Time) (domain.PositionNotice, error) {
	key, err := domain.ParsePositionKey(n.Key)
	if err != nil {
		return domain.PositionNotice{}, err
	}
	delta, err := decimal.NewFromString(n.Delta)
	if err != nil {
		return domain.PositionNotice{}, errors.Wrapf(err, "incorrect delta for %s", n.Key)
	}

	reason := domain.NoticeReason(n.Reason)
	switch reason {
	case domain.NoticeFunding, domain.NoticeReward, domain.NoticeDeposit,
		domain.NoticeWithdrawal, domain.NoticeLiquidation, domain.NoticeAdjustment:
	case "":
		reason = domain.NoticeAdjustment
	default:
		return domain.PositionNotice{}, errors.Errorf("unknown notice reason %q", n.Reason)
	}

	source := n.Source
	if source == "" {
		source = "scenario"
	}
	return domain.PositionNotice{Key: key, Delta: delta, Reason: reason, Timestamp: ts, Source: source}, nil
}
