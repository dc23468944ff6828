// Package conversion values positions in the reporting currency. A single
// Service is built per run and shared read-only by every consumer.
package conversion

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Method names a valuation method.
type Method string

const (
	MethodDirect        Method = "direct"
	MethodSpot          Method = "spot_price"
	MethodOracle        Method = "oracle_price"
	MethodInterestIndex Method = "interest_index"
	MethodUnwrap        Method = "unwrap"
	MethodMark          Method = "mark_price"
)

const maxUnwrapDepth = 8

var debtPrefixes = []string{"variableDebt", "stableDebt", "debt"}

// Rule overrides how a symbol is valued.
//
// Underlying is required for unwrap and optional for interest_index, where
// it defaults to the symbol without its aToken/debtToken prefix. Index names
// the MarketData.Indices entry and defaults to the symbol. PriceSymbol names
// the price entry for spot/oracle/mark and defaults to the symbol.
type Rule struct {
	Method      Method `yaml:"method,omitempty"`
	Underlying  string `yaml:"underlying,omitempty"`
	Index       string `yaml:"index,omitempty"`
	PriceSymbol string `yaml:"price_symbol,omitempty"`
}

// Quote is the decomposed valuation of one position unit.
type Quote struct {
	Method      Method
	Root        string
	Sign        int
	IndexFactor decimal.Decimal
	RateFactor  decimal.Decimal
	RootPrice   decimal.Decimal
}

// UnitValue is IndexFactor * RateFactor * RootPrice, unsigned.
func (q Quote) UnitValue() decimal.Decimal {
	return q.IndexFactor.Mul(q.RateFactor).Mul(q.RootPrice)
}

// Service resolves prices, indices and exchange rates from MarketData.
type Service struct {
	currency string
	rules    map[string]Rule
}

// New validates rules and builds the service.
func New(currency string, rules map[string]Rule) (*Service, error) {
	if currency == "" {
		return nil, errors.New("reporting currency is required")
	}

	s := &Service{currency: currency, rules: make(map[string]Rule, len(rules))}
	for sym, r := range rules {
		switch r.Method {
		case MethodDirect, MethodSpot, MethodOracle, MethodInterestIndex, MethodMark:
		case MethodUnwrap:
			if r.Underlying == "" {
				return nil, errors.Errorf("conversion rule for %s: unwrap requires an underlying", sym)
			}
		default:
			return nil, errors.Errorf("conversion rule for %s: unknown method %q", sym, r.Method)
		}
		s.rules[sym] = r
	}

	for sym := range s.rules {
		if err := s.checkChain(sym); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Service) checkChain(sym string) error {
	seen := map[string]struct{}{}
	for cur := sym; ; {
		if _, loop := seen[cur]; loop {
			return errors.Errorf("conversion rule for %s: unwrap cycle through %s", sym, cur)
		}
		seen[cur] = struct{}{}
		r, ok := s.rules[cur]
		if !ok || r.Method != MethodUnwrap {
			return nil
		}
		cur = r.Underlying
	}
}

// Currency returns the reporting currency.
func (s *Service) Currency() string {
	return s.currency
}

// Symbols returns symbols with explicit rules, sorted.
func (s *Service) Symbols() []string {
	out := make([]string, 0, len(s.rules))
	for sym := range s.rules {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// RuleFor returns the explicit or default rule of a symbol held as position type t.
func (s *Service) RuleFor(t domain.PositionType, symbol string) Rule {
	if r, ok := s.rules[symbol]; ok {
		return r
	}

	switch t {
	case domain.PositionTypeAToken, domain.PositionTypeDebtToken:
		return Rule{Method: MethodInterestIndex}
	case domain.PositionTypePerp:
		return Rule{Method: MethodMark}
	}

	if symbol == s.currency {
		return Rule{Method: MethodDirect}
	}
	return Rule{Method: MethodSpot}
}

// Underlying returns the asset one unit of key converts into: the stripped
// symbol for aToken/debtToken, the configured underlying for LSTs and the
// symbol itself otherwise.
func (s *Service) Underlying(key domain.PositionKey) string {
	r := s.RuleFor(key.Type, key.Symbol)
	if r.Underlying != "" && (r.Method == MethodInterestIndex || r.Method == MethodUnwrap) {
		return r.Underlying
	}

	switch key.Type {
	case domain.PositionTypeAToken:
		if strings.HasPrefix(key.Symbol, "a") && len(key.Symbol) > 1 {
			return key.Symbol[1:]
		}
	case domain.PositionTypeDebtToken:
		for _, p := range debtPrefixes {
			if strings.HasPrefix(key.Symbol, p) && len(key.Symbol) > len(p) {
				return key.Symbol[len(p):]
			}
		}
	}

	return key.Symbol
}

// Quote resolves the valuation of one unit of key.
func (s *Service) Quote(key domain.PositionKey, md domain.MarketData) (Quote, error) {
	r := s.RuleFor(key.Type, key.Symbol)

	switch key.Type {
	case domain.PositionTypePerp:
		sym := priceSymbol(r, key.Symbol)
		mark, ok := md.Mark(sym)
		if !ok {
			return Quote{}, missing("mark price", sym)
		}
		return Quote{Method: MethodMark, Root: key.Symbol, Sign: 1, IndexFactor: decimal.NewFromInt(1), RateFactor: decimal.NewFromInt(1), RootPrice: mark}, nil

	case domain.PositionTypeAToken, domain.PositionTypeDebtToken:
		if r.Method != MethodInterestIndex {
			break
		}
		idxName := r.Index
		if idxName == "" {
			idxName = key.Symbol
		}
		idx, ok := md.Index(idxName)
		if !ok {
			return Quote{}, missing("interest index", idxName)
		}
		under, err := s.asset(s.Underlying(key), md, 0)
		if err != nil {
			return Quote{}, err
		}
		sign := 1
		if key.Type == domain.PositionTypeDebtToken {
			sign = -1
		}
		return Quote{Method: MethodInterestIndex, Root: under.Root, Sign: sign, IndexFactor: idx, RateFactor: under.RateFactor, RootPrice: under.RootPrice}, nil
	}

	q, err := s.asset(key.Symbol, md, 0)
	if err != nil {
		return Quote{}, err
	}
	if key.Type == domain.PositionTypeDebtToken {
		q.Sign = -1
	}
	return q, nil
}

// asset values one unit of a freely held asset symbol.
func (s *Service) asset(sym string, md domain.MarketData, depth int) (Quote, error) {
	if depth > maxUnwrapDepth {
		return Quote{}, errors.Errorf("unwrap chain too deep at %s", sym)
	}

	one := decimal.NewFromInt(1)
	r := s.RuleFor(domain.PositionTypeBaseToken, sym)

	switch r.Method {
	case MethodDirect:
		return Quote{Method: MethodDirect, Root: sym, Sign: 1, IndexFactor: one, RateFactor: one, RootPrice: one}, nil
	case MethodSpot, MethodInterestIndex:
		ps := priceSymbol(r, sym)
		p, ok := md.Spot(ps)
		if !ok {
			return Quote{}, missing("spot price", ps)
		}
		return Quote{Method: MethodSpot, Root: sym, Sign: 1, IndexFactor: one, RateFactor: one, RootPrice: p}, nil
	case MethodOracle:
		ps := priceSymbol(r, sym)
		p, ok := md.Oracle(ps)
		if !ok {
			return Quote{}, missing("oracle price", ps)
		}
		return Quote{Method: MethodOracle, Root: sym, Sign: 1, IndexFactor: one, RateFactor: one, RootPrice: p}, nil
	case MethodMark:
		ps := priceSymbol(r, sym)
		p, ok := md.Mark(ps)
		if !ok {
			return Quote{}, missing("mark price", ps)
		}
		return Quote{Method: MethodMark, Root: sym, Sign: 1, IndexFactor: one, RateFactor: one, RootPrice: p}, nil
	case MethodUnwrap:
		if r.Underlying == "" {
			return Quote{}, missing("unwrap underlying", sym)
		}
		idxName := r.Index
		if idxName == "" {
			idxName = sym
		}
		rate, ok := md.Index(idxName)
		if !ok {
			return Quote{}, missing("exchange rate", idxName)
		}
		under, err := s.asset(r.Underlying, md, depth+1)
		if err != nil {
			return Quote{}, err
		}
		return Quote{Method: MethodUnwrap, Root: under.Root, Sign: 1, IndexFactor: one, RateFactor: rate.Mul(under.RateFactor), RootPrice: under.RootPrice}, nil
	}

	return Quote{}, errors.Errorf("no valuation method for %s", sym)
}

// AssetPrice returns the reporting-currency value of one unit of sym.
func (s *Service) AssetPrice(sym string, md domain.MarketData) (decimal.Decimal, error) {
	q, err := s.asset(sym, md, 0)
	if err != nil {
		return decimal.Zero, err
	}
	return q.UnitValue(), nil
}

// IndexFactor returns underlying units per unit of key: the interest index
// for aToken/debtToken, the exchange rate for LSTs and 1 otherwise.
func (s *Service) IndexFactor(key domain.PositionKey, md domain.MarketData) (decimal.Decimal, error) {
	r := s.RuleFor(key.Type, key.Symbol)
	lending := key.Type == domain.PositionTypeAToken || key.Type == domain.PositionTypeDebtToken
	switch {
	case lending && r.Method == MethodInterestIndex, !lending && r.Method == MethodUnwrap:
		name := r.Index
		if name == "" {
			name = key.Symbol
		}
		v, ok := md.Index(name)
		if !ok {
			return decimal.Zero, missing("index", name)
		}
		if !v.IsPositive() {
			return decimal.Zero, domain.NewError(domain.CodeMarketDataMissing, domain.SeverityHigh, "index %s is not positive: %s", name, v)
		}
		return v, nil
	}
	return decimal.NewFromInt(1), nil
}

// IsStable reports whether sym is valued directly in the reporting currency.
func (s *Service) IsStable(sym string) bool {
	r := s.RuleFor(domain.PositionTypeBaseToken, sym)
	return r.Method == MethodDirect
}

func priceSymbol(r Rule, sym string) string {
	if r.PriceSymbol != "" {
		return r.PriceSymbol
	}
	return sym
}

func missing(what, sym string) *domain.Error {
	return domain.NewError(domain.CodeMarketDataMissing, domain.SeverityLow, "%s for %s is not available", what, sym)
}
