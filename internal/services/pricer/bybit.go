package pricer

import (
	"context"
	"fmt"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// BybitPricer reads spot last prices and, for linear perpetuals, mark
// prices and funding rates from Bybit V5 tickers.
type BybitPricer struct {
	client *bybit.Client
	spot   map[string]string
	perps  map[string]string
}

// NewBybitPricer maps asset symbols to spot pairs and perp symbols to linear
// contracts (ETH -> ETHUSDT in both cases).
func NewBybitPricer(client *bybit.Client, spot, perps map[string]string) *BybitPricer {
	return &BybitPricer{client: client, spot: spot, perps: perps}
}

func (p *BybitPricer) Name() string { return "bybit" }

// Quote implements Quoter.
func (p *BybitPricer) Quote(context.Context) (domain.MarketData, error) {
	md := domain.MarketData{
		SpotPrices:   make(map[string]decimal.Decimal, len(p.spot)),
		MarkPrices:   make(map[string]decimal.Decimal, len(p.perps)),
		FundingRates: make(map[string]decimal.Decimal, len(p.perps)),
	}

	for asset, pair := range p.spot {
		price, err := p.GetPrice(pair)
		if err != nil {
			return domain.MarketData{}, err
		}
		md.SpotPrices[asset] = price
	}

	for coin, contract := range p.perps {
		mark, funding, err := p.perp(contract)
		if err != nil {
			return domain.MarketData{}, err
		}
		md.MarkPrices[coin] = mark
		md.FundingRates[coin] = funding
	}

	return md, nil
}

// GetPrice returns the last spot price of a pair.
func (p *BybitPricer) GetPrice(pair string) (decimal.Decimal, error) {
	symbol := bybit.SymbolV5(pair)

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "spot",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	if result.Result.Spot == nil || len(result.Result.Spot.List) == 0 {
		return decimal.Decimal{}, fmt.Errorf("bybit API returned empty prices for %s", pair)
	}

	return decimal.NewFromString(result.Result.Spot.List[0].LastPrice)
}

func (p *BybitPricer) perp(contract string) (decimal.Decimal, decimal.Decimal, error) {
	symbol := bybit.SymbolV5(contract)

	result, err := p.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: "linear",
		Symbol:   &symbol,
	})
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	if result.Result.LinearInverse == nil || len(result.Result.LinearInverse.List) == 0 {
		return decimal.Decimal{}, decimal.Decimal{}, fmt.Errorf("bybit API returned empty tickers for %s", contract)
	}

	t := result.Result.LinearInverse.List[0]
	mark, err := decimal.NewFromString(t.MarkPrice)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	funding, err := decimal.NewFromString(t.FundingRate)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return mark, funding, nil
}
