package pricer

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// BinancePricer reads spot prices from the Binance public ticker endpoint.
// symbols maps an asset symbol to the exchange pair quoted in the reporting
// currency, e.g. ETH -> ETHUSDT.
type BinancePricer struct {
	client  *binance.Client
	symbols map[string]string
}

func NewBinancePricer(client *binance.Client, symbols map[string]string) *BinancePricer {
	return &BinancePricer{client: client, symbols: symbols}
}

func (p *BinancePricer) Name() string { return "binance" }

// Quote implements Quoter.
func (p *BinancePricer) Quote(ctx context.Context) (domain.MarketData, error) {
	md := domain.MarketData{SpotPrices: make(map[string]decimal.Decimal, len(p.symbols))}
	for asset, pair := range p.symbols {
		price, err := p.GetPrice(ctx, pair)
		if err != nil {
			return domain.MarketData{}, err
		}
		md.SpotPrices[asset] = price
	}
	return md, nil
}

// GetPrice returns the last price of an exchange pair.
func (p *BinancePricer) GetPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(pair).Do(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("binance API returned empty prices for %s", pair)
	}

	return decimal.NewFromString(prices[0].Price)
}
