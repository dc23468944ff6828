package pricer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// HyperliquidPricer reads perp mid prices from the Hyperliquid public Info
// API and reports them as mark prices.
type HyperliquidPricer struct {
	info  *hyperliquid.Info
	coins []string
}

func NewHyperliquidPricer(info *hyperliquid.Info, coins []string) *HyperliquidPricer {
	return &HyperliquidPricer{info: info, coins: coins}
}

func (p *HyperliquidPricer) Name() string { return "hyperliquid" }

// Quote implements Quoter.
func (p *HyperliquidPricer) Quote(ctx context.Context) (domain.MarketData, error) {
	if p.info == nil {
		return domain.MarketData{}, fmt.Errorf("hyperliquid info client is nil")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return domain.MarketData{}, err
	}

	md := domain.MarketData{MarkPrices: make(map[string]decimal.Decimal, len(p.coins))}
	for _, coin := range p.coins {
		// mids are keyed by base coin (e.g. "BTC")
		mid, ok := mids[coin]
		if !ok || mid == "" {
			return domain.MarketData{}, fmt.Errorf("hyperliquid API returned empty mid price for %s", coin)
		}
		price, err := decimal.NewFromString(mid)
		if err != nil {
			return domain.MarketData{}, err
		}
		md.MarkPrices[coin] = price
	}
	return md, nil
}
