package conversion

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testService(t *testing.T) *Service {
	t.Helper()
	s, err := New("USD", map[string]Rule{
		"USDT":  {Method: MethodDirect},
		"WETH":  {Method: MethodOracle, PriceSymbol: "ETH"},
		"weETH": {Method: MethodUnwrap, Underlying: "WETH"},
	})
	require.NoError(t, err)
	return s
}

func testMarket() domain.MarketData {
	return domain.MarketData{
		SpotPrices:   map[string]decimal.Decimal{"ETH": d("3000"), "BTC": d("60000")},
		OraclePrices: map[string]decimal.Decimal{"ETH": d("2990")},
		MarkPrices:   map[string]decimal.Decimal{"ETH": d("3010")},
		Indices: map[string]decimal.Decimal{
			"aUSDT":    d("1.02"),
			"aweETH":   d("1.001"),
			"debtWETH": d("1.05"),
			"weETH":    d("1.04"),
		},
	}
}

func TestQuote(t *testing.T) {
	s := testService(t)
	md := testMarket()

	tests := []struct {
		key       string
		method    Method
		root      string
		sign      int
		unitValue string
	}{
		{key: "wallet:BaseToken:USDT", method: MethodDirect, root: "USDT", sign: 1, unitValue: "1"},
		{key: "binance:BaseToken:BTC", method: MethodSpot, root: "BTC", sign: 1, unitValue: "60000"},
		{key: "aave:aToken:aUSDT", method: MethodInterestIndex, root: "USDT", sign: 1, unitValue: "1.02"},
		{key: "wallet:LST:weETH", method: MethodUnwrap, root: "WETH", sign: 1, unitValue: "3109.6"},
		{key: "aave:aToken:aweETH", method: MethodInterestIndex, root: "WETH", sign: 1, unitValue: "3112.7096"},
		{key: "aave:debtToken:debtWETH", method: MethodInterestIndex, root: "WETH", sign: -1, unitValue: "3139.5"},
		{key: "hyperliquid:Perp:ETH", method: MethodMark, root: "ETH", sign: 1, unitValue: "3010"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			q, err := s.Quote(domain.MustParsePositionKey(tt.key), md)
			require.NoError(t, err)
			assert.Equal(t, tt.method, q.Method)
			assert.Equal(t, tt.root, q.Root)
			assert.Equal(t, tt.sign, q.Sign)
			assert.True(t, q.UnitValue().Equal(d(tt.unitValue)), "got %s", q.UnitValue())
		})
	}
}

func TestQuote_MissingData(t *testing.T) {
	s := testService(t)

	_, err := s.Quote(domain.MustParsePositionKey("binance:BaseToken:SOL"), testMarket())
	require.Error(t, err)
	assert.Equal(t, domain.CodeMarketDataMissing, domain.CodeOf(err))
	assert.Equal(t, domain.SeverityLow, domain.SeverityOf(err))

	_, err = s.Quote(domain.MustParsePositionKey("aave:aToken:aDAI"), testMarket())
	assert.Error(t, err)
}

func TestUnderlying(t *testing.T) {
	s := testService(t)
	assert.Equal(t, "USDT", s.Underlying(domain.MustParsePositionKey("aave:aToken:aUSDT")))
	assert.Equal(t, "WETH", s.Underlying(domain.MustParsePositionKey("aave:debtToken:variableDebtWETH")))
	assert.Equal(t, "WETH", s.Underlying(domain.MustParsePositionKey("aave:debtToken:debtWETH")))
	assert.Equal(t, "WETH", s.Underlying(domain.MustParsePositionKey("wallet:LST:weETH")))
	assert.Equal(t, "ETH", s.Underlying(domain.MustParsePositionKey("hyperliquid:Perp:ETH")))
}

func TestIndexFactor(t *testing.T) {
	s := testService(t)
	md := testMarket()

	f, err := s.IndexFactor(domain.MustParsePositionKey("aave:aToken:aUSDT"), md)
	require.NoError(t, err)
	assert.True(t, f.Equal(d("1.02")))

	f, err = s.IndexFactor(domain.MustParsePositionKey("wallet:LST:weETH"), md)
	require.NoError(t, err)
	assert.True(t, f.Equal(d("1.04")))

	f, err = s.IndexFactor(domain.MustParsePositionKey("wallet:BaseToken:USDT"), md)
	require.NoError(t, err)
	assert.True(t, f.Equal(d("1")))
}

func TestNew_Validation(t *testing.T) {
	_, err := New("", nil)
	assert.Error(t, err)

	_, err = New("USD", map[string]Rule{"X": {Method: "magic"}})
	assert.Error(t, err)

	_, err = New("USD", map[string]Rule{"X": {Method: MethodUnwrap}})
	assert.Error(t, err)

	_, err = New("USD", map[string]Rule{
		"A": {Method: MethodUnwrap, Underlying: "B"},
		"B": {Method: MethodUnwrap, Underlying: "A"},
	})
	assert.Error(t, err)
}
