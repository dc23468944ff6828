package venue

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Bybit executes spot trades on a Bybit unified account.
type Bybit struct {
	client *bybit.Client
	name   string
	quotes map[string]struct{}
	logger *zap.Logger
}

// NewBybit creates a Bybit spot adapter.
func NewBybit(name string, client *bybit.Client, quotes []string, logger *zap.Logger) (*Bybit, error) {
	if client == nil {
		return nil, errors.New("bybit client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bybit{client: client, name: name, quotes: quoteSet(quotes), logger: logger}, nil
}

// Name implements Adapter.
func (b *Bybit) Name() string { return b.name }

// Supports implements Adapter.
func (b *Bybit) Supports(t domain.InstructionType) bool {
	return t == domain.InstructionTrade
}

// Execute places a spot market order. Market buys are sized in the quote
// asset, sells in the base asset.
func (b *Bybit) Execute(_ context.Context, in domain.Instruction, _ domain.MarketData) (domain.ExecutionResult, error) {
	side, symbol, _, err := spotOrder(in, b.quotes)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	bybitSide := bybit.SideBuy
	if side == sideSell {
		bybitSide = bybit.SideSell
	}
	qty := in.Amount.RoundFloor(4)
	linkID := in.ID

	resp, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    "spot",
		Symbol:      bybit.SymbolV5(symbol),
		Side:        bybitSide,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty.String(),
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.ExecutionResult{}, errors.Wrapf(err, "failed to create %s order", side)
	}

	b.logger.Info("bybit order placed",
		zap.String("id", in.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("qty", qty.String()))

	return domain.ExecutionResult{
		Status:   domain.ExecutionConfirmed,
		Fee:      decimal.Zero,
		VenueRef: resp.Result.OrderID,
	}, nil
}

// GetBalance returns the unified wallet balance of asset.
func (b *Bybit) GetBalance(_ context.Context, asset, _ string) (decimal.Decimal, error) {
	res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get account balance")
	}
	if len(res.Result.List) == 0 {
		return decimal.Zero, nil
	}

	for _, coin := range res.Result.List[0].Coin {
		if string(coin.Coin) != asset {
			continue
		}
		v, err := decimal.NewFromString(coin.WalletBalance)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse %s balance", asset)
		}
		return v, nil
	}
	return decimal.Zero, nil
}

// GetPosition is not served by the spot adapter.
func (b *Bybit) GetPosition(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.Wrap(ErrUnsupported, "bybit spot has no perp positions")
}
