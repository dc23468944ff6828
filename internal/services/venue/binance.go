package venue

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

const (
	binanceOrderNotFound = -2013
	defaultFillPolls     = 10
	defaultFillInterval  = 500 * time.Millisecond
)

// Binance executes spot trades on a Binance account. Position deltas are not
// reported; the tight loop derives them by probing balances.
type Binance struct {
	client       *binance.Client
	name         string
	quotes       map[string]struct{}
	logger       *zap.Logger
	fillPolls    int
	fillInterval time.Duration
}

// NewBinance creates a Binance spot adapter serving the venue called name.
// quotes lists the symbols treated as quote currencies when building pairs.
func NewBinance(name string, client *binance.Client, quotes []string, logger *zap.Logger) (*Binance, error) {
	if client == nil {
		return nil, errors.New("binance client is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binance{
		client:       client,
		name:         name,
		quotes:       quoteSet(quotes),
		logger:       logger,
		fillPolls:    defaultFillPolls,
		fillInterval: defaultFillInterval,
	}, nil
}

// Name implements Adapter.
func (b *Binance) Name() string { return b.name }

// Supports implements Adapter.
func (b *Binance) Supports(t domain.InstructionType) bool {
	return t == domain.InstructionTrade
}

// Execute places a market order keyed by the instruction id, so a retried
// submission finds the earlier order instead of placing a second one.
func (b *Binance) Execute(ctx context.Context, in domain.Instruction, _ domain.MarketData) (domain.ExecutionResult, error) {
	side, symbol, qty, err := spotOrder(in, b.quotes)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	qty = qty.RoundFloor(6)
	if !qty.IsPositive() {
		return domain.ExecutionResult{}, Rejected(nil, "order quantity for %s rounds to zero", symbol)
	}

	existing, err := b.order(ctx, symbol, in.ID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	res := domain.ExecutionResult{Status: domain.ExecutionPending, Fee: decimal.Zero}
	if existing == nil {
		binanceSide := binance.SideTypeBuy
		if side == sideSell {
			binanceSide = binance.SideTypeSell
		}
		resp, err := b.client.NewCreateOrderService().Symbol(symbol).
			Side(binanceSide).Type(binance.OrderTypeMarket).
			Quantity(qty.String()).
			NewClientOrderID(in.ID).
			Do(ctx)
		if err != nil {
			if apiErr, ok := err.(*common.APIError); ok {
				return domain.ExecutionResult{}, Rejected(apiErr, "binance create order %s", symbol)
			}
			return domain.ExecutionResult{}, errors.Wrap(err, "binance create order")
		}
		res.VenueRef = strconv.FormatInt(resp.OrderID, 10)
		for _, f := range resp.Fills {
			if c, err := decimal.NewFromString(f.Commission); err == nil {
				res.Fee = res.Fee.Add(c)
				res.FeeAsset = f.CommissionAsset
			}
		}
		b.logger.Info("binance order placed",
			zap.String("id", in.ID),
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("quantity", qty.String()))
	} else {
		res.VenueRef = strconv.FormatInt(existing.OrderID, 10)
	}

	filled, err := b.waitFilled(ctx, symbol, in.ID)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	if !filled {
		return domain.ExecutionResult{}, errors.Errorf("binance order %s not filled", in.ID)
	}

	res.Status = domain.ExecutionConfirmed
	return res, nil
}

func (b *Binance) order(ctx context.Context, symbol, clientID string) (*binance.Order, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == binanceOrderNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to query binance order status")
	}
	return order, nil
}

func (b *Binance) waitFilled(ctx context.Context, symbol, clientID string) (bool, error) {
	for i := 0; i < b.fillPolls; i++ {
		order, err := b.order(ctx, symbol, clientID)
		if err != nil {
			return false, err
		}
		if order != nil {
			switch order.Status {
			case binance.OrderStatusTypeFilled:
				return true, nil
			case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
				executed, _ := decimal.NewFromString(order.ExecutedQuantity)
				if executed.IsPositive() {
					return true, nil
				}
				return false, Rejected(nil, "binance order %s ended as %s", clientID, order.Status)
			}
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(b.fillInterval):
		}
	}
	return false, nil
}

// GetBalance returns free plus locked balance of asset.
func (b *Binance) GetBalance(ctx context.Context, asset, _ string) (decimal.Decimal, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get binance account balance")
	}

	for _, balance := range account.Balances {
		if balance.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(balance.Free)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse balance")
		}
		locked, err := decimal.NewFromString(balance.Locked)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse locked balance")
		}
		return free.Add(locked), nil
	}

	return decimal.Zero, nil
}

// GetPosition is not served by a spot account.
func (b *Binance) GetPosition(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, errors.Wrap(ErrUnsupported, "binance spot has no perp positions")
}

type orderSide string

const (
	sideBuy  orderSide = "buy"
	sideSell orderSide = "sell"
)

func quoteSet(quotes []string) map[string]struct{} {
	if len(quotes) == 0 {
		quotes = []string{"USDT", "USDC"}
	}
	out := make(map[string]struct{}, len(quotes))
	for _, q := range quotes {
		out[q] = struct{}{}
	}
	return out
}

// spotOrder maps a trade instruction onto an exchange pair. Buying spends a
// quote asset and is sized by the expected base delta; selling is sized by
// the instruction amount.
func spotOrder(in domain.Instruction, quotes map[string]struct{}) (orderSide, string, decimal.Decimal, error) {
	if in.Type != domain.InstructionTrade {
		return "", "", decimal.Zero, errors.Wrapf(ErrUnsupported, "instruction type %q", in.Type)
	}
	if in.Source.Type != domain.PositionTypeBaseToken || in.Target.Type != domain.PositionTypeBaseToken {
		return "", "", decimal.Zero, errors.Wrap(ErrUnsupported, "spot trade requires base token source and target")
	}

	if _, ok := quotes[in.Source.Symbol]; ok {
		qty := in.Expected.Get(in.Target)
		return sideBuy, in.Target.Symbol + in.Source.Symbol, qty, nil
	}
	if _, ok := quotes[in.Target.Symbol]; ok {
		return sideSell, in.Source.Symbol + in.Target.Symbol, in.Amount, nil
	}

	return "", "", decimal.Zero, Rejected(nil, "no quote asset in %s/%s", in.Source.Symbol, in.Target.Symbol)
}
