package venue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

const hyperliquidSlippage = 0.005

// Hyperliquid trades perpetuals with IOC limit orders priced through the
// SDK slippage helper.
type Hyperliquid struct {
	ex           *hyperliquid.Exchange
	info         *hyperliquid.Info
	name         string
	accountAddr  string
	marginAsset  string
	logger       *zap.Logger
	fillPolls    int
	fillInterval time.Duration
}

// NewHyperliquid creates a perp adapter. marginAsset names the collateral
// balance reported by GetBalance (usually USDC).
func NewHyperliquid(name string, ex *hyperliquid.Exchange, accountAddr, marginAsset string, logger *zap.Logger) (*Hyperliquid, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if marginAsset == "" {
		marginAsset = "USDC"
	}
	return &Hyperliquid{
		ex:           ex,
		info:         ex.Info(),
		name:         name,
		accountAddr:  accountAddr,
		marginAsset:  marginAsset,
		logger:       logger,
		fillPolls:    defaultFillPolls,
		fillInterval: defaultFillInterval,
	}, nil
}

// Name implements Adapter.
func (h *Hyperliquid) Name() string { return h.name }

// Supports implements Adapter.
func (h *Hyperliquid) Supports(t domain.InstructionType) bool {
	return t == domain.InstructionTrade
}

// cloid maps an instruction id onto a Hyperliquid client order id (0x + 32 hex chars).
func cloid(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return "0x" + hex.EncodeToString(sum[:16])
}

// Execute trades the signed contract amount of a perp instruction.
func (h *Hyperliquid) Execute(ctx context.Context, in domain.Instruction, _ domain.MarketData) (domain.ExecutionResult, error) {
	if !in.IsPerpTrade() {
		return domain.ExecutionResult{}, errors.Wrapf(ErrUnsupported, "hyperliquid adapter trades perps only, got %s", in.Type)
	}

	id := cloid(in.ID)
	done, err := h.filled(ctx, id)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	if !done {
		isBuy := in.Amount.IsPositive()
		size, _ := in.Amount.Abs().Round(8).Float64()
		coin := in.Target.Symbol

		px, err := h.ex.SlippagePrice(ctx, coin, isBuy, hyperliquidSlippage, nil)
		if err != nil {
			return domain.ExecutionResult{}, errors.Wrap(err, "slippage price")
		}

		req := hyperliquid.CreateOrderRequest{
			Coin:          coin,
			IsBuy:         isBuy,
			Price:         px,
			Size:          size,
			ClientOrderID: &id,
			OrderType: hyperliquid.OrderType{
				Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
			},
		}
		if _, err := h.ex.Order(ctx, req, nil); err != nil {
			return domain.ExecutionResult{}, errors.Wrap(err, "hyperliquid order")
		}

		h.logger.Info("hyperliquid order placed",
			zap.String("id", in.ID),
			zap.String("coin", coin),
			zap.Bool("buy", isBuy),
			zap.Float64("size", size))

		for i := 0; i < h.fillPolls && !done; i++ {
			select {
			case <-ctx.Done():
				return domain.ExecutionResult{}, ctx.Err()
			case <-time.After(h.fillInterval):
			}
			if done, err = h.filled(ctx, id); err != nil {
				return domain.ExecutionResult{}, err
			}
		}
		if !done {
			return domain.ExecutionResult{}, errors.Errorf("hyperliquid order %s not filled", in.ID)
		}
	}

	return domain.ExecutionResult{Status: domain.ExecutionConfirmed, Fee: decimal.Zero, VenueRef: id}, nil
}

func (h *Hyperliquid) filled(ctx context.Context, id string) (bool, error) {
	res, err := h.info.QueryOrderByCloid(ctx, h.accountAddr, id)
	if err != nil {
		return false, errors.Wrap(err, "query order by cloid")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return false, nil
	}

	switch res.Order.Status {
	case hyperliquid.OrderStatusValueFilled:
		return true, nil
	case hyperliquid.OrderStatusValueRejected,
		hyperliquid.OrderStatusValueReduceOnlyRejected,
		hyperliquid.OrderStatusValueCanceled,
		hyperliquid.OrderStatusValueOpenInterestCapCanceled,
		hyperliquid.OrderStatusValueSelfTradeCanceled:
		return false, Rejected(nil, "hyperliquid order %s ended as %s", id, res.Order.Status)
	}
	return false, nil
}

// GetBalance returns the raw USD margin balance for the margin asset and
// the spot balance for anything else.
func (h *Hyperliquid) GetBalance(ctx context.Context, asset, _ string) (decimal.Decimal, error) {
	if strings.EqualFold(asset, h.marginAsset) {
		st, err := h.info.UserState(ctx, h.accountAddr)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "get user state")
		}
		if st.MarginSummary.TotalRawUsd != "" {
			if d, err := decimal.NewFromString(st.MarginSummary.TotalRawUsd); err == nil {
				return d, nil
			}
		}
		if st.Withdrawable != "" {
			if d, err := decimal.NewFromString(st.Withdrawable); err == nil {
				return d, nil
			}
		}
		return decimal.Zero, nil
	}

	st, err := h.info.SpotUserState(ctx, h.accountAddr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get spot user state")
	}
	for _, b := range st.Balances {
		if strings.EqualFold(b.Coin, asset) {
			d, err := decimal.NewFromString(b.Total)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "parse %s balance", asset)
			}
			return d, nil
		}
	}
	return decimal.Zero, nil
}

// GetPosition returns the signed perp size of symbol.
func (h *Hyperliquid) GetPosition(ctx context.Context, symbol, _ string) (decimal.Decimal, error) {
	st, err := h.info.UserState(ctx, h.accountAddr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "get user state")
	}
	for _, ap := range st.AssetPositions {
		if ap.Position.Coin != symbol {
			continue
		}
		szi := strings.TrimSpace(ap.Position.Szi)
		if szi == "" {
			return decimal.Zero, nil
		}
		size, err := decimal.NewFromString(szi)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse %s position size", symbol)
		}
		return size, nil
	}
	return decimal.Zero, nil
}
