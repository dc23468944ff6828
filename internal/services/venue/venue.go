// Package venue defines the adapter contract the execution path uses to
// reach exchanges and protocols, together with the simulated and live
// implementations.
package venue

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// ErrRejected marks a venue refusal that retrying cannot fix.
var ErrRejected = errors.New("rejected by venue")

// ErrUnsupported is returned for instruction types or queries an adapter does not serve.
var ErrUnsupported = errors.New("not supported by venue")

// Adapter executes instructions at one or more venues and answers balance queries.
type Adapter interface {
	Name() string
	Supports(t domain.InstructionType) bool
	Execute(ctx context.Context, in domain.Instruction, market domain.MarketData) (domain.ExecutionResult, error)
	GetBalance(ctx context.Context, asset, venue string) (decimal.Decimal, error)
	GetPosition(ctx context.Context, symbol, venue string) (decimal.Decimal, error)
}

// AtomicAdapter executes a group of instructions as one unit. Either every
// member result is returned or an error is returned and nothing changed.
type AtomicAdapter interface {
	Adapter
	ExecuteAtomic(ctx context.Context, group domain.AtomicGroup, market domain.MarketData) ([]domain.ExecutionResult, error)
}

// NoticeSink accepts externally originated position changes. The simulated
// venue implements it so its book tracks the ledger.
type NoticeSink interface {
	ApplyNotice(n domain.PositionNotice) error
}

// Probe reads the venue-side quantity of key: the perp position for Perp
// keys and the asset balance otherwise.
func Probe(ctx context.Context, a Adapter, key domain.PositionKey) (decimal.Decimal, error) {
	if key.Type == domain.PositionTypePerp {
		return a.GetPosition(ctx, key.Symbol, key.Venue)
	}
	return a.GetBalance(ctx, key.Symbol, key.Venue)
}

// Rejected wraps err so that retry policies treat it as permanent.
func Rejected(err error, format string, args ...any) error {
	return errors.Wrapf(&rejection{cause: err}, format, args...)
}

type rejection struct {
	cause error
}

func (r *rejection) Error() string {
	if r.cause == nil {
		return ErrRejected.Error()
	}
	return ErrRejected.Error() + ": " + r.cause.Error()
}

func (r *rejection) Is(target error) bool {
	return target == ErrRejected
}

func (r *rejection) Unwrap() error {
	return r.cause
}

// IsRetryable reports whether a venue error may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrUnsupported) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
