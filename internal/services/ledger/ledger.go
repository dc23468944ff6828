// Package ledger holds the authoritative quantity for every subscribed
// position key and verifies executions against their expected deltas.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/tightloop/internal/domain"
)

// Mutation describes one applied delta.
type Mutation struct {
	Key    domain.PositionKey `json:"key"`
	Before decimal.Decimal    `json:"before"`
	Delta  decimal.Decimal    `json:"delta"`
	After  decimal.Decimal    `json:"after"`
	Source string             `json:"source"`
}

// MutationHook observes applied mutations. It runs after the ledger lock is released.
type MutationHook func([]Mutation)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) {
		if l != nil {
			lg.logger = l
		}
	}
}

// WithMutationHook registers an observer for applied mutations.
func WithMutationHook(h MutationHook) Option {
	return func(lg *Ledger) {
		lg.hook = h
	}
}

// WithClock overrides the clock used to stamp snapshots.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) {
		if now != nil {
			lg.now = now
		}
	}
}

// Ledger maps subscribed position keys to signed quantities.
type Ledger struct {
	mu         sync.RWMutex
	subscribed map[domain.PositionKey]struct{}
	positions  map[domain.PositionKey]decimal.Decimal
	logger     *zap.Logger
	hook       MutationHook
	now        func() time.Time
}

// New creates a ledger for the given subscription set. Initial quantities
// must reference subscribed keys.
func New(subscriptions []domain.PositionKey, initial map[domain.PositionKey]decimal.Decimal, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		subscribed: make(map[domain.PositionKey]struct{}, len(subscriptions)),
		positions:  make(map[domain.PositionKey]decimal.Decimal, len(subscriptions)),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	if len(subscriptions) == 0 {
		return nil, domain.NewError(domain.CodeConfigInvalid, domain.SeverityCritical, "ledger requires at least one subscribed position key")
	}

	for _, k := range subscriptions {
		if !k.Type.Valid() || k.Venue == "" || k.Symbol == "" {
			return nil, domain.NewError(domain.CodeConfigInvalid, domain.SeverityCritical, "invalid subscription %q", k.String())
		}
		l.subscribed[k] = struct{}{}
		l.positions[k] = decimal.Zero
	}

	for k, v := range initial {
		if _, ok := l.subscribed[k]; !ok {
			return nil, notSubscribed(k)
		}
		l.positions[k] = v
	}

	return l, nil
}

func notSubscribed(k domain.PositionKey) *domain.Error {
	return domain.NewError(domain.CodeKeyNotSubscribed, domain.SeverityCritical, "position key %s is not in the subscription set", k.String())
}

// Subscribed reports whether key is in the subscription set.
func (l *Ledger) Subscribed(key domain.PositionKey) bool {
	_, ok := l.subscribed[key]
	return ok
}

// Keys returns every subscribed key in deterministic order.
func (l *Ledger) Keys() []domain.PositionKey {
	keys := make([]domain.PositionKey, 0, len(l.subscribed))
	for k := range l.subscribed {
		keys = append(keys, k)
	}
	domain.SortKeys(keys)
	return keys
}

// Validate checks that every key of deltas is subscribed.
func (l *Ledger) Validate(deltas domain.Deltas) error {
	for _, k := range deltas.Keys() {
		if !l.Subscribed(k) {
			return notSubscribed(k)
		}
	}
	return nil
}

// Quantity returns the current quantity of key.
func (l *Ledger) Quantity(key domain.PositionKey) (decimal.Decimal, error) {
	if !l.Subscribed(key) {
		return decimal.Zero, notSubscribed(key)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.positions[key], nil
}

// ApplyDelta adds amount to key. Unsubscribed keys are rejected; the ledger
// never creates entries.
func (l *Ledger) ApplyDelta(key domain.PositionKey, amount decimal.Decimal, source string) error {
	return l.ApplyDeltas(domain.Deltas{key: amount}, source)
}

// ApplyDeltas applies every delta or none of them.
func (l *Ledger) ApplyDeltas(deltas domain.Deltas, source string) error {
	if err := l.Validate(deltas); err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}

	mutations := make([]Mutation, 0, len(deltas))

	l.mu.Lock()
	for _, k := range deltas.Keys() {
		before := l.positions[k]
		after := before.Add(deltas[k])
		l.positions[k] = after
		mutations = append(mutations, Mutation{Key: k, Before: before, Delta: deltas[k], After: after, Source: source})
	}
	l.mu.Unlock()

	for _, m := range mutations {
		l.logger.Debug("ledger delta applied",
			zap.String("key", m.Key.String()),
			zap.String("delta", m.Delta.String()),
			zap.String("after", m.After.String()),
			zap.String("source", source))
	}

	if l.hook != nil {
		l.hook(mutations)
	}

	return nil
}

// Resync overwrites quantities with values observed at the venues. Keys
// absent from values are left untouched.
func (l *Ledger) Resync(values map[domain.PositionKey]decimal.Decimal, source string) error {
	deltas := domain.Deltas{}

	l.mu.RLock()
	for k, v := range values {
		if !l.Subscribed(k) {
			l.mu.RUnlock()
			return notSubscribed(k)
		}
		if diff := v.Sub(l.positions[k]); !diff.IsZero() {
			deltas[k] = diff
		}
	}
	l.mu.RUnlock()

	return l.ApplyDeltas(deltas, source)
}

// Snapshot returns a read-only copy of every subscribed quantity.
func (l *Ledger) Snapshot() domain.LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := make(map[domain.PositionKey]decimal.Decimal, len(l.positions))
	for k, v := range l.positions {
		positions[k] = v
	}

	return domain.LedgerSnapshot{Timestamp: l.now(), Positions: positions}
}

// Reconcile verifies actual against expected deltas. Actual deltas on
// unsubscribed keys are a configuration error.
func (l *Ledger) Reconcile(expected, actual domain.Deltas, tol Tolerance) (Result, error) {
	if err := l.Validate(actual); err != nil {
		return Result{}, err
	}
	return Reconcile(expected, actual, tol), nil
}
