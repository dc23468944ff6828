// Package domain defines the core data structures shared by the ledger, the
// execution path and the monitoring chain.
package domain

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PositionType classifies what a ledger entry holds.
type PositionType string

const (
	// PositionTypeBaseToken is a plain spot balance.
	PositionTypeBaseToken PositionType = "BaseToken"
	// PositionTypeAToken is an interest-bearing supply receipt.
	PositionTypeAToken PositionType = "aToken"
	// PositionTypeDebtToken tracks borrowed principal plus accrued interest.
	PositionTypeDebtToken PositionType = "debtToken"
	// PositionTypeLST is a liquid-staking token.
	PositionTypeLST PositionType = "LST"
	// PositionTypePerp is a perpetual derivative position in contracts.
	PositionTypePerp PositionType = "Perp"
)

const keySeparator = ":"

// Valid reports whether the type is one of the known position types.
func (t PositionType) Valid() bool {
	switch t {
	case PositionTypeBaseToken, PositionTypeAToken, PositionTypeDebtToken, PositionTypeLST, PositionTypePerp:
		return true
	}
	return false
}

// PositionKey identifies a single ledger entry.
type PositionKey struct {
	Venue  string
	Type   PositionType
	Symbol string
}

// String renders the key as venue:position_type:symbol.
func (k PositionKey) String() string {
	return k.Venue + keySeparator + string(k.Type) + keySeparator + k.Symbol
}

// IsZero reports whether the key is unset.
func (k PositionKey) IsZero() bool {
	return k == PositionKey{}
}

// MarshalText implements encoding.TextMarshaler so keys can be used as JSON map keys.
func (k PositionKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PositionKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePositionKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParsePositionKey parses venue:position_type:symbol. Exactly three non-empty
// components are required; the symbol is case-sensitive.
func ParsePositionKey(s string) (PositionKey, error) {
	parts := strings.Split(s, keySeparator)
	if len(parts) != 3 {
		return PositionKey{}, errors.Errorf("position key %q must have exactly 3 components, got %d", s, len(parts))
	}
	for i, p := range parts {
		if strings.TrimSpace(p) == "" {
			return PositionKey{}, errors.Errorf("position key %q has empty component %d", s, i)
		}
	}

	key := PositionKey{Venue: parts[0], Type: PositionType(parts[1]), Symbol: parts[2]}
	if !key.Type.Valid() {
		return PositionKey{}, errors.Errorf("position key %q has unknown position type %q", s, parts[1])
	}

	return key, nil
}

// MustParsePositionKey is ParsePositionKey for literals; it panics on error.
func MustParsePositionKey(s string) PositionKey {
	k, err := ParsePositionKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// SortKeys orders keys by their string form.
func SortKeys(keys []PositionKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}

// Deltas maps position keys to signed quantity changes.
type Deltas map[PositionKey]decimal.Decimal

// Keys returns the keys in deterministic order.
func (d Deltas) Keys() []PositionKey {
	keys := make([]PositionKey, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// Get returns the delta for key or zero.
func (d Deltas) Get(key PositionKey) decimal.Decimal {
	if v, ok := d[key]; ok {
		return v
	}
	return decimal.Zero
}

// Add accumulates amount on key.
func (d Deltas) Add(key PositionKey, amount decimal.Decimal) {
	d[key] = d.Get(key).Add(amount)
}

// Merge accumulates every entry of other into d.
func (d Deltas) Merge(other Deltas) {
	for k, v := range other {
		d.Add(k, v)
	}
}

// Clone returns an independent copy.
func (d Deltas) Clone() Deltas {
	out := make(Deltas, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Venues returns the distinct venues touched, sorted.
func (d Deltas) Venues() []string {
	seen := make(map[string]struct{}, len(d))
	for k := range d {
		seen[k.Venue] = struct{}{}
	}
	venues := make([]string, 0, len(seen))
	for v := range seen {
		venues = append(venues, v)
	}
	sort.Strings(venues)
	return venues
}

// String renders the deltas as key=amount pairs for logs and error messages.
func (d Deltas) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range d.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k.String())
		b.WriteString(": ")
		b.WriteString(d[k].String())
	}
	b.WriteByte('}')
	return b.String()
}
