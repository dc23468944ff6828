package domain

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InstructionType is the kind of position change an instruction requests.
type InstructionType string

const (
	InstructionTrade       InstructionType = "trade"
	InstructionSupply      InstructionType = "supply"
	InstructionBorrow      InstructionType = "borrow"
	InstructionRepay       InstructionType = "repay"
	InstructionWithdraw    InstructionType = "withdraw"
	InstructionStake       InstructionType = "stake"
	InstructionUnstake     InstructionType = "unstake"
	InstructionSwap        InstructionType = "swap"
	InstructionTransfer    InstructionType = "transfer"
	InstructionFlashBorrow InstructionType = "flash_borrow"
	InstructionFlashRepay  InstructionType = "flash_repay"
)

// AllInstructionTypes lists every known instruction type.
var AllInstructionTypes = []InstructionType{
	InstructionTrade, InstructionSupply, InstructionBorrow, InstructionRepay,
	InstructionWithdraw, InstructionStake, InstructionUnstake, InstructionSwap,
	InstructionTransfer, InstructionFlashBorrow, InstructionFlashRepay,
}

// ParseInstructionType validates s as an instruction type.
func ParseInstructionType(s string) (InstructionType, error) {
	for _, t := range AllInstructionTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", errors.Errorf("unknown instruction type %q", s)
}

// IncreasesLeverage reports whether executing this type adds debt.
func (t InstructionType) IncreasesLeverage() bool {
	return t == InstructionBorrow || t == InstructionFlashBorrow
}

// Instruction is a single requested position change.
//
// Amount is expressed in units of Source for debiting types (supply, repay,
// stake, unstake, withdraw, swap, trade, transfer, flash_repay) and in units
// of the credited asset for borrow and flash_borrow. Perp trades carry a
// signed contract amount with Target set to the perp key.
type Instruction struct {
	ID       string          `json:"id"`
	Type     InstructionType `json:"type"`
	Venue    string          `json:"venue"`
	Source   PositionKey     `json:"source"`
	Target   PositionKey     `json:"target"`
	Amount   decimal.Decimal `json:"amount"`
	Expected Deltas          `json:"expected"`
	GroupID  string          `json:"group_id,omitempty"`
	Sequence int             `json:"sequence,omitempty"`
}

// Grouped reports whether the instruction belongs to an atomic group.
func (i Instruction) Grouped() bool {
	return i.GroupID != ""
}

// IsPerpTrade reports whether the instruction trades perpetual contracts.
func (i Instruction) IsPerpTrade() bool {
	return i.Type == InstructionTrade && i.Target.Type == PositionTypePerp
}

// Venues returns every venue whose positions the instruction touches,
// including the routing venue.
func (i Instruction) Venues() []string {
	d := i.Expected.Clone()
	if d == nil {
		d = Deltas{}
	}
	venues := d.Venues()
	for _, v := range venues {
		if v == i.Venue {
			return venues
		}
	}
	if i.Venue != "" {
		venues = append(venues, i.Venue)
		sort.Strings(venues)
	}
	return venues
}

// AtomicGroup is a set of instructions that succeed or fail together.
type AtomicGroup struct {
	ID           string        `json:"id"`
	Venue        string        `json:"venue"`
	Instructions []Instruction `json:"instructions"`
}

// Expected sums the expected deltas of every member.
func (g AtomicGroup) Expected() Deltas {
	out := Deltas{}
	for _, in := range g.Instructions {
		out.Merge(in.Expected)
	}
	return out
}

// IncreasesLeverage reports whether any member adds debt.
func (g AtomicGroup) IncreasesLeverage() bool {
	for _, in := range g.Instructions {
		if in.Type.IncreasesLeverage() {
			return true
		}
	}
	return false
}

// Venues returns every venue touched by any member.
func (g AtomicGroup) Venues() []string {
	seen := map[string]struct{}{}
	for _, in := range g.Instructions {
		for _, v := range in.Venues() {
			seen[v] = struct{}{}
		}
	}
	if g.Venue != "" {
		seen[g.Venue] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Step is one unit of sequencing: either a single instruction or an atomic group.
type Step struct {
	Instruction *Instruction
	Group       *AtomicGroup
}

// ID returns the instruction or group id.
func (s Step) ID() string {
	if s.Group != nil {
		return s.Group.ID
	}
	return s.Instruction.ID
}

// Venues returns the venues the step touches.
func (s Step) Venues() []string {
	if s.Group != nil {
		return s.Group.Venues()
	}
	return s.Instruction.Venues()
}

// IncreasesLeverage reports whether the step adds debt.
func (s Step) IncreasesLeverage() bool {
	if s.Group != nil {
		return s.Group.IncreasesLeverage()
	}
	return s.Instruction.Type.IncreasesLeverage()
}

// Steps segments an instruction list into sequencing steps. Contiguous
// instructions sharing a GroupID form one atomic group whose members are
// ordered by Sequence; the group routes to the venue of its first member.
func Steps(instructions []Instruction) ([]Step, error) {
	steps := make([]Step, 0, len(instructions))
	seenGroups := map[string]struct{}{}

	for i := 0; i < len(instructions); {
		in := instructions[i]
		if !in.Grouped() {
			cp := in
			steps = append(steps, Step{Instruction: &cp})
			i++
			continue
		}

		if _, dup := seenGroups[in.GroupID]; dup {
			return nil, errors.Errorf("atomic group %s is not contiguous", in.GroupID)
		}
		seenGroups[in.GroupID] = struct{}{}

		j := i
		for j < len(instructions) && instructions[j].GroupID == in.GroupID {
			j++
		}
		members := make([]Instruction, j-i)
		copy(members, instructions[i:j])
		sort.SliceStable(members, func(a, b int) bool {
			return members[a].Sequence < members[b].Sequence
		})

		steps = append(steps, Step{Group: &AtomicGroup{
			ID:           in.GroupID,
			Venue:        members[0].Venue,
			Instructions: members,
		}})
		i = j
	}

	return steps, nil
}
