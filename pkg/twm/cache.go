package twm

import (
	"context"
	"strconv"
)

// RetainedPrefixEnd checks the "non-empty retained prefix range" case:
// when the model's recache selection starts with a contiguous range token
// beginning at position 1 (e.g. "1-4,25"), that prefix is still
// byte-identical to what the provider cached last turn, so the Cache
// Accountant can treat it as a read rather than recomputing it as new
// creation. Returns 0 if no such prefix exists.
func RetainedPrefixEnd(cmd *Command) int {
	if cmd == nil || len(cmd.Positions) == 0 {
		return 0
	}
	// Positions are sorted ascending (parsePositions guarantees this).
	// A retained prefix requires: the first position is 1, it came from a
	// range token, and consecutive positions continue unbroken from a
	// range token that itself started at 1.
	first := cmd.Positions[0]
	if first.Value != 1 || !first.FromRange {
		return 0
	}
	rangeStart, rangeEnd, ok := parseRangeSource(first.RangeSource)
	if !ok || rangeStart != 1 {
		return 0
	}
	return rangeEnd
}

func parseRangeSource(token string) (lo, hi int, ok bool) {
	m := positionRangeRe.FindStringSubmatch(token)
	if m == nil {
		return 0, 0, false
	}
	lo, _ = strconv.Atoi(m[1])
	hi, _ = strconv.Atoi(m[2])
	return lo, hi, true
}

// CacheAccountant tracks the 1-based position of the last user register as
// of the end of the previous turn and derives fresh cache_creation/
// cache_read splits on every turn.
type CacheAccountant struct {
	counter TokenCounter
}

// NewCacheAccountant constructs an accountant bound to the given counter.
func NewCacheAccountant(counter TokenCounter) *CacheAccountant {
	return &CacheAccountant{counter: counter}
}

// Account computes the new cache_breakpoint and CacheStats for a turn,
// given the previous breakpoint, the freshly rebuilt register sequence,
// an optional retained-prefix end (0 if no recache applied, or an
// ordinary recache with no retained prefix), and the model family used
// for token counting.
//
// Negative or out-of-order spans contribute zero rather than raising an
// error. Such spans are not logged, neither here nor by the Orchestrator.
func (a *CacheAccountant) Account(ctx context.Context, oldBreakpoint int, registers []Register, retainedPrefixEnd int, modelFamily string) (newBreakpoint int, stats CacheStats) {
	newBreakpoint = lastUserPosition(registers)

	switch {
	case oldBreakpoint == 0:
		stats.CacheCreationInputTokens = a.sumTokens(registers, 1, newBreakpoint, modelFamily)
		stats.CacheReadInputTokens = 0
	case retainedPrefixEnd > 0:
		stats.CacheReadInputTokens = a.sumTokens(registers, 1, retainedPrefixEnd, modelFamily)
		stats.CacheCreationInputTokens = a.sumTokens(registers, retainedPrefixEnd+1, newBreakpoint, modelFamily)
	default:
		stats.CacheReadInputTokens = a.sumTokens(registers, 1, oldBreakpoint, modelFamily)
		stats.CacheCreationInputTokens = a.sumTokens(registers, oldBreakpoint+1, newBreakpoint, modelFamily)
	}

	return newBreakpoint, stats
}

// sumTokens sums token counts for registers whose position falls in
// [from, to] inclusive. An inverted span (from > to) or one starting below
// position 1 contributes zero; positions past the end of the sequence are
// simply absent from the sum.
func (a *CacheAccountant) sumTokens(registers []Register, from, to int, modelFamily string) int {
	if from > to || from < 1 {
		return 0
	}
	total := 0
	for _, r := range registers {
		if r.Position >= from && r.Position <= to {
			total += a.counter.CountTokens(r.Content, modelFamily)
		}
	}
	return total
}

func lastUserPosition(registers []Register) int {
	for i := len(registers) - 1; i >= 0; i-- {
		if registers[i].Role == RoleUser {
			return registers[i].Position
		}
	}
	return 0
}
