package twm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ValidateCommand runs after newly received client messages are appended
// to the store, so it sees the same register
// count the model will see. All positions must be in range; any position
// selected individually (not as part of an expanded range) must not point
// at a placeholder register. Per-position placeholder violations are
// aggregated with go-multierror and attached to PlaceholderSelectedError.Errors,
// so the Orchestrator can surface the single combined message while a
// caller that wants every violation can walk that slice instead.
func ValidateCommand(cmd *Command, cs *ConversationState, placeholderTemplate string) error {
	registers := cs.InWindowRegisters()
	n := len(registers)

	var invalid []int
	for _, p := range cmd.Positions {
		if p.Value < 1 || p.Value > n {
			invalid = append(invalid, p.Value)
		}
	}
	if len(invalid) > 0 {
		return &InvalidPositionsError{
			Invalid:         invalid,
			ValidRange:      fmt.Sprintf("1..%d", n),
			SampleRegisters: sampleRegisters(registers, 10),
		}
	}

	byPosition := make(map[int]Register, len(registers))
	for _, r := range registers {
		byPosition[r.Position] = r
	}

	var placeholderPositions []int
	var placeholderContents []string
	var merr *multierror.Error
	for _, p := range cmd.Positions {
		if p.FromRange {
			// Placeholders inside an expanded range are permitted (and
			// logged by the caller).
			continue
		}
		r, ok := byPosition[p.Value]
		if !ok {
			continue
		}
		if r.Placeholder || IsPlaceholderContent(r.Content, placeholderTemplate) {
			placeholderPositions = append(placeholderPositions, p.Value)
			placeholderContents = append(placeholderContents, r.Content)
			merr = multierror.Append(merr, fmt.Errorf("position %d is a placeholder", p.Value))
		}
	}

	if len(placeholderPositions) > 0 {
		return &PlaceholderSelectedError{
			Positions:              placeholderPositions,
			Contents:               placeholderContents,
			SuggestedRealPositions: realPositions(registers, placeholderTemplate),
			Errors:                 merr.Errors,
		}
	}

	return nil
}

func sampleRegisters(registers []Register, limit int) []RegisterPreview {
	if len(registers) > limit {
		registers = registers[:limit]
	}
	out := make([]RegisterPreview, len(registers))
	for i, r := range registers {
		out[i] = previewOf(r)
	}
	return out
}

// realPositions returns the positions of non-placeholder registers, as the
// "suggested_real_positions" alternatives in a PlaceholderSelectedError.
func realPositions(registers []Register, placeholderTemplate string) []int {
	var out []int
	for _, r := range registers {
		if !r.Placeholder && !IsPlaceholderContent(r.Content, placeholderTemplate) {
			out = append(out, r.Position)
		}
	}
	return out
}
