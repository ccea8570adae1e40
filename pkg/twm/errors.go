package twm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel errors for the abstract error taxonomy. ErrParseFailed is
// never surfaced to the model (silent-ignore); the other recache errors
// become a synthetic tool-result error message in the latest user message.
// ErrConfiguration is a startup error and never reaches the model.
var (
	ErrParseFailed         = errors.New("recache_message_array: no recognizable invocation")
	ErrEmptyArguments      = errors.New("recache_message_array: messages argument is empty")
	ErrNoValidPositions    = errors.New("recache_message_array: no valid positions parsed")
	ErrInvalidPositions    = errors.New("recache_message_array: positions out of range")
	ErrPlaceholderSelected = errors.New("recache_message_array: individually selected placeholder")
	ErrConfiguration       = errors.New("token-window configuration error")
)

// RegisterPreview is the (id, role, 30-char preview) triple surfaced in an
// InvalidPositionsError's sample_registers.
type RegisterPreview struct {
	Position int
	Role     Role
	Preview  string
}

func previewOf(r Register) RegisterPreview {
	content := r.Content
	if len(content) > 30 {
		content = content[:30]
	}
	return RegisterPreview{Position: r.Position, Role: r.Role, Preview: content}
}

// InvalidPositionsError carries the offending positions, the valid
// range, and a sample of the first ten in-window registers.
type InvalidPositionsError struct {
	Invalid         []int
	ValidRange      string
	SampleRegisters []RegisterPreview
}

func (e *InvalidPositionsError) Error() string {
	return fmt.Sprintf("invalid positions %v (valid range %s)", e.Invalid, e.ValidRange)
}

func (e *InvalidPositionsError) Unwrap() error { return ErrInvalidPositions }

// UserMessage renders the synthetic tool-result text the Orchestrator
// writes into the latest user message on validation failure.
func (e *InvalidPositionsError) UserMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[use_mcp_tool] Result: ERROR: INVALID MESSAGE NUMBERS: %s do not exist. "+
		"Your current window has %s messages (valid range: %s)\n\n", joinInts(e.Invalid), rangeUpper(e.ValidRange), e.ValidRange)
	b.WriteString("Current registers:\n")
	for _, s := range e.SampleRegisters {
		fmt.Fprintf(&b, "[%d] %s: %s\n", s.Position, s.Role, s.Preview)
	}
	return b.String()
}

func joinInts(ints []int) string {
	parts := make([]string, len(ints))
	for i, n := range ints {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ", ")
}

// rangeUpper extracts "N" from a "1..N" valid-range string for the count
// phrasing used in the error message.
func rangeUpper(validRange string) string {
	parts := strings.SplitN(validRange, "..", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return validRange
}

// PlaceholderSelectedError is returned when an individually selected (not
// range-expanded) position points at a placeholder register. Errors holds
// the per-position violations in the same order as Positions, so a caller
// that wants every violation instead of the single aggregated message can
// walk it directly.
type PlaceholderSelectedError struct {
	Positions              []int
	Contents               []string
	SuggestedRealPositions []int
	Errors                 []error
}

func (e *PlaceholderSelectedError) Error() string {
	return fmt.Sprintf("placeholder selected at positions %v", e.Positions)
}

func (e *PlaceholderSelectedError) Unwrap() error { return ErrPlaceholderSelected }

func (e *PlaceholderSelectedError) UserMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[use_mcp_tool] Result: ERROR: PLACEHOLDER MESSAGES SELECTED: positions %s "+
		"contain only synthesized placeholder content, not real conversation history.\n", joinInts(e.Positions))
	if len(e.SuggestedRealPositions) > 0 {
		fmt.Fprintf(&b, "Consider selecting real-content positions instead: %s\n", joinInts(e.SuggestedRealPositions))
	}
	return b.String()
}

// emptyArgumentsUserMessage and noValidPositionsUserMessage render the
// simpler synthetic tool-result texts for the two parse-level validation
// failures that carry no structured payload.
func emptyArgumentsUserMessage() string {
	return "[use_mcp_tool] Result: ERROR: EMPTY ARGUMENTS: the messages field was present but blank."
}

func noValidPositionsUserMessage() string {
	return "[use_mcp_tool] Result: ERROR: NO VALID POSITIONS: could not parse any position from the messages field."
}
