package twm

import "regexp"

// contextWindowUsagePatterns are applied to every inbound message to
// prevent the model's own rendering of window usage from breaking prefix
// caching. Multiple overlapping patterns are needed because upstream
// renderers vary.
var contextWindowUsagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^# Context Window Usage\n[^\n]*\n*`),
	regexp.MustCompile(`(?i)\d+\s*/\s*\d+K?\s*tokens\s*used\s*\(\d+%\)\s*\n*`),
	regexp.MustCompile(`(?m)^# Context Window Usage\s*\n*`),
	regexp.MustCompile(`(?m)^.*tokens used.*\n?`),
	regexp.MustCompile(`(?m)^.*\(\d+%\).*\n?`),
}

// stripContextWindowUsage removes any rendering of the context-window
// usage banner from content and collapses the resulting blank-line runs.
func stripContextWindowUsage(content string) string {
	for _, re := range contextWindowUsagePatterns {
		content = re.ReplaceAllString(content, "")
	}
	return tripleOrMoreBlankRe.ReplaceAllString(content, "\n\n")
}

// ClientMessage is one message as the host believes the conversation to be,
// on the wire into process_request.
type ClientMessage struct {
	Role    Role
	Content string
	// Source identifies the originator, e.g. "api" for an external caller;
	// used by the Orchestrator to pick the system prompt file.
	Source string
}

// RegisterStore is the append-only per-conversation log of registers.
// It is pure in-memory, mutated only by the Orchestrator for a given
// conversation under the single-threaded-per-conversation locking model.
type RegisterStore struct {
	state *ConversationState
}

// NewRegisterStore wraps a ConversationState with the store operations.
func NewRegisterStore(cs *ConversationState) *RegisterStore {
	return &RegisterStore{state: cs}
}

// AppendFromClient takes the messages passed for this turn, drops any
// system-role entry (system content lives outside the register stream),
// strips the Context Window Usage banner, and appends each remaining
// message as a new in-window register. It does not deduplicate against
// existing registers: a message passed again on a later turn is appended
// again. The Orchestrator calls ReplaceAll only after a recache
// reconstruction, not on ordinary turns.
func (s *RegisterStore) AppendFromClient(messages []ClientMessage) {
	for _, m := range messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		content := stripContextWindowUsage(m.Content)
		s.state.nextPosition++
		s.state.Registers = append(s.state.Registers, Register{
			Position: s.state.nextPosition,
			Role:     m.Role,
			Content:  content,
			InWindow: true,
		})
	}
}

// GetInWindow returns the registers currently in the window, in position
// order.
func (s *RegisterStore) GetInWindow() []Register {
	return s.state.InWindowRegisters()
}

// ReplaceAll discards the current in-window sequence in full and installs
// a freshly densely-numbered sequence produced by the Window Reconstructor.
// Prior positions are not reused, because the previous sequence is
// discarded in its entirety rather than patched: the next appended
// client message continues numbering from len(registers)+1.
func (s *RegisterStore) ReplaceAll(registers []Register) {
	s.state.Registers = registers
	s.state.nextPosition = len(registers)
}

// SetContent overwrites the content of the register at the given position
// in place, without renumbering or touching any other register. The
// Orchestrator uses this to scrub a distilled assistant reply or splice in
// a synthetic tool-result error on a turn that doesn't otherwise warrant a
// full Reconstruct pass.
func (s *RegisterStore) SetContent(position int, content string) {
	for i := range s.state.Registers {
		if s.state.Registers[i].Position == position {
			s.state.Registers[i].Content = content
			return
		}
	}
}

// Reset drops all state for the conversation, as reset(conversation_id).
func (s *RegisterStore) Reset() {
	s.state.Registers = nil
	s.state.PreservedUser = nil
	s.state.CacheBreakpoint = 0
	s.state.LastCacheStats = CacheStats{}
	s.state.ErrorStreak = 0
	s.state.ErrorStack = nil
	s.state.CurrentMCPError = ""
	s.state.JITActive = false
	s.state.JITInjectionIdx = 0
	s.state.System2Content = ""
	s.state.nextPosition = 0
}
