package twm

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jingkaihe/twm/pkg/logger"
)

// OutboundMessage is one message in the rewritten turn sent upstream.
type OutboundMessage struct {
	Role    Role
	Content string
}

// mcpToolResultPatterns detect a recache_message_array tool result
// returning in a subsequent user turn, in either wrapper form seen in
// practice.
var mcpToolResultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)\[use_mcp_tool for [^\]]*recache_message_array[^\]]*\]\s*Result:`),
	regexp.MustCompile(`(?s)\[[^\]]*tokenwindow-local__recache_message_array[^\]]*\]\s*Result:`),
}

// SwapMCPToolResult detects an incoming user message that looks like the
// model's own recache_message_array tool-result wrapper. When one is found
// and a preserved user message is pending, the wrapper's content is
// replaced by the preserved text, preserved_user is cleared, and the error
// streak/stack reset - this is how the model's original question flows
// back into the conversation after a successful context reshape. This
// path wins over a plain "successful recache clears preserved_user" path
// when both could fire, because it is the fresher evidence that the JIT
// round-trip actually completed.
func SwapMCPToolResult(ctx context.Context, cs *ConversationState, messages []ClientMessage) []ClientMessage {
	if cs.PreservedUser == nil {
		return messages
	}

	out := make([]ClientMessage, len(messages))
	copy(out, messages)

	for i, m := range out {
		if m.Role != RoleUser {
			continue
		}
		if !looksLikeToolResult(m.Content) {
			continue
		}
		out[i].Content = cs.PreservedUser.Content
		cs.PreservedUser = nil
		cs.ErrorStreak = 0
		cs.ErrorStack = nil
		logger.G(ctx).Info("swapped mcp tool-result message for preserved user text")
		break
	}

	return out
}

func looksLikeToolResult(content string) bool {
	for _, re := range mcpToolResultPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// JITInjector computes window usage and decides whether to inject the
// just-in-time prompt, truncate an oversize message, or substitute the
// window-usage display marker.
type JITInjector struct {
	cfg        JITInstructionConfig
	truncation UserMessageTruncationConfig
	prompts    *PromptCache
	counter    TokenCounter
}

// NewJITInjector constructs an injector bound to config, a prompt file
// cache, and a token counter.
func NewJITInjector(cfg JITInstructionConfig, truncation UserMessageTruncationConfig, prompts *PromptCache, counter TokenCounter) *JITInjector {
	return &JITInjector{cfg: cfg, truncation: truncation, prompts: prompts, counter: counter}
}

// Clean removes a stale JIT block: it applies the configured regex
// cleaning rules to every message, and the Neuralyzer to every message at
// index >= jitInjectionIndex (1-based position in messages; 0 skips the
// Neuralyzer). It returns the cleaned messages; the caller is responsible
// for clearing jit_active.
func (j *JITInjector) Clean(messages []OutboundMessage, jitInjectionIndex int) []OutboundMessage {
	out := make([]OutboundMessage, len(messages))
	copy(out, messages)

	for i := range out {
		for _, rule := range j.cfg.AssistantCleaning {
			out[i].Content = applyCleaningRule(out[i].Content, rule)
		}
	}

	if jitInjectionIndex > 0 {
		for i := range out {
			if i+1 >= jitInjectionIndex {
				out[i].Content = Neuralyze(out[i].Content)
			}
		}
	}

	return out
}

func applyCleaningRule(content string, rule AssistantCleaningRule) string {
	pattern := rule.Search
	if !rule.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return content
	}
	return re.ReplaceAllString(content, rule.Replace)
}

// InjectionResult is what Inject returns: the (possibly rewritten)
// messages, and whether an injection occurred this turn.
type InjectionResult struct {
	Messages       []OutboundMessage
	Injected       bool
	InjectionIndex int // 1-based position of the rewritten message
	PreservedUser  *PreservedUser
	Percentage     int
}

// Inject computes window usage, injects the JIT block when the threshold
// is crossed, otherwise truncates an oversize latest user message or
// substitutes the window usage display marker.
func (j *JITInjector) Inject(ctx context.Context, messages []OutboundMessage, systemPrompt string, maxWindowSize int, modelFamily string, useExternalPrompt bool, currentMCPError string) (InjectionResult, error) {
	total := j.counter.CountTokens(systemPrompt, modelFamily)
	for _, m := range messages {
		total += j.counter.CountTokens(m.Content, modelFamily)
	}
	percentage := percentOf(total, maxWindowSize)

	lastUserIdx := lastMessageIndex(messages, RoleUser)
	if lastUserIdx < 0 {
		return InjectionResult{Messages: messages, Percentage: percentage}, nil
	}

	if percentage >= j.cfg.Threshold {
		return j.inject(ctx, messages, lastUserIdx, modelFamily, useExternalPrompt, currentMCPError, percentage)
	}

	if truncated, ok := j.truncateIfOversize(messages, lastUserIdx, systemPrompt, maxWindowSize, modelFamily); ok {
		messages = truncated
	} else {
		messages = j.substituteUsageMarker(messages, lastUserIdx, percentage)
	}

	return InjectionResult{Messages: messages, Percentage: percentage}, nil
}

func (j *JITInjector) inject(ctx context.Context, messages []OutboundMessage, lastUserIdx int, modelFamily string, useExternalPrompt bool, currentMCPError string, percentage int) (InjectionResult, error) {
	promptFile := j.cfg.PromptFile
	if useExternalPrompt {
		promptFile = j.cfg.ExternalPromptFile
	}

	promptText, err := j.prompts.Load(promptFile)
	if err != nil {
		return InjectionResult{}, err
	}

	var b strings.Builder
	if currentMCPError != "" {
		fmt.Fprintf(&b, "PREVIOUS MCP ERROR: %s\n\n", currentMCPError)
	}
	b.WriteString(promptText)
	b.WriteString("\n\n")
	b.WriteString(registerMap(messages, modelFamily, j.counter))

	preserved := &PreservedUser{Content: messages[lastUserIdx].Content, Reason: "JIT_THRESHOLD_HIT"}

	out := make([]OutboundMessage, len(messages))
	copy(out, messages)
	out[lastUserIdx].Content = b.String()

	logger.G(ctx).WithFields(map[string]interface{}{
		"percentage": percentage,
		"threshold":  j.cfg.Threshold,
		"position":   lastUserIdx + 1,
	}).Info("injected JIT prompt")

	return InjectionResult{
		Messages:       out,
		Injected:       true,
		InjectionIndex: lastUserIdx + 1,
		PreservedUser:  preserved,
		Percentage:     percentage,
	}, nil
}

// registerMap renders the "[i] role (tokens): first-25-words" listing
// appended to the JIT block so the model can select coherent positions.
func registerMap(messages []OutboundMessage, modelFamily string, counter TokenCounter) string {
	var b strings.Builder
	b.WriteString("Current window:\n")
	for i, m := range messages {
		tokens := counter.CountTokens(m.Content, modelFamily)
		fmt.Fprintf(&b, "[%d] %s (%d tokens): %s\n", i+1, m.Role, tokens, firstWords(m.Content, 25))
	}
	return b.String()
}

func firstWords(content string, n int) string {
	fields := strings.Fields(content)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func percentOf(total, max int) int {
	if max <= 0 {
		return 0
	}
	return int((float64(total)*100.0)/float64(max) + 0.5)
}

func lastMessageIndex(messages []OutboundMessage, role Role) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return i
		}
	}
	return -1
}

// truncateIfOversize checks whether the latest user message exceeds its
// per-message budget and, if so, binary-searches a truncation point
// (preserving head or tail per config) and adds the configured indicator
// at the cut: after the kept head, or before the kept tail. Returns
// ok=false when truncation is disabled or the message
// already fits, in which case the caller falls through to the usage
// marker substitution.
func (j *JITInjector) truncateIfOversize(messages []OutboundMessage, lastUserIdx int, systemPrompt string, maxWindowSize int, modelFamily string) ([]OutboundMessage, bool) {
	cfg := j.truncation
	if !cfg.Enabled {
		return nil, false
	}

	budget := maxWindowSize - cfg.TokenBuffer - j.counter.CountTokens(systemPrompt, modelFamily)
	for i, m := range messages {
		if i == lastUserIdx {
			continue
		}
		budget -= j.counter.CountTokens(m.Content, modelFamily)
	}
	budget -= j.counter.CountTokens(cfg.TruncationIndicator, modelFamily)
	if budget <= 0 {
		budget = 1
	}

	content := messages[lastUserIdx].Content
	if j.counter.CountTokens(content, modelFamily) <= budget {
		return nil, false
	}

	kept := truncateToBudget(content, budget, cfg.PreserveFromStart, modelFamily, j.counter)

	out := make([]OutboundMessage, len(messages))
	copy(out, messages)
	if cfg.PreserveFromStart {
		out[lastUserIdx].Content = kept + cfg.TruncationIndicator
	} else {
		out[lastUserIdx].Content = cfg.TruncationIndicator + kept
	}

	return out, true
}

// truncateToBudget binary-searches the longest prefix (or, if
// preserveFromStart is false, the longest suffix) of content whose token
// count fits within budget.
func truncateToBudget(content string, budget int, preserveFromStart bool, modelFamily string, counter TokenCounter) string {
	lo, hi := 0, len(content)
	best := ""
	for lo <= hi {
		mid := (lo + hi) / 2
		var candidate string
		if preserveFromStart {
			candidate = content[:mid]
		} else {
			candidate = content[len(content)-mid:]
		}
		if counter.CountTokens(candidate, modelFamily) <= budget {
			best = candidate
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// substituteUsageMarker handles the case where neither JIT injection nor
// per-message truncation fired: a literal window-usage banner embedded by
// the client (e.g. "12000/128000 tokens used (9%)") in the latest user
// message is rewritten to reflect the freshly computed percentage instead
// of the client's stale figure.
func (j *JITInjector) substituteUsageMarker(messages []OutboundMessage, lastUserIdx int, percentage int) []OutboundMessage {
	pat := j.cfg.WindowUsagePattern
	if pat.SearchRegex == "" {
		return messages
	}

	content := messages[lastUserIdx].Content
	if pat.DetectionText != "" && !strings.Contains(content, pat.DetectionText) {
		return messages
	}

	re, err := regexp.Compile(pat.SearchRegex)
	if err != nil {
		return messages
	}
	if !re.MatchString(content) {
		return messages
	}

	replacement := strings.ReplaceAll(pat.ReplaceTemplate, "{percentage}", fmt.Sprintf("%d", percentage))

	out := make([]OutboundMessage, len(messages))
	copy(out, messages)
	out[lastUserIdx].Content = re.ReplaceAllString(content, replacement)
	return out
}

