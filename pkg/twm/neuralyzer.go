package twm

import "regexp"

// neuralyzerPatterns are applied in order. The aggressiveness is
// deliberate: false positives against ordinary prose are acceptable,
// because the alternative is the model re-learning the mechanism from its
// own transcript.
var neuralyzerPatterns = []*regexp.Regexp{
	// 1. full invocation blocks (XML / JSON-RPC), reused from command.go.
	xmlInvocationRe,
	jsonRPCInvocationRe,
	// 2. the call's bare surface form.
	regexp.MustCompile(`recache_message_array\s*\([^)]*\)`),
	// 3. word-boundary command vocabulary.
	regexp.MustCompile(`(?i)\b(restore|newchat|new chat|cache_read|cache_write|foundation|append)\b`),
	// 4. slash forms.
	regexp.MustCompile(`/restore \d+`),
	regexp.MustCompile(`/newchat \d+`),
	// 5. explicit command tags and their contents.
	regexp.MustCompile(`(?s)<recache_message_array>.*?</recache_message_array>`),
	regexp.MustCompile(`(?s)<message_indices>.*?</message_indices>`),
	// 6. inline numeric-reference patterns that could leak position indices.
	regexp.MustCompile(`\[\s*\d+(\s*,\s*\d+)*\s*\]`),
	regexp.MustCompile(`\{\s*\d+(\s*,\s*\d+)*\s*\}`),
	regexp.MustCompile(`\(\s*\d+(-\d+)?\s*\)`),
	regexp.MustCompile(`\b\d+(\s*,\s*\d+){2,}\b`),
	regexp.MustCompile(`(?i)\bmessages?\s+\d+(-\d+)?\s*:`),
	regexp.MustCompile(`(?i)\b\d+-\d+\s+entries\b`),
	regexp.MustCompile(`(?m)^\s*\d+[.)]\s+`),
	regexp.MustCompile(`(?:\s|^)\d+(?:\s|[.,;:!?]|$)`),
	// 7. sentences mentioning "context window", up to the next period.
	regexp.MustCompile(`(?i)[^.]*\bcontext window\b[^.]*\.`),
}

var (
	whitespaceRunRe     = regexp.MustCompile(`[ \t]{2,}`)
	leadingPunctLineRe  = regexp.MustCompile(`(?m)^[\p{P}\s]+$`)
	tripleOrMoreBlankRe = regexp.MustCompile(`\n{3,}`)
)

// Neuralyze strips all trace of the command vocabulary and numeric
// references from text. The Orchestrator invokes it on the latest assistant
// text on every turn (with or without a command in it) and, on the turn
// after a JIT injection, on every message at positions >= that injection's
// jit_injection_index (see JITInjector.Clean).
func Neuralyze(text string) string {
	for _, re := range neuralyzerPatterns {
		text = re.ReplaceAllString(text, "")
	}

	text = whitespaceRunRe.ReplaceAllString(text, " ")
	text = leadingPunctLineRe.ReplaceAllString(text, "")
	text = tripleOrMoreBlankRe.ReplaceAllString(text, "\n\n")

	return text
}
