package twm

import "regexp"

// SystemPromptBlock is one cache-tagged text block of the outbound system
// prompt. Most turns return exactly one; a conversation with a
// System2Content secondary prompt returns two.
type SystemPromptBlock struct {
	Text         string
	CacheControl bool
}

// roleLineRe matches the fixed "#Role: ..." line a shared/multi-agent
// system prompt carries so a bot-role hint can be substituted into it
// without touching the rest of the prompt.
var roleLineRe = regexp.MustCompile(`(?m)^#Role:.*$`)

// substituteBotRole rewrites the system prompt's #Role: line to name
// botID, when the prompt has one. A prompt without a #Role: line is
// returned unchanged - a single-agent system prompt is not expected to
// carry the line at all.
func substituteBotRole(systemPrompt, botID string) string {
	if botID == "" || !roleLineRe.MatchString(systemPrompt) {
		return systemPrompt
	}
	return roleLineRe.ReplaceAllString(systemPrompt, "#Role: "+botID)
}

// buildSystemPromptBlocks renders the final system prompt for a turn: the
// (possibly role-substituted) primary prompt as one cache-tagged block,
// plus a second cache-tagged block carrying system2Content when the
// conversation has one set.
func buildSystemPromptBlocks(systemPrompt, system2Content string) []SystemPromptBlock {
	blocks := []SystemPromptBlock{{Text: systemPrompt, CacheControl: true}}
	if system2Content != "" {
		blocks = append(blocks, SystemPromptBlock{Text: system2Content, CacheControl: true})
	}
	return blocks
}
