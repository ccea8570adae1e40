// Package tokencount provides a concrete implementation of twm.TokenCounter
// backed by a real tokenizer, grounded in the token-counting utility of
// SnapdragonPartners-maestro (pkg/utils/tiktoken.go), which wraps
// github.com/tiktoken-go/tokenizer the same way.
package tokencount

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// ModelFamily identifies which tokenizer codec to use. TWM's core treats
// model_family as an opaque string; Counter uses the GPT-4 tiktoken codec
// for every family, named here or not, since Anthropic and most
// chat-style models tokenize close enough to it for window-budget
// purposes.
const (
	ModelFamilyGPT4      = "gpt-4"
	ModelFamilyClaude    = "claude"
	ModelFamilyGemini    = "gemini"
)

// Counter is a twm.TokenCounter backed by tiktoken-go/tokenizer. It caches
// one codec per model family, since codec construction is not free and
// CountTokens is called on every register on every turn.
type Counter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

// New returns a ready-to-use Counter.
func New() *Counter {
	return &Counter{codecs: make(map[string]tokenizer.Codec)}
}

// CountTokens implements twm.TokenCounter. On any tokenizer failure it
// falls back to a character-based estimate (4 chars ≈ 1 token), matching
// the fallback behavior of the grounding implementation.
func (c *Counter) CountTokens(text, modelFamily string) int {
	if text == "" {
		return 0
	}

	codec, err := c.codecFor(modelFamily)
	if err != nil || codec == nil {
		return estimateTokens(text)
	}

	count, err := codec.Count(text)
	if err != nil {
		return estimateTokens(text)
	}
	return count
}

func (c *Counter) codecFor(modelFamily string) (tokenizer.Codec, error) {
	key := strings.ToLower(modelFamily)

	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[key]; ok {
		return codec, nil
	}

	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, err
	}
	c.codecs[key] = codec
	return codec, nil
}

func estimateTokens(text string) int {
	n := len(text) / 4
	if len(text)%4 != 0 {
		n++
	}
	return n
}
