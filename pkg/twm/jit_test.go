package twm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePromptFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prompt.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestJITInjector_InjectsAboveThreshold(t *testing.T) {
	prompt := writePromptFile(t, "Please select the messages you still need.")
	cfg := JITInstructionConfig{Threshold: 50, PromptFile: prompt, ExternalPromptFile: prompt}
	injector := NewJITInjector(cfg, UserMessageTruncationConfig{}, NewPromptCache(context.Background()), ApproxTokenCounter)

	messages := []OutboundMessage{
		{Role: RoleUser, Content: "hello there, this is a long message that pushes us over budget"},
	}

	result, err := injector.Inject(context.Background(), messages, "system", 20, "claude", false, "")
	require.NoError(t, err)
	assert.True(t, result.Injected)
	assert.Contains(t, result.Messages[0].Content, "Please select the messages you still need.")
	require.NotNil(t, result.PreservedUser)
	assert.Equal(t, "JIT_THRESHOLD_HIT", result.PreservedUser.Reason)
}

func TestJITInjector_ReplacesOriginalContentNotAppends(t *testing.T) {
	prompt := writePromptFile(t, "Please select the messages you still need.")
	cfg := JITInstructionConfig{Threshold: 50, PromptFile: prompt, ExternalPromptFile: prompt}
	injector := NewJITInjector(cfg, UserMessageTruncationConfig{}, NewPromptCache(context.Background()), ApproxTokenCounter)

	original := "hello there, this is the original user question that must not survive inline"
	messages := []OutboundMessage{{Role: RoleUser, Content: original}}

	result, err := injector.Inject(context.Background(), messages, "system", 20, "claude", false, "")
	require.NoError(t, err)
	assert.True(t, result.Injected)
	assert.NotContains(t, result.Messages[0].Content, original)
	require.NotNil(t, result.PreservedUser)
	assert.Equal(t, original, result.PreservedUser.Content)
}

func TestJITInjector_NoInjectionBelowThreshold(t *testing.T) {
	prompt := writePromptFile(t, "prompt body")
	cfg := JITInstructionConfig{Threshold: 90, PromptFile: prompt, ExternalPromptFile: prompt}
	injector := NewJITInjector(cfg, UserMessageTruncationConfig{}, NewPromptCache(context.Background()), ApproxTokenCounter)

	messages := []OutboundMessage{{Role: RoleUser, Content: "hi"}}
	result, err := injector.Inject(context.Background(), messages, "", 10000, "claude", false, "")
	require.NoError(t, err)
	assert.False(t, result.Injected)
	assert.Equal(t, "hi", result.Messages[0].Content)
}

func TestJITInjector_PrependsMCPErrorPreamble(t *testing.T) {
	prompt := writePromptFile(t, "prompt body")
	cfg := JITInstructionConfig{Threshold: 1, PromptFile: prompt, ExternalPromptFile: prompt}
	injector := NewJITInjector(cfg, UserMessageTruncationConfig{}, NewPromptCache(context.Background()), ApproxTokenCounter)

	messages := []OutboundMessage{{Role: RoleUser, Content: "hello"}}
	result, err := injector.Inject(context.Background(), messages, "", 10, "claude", false, "positions out of range")
	require.NoError(t, err)
	assert.True(t, result.Injected)
	assert.Contains(t, result.Messages[0].Content, "PREVIOUS MCP ERROR: positions out of range")
}

func TestJITInjector_Clean(t *testing.T) {
	cfg := JITInstructionConfig{
		AssistantCleaning: []AssistantCleaningRule{
			{Search: "stale jit block", Replace: ""},
		},
	}
	injector := NewJITInjector(cfg, UserMessageTruncationConfig{}, NewPromptCache(context.Background()), ApproxTokenCounter)

	messages := []OutboundMessage{
		{Role: RoleAssistant, Content: "before stale jit block after"},
	}
	cleaned := injector.Clean(messages, 0)
	assert.NotContains(t, cleaned[0].Content, "stale jit block")
}

func TestSwapMCPToolResult_RestoresPreservedUser(t *testing.T) {
	cs := &ConversationState{
		PreservedUser: &PreservedUser{Content: "what was my original question?", Reason: "JIT_THRESHOLD_HIT"},
	}
	messages := []ClientMessage{
		{Role: RoleUser, Content: "[use_mcp_tool for tokenwindow-local__recache_message_array] Result: recache applied successfully"},
	}

	out := SwapMCPToolResult(context.Background(), cs, messages)
	assert.Equal(t, "what was my original question?", out[0].Content)
	assert.Nil(t, cs.PreservedUser)
	assert.Zero(t, cs.ErrorStreak)
}

func TestSwapMCPToolResult_NoPreservedUserIsNoop(t *testing.T) {
	cs := &ConversationState{}
	messages := []ClientMessage{{Role: RoleUser, Content: "hello"}}
	out := SwapMCPToolResult(context.Background(), cs, messages)
	assert.Equal(t, messages, out)
}
