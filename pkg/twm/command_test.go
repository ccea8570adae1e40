package twm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCommand_XMLWrapper(t *testing.T) {
	text := `Sure, let me recache that.

<use_mcp_tool>
<server_name>tokenwindow-local</server_name>
<tool_name>recache_message_array</tool_name>
<arguments>{"messages": "1-4,9"}</arguments>
</use_mcp_tool>`

	cmd, err := DetectCommand(text)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, []Position{
		{Value: 1, FromRange: true, RangeSource: "1-4"},
		{Value: 2, FromRange: true, RangeSource: "1-4"},
		{Value: 3, FromRange: true, RangeSource: "1-4"},
		{Value: 4, FromRange: true, RangeSource: "1-4"},
		{Value: 9, FromRange: false},
	}, cmd.Positions)
	assert.Contains(t, cmd.RawInvocation, "<use_mcp_tool>")
}

func TestDetectCommand_JSONRPCWrapper(t *testing.T) {
	text := `{"jsonrpc": "2.0", "method": "tools/call", "params": {"name": "tokenwindow-local__recache_message_array", "arguments": {"messages": "2,5-6"}}, "id": 1}`

	cmd, err := DetectCommand(text)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, []int{2, 5, 6}, valuesOf(cmd.Positions))
}

func TestDetectCommand_NoInvocation(t *testing.T) {
	cmd, err := DetectCommand("just a normal reply, nothing to see here")
	assert.Nil(t, cmd)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestDetectCommand_EmptyArguments(t *testing.T) {
	text := `<use_mcp_tool><server_name>s</server_name><tool_name>recache_message_array</tool_name><arguments>{"messages": ""}</arguments></use_mcp_tool>`
	cmd, err := DetectCommand(text)
	require.NotNil(t, cmd)
	assert.ErrorIs(t, err, ErrEmptyArguments)
}

func TestDetectCommand_NoValidPositions(t *testing.T) {
	text := `<use_mcp_tool><server_name>s</server_name><tool_name>recache_message_array</tool_name><arguments>{"messages": "foo,bar"}</arguments></use_mcp_tool>`
	cmd, err := DetectCommand(text)
	require.NotNil(t, cmd)
	assert.ErrorIs(t, err, ErrNoValidPositions)
}

func TestParsePositions_DeduplicatesKeepingFirstTag(t *testing.T) {
	positions := parsePositions("1-3,2,5,5")
	assert.Equal(t, []int{1, 2, 3, 5}, valuesOf(positions))
	// position 2 first arrived via the 1-3 range, so it keeps FromRange=true
	// even though it also appears as a bare token later.
	for _, p := range positions {
		if p.Value == 2 {
			assert.True(t, p.FromRange)
		}
	}
}

func TestParsePositions_IgnoresGarbageTokens(t *testing.T) {
	positions := parsePositions("1, abc, 3-2, 4")
	assert.Equal(t, []int{1, 4}, valuesOf(positions))
}

func valuesOf(positions []Position) []int {
	out := make([]int, len(positions))
	for i, p := range positions {
		out[i] = p.Value
	}
	return out
}
