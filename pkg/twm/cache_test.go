package twm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetainedPrefixEnd(t *testing.T) {
	cmd := &Command{Positions: []Position{
		{Value: 1, FromRange: true, RangeSource: "1-4"},
		{Value: 2, FromRange: true, RangeSource: "1-4"},
		{Value: 3, FromRange: true, RangeSource: "1-4"},
		{Value: 4, FromRange: true, RangeSource: "1-4"},
		{Value: 9, FromRange: false},
	}}
	assert.Equal(t, 4, RetainedPrefixEnd(cmd))
}

func TestRetainedPrefixEnd_NoRetainedPrefix(t *testing.T) {
	cmd := &Command{Positions: []Position{
		{Value: 2, FromRange: false},
		{Value: 5, FromRange: true, RangeSource: "5-6"},
	}}
	assert.Equal(t, 0, RetainedPrefixEnd(cmd))
}

func TestRetainedPrefixEnd_NilCommand(t *testing.T) {
	assert.Equal(t, 0, RetainedPrefixEnd(nil))
}

func TestCacheAccountant_FirstTurn(t *testing.T) {
	a := NewCacheAccountant(ApproxTokenCounter)
	registers := []Register{
		{Position: 1, Role: RoleUser, Content: "hello"},
		{Position: 2, Role: RoleAssistant, Content: "hi"},
		{Position: 3, Role: RoleUser, Content: "more"},
	}

	breakpoint, stats := a.Account(context.Background(), 0, registers, 0, "claude")
	assert.Equal(t, 3, breakpoint)
	assert.Equal(t, 0, stats.CacheReadInputTokens)
	assert.Equal(t, a.sumTokens(registers, 1, 3, "claude"), stats.CacheCreationInputTokens)
}

func TestCacheAccountant_OrdinaryTurn(t *testing.T) {
	a := NewCacheAccountant(ApproxTokenCounter)
	registers := []Register{
		{Position: 1, Role: RoleUser, Content: "hello"},
		{Position: 2, Role: RoleAssistant, Content: "hi"},
		{Position: 3, Role: RoleUser, Content: "more"},
		{Position: 4, Role: RoleAssistant, Content: "sure"},
		{Position: 5, Role: RoleUser, Content: "again"},
	}

	breakpoint, stats := a.Account(context.Background(), 3, registers, 0, "claude")
	assert.Equal(t, 5, breakpoint)
	assert.Equal(t, a.sumTokens(registers, 1, 3, "claude"), stats.CacheReadInputTokens)
	assert.Equal(t, a.sumTokens(registers, 4, 5, "claude"), stats.CacheCreationInputTokens)
}

func TestCacheAccountant_RetainedPrefix(t *testing.T) {
	a := NewCacheAccountant(ApproxTokenCounter)
	registers := []Register{
		{Position: 1, Role: RoleUser, Content: "hello"},
		{Position: 2, Role: RoleAssistant, Content: "hi"},
		{Position: 3, Role: RoleUser, Content: "more"},
		{Position: 4, Role: RoleAssistant, Content: "sure"},
		{Position: 5, Role: RoleUser, Content: "again"},
	}

	breakpoint, stats := a.Account(context.Background(), 3, registers, 2, "claude")
	assert.Equal(t, 5, breakpoint)
	assert.Equal(t, a.sumTokens(registers, 1, 2, "claude"), stats.CacheReadInputTokens)
	assert.Equal(t, a.sumTokens(registers, 3, 5, "claude"), stats.CacheCreationInputTokens)
}

func TestCacheAccountant_InvertedSpanContributesZero(t *testing.T) {
	a := NewCacheAccountant(ApproxTokenCounter)
	registers := []Register{{Position: 1, Role: RoleUser, Content: "hello"}}

	assert.Equal(t, 0, a.sumTokens(registers, 3, 1, "claude"))
}
