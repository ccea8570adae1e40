package twm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterStore_AppendFromClient(t *testing.T) {
	cs := &ConversationState{}
	store := NewRegisterStore(cs)

	store.AppendFromClient([]ClientMessage{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi there"},
	})

	regs := store.GetInWindow()
	require.Len(t, regs, 2)
	assert.Equal(t, 1, regs[0].Position)
	assert.Equal(t, RoleUser, regs[0].Role)
	assert.Equal(t, 2, regs[1].Position)
	assert.Equal(t, RoleAssistant, regs[1].Role)
}

func TestRegisterStore_AppendFromClient_DropsSystemRole(t *testing.T) {
	cs := &ConversationState{}
	store := NewRegisterStore(cs)

	store.AppendFromClient([]ClientMessage{
		{Role: "system", Content: "you are a helpful assistant"},
		{Role: RoleUser, Content: "hello"},
	})

	regs := store.GetInWindow()
	require.Len(t, regs, 1)
	assert.Equal(t, RoleUser, regs[0].Role)
}

func TestRegisterStore_AppendFromClient_StripsContextWindowUsage(t *testing.T) {
	cs := &ConversationState{}
	store := NewRegisterStore(cs)

	store.AppendFromClient([]ClientMessage{
		{Role: RoleUser, Content: "what's next?\n# Context Window Usage\n12000/128000 tokens used (9%)\n"},
	})

	regs := store.GetInWindow()
	require.Len(t, regs, 1)
	assert.NotContains(t, regs[0].Content, "Context Window Usage")
	assert.NotContains(t, regs[0].Content, "tokens used")
}

func TestRegisterStore_ReplaceAll_RenumbersFromEnd(t *testing.T) {
	cs := &ConversationState{}
	store := NewRegisterStore(cs)
	store.AppendFromClient([]ClientMessage{{Role: RoleUser, Content: "a"}})

	store.ReplaceAll([]Register{
		{Position: 1, Role: RoleUser, Content: "a", InWindow: true},
		{Position: 2, Role: RoleAssistant, Content: "b", InWindow: true},
		{Position: 3, Role: RoleUser, Content: "c", InWindow: true},
	})

	store.AppendFromClient([]ClientMessage{{Role: RoleAssistant, Content: "d"}})
	regs := store.GetInWindow()
	require.Len(t, regs, 4)
	assert.Equal(t, 4, regs[3].Position)
}

func TestRegisterStore_Reset(t *testing.T) {
	cs := &ConversationState{}
	store := NewRegisterStore(cs)
	store.AppendFromClient([]ClientMessage{{Role: RoleUser, Content: "a"}})
	cs.CacheBreakpoint = 1
	cs.ErrorStreak = 2

	store.Reset()

	assert.Empty(t, cs.Registers)
	assert.Zero(t, cs.CacheBreakpoint)
	assert.Zero(t, cs.ErrorStreak)
	assert.Nil(t, cs.PreservedUser)
}
