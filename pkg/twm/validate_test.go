package twm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateWithRegisters(regs ...Register) *ConversationState {
	cs := &ConversationState{}
	for i := range regs {
		regs[i].InWindow = true
	}
	cs.Registers = regs
	cs.nextPosition = len(regs)
	return cs
}

func TestValidateCommand_AllPositionsValid(t *testing.T) {
	cs := stateWithRegisters(
		Register{Position: 1, Role: RoleUser, Content: "hi"},
		Register{Position: 2, Role: RoleAssistant, Content: "hello"},
		Register{Position: 3, Role: RoleUser, Content: "more"},
	)
	cmd := &Command{Positions: []Position{{Value: 1}, {Value: 3}}}

	err := ValidateCommand(cmd, cs, "Message {position}")
	assert.NoError(t, err)
}

func TestValidateCommand_OutOfRange(t *testing.T) {
	cs := stateWithRegisters(
		Register{Position: 1, Role: RoleUser, Content: "hi"},
	)
	cmd := &Command{Positions: []Position{{Value: 1}, {Value: 5}}}

	err := ValidateCommand(cmd, cs, "Message {position}")
	require.Error(t, err)

	var invalidErr *InvalidPositionsError
	require.ErrorAs(t, err, &invalidErr)
	assert.Equal(t, []int{5}, invalidErr.Invalid)
	assert.Equal(t, "1..1", invalidErr.ValidRange)
}

func TestValidateCommand_IndividuallySelectedPlaceholderRejected(t *testing.T) {
	cs := stateWithRegisters(
		Register{Position: 1, Role: RoleUser, Content: "hi"},
		Register{Position: 2, Role: RoleAssistant, Content: "Message 2", Placeholder: true},
		Register{Position: 3, Role: RoleUser, Content: "more"},
	)
	cmd := &Command{Positions: []Position{{Value: 2}}}

	err := ValidateCommand(cmd, cs, "Message {position}")
	require.Error(t, err)

	var phErr *PlaceholderSelectedError
	require.ErrorAs(t, err, &phErr)
	assert.Equal(t, []int{2}, phErr.Positions)
	require.Len(t, phErr.Errors, 1)
	assert.Contains(t, phErr.Errors[0].Error(), "position 2 is a placeholder")
}

func TestValidateCommand_MultiplePlaceholdersAggregateAllErrors(t *testing.T) {
	cs := stateWithRegisters(
		Register{Position: 1, Role: RoleUser, Content: "hi"},
		Register{Position: 2, Role: RoleAssistant, Content: "Message 2", Placeholder: true},
		Register{Position: 3, Role: RoleUser, Content: "Message 3", Placeholder: true},
	)
	cmd := &Command{Positions: []Position{{Value: 2}, {Value: 3}}}

	err := ValidateCommand(cmd, cs, "Message {position}")
	require.Error(t, err)

	var phErr *PlaceholderSelectedError
	require.ErrorAs(t, err, &phErr)
	assert.Equal(t, []int{2, 3}, phErr.Positions)
	require.Len(t, phErr.Errors, 2)
	assert.Contains(t, phErr.Errors[0].Error(), "position 2 is a placeholder")
	assert.Contains(t, phErr.Errors[1].Error(), "position 3 is a placeholder")
}

func TestValidateCommand_RangeExpandedPlaceholderAllowed(t *testing.T) {
	cs := stateWithRegisters(
		Register{Position: 1, Role: RoleUser, Content: "hi"},
		Register{Position: 2, Role: RoleAssistant, Content: "Message 2", Placeholder: true},
		Register{Position: 3, Role: RoleUser, Content: "more"},
	)
	cmd := &Command{Positions: []Position{{Value: 1, FromRange: true, RangeSource: "1-3"}, {Value: 2, FromRange: true, RangeSource: "1-3"}, {Value: 3, FromRange: true, RangeSource: "1-3"}}}

	err := ValidateCommand(cmd, cs, "Message {position}")
	assert.NoError(t, err)
}
