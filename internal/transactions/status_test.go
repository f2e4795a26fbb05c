package transactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedTransition(t *testing.T) {
	tests := []struct {
		prev, next Status
		want       bool
	}{
		{StatusPending, StatusSucceeded, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusRefunded, false},
		{StatusSucceeded, StatusRefunded, true},
		{StatusSucceeded, StatusPending, false},
		{StatusSucceeded, StatusFailed, false},
		{StatusSucceeded, StatusCanceled, false},
		{StatusFailed, StatusSucceeded, false},
		{StatusFailed, StatusPending, false},
		{StatusCanceled, StatusSucceeded, false},
		{StatusRefunded, StatusSucceeded, false},
		{StatusRefunded, StatusPending, false},
		{StatusPending, StatusPending, true},
		{StatusRefunded, StatusRefunded, true},
		{Status("bogus"), StatusSucceeded, false},
		{StatusPending, Status("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.prev)+"->"+string(tt.next), func(t *testing.T) {
			assert.Equal(t, tt.want, AllowedTransition(tt.prev, tt.next))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
	assert.True(t, StatusRefunded.IsTerminal())
	assert.False(t, Status("bogus").IsTerminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("refunded")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, st)

	_, err = ParseStatus("Refunded")
	assert.Error(t, err)
	_, err = ParseStatus("")
	assert.Error(t, err)
}
