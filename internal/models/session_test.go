package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateMachine(t *testing.T) {
	tests := []struct {
		from    SessionStatus
		to      SessionStatus
		allowed bool
	}{
		{SessionInitializing, SessionPlanning, true},
		{SessionInitializing, SessionExecuting, true},
		{SessionPlanning, SessionExecuting, true},
		{SessionExecuting, SessionCorrecting, true},
		{SessionCorrecting, SessionExecuting, true},
		{SessionExecuting, SessionWaitingApproval, true},
		{SessionWaitingApproval, SessionExecuting, true},
		{SessionExecuting, SessionCompleted, true},
		{SessionExecuting, SessionFailed, true},
		{SessionExecuting, SessionCancelled, true},
		{SessionExecuting, SessionPaused, true},
		{SessionPaused, SessionExecuting, true},
		{SessionCompleted, SessionExecuting, false},
		{SessionFailed, SessionExecuting, false},
		{SessionCancelled, SessionExecuting, false},
		{SessionCorrecting, SessionCompleted, false},
		{SessionInitializing, SessionCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSessionTransition(t *testing.T) {
	session := NewSession(Goal{ID: "g1", Description: "test"}, 50)
	assert.Equal(t, SessionInitializing, session.Status)
	assert.Nil(t, session.CompletedAt)

	require.NoError(t, session.Transition(SessionExecuting))
	require.NoError(t, session.Transition(SessionCompleted))
	require.NotNil(t, session.CompletedAt)

	err := session.Transition(SessionExecuting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal session transition")
}

func TestSessionIDFormat(t *testing.T) {
	a := NewSession(Goal{ID: "g1", Description: "x"}, 10)
	b := NewSession(Goal{ID: "g1", Description: "x"}, 10)

	assert.True(t, strings.HasPrefix(a.ID, "session-"))
	assert.NotEqual(t, a.ID, b.ID)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, SessionCompleted.IsTerminal())
	assert.True(t, SessionFailed.IsTerminal())
	assert.True(t, SessionCancelled.IsTerminal())
	assert.False(t, SessionExecuting.IsTerminal())
	assert.False(t, SessionPaused.IsTerminal())
}

func TestLadderRank(t *testing.T) {
	assert.Equal(t, 0, LadderRank(StrategyRetryBackoff))
	assert.Equal(t, 5, LadderRank(StrategyAbortExecution))
	assert.Equal(t, -1, LadderRank(CorrectionStrategy("bogus")))
}
