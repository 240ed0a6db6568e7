package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateExtracting, true},
		{StateExtracting, StateReconciling, true},
		{StateReconciling, StateResolving, true},
		{StateReconciling, StateDone, true},
		{StateResolving, StateWritingEdges, true},
		{StateWritingEdges, StateDone, true},
		{StateWritingEdges, StatePartiallyComplete, true},
		{StateExtracting, StateFailed, true},
		{StateIdle, StateWritingEdges, false},
		{StateExtracting, StateDone, false},
		{StateResolving, StatePartiallyComplete, false},
		{StateDone, StateExtracting, false},
		{StateFailed, StateIdle, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StatePartiallyComplete} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateIdle, StateExtracting, StateReconciling, StateResolving, StateWritingEdges} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestRunSummaryTotals(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := RunSummary{Reports: []Report{
		{State: StateDone, NewFollowsFound: 3, EdgesWritten: 3, StartedAt: start, FinishedAt: start.Add(time.Second)},
		{State: StatePartiallyComplete, NewFollowsFound: 4, EdgesWritten: 2, EdgesFailed: 2},
		{State: StateFailed},
	}}

	newFollows, written, failed := s.Totals()
	assert.Equal(t, 7, newFollows)
	assert.Equal(t, 5, written)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, s.Count(StateFailed))
	assert.False(t, s.OK())
	assert.Equal(t, time.Second, s.Reports[0].Duration())
	assert.Zero(t, s.Reports[1].Duration())
}
