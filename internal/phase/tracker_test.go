package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_NormalSequence(t *testing.T) {
	tr := NewTracker(0, nil)

	end, err := tr.Begin("g1")
	require.NoError(t, err)
	assert.Equal(t, "", end.PreviousID)
	assert.False(t, end.Abnormal)

	tr.MarkRugged("g1")

	end, err = tr.Begin("g2")
	require.NoError(t, err)
	assert.Equal(t, "g1", end.PreviousID)
	assert.False(t, end.Abnormal)
	assert.Equal(t, "g2", tr.Current())
}

func TestTracker_AbnormalEnd(t *testing.T) {
	tr := NewTracker(0, nil)
	_, err := tr.Begin("g1")
	require.NoError(t, err)

	end, err := tr.Begin("g2")
	require.NoError(t, err)
	assert.True(t, end.Abnormal)
	assert.Equal(t, "g1", end.PreviousID)
}

func TestTracker_LateObservationOfRuggedGame(t *testing.T) {
	tr := NewTracker(0, nil)
	_, _ = tr.Begin("g1")
	tr.MarkRugged("g1")
	_, _ = tr.Begin("g2")

	_, err := tr.Begin("g1")
	assert.ErrorIs(t, err, ErrGameRugged)
	assert.Equal(t, "g2", tr.Current())
}

func TestTracker_RuggedMemoryIsBounded(t *testing.T) {
	tr := NewTracker(2, nil)
	tr.MarkRugged("a")
	tr.MarkRugged("b")
	tr.MarkRugged("c")

	_, err := tr.Begin("b")
	assert.ErrorIs(t, err, ErrGameRugged)
	_, err = tr.Begin("c")
	assert.ErrorIs(t, err, ErrGameRugged)

	// "a" was evicted, so it is accepted as a new game.
	_, err = tr.Begin("a")
	assert.NoError(t, err)
	assert.Equal(t, "a", tr.Current())
}
