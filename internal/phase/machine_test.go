package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
)

func TestAllowed(t *testing.T) {
	phases := []domain.Phase{domain.PhaseCooldown, domain.PhasePresale, domain.PhaseActive, domain.PhaseRugged}
	legal := map[[2]domain.Phase]bool{
		{domain.PhaseCooldown, domain.PhasePresale}: true,
		{domain.PhasePresale, domain.PhaseActive}:   true,
		{domain.PhaseActive, domain.PhaseRugged}:    true,
		{domain.PhaseCooldown, domain.PhaseActive}:  true,
	}

	for _, from := range phases {
		for _, to := range phases {
			assert.Equal(t, legal[[2]domain.Phase{from, to}], Allowed(from, to), "%s -> %s", from, to)
		}
	}
}

func TestMachine_FullLifecycle(t *testing.T) {
	m := NewMachine("g1", Options{})
	assert.Equal(t, domain.PhaseCooldown, m.Current())

	tr, err := m.Observe(domain.PhaseCooldown, 0)
	require.NoError(t, err)
	assert.Nil(t, tr, "repeat is a no-op")

	tr, err = m.Observe(domain.PhasePresale, 0)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, domain.PhaseCooldown, tr.From)

	_, err = m.Observe(domain.PhaseActive, 0)
	require.NoError(t, err)
	assert.True(t, m.CleanStart())

	_, err = m.Observe(domain.PhaseRugged, 120)
	require.NoError(t, err)

	history := m.History()
	require.Len(t, history, 4)
	assert.False(t, history[0].Observed, "initial cooldown is implied")
	assert.Equal(t, domain.PhaseRugged, history[3].To)
	assert.Equal(t, uint32(120), history[3].Tick)
}

func TestMachine_RuggedIsTerminal(t *testing.T) {
	m := NewMachine("g1", Options{})
	_, err := m.Observe(domain.PhaseActive, 1)
	require.NoError(t, err)
	_, err = m.Observe(domain.PhaseRugged, 2)
	require.NoError(t, err)

	_, err = m.Observe(domain.PhaseRugged, 3)
	assert.ErrorIs(t, err, ErrGameRugged)
	_, err = m.Observe(domain.PhaseCooldown, 3)
	assert.ErrorIs(t, err, ErrGameRugged)
	assert.ErrorIs(t, m.CheckTick(), ErrGameRugged)
}

func TestMachine_InvalidTransitionNotApplied(t *testing.T) {
	m := NewMachine("g1", Options{})
	_, err := m.Observe(domain.PhasePresale, 0)
	require.NoError(t, err)

	_, err = m.Observe(domain.PhaseCooldown, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, domain.PhasePresale, m.Current())

	_, err = m.Observe(domain.PhaseRugged, 0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, m.History(), 2)
}

func TestMachine_MidPlayJoinIsNotClean(t *testing.T) {
	m := NewMachine("g1", Options{})
	tr, err := m.Observe(domain.PhaseActive, 57)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.False(t, m.CleanStart())
}

func TestMachine_ObservedCooldownIsClean(t *testing.T) {
	m := NewMachine("g1", Options{})
	_, err := m.Observe(domain.PhaseCooldown, 0)
	require.NoError(t, err)
	_, err = m.Observe(domain.PhaseActive, 0)
	require.NoError(t, err)
	assert.True(t, m.CleanStart())
}
