package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockWaitFIFO(t *testing.T) {
	m := New()

	w1, victim, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)
	require.Nil(t, victim)
	require.Equal(t, StateOwner, w1.State)

	w2, victim, err := m.Lock("b", "L", ModeWait)
	require.NoError(t, err)
	require.Nil(t, victim)
	require.Equal(t, StateWaiting, w2.State)

	newOwner := m.Unlock(w1)
	require.Same(t, w2, newOwner)
	require.Equal(t, StateOwner, w2.State)
}

func TestLockDuplicateWaiterRejected(t *testing.T) {
	m := New()
	_, _, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)

	_, _, err = m.Lock("a", "L", ModeWait)
	require.ErrorIs(t, err, ErrAlreadyWaiting)
}

func TestSteal(t *testing.T) {
	m := New()
	w1, _, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)
	require.Equal(t, StateOwner, w1.State)

	w2, victim, err := m.Lock("b", "L", ModeSteal)
	require.NoError(t, err)
	require.Same(t, w1, victim)
	require.Equal(t, StateLost, w1.State)
	require.Equal(t, StateOwner, w2.State)
}

func TestUnlockEmptyQueueFreesLock(t *testing.T) {
	m := New()
	w1, _, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)

	require.Nil(t, m.Unlock(w1))

	// The lock was freed; taking it again from scratch succeeds with no
	// memory of the prior owner.
	w2, victim, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)
	require.Nil(t, victim)
	require.Equal(t, StateOwner, w2.State)
}

func TestReleaseSessionPromotesSuccessor(t *testing.T) {
	m := New()
	w1, _, err := m.Lock("a", "L", ModeWait)
	require.NoError(t, err)
	w2, _, err := m.Lock("b", "L", ModeWait)
	require.NoError(t, err)

	promoted := m.ReleaseSession("a")
	require.Len(t, promoted, 1)
	require.Same(t, w2, promoted[0])

	held, waiting, lost := m.Status()
	require.Equal(t, 1, held)
	require.Equal(t, 0, waiting)
	require.Equal(t, 0, lost)
}
