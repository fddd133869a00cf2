package inmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// helper to create a series of simple log entries for testing
func newTestEntries(start, end uint64) []param.LogEntry {
	entries := make([]param.LogEntry, 0, end-start+1)
	for i := start; i <= end; i++ {
		entries = append(entries, param.LogEntry{Index: i, Term: i, Op: param.OpNop})
	}
	return entries
}

func TestStorage(t *testing.T) {
	t.Run("Initial State", func(t *testing.T) {
		s := NewStorage()
		assert.NotNil(t, s, "NewStorage should not return nil")

		lastIdx, err := s.LastLogIndex()
		assert.NoError(t, err, "LastLogIndex() should not fail")
		assert.Equal(t, uint64(0), lastIdx, "initial last index should be 0")

		firstIdx, err := s.FirstLogIndex()
		assert.NoError(t, err, "FirstLogIndex() should not fail")
		assert.Equal(t, uint64(1), firstIdx, "initial first index should be 1")

		size, err := s.LogSize()
		assert.NoError(t, err)
		assert.Equal(t, 0, size, "initial log should be empty")

		_, err = s.GetEntry(1)
		assert.ErrorIs(t, err, ErrLogNotFound, "should return ErrLogNotFound for initial empty log")
		_, err = s.GetEntry(0)
		assert.ErrorIs(t, err, ErrLogNotFound, "index 0 is the sentinel, not a stored entry")
	})

	t.Run("HardState", func(t *testing.T) {
		s := NewStorage()
		initialState, err := s.GetState()
		assert.NoError(t, err, "GetState() should not fail")
		assert.Equal(t, uint64(0), initialState.CurrentTerm, "initial CurrentTerm should be 0")

		newState := param.HardState{CurrentTerm: 5, VotedFor: 2}
		err = s.SetState(newState)
		assert.NoError(t, err, "SetState() should not fail")

		retrievedState, err := s.GetState()
		assert.NoError(t, err, "GetState() after set should not fail")
		assert.Equal(t, newState, retrievedState, "retrieved state should match set state")
	})

	t.Run("AppendAndGet", func(t *testing.T) {
		s := NewStorage()
		entries := newTestEntries(1, 3)
		assert.NoError(t, s.AppendEntries(entries))

		lastIdx, err := s.LastLogIndex()
		assert.NoError(t, err)
		assert.Equal(t, uint64(3), lastIdx)

		entry, err := s.GetEntry(2)
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), entry.Index)
		assert.Equal(t, uint64(2), entry.Term)

		_, err = s.GetEntry(4)
		assert.ErrorIs(t, err, ErrLogNotFound)
	})

	t.Run("AppendRejectsGaps", func(t *testing.T) {
		s := NewStorage()
		assert.NoError(t, s.AppendEntries(newTestEntries(1, 2)))

		// entries starting beyond LastLogIndex+1 must be rejected
		err := s.AppendEntries(newTestEntries(4, 5))
		assert.ErrorIs(t, err, ErrNotContiguous)

		// a batch with an internal gap must be rejected
		err = s.AppendEntries([]param.LogEntry{{Index: 3, Term: 3}, {Index: 5, Term: 3}})
		assert.ErrorIs(t, err, ErrNotContiguous)
	})

	t.Run("GetEntriesFrom", func(t *testing.T) {
		s := NewStorage()
		assert.NoError(t, s.AppendEntries(newTestEntries(1, 5)))

		suffix, err := s.GetEntriesFrom(3)
		assert.NoError(t, err)
		assert.Len(t, suffix, 3)
		assert.Equal(t, uint64(3), suffix[0].Index)
		assert.Equal(t, uint64(5), suffix[2].Index)

		suffix, err = s.GetEntriesFrom(6)
		assert.NoError(t, err)
		assert.Empty(t, suffix, "suffix past the end should be empty")

		_, err = s.GetEntriesFrom(0)
		assert.ErrorIs(t, err, ErrIndexOutOfBounds)
	})

	t.Run("Truncate", func(t *testing.T) {
		s := NewStorage()
		assert.NoError(t, s.AppendEntries(newTestEntries(1, 5)))

		assert.NoError(t, s.TruncateLog(3))
		lastIdx, _ := s.LastLogIndex()
		assert.Equal(t, uint64(2), lastIdx)

		_, err := s.GetEntry(3)
		assert.ErrorIs(t, err, ErrLogNotFound)

		// truncating past the end is a no-op
		assert.NoError(t, s.TruncateLog(10))
		lastIdx, _ = s.LastLogIndex()
		assert.Equal(t, uint64(2), lastIdx)

		// the log accepts a fresh suffix after truncation
		assert.NoError(t, s.AppendEntries([]param.LogEntry{{Index: 3, Term: 7}}))
		entry, err := s.GetEntry(3)
		assert.NoError(t, err)
		assert.Equal(t, uint64(7), entry.Term)
	})
}
