package raft

import (
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/storage"
	inmemorystore "github.com/s-rishu/raft-distributed-rsm/storage/inmemory"
)

func TestAdmin_LeaderQuery(t *testing.T) {
	t.Run("FollowerReportsKnownLeader", func(t *testing.T) {
		r := &Raft{state: param.Follower, currentTerm: 4, knownLeaderID: 3}

		reply := &param.AdminReply{}
		err := r.Admin(&param.AdminArgs{Query: param.QueryLeader}, reply)

		assert.NoError(t, err)
		assert.Equal(t, 3, reply.LeaderID)
		assert.False(t, reply.IsSelf)
		assert.Equal(t, uint64(4), reply.Term)
	})

	t.Run("LeaderReportsSelf", func(t *testing.T) {
		r := &Raft{id: 2, state: param.Leader, currentTerm: 4, knownLeaderID: 2}

		reply := &param.AdminReply{}
		err := r.Admin(&param.AdminArgs{Query: param.QueryLeader}, reply)

		assert.NoError(t, err)
		assert.Equal(t, 2, reply.LeaderID)
		assert.True(t, reply.IsSelf)
	})
}

func TestAdmin_RoleQuery(t *testing.T) {
	r := &Raft{state: param.Candidate}

	reply := &param.AdminReply{}
	assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QueryRole}, reply))
	assert.Equal(t, param.Candidate, reply.Role)
}

func TestAdmin_QueueQuery(t *testing.T) {
	sm := inmemorystore.NewQueueStateMachine()
	sm.Apply(param.LogEntry{Index: 1, Term: 1, Op: param.OpEnqueue, Value: "a"})
	sm.Apply(param.LogEntry{Index: 2, Term: 1, Op: param.OpEnqueue, Value: "b"})

	r := &Raft{stateMachine: sm}

	reply := &param.AdminReply{}
	assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QueryQueue}, reply))
	assert.Equal(t, []string{"a", "b"}, reply.Queue)
}

func TestAdmin_LogQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockStore := storage.NewMockStorage(ctrl)
	entries := []param.LogEntry{{Index: 1, Term: 1, Op: param.OpNop}}
	mockStore.EXPECT().GetEntriesFrom(uint64(1)).Return(entries, nil).Times(1)

	r := &Raft{store: mockStore}

	reply := &param.AdminReply{}
	assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QueryLog}, reply))
	assert.Equal(t, entries, reply.Entries)
}

func TestAdmin_SetElectionTimeout(t *testing.T) {
	r := &Raft{
		state:              param.Follower,
		minElectionTimeout: 150 * time.Millisecond,
		maxElectionTimeout: 300 * time.Millisecond,
		heartbeatTimeout:   50 * time.Millisecond,
	}

	t.Run("ValidAdjustsAndResets", func(t *testing.T) {
		r.currentElectionTimeout = timeoutSentinel

		reply := &param.AdminReply{}
		assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QuerySetElectionTimeout, Min: 200, Max: 400}, reply))

		assert.Empty(t, reply.Err)
		assert.Equal(t, 200*time.Millisecond, r.minElectionTimeout)
		assert.Equal(t, 400*time.Millisecond, r.maxElectionTimeout)
		assert.NotEqual(t, timeoutSentinel, r.currentElectionTimeout, "timer is reset with the new interval")
	})

	t.Run("RejectsInvertedInterval", func(t *testing.T) {
		reply := &param.AdminReply{}
		assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QuerySetElectionTimeout, Min: 400, Max: 200}, reply))

		assert.NotEmpty(t, reply.Err)
		assert.Equal(t, 200*time.Millisecond, r.minElectionTimeout, "values are unchanged on rejection")
	})

	t.Run("RejectsMinBelowHeartbeat", func(t *testing.T) {
		reply := &param.AdminReply{}
		assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QuerySetElectionTimeout, Min: 30, Max: 60}, reply))
		assert.NotEmpty(t, reply.Err)
	})
}

func TestAdmin_SetHeartbeat(t *testing.T) {
	r := &Raft{
		state:              param.Follower,
		minElectionTimeout: 150 * time.Millisecond,
		maxElectionTimeout: 300 * time.Millisecond,
		heartbeatTimeout:   50 * time.Millisecond,
	}

	t.Run("Valid", func(t *testing.T) {
		reply := &param.AdminReply{}
		assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QuerySetHeartbeat, Heartbeat: 30}, reply))
		assert.Empty(t, reply.Err)
		assert.Equal(t, 30*time.Millisecond, r.heartbeatTimeout)
	})

	t.Run("RejectsAtOrAboveMinElection", func(t *testing.T) {
		reply := &param.AdminReply{}
		assert.NoError(t, r.Admin(&param.AdminArgs{Query: param.QuerySetHeartbeat, Heartbeat: 150}, reply))
		assert.NotEmpty(t, reply.Err)
		assert.Equal(t, 30*time.Millisecond, r.heartbeatTimeout)
	})
}
