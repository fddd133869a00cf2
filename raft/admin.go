package raft

import (
	"log"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// Admin 是管理/调试查询的 RPC 入口。所有角色都必须应答。
func (r *Raft) Admin(args *param.AdminArgs, reply *param.AdminReply) error {
	switch args.Query {
	case param.QueryQueue:
		reply.Queue = r.stateMachine.Snapshot()
		return nil
	case param.QueryLog:
		return r.handleLogQuery(reply)
	case param.QueryLeader:
		r.handleLeaderQuery(reply)
		return nil
	case param.QueryRole:
		r.mu.Lock()
		reply.Role = r.state
		r.mu.Unlock()
		return nil
	case param.QuerySetElectionTimeout:
		r.handleSetElectionTimeout(args, reply)
		return nil
	case param.QuerySetHeartbeat:
		r.handleSetHeartbeat(args, reply)
		return nil
	default:
		reply.Err = "unknown admin query"
		return nil
	}
}

func (r *Raft) handleLogQuery(reply *param.AdminReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.GetEntriesFrom(1)
	if err != nil {
		reply.Err = err.Error()
		return err
	}
	reply.Entries = entries
	return nil
}

// handleLeaderQuery 报告已知的 Leader 和当前任期。
// 应答节点自身是 Leader 时置 IsSelf 标记。
func (r *Raft) handleLeaderQuery(reply *param.AdminReply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply.Term = r.currentTerm
	if r.state == param.Leader {
		reply.LeaderID = r.id
		reply.IsSelf = true
		return
	}
	reply.LeaderID = r.knownLeaderID
}

// handleSetElectionTimeout 调整选举超时区间并立即按新区间重置计时器。
func (r *Raft) handleSetElectionTimeout(args *param.AdminArgs, reply *param.AdminReply) {
	newMin := time.Duration(args.Min) * time.Millisecond
	newMax := time.Duration(args.Max) * time.Millisecond

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := param.ValidateTimeouts(r.heartbeatTimeout, newMin, newMax); err != nil {
		reply.Err = err.Error()
		return
	}

	r.minElectionTimeout = newMin
	r.maxElectionTimeout = newMax
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	log.Printf("[Admin] Node %d election timeout set to [%v, %v)", r.id, newMin, newMax)
}

// handleSetHeartbeat 调整心跳间隔；如果当前是 Leader，按新间隔重启心跳循环。
func (r *Raft) handleSetHeartbeat(args *param.AdminArgs, reply *param.AdminReply) {
	newHeartbeat := time.Duration(args.Heartbeat) * time.Millisecond

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := param.ValidateTimeouts(newHeartbeat, r.minElectionTimeout, r.maxElectionTimeout); err != nil {
		reply.Err = err.Error()
		return
	}

	r.heartbeatTimeout = newHeartbeat
	if r.state == param.Leader {
		r.startHeartbeat()
	}
	log.Printf("[Admin] Node %d heartbeat timeout set to %v", r.id, newHeartbeat)
}
