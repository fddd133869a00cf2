package raft

import (
	"log"
	"strconv"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// startElection 发起一轮新的选举。
// 当 Follower 的选举计时器超时后，它转变为 Candidate 并发起选举；
// Candidate 超时后重新进入此函数开始下一轮（任期再加一）。此函数负责：
// - 增加 currentTerm（当前任期号）。
// - 投票给自己 (votedFor = r.id)。
// - 重置选举计时器。
// - 向集群中的其他所有节点并行发送 RequestVote RPC 来请求投票。
func (r *Raft) startElection() {
	r.mu.Lock()

	if r.state == param.Dead || r.state == param.Leader {
		r.mu.Unlock()
		return
	}

	// 1. 初始化候选人状态：更新任期、投票给自己并保存。
	if err := r.initializeCandidateState(); err != nil {
		r.mu.Unlock()
		return
	}

	// 2. 获取用于投票请求的日志信息。
	// 这是 Raft 安全性的一部分，确保日志旧的候选人无法当选。
	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.mu.Unlock()
		return
	}

	// 保存当前的选举任期，用于后续在处理投票结果时进行比较。
	savedCurrentTerm := r.currentTerm
	peers := r.peers()
	r.mu.Unlock() // 在发起网络调用前解锁。

	// 3. 并发地向所有对等节点广播投票请求。
	for _, peerID := range peers {
		go r.sendVoteRequest(peerID, savedCurrentTerm, lastLogIndex, lastLogTerm)
	}
}

// initializeCandidateState 负责将节点状态转换为 Candidate，更新任期，
// 投票给自己，并保存这些变更。必须在持有锁的情况下被调用。
func (r *Raft) initializeCandidateState() error {
	r.state = param.Candidate
	r.currentTerm++
	r.votedFor = r.id
	// 计入自己的那一票。
	r.votesReceived = 1
	// 重置选举计时器，为本轮选举设定新的随机超时。
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	// 保存更新后的任期和投票记录。
	// 必须在发送投票请求之前写入存储，确保本任期内不会再投给其他候选人。
	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: r.votedFor}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist state before election: %v", r.id, err)
		return err
	}

	log.Printf("[Election] Node %d starts election for term %d", r.id, r.currentTerm)
	return nil
}

// sendVoteRequest 向单个 Peer 发送投票请求并处理响应。
// 如果响应中包含更高的任期号，当前节点会立即更新自己的任期并转为 Follower；
// 收到赞成票时累加计票器，达到多数后当选。
func (r *Raft) sendVoteRequest(peerID int, term uint64, lastLogIndex, lastLogTerm uint64) {
	args := param.NewRequestVoteArgs(term, r.id, lastLogIndex, lastLogTerm)
	reply := param.NewRequestVoteReply()

	if err := r.trans.SendRequestVote(strconv.Itoa(peerID), args, reply); err != nil {
		log.Printf("[Election] Node %d failed to request vote from %d: %v", r.id, peerID, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 如果收到更高 term 的响应，立即转为 Follower。
	if reply.Term > r.currentTerm {
		log.Printf("[Election] Node %d found higher term %d from peer %d, becomes Follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %d failed to persist state after finding higher term: %v", r.id, err)
		}
		return
	}

	// 只统计仍然属于本轮选举的赞成票。
	if r.state != param.Candidate || r.currentTerm != term {
		return
	}
	if !reply.VoteGranted || reply.Term != term {
		return
	}

	r.votesReceived++
	log.Printf("[Election] Node %d received a vote from node %d for term %d (%d/%d)", r.id, peerID, term, r.votesReceived, r.majority())
	if r.votesReceived >= r.majority() {
		r.becomeLeader()
	}
}

// becomeLeader 封装了当选为 Leader 后的状态转换逻辑。
// 必须在持有锁的情况下被调用。
func (r *Raft) becomeLeader() {
	log.Printf("[Election] Node %d elected as Leader for term %d", r.id, r.currentTerm)
	r.state = param.Leader
	r.knownLeaderID = r.id
	r.initLeaderState()
	r.startHeartbeat()
}

// initLeaderState initializes leader state after election
func (r *Raft) initLeaderState() {
	// This method is called with the lock held.
	lastLogIndex, err := r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d (new leader) failed to get last log index to initialize state: %v", r.id, err)
		r.state = param.Follower
		return
	}

	r.nextIndex = make(map[int]uint64)
	r.matchIndex = make(map[int]uint64)
	for _, peerID := range r.peers() {
		r.nextIndex[peerID] = lastLogIndex + 1
		r.matchIndex[peerID] = 0
	}
}

// startHeartbeat starts the periodic heartbeat loop for the current leadership.
// Bumping heartbeatGeneration makes any previous loop exit on its next tick,
// so this also serves to restart the loop with a new interval.
func (r *Raft) startHeartbeat() {
	// This method is called with the lock held.
	r.heartbeatGeneration++
	generation := r.heartbeatGeneration
	interval := r.heartbeatTimeout

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Send an initial heartbeat immediately without waiting for the first tick.
		r.broadcastAppendEntries()

		for {
			select {
			case <-r.shutdownChan:
				return
			case <-ticker.C:
			}

			r.mu.Lock()
			if r.state != param.Leader || r.heartbeatGeneration != generation {
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			r.broadcastAppendEntries()
		}
	}()
}

// RequestVote 是处理投票请求的 RPC 入口。
func (r *Raft) RequestVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 处理任期相关的检查和状态更新。如果任期检查失败，则直接返回。
	if proceed, err := r.handleVoteTermLogic(args, reply); !proceed {
		return err
	}

	// 2. 根据 Raft 的投票规则（日志新旧、是否已投票）做出最终决定。
	return r.decideVote(args, reply)
}

// handleVoteTermLogic 封装了所有与任期相关的逻辑。
// 返回值 bool 表示是否应继续后续的投票判断。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) handleVoteTermLogic(args *param.RequestVoteArgs, reply *param.RequestVoteReply) (bool, error) {
	// 如果对方的任期低于自己，这是一个过时的请求，直接拒绝。
	if args.Term < r.currentTerm {
		reply.Term = r.currentTerm
		reply.VoteGranted = false
		return false, nil
	}

	// 如果对方的任期高于自己，则更新自己的状态为 Follower。
	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.VoteGranted = false
			return false, err
		}
	}
	// 更新 reply 中的任期号以匹配当前（可能已更新的）任期。
	reply.Term = r.currentTerm
	return true, nil
}

// decideVote 封装了最终的投票决策逻辑。
// 它检查投票资格和日志新鲜度，并据此授予或拒绝投票。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) decideVote(args *param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	// 检查自己是否有资格投票（在本任期内还未投票，或已投给当前候选人）。
	canVote := r.votedFor == -1 || r.votedFor == args.CandidateID

	// 检查候选人的日志是否至少和自己一样新。
	logIsUpToDate, err := r.isLogUpToDate(args.LastLogIndex, args.LastLogTerm)
	if err != nil {
		reply.VoteGranted = false
		return err
	}

	// 只有同时满足两个条件时，才授予投票。
	if canVote && logIsUpToDate {
		if err := r.grantVote(args.CandidateID); err != nil {
			reply.VoteGranted = false
			return err
		}
		reply.VoteGranted = true
	} else {
		log.Printf("[RequestVote] Node %d denying vote for term %d to candidate %d. (canVote=%t, logIsUpToDate=%t)", r.id, r.currentTerm, args.CandidateID, canVote, logIsUpToDate)
		reply.VoteGranted = false
	}
	return nil
}

// isLogUpToDate 检查候选人的日志是否至少和本节点一样新。
// 这是 Raft 选举安全规则的核心实现。此函数必须在持有锁的情况下被调用。
func (r *Raft) isLogUpToDate(candidateLastLogIndex, candidateLastLogTerm uint64) (bool, error) {
	localLastLogIndex, localLastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		return false, err
	}

	// 1. 如果任期号不同，任期号大的日志更新。
	// 2. 如果任期号相同，日志更长的（索引更大）的更新。
	if candidateLastLogTerm > localLastLogTerm || (candidateLastLogTerm == localLastLogTerm && candidateLastLogIndex >= localLastLogIndex) {
		return true, nil
	}

	return false, nil
}

// grantVote 记录为指定候选人投票的动作，并将其保存。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) grantVote(candidateID int) error {
	log.Printf("[RequestVote] Node %d granting vote for term %d to candidate %d.", r.id, r.currentTerm, candidateID)
	r.votedFor = candidateID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: r.votedFor}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist vote: %v", r.id, err)
		return err
	}
	return nil
}
