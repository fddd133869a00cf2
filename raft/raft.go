package raft

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/storage"
	"github.com/s-rishu/raft-distributed-rsm/transport"
)

// tickInterval 是 Run 主循环检查选举超时的粒度。
const tickInterval = 5 * time.Millisecond

type Raft struct {
	// mu 保护对 Raft 状态的并发访问
	mu sync.Mutex

	// id 是当前节点的服务器ID
	id int

	// view 是固定的集群成员列表（包含自身）
	view []int
	// knownLeaderID 当前节点已知的 Leader ID（0 表示未知）
	knownLeaderID int

	// store 负责保存 Raft 状态和日志信息
	store storage.Storage
	// trans 负责网络通信
	trans transport.Transport
	// stateMachine 应用层的队列状态机
	stateMachine storage.StateMachine

	// --- Raft 核心状态 ---
	currentTerm uint64
	votedFor    int
	state       param.State

	// --- 日志与状态机相关 ---
	commitIndex uint64
	lastApplied uint64
	commitChan  chan<- param.CommitEntry
	// applyMu 串行化 applyLogs 的调用者，保证严格按索引顺序应用
	applyMu sync.Mutex

	// --- 选举相关 ---
	electionResetEvent     time.Time
	currentElectionTimeout time.Duration
	votesReceived          int

	// --- 定时器参数（可通过管理接口在运行时调整）---
	minElectionTimeout time.Duration
	maxElectionTimeout time.Duration
	heartbeatTimeout   time.Duration
	// heartbeatGeneration 递增使旧的心跳循环自行退出
	heartbeatGeneration uint64

	// --- Leader 的易失性状态 ---
	nextIndex  map[int]uint64
	matchIndex map[int]uint64

	// --- 客户端交互状态 ---
	notifyApply map[uint64]chan param.ApplyResult

	shutdownChan chan struct{}
}

// NewRaft 创建一个新的 Raft 节点。节点以 Follower 身份启动，任期从 1 开始。
func NewRaft(id int, cfg param.Config, store storage.Storage, stateMachine storage.StateMachine, trans transport.Transport, commitChan chan<- param.CommitEntry) (*Raft, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Raft{
		id:                 id,
		view:               append([]int(nil), cfg.View...),
		knownLeaderID:      cfg.LeaderHint,
		store:              store,
		stateMachine:       stateMachine,
		trans:              trans,
		state:              param.Follower,
		currentTerm:        1,
		votedFor:           -1, // -1 表示未投票
		commitChan:         commitChan,
		minElectionTimeout: cfg.MinElectionTimeout,
		maxElectionTimeout: cfg.MaxElectionTimeout,
		heartbeatTimeout:   cfg.HeartbeatTimeout,
		nextIndex:          make(map[int]uint64),
		matchIndex:         make(map[int]uint64),
		notifyApply:        make(map[uint64]chan param.ApplyResult),
		shutdownChan:       make(chan struct{}),
	}

	// 从存储中恢复状态。CurrentTerm 为 0 表示全新的存储。
	if store != nil {
		hardState, err := store.GetState()
		if err != nil {
			return nil, err
		}
		if hardState.CurrentTerm > 0 {
			r.currentTerm = hardState.CurrentTerm
			r.votedFor = hardState.VotedFor
		}
	}

	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	return r, nil
}

// ID 返回节点ID。
func (r *Raft) ID() int {
	return r.id
}

// Run 是节点的主循环：周期性地检查选举超时。
// Follower 和 Candidate 在超时后发起（新一轮）选举；Leader 不受选举超时约束。
func (r *Raft) Run() {
	r.mu.Lock()
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	r.mu.Unlock()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.shutdownChan:
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.state == param.Dead {
			r.mu.Unlock()
			return
		}
		if r.state == param.Leader {
			r.mu.Unlock()
			continue
		}
		if time.Since(r.electionResetEvent) >= r.currentElectionTimeout {
			r.mu.Unlock()
			r.startElection()
			continue
		}
		r.mu.Unlock()
	}
}

// Stop 终止节点。重复调用是无操作的。
func (r *Raft) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == param.Dead {
		return
	}
	r.state = param.Dead
	close(r.shutdownChan)
	log.Printf("[State Change] Node %d stopped.", r.id)
}

// IsStopped 报告节点是否已终止。
func (r *Raft) IsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == param.Dead
}

// becomeFollower 将节点的状态更新为指定新任期的 Follower。
// 它会保存新状态并重置选举计时器，必须在持有锁的情况下被调用。
func (r *Raft) becomeFollower(newTerm uint64) error {
	log.Printf("[State Change] Node %d becoming follower in term %d.", r.id, newTerm)
	if newTerm > r.currentTerm {
		// 进入新任期时，重置投票记录并忘记旧的 Leader。
		r.votedFor = -1
		r.knownLeaderID = 0
	}
	r.currentTerm = newTerm
	r.state = param.Follower
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()

	if err := r.store.SetState(param.HardState{CurrentTerm: r.currentTerm, VotedFor: r.votedFor}); err != nil {
		log.Printf("[ERROR] Node %d failed to persist state after becoming follower: %v", r.id, err)
		return err
	}
	return nil
}

// randomizedElectionTimeout 在 [min, max) 区间内均匀采样一个超时。
// 每次重置计时器都重新采样，避免多个节点同时发起选举。
func (r *Raft) randomizedElectionTimeout() time.Duration {
	spread := r.maxElectionTimeout - r.minElectionTimeout
	if spread <= 0 {
		return r.minElectionTimeout
	}
	return r.minElectionTimeout + time.Duration(rand.Int63n(int64(spread)))
}

// majority 返回 view 的严格多数所需的票数/副本数（包含自身）。
func (r *Raft) majority() int {
	return len(r.view)/2 + 1
}

// peers 返回除自身以外的所有集群成员。必须在持有锁的情况下被调用。
func (r *Raft) peers() []int {
	peers := make([]int, 0, len(r.view))
	for _, p := range r.view {
		if p != r.id {
			peers = append(peers, p)
		}
	}
	return peers
}

// getLogTerm 返回指定索引的日志条目的任期。索引 0 是哨兵，任期为 0。
func (r *Raft) getLogTerm(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	entry, err := r.store.GetEntry(index)
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get log entry at index %d: %v", r.id, index, err)
		return 0, err
	}
	return entry.Term, nil
}

// getLastLogInfo 从存储中获取最后一条日志的索引和任期。空日志返回 (0, 0)。
func (r *Raft) getLastLogInfo() (lastLogIndex uint64, lastLogTerm uint64, err error) {
	lastLogIndex, err = r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Node %d failed to get last log index: %v", r.id, err)
		return 0, 0, err
	}

	if lastLogIndex > 0 {
		lastLogTerm, err = r.getLogTerm(lastLogIndex)
		if err != nil {
			return 0, 0, err
		}
	}
	return lastLogIndex, lastLogTerm, nil
}
