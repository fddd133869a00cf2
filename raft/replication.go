package raft

import (
	"log"
	"strconv"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// broadcastAppendEntries 向所有对等节点发送 AppendEntries。
// 对已追上进度的节点这是一次空心跳；对落后的节点则携带待复制的日志后缀，
// 因此心跳周期同时驱动日志修复。
func (r *Raft) broadcastAppendEntries() {
	r.mu.Lock()
	peers := r.peers()
	r.mu.Unlock()

	for _, peerID := range peers {
		go r.sendAppendEntries(peerID)
	}
}

// sendAppendEntries 作为 Leader 向单个对等节点发送一次 AppendEntries RPC。
// 主要负责：
//   - 心跳（Heartbeat）: 如果没有新的日志条目要发送，发送一个空的 AppendEntries RPC，
//     维持 Leader 的地位并阻止 Follower 发起新的选举。
//   - 日志复制（Log Replication）: 当有新的日志条目时，携带从 nextIndex 开始的后缀。
//   - 处理响应: 根据 Follower 的响应来更新 nextIndex 和 matchIndex；
//     不一致时回退 nextIndex 并重试，直到日志达成一致。
func (r *Raft) sendAppendEntries(peerID int) {
	r.mu.Lock()
	if r.state != param.Leader {
		r.mu.Unlock()
		return
	}

	// 准备 RPC 请求参数。
	args, err := r.prepareAppendEntriesArgs(peerID)
	if err != nil {
		log.Printf("[ERROR] Node %d failed to prepare AppendEntries args for peer %d: %v", r.id, peerID, err)
		r.mu.Unlock()
		return
	}
	savedCurrentTerm := r.currentTerm
	r.mu.Unlock() // 在发起网络调用前解锁。

	// 在新的 goroutine 中发送 RPC 并处理响应，调用方不必等待网络延迟。
	go func() {
		reply := param.NewAppendEntriesReply()
		if err := r.trans.SendAppendEntries(strconv.Itoa(peerID), args, reply); err != nil {
			log.Printf("[Log Replication] Node %d failed to send AppendEntries to %d: %s", r.id, peerID, err.Error())
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.processAppendEntriesReply(peerID, args, reply, savedCurrentTerm)
	}()
}

// prepareAppendEntriesArgs 负责构建发送给对等节点的 AppendEntries RPC 参数。
// 必须在持有锁的情况下被调用。
func (r *Raft) prepareAppendEntriesArgs(peerID int) (*param.AppendEntriesArgs, error) {
	prevLogIndex := r.nextIndex[peerID] - 1
	prevLogTerm, err := r.getLogTerm(prevLogIndex)
	if err != nil {
		return nil, err
	}

	entries, err := r.store.GetEntriesFrom(r.nextIndex[peerID])
	if err != nil {
		return nil, err
	}

	return param.NewAppendEntriesArgs(r.currentTerm, r.id, prevLogIndex, prevLogTerm, r.commitIndex, entries), nil
}

// processAppendEntriesReply 负责处理从对等节点返回的 AppendEntries 响应。
// 此函数必须在持有锁的情况下被调用。
func (r *Raft) processAppendEntriesReply(peerID int, args *param.AppendEntriesArgs, reply *param.AppendEntriesReply, savedCurrentTerm uint64) {
	if r.currentTerm != savedCurrentTerm || r.state != param.Leader {
		return
	}

	if reply.Term > r.currentTerm {
		log.Printf("[Log Replication] Node %d found higher term %d from peer %d, becomes Follower", r.id, reply.Term, peerID)
		if err := r.becomeFollower(reply.Term); err != nil {
			log.Printf("[ERROR] Node %d failed to persist state when stepping down to Follower: %v", r.id, err)
		}
		return
	}

	// 响应回显的 LogIndex 必须和发出的 PrevLogIndex 一致，否则是过期响应。
	if reply.LogIndex != args.PrevLogIndex {
		return
	}

	if reply.Success {
		r.handleSuccessfulAppendEntries(peerID, args)
	} else {
		r.handleFailedAppendEntries(peerID)
	}
}

// handleSuccessfulAppendEntries 在收到成功的 AppendEntries 响应后更新 Leader 的状态。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleSuccessfulAppendEntries(peerID int, args *param.AppendEntriesArgs) {
	newNextIndex := args.PrevLogIndex + uint64(len(args.Entries)) + 1
	// 响应可能乱序到达；进度只向前推。
	if newNextIndex > r.nextIndex[peerID] {
		r.nextIndex[peerID] = newNextIndex
	}
	if newNextIndex-1 > r.matchIndex[peerID] {
		r.matchIndex[peerID] = newNextIndex - 1
	}

	r.updateCommitIndex()
}

// handleFailedAppendEntries 在收到失败的 AppendEntries 响应后把 nextIndex 回退一位
// （下界为 1），并立刻重传从新位置开始的日志后缀。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleFailedAppendEntries(peerID int) {
	log.Printf("[Log Replication] Peer %d rejected AppendEntries from leader %d (nextIndex=%d)", peerID, r.id, r.nextIndex[peerID])

	if r.nextIndex[peerID] > 1 {
		r.nextIndex[peerID]--
	}

	go r.sendAppendEntries(peerID)
}

// updateCommitIndex 检查 Leader 是否可以推进其 commitIndex。
// 计算已在集群多数节点上成功复制的最高日志索引，并更新 Leader 自己的 commitIndex。
// Raft 的安全规则规定，只有当前任期的日志才可以通过这种方式被提交。
// 必须在持有锁的情况下被调用。
func (r *Raft) updateCommitIndex() {
	newCommitIndex := r.findMajorityCommitIndex()

	if newCommitIndex > r.commitIndex {
		entry, err := r.store.GetEntry(newCommitIndex)
		if err != nil {
			log.Printf("[ERROR] Node %d failed to get entry for new commit index %d: %v", r.id, newCommitIndex, err)
			return
		}

		if entry.Term == r.currentTerm {
			log.Printf("[Log Replication] Node %d advances commitIndex to %d (term=%d)", r.id, newCommitIndex, r.currentTerm)
			r.commitIndex = newCommitIndex
			go r.applyLogs()
		}
	}
}

// findMajorityCommitIndex 计算可以被安全提交的最高日志索引。
// 必须在持有锁的情况下被调用。
func (r *Raft) findMajorityCommitIndex() uint64 {
	lastLogIndex, err := r.store.LastLogIndex()
	if err != nil {
		return r.commitIndex
	}

	// 从后往前检查每一个日志索引，看它是否满足多数派提交的条件。
	for n := lastLogIndex; n > r.commitIndex; n-- {
		if r.isReplicatedByMajority(n) {
			return n
		}
	}
	return r.commitIndex
}

// isReplicatedByMajority 判断一个日志索引是否已经被多数节点复制。
// Leader 自身永远是匹配的。必须在持有锁的情况下被调用。
func (r *Raft) isReplicatedByMajority(index uint64) bool {
	matchCount := 1
	for _, peerID := range r.peers() {
		if r.matchIndex[peerID] >= index {
			matchCount++
		}
	}
	return matchCount >= r.majority()
}

// AppendEntries 是 RPC 处理函数，用于接收 Leader 的心跳和日志。
// 任期检查: 如果请求的任期号小于自己的当前任期，则拒绝。如果大于，则更新自己的任期并转为 Follower。
// 一致性检查: 检查 PrevLogIndex 和 PrevLogTerm 是否与自己的日志匹配。
// 日志追加: 如果一致性检查通过，截断冲突的后缀并追加新的日志条目。
// 更新 CommitIndex: 根据 Leader 发来的 LeaderCommit 来更新自己的 commitIndex。
func (r *Raft) AppendEntries(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 1. 处理任期检查和心跳。如果 Leader 的任期小于自己，直接拒绝。
	// 如果大于，则转为 Follower。只要是合法的 Leader，就重置选举计时器。
	if !r.handleTermAndHeartbeat(args, reply) {
		return nil
	}

	// 2. 进行日志一致性检查。
	// 验证本地日志在 prevLogIndex 处是否与 Leader 发来的信息匹配。
	if ok := r.checkLogConsistency(args, reply); !ok {
		return nil
	}

	// 3. 追加并存储新的日志条目。
	// 如果 Leader 发来了新的日志，则截断本地可能存在的冲突日志，并追加新日志。
	if err := r.appendAndStoreEntries(args); err != nil {
		reply.Success = false
		log.Printf("[ERROR] Node %d failed to append entries: %v", r.id, err)
		return err
	}

	// 4. 根据 Leader 的进度更新本地的 commitIndex。
	r.updateFollowerCommitIndex(args)

	reply.Success = true
	return nil
}

// handleTermAndHeartbeat 负责处理任期检查和重置选举计时器。
// 如果 Leader 的任期有效，返回 true；如果应立即拒绝，返回 false。
// 必须在持有锁的情况下被调用。
func (r *Raft) handleTermAndHeartbeat(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	reply.Term = r.currentTerm
	reply.LogIndex = args.PrevLogIndex

	// 过时 Leader 的请求，拒绝。
	if args.Term < r.currentTerm {
		reply.Success = false
		return false
	}

	// 更高任期意味着集群中已经有了新的领导者，必须立即跟随。
	if args.Term > r.currentTerm {
		if err := r.becomeFollower(args.Term); err != nil {
			reply.Success = false
			return false
		}
		reply.Term = r.currentTerm
	} else if r.state == param.Candidate {
		// 同任期的 AppendEntries 说明本任期的选举已有胜者，候选人退回 Follower。
		log.Printf("[State Change] Candidate %d acknowledges leader %d for term %d.", r.id, args.LeaderID, args.Term)
		r.state = param.Follower
	} else if r.state == param.Leader {
		// 每个任期至多一个 Leader；同任期收到 AppendEntries 只能是过期消息，忽略。
		reply.Success = false
		return false
	}

	// 记下当前任期的 Leader，并重置选举计时器。
	r.knownLeaderID = args.LeaderID
	r.electionResetEvent = time.Now()
	r.currentElectionTimeout = r.randomizedElectionTimeout()
	return true
}

// checkLogConsistency 负责检查本地日志是否与 Leader 的日志保持一致。
// 如果不一致，返回 false，Leader 将回退 nextIndex 后重试。
// 必须在持有锁的情况下被调用。
func (r *Raft) checkLogConsistency(args *param.AppendEntriesArgs, reply *param.AppendEntriesReply) bool {
	// prevLogIndex 为 0 表示从日志起点开始，无需检查。
	if args.PrevLogIndex == 0 {
		return true
	}

	prevEntry, err := r.store.GetEntry(args.PrevLogIndex)
	if err != nil {
		// 本地日志在 prevLogIndex 处没有条目，即日志过短。
		reply.Success = false
		return false
	}
	if prevEntry.Term != args.PrevLogTerm {
		reply.Success = false
		return false
	}

	return true
}

// appendAndStoreEntries 负责将 Leader 发来的新日志条目追加到本地存储中。
// 它会先截断任何可能存在的冲突日志。必须在持有锁的情况下被调用。
func (r *Raft) appendAndStoreEntries(args *param.AppendEntriesArgs) error {
	// 仅当 Leader 发来了新的日志条目时才执行操作。
	if len(args.Entries) > 0 {
		// 1. 截断从 prevLogIndex + 1 开始的所有本地日志，以解决任何潜在的冲突。
		if err := r.store.TruncateLog(args.PrevLogIndex + 1); err != nil {
			log.Printf("[ERROR] Node %d failed to truncate log: %v", r.id, err)
			return err
		}
		// 2. 将 Leader 发来的新日志原子性地追加到存储中。
		if err := r.store.AppendEntries(args.Entries); err != nil {
			log.Printf("[ERROR] Node %d failed to append entries to store: %v", r.id, err)
			return err
		}
		log.Printf("[Log Replication] Node %d accepted and stored %d new entries from leader %d", r.id, len(args.Entries), args.LeaderID)
	}
	return nil
}

// updateFollowerCommitIndex 根据 Leader 发来的 leaderCommit 更新 Follower 的 commitIndex。
// 必须在持有锁的情况下被调用。
func (r *Raft) updateFollowerCommitIndex(args *param.AppendEntriesArgs) {
	if args.LeaderCommit > r.commitIndex {
		// Follower 的 commitIndex 不能超过其本地日志的最大索引。
		newLastLogIndex, _ := r.store.LastLogIndex()
		oldCommitIndex := r.commitIndex
		r.commitIndex = min(args.LeaderCommit, newLastLogIndex)

		if r.commitIndex > oldCommitIndex {
			log.Printf("[Log Replication] Node %d advances commitIndex to %d", r.id, r.commitIndex)
			go r.applyLogs()
		}
	}
}

// applyLogs 将已提交的日志按索引顺序应用到队列状态机。在后台 goroutine 中运行。
// applyMu 串行化并发的调用者；每次调用应用当前所有待应用的条目，
// 所以即使多个触发点同时唤起，应用顺序也是严格的。
func (r *Raft) applyLogs() {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	// 1. 从存储中获取所有需要应用的日志条目。
	entriesToApply := r.fetchEntriesToApply()
	if len(entriesToApply) == 0 {
		return
	}

	log.Printf("[State Machine] Node %d applying %d entries up to index %d", r.id, len(entriesToApply), entriesToApply[len(entriesToApply)-1].Index)

	// 2. 遍历并应用每一条待应用的日志。
	r.dispatchEntries(entriesToApply)
}

// fetchEntriesToApply 负责从存储中获取所有已提交但尚未应用的日志条目，
// 并推进 lastApplied 索引。
func (r *Raft) fetchEntriesToApply() []param.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []param.LogEntry
	if r.commitIndex > r.lastApplied {
		for i := r.lastApplied + 1; i <= r.commitIndex; i++ {
			entry, err := r.store.GetEntry(i)
			if err != nil {
				// 已提交的日志必须存在于存储中；取不到属于严重错误。
				log.Printf("[FATAL] Node %d could not retrieve committed log entry %d to apply it: %v", r.id, i, err)
				return nil
			}
			entries = append(entries, *entry)
		}
	}

	if len(entries) > 0 {
		r.lastApplied = entries[len(entries)-1].Index
	}

	return entries
}

// dispatchEntries 依次应用日志条目，并把结果送给等待中的客户端请求。
// 只有提交该条目的 Leader 在 notifyApply 中注册过通道；Follower 静默应用。
func (r *Raft) dispatchEntries(entries []param.LogEntry) {
	for _, entry := range entries {
		result := r.stateMachine.Apply(entry)

		if r.commitChan != nil {
			r.commitChan <- param.CommitEntry{Entry: entry, Result: result}
		}

		r.mu.Lock()
		notifyChan, ok := r.notifyApply[entry.Index]
		if ok {
			delete(r.notifyApply, entry.Index)
		}
		r.mu.Unlock()

		// 在没有持有锁的情况下进行 channel 发送。
		if ok {
			notifyChan <- result
		}
	}
}
