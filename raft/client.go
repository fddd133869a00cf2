package raft

import (
	"log"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// applyWaitTimeout 是 Leader 等待一条日志被提交并应用的最长时间。
// 超时后客户端会收到重定向并重试，而不是无限期挂起一个 RPC。
const applyWaitTimeout = 2 * time.Second

// ClientRequest 是处理客户端队列操作（nop / enqueue / dequeue）的 RPC 入口。
// 非 Leader 节点以重定向应答；Leader 把操作写入日志、复制到多数派，
// 应用后将队列结果返回给客户端。
func (r *Raft) ClientRequest(args *param.ClientArgs, reply *param.ClientReply) error {
	r.mu.Lock()

	if r.state != param.Leader {
		hint := r.knownLeaderID
		if r.state == param.Candidate {
			// 候选人推测自己即将胜选；客户端会在重定向后重试。
			hint = r.id
		}
		r.mu.Unlock()
		*reply = param.RedirectReply(hint)
		return nil
	}

	// 将操作作为新的日志条目写入本地日志。
	entry, notifyChan, err := r.proposeToLog(args)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	// 单节点集群没有对等节点，本地追加即满足多数派。
	r.updateCommitIndex()

	peers := r.peers()
	r.mu.Unlock()

	// 在没有持有锁的情况下广播复制请求。
	for _, peerID := range peers {
		go r.sendAppendEntries(peerID)
	}

	// 等待该条目被状态机应用，或超时。
	result, ok := r.waitForAppliedLog(entry.Index, notifyChan, applyWaitTimeout)
	if !ok {
		r.mu.Lock()
		hint := r.knownLeaderID
		if r.state == param.Leader {
			hint = r.id
		}
		r.mu.Unlock()
		*reply = param.RedirectReply(hint)
		return nil
	}

	*reply = param.ReplyFromResult(result)
	return nil
}

// proposeToLog 在【持有锁】的情况下，将客户端操作写入本地日志，
// 并注册一个用于等待应用结果的通知 channel。
func (r *Raft) proposeToLog(args *param.ClientArgs) (param.LogEntry, chan param.ApplyResult, error) {
	lastIndex, err := r.store.LastLogIndex()
	if err != nil {
		log.Printf("[ERROR] Leader %d failed to get last log index to propose new entry: %v", r.id, err)
		return param.LogEntry{}, nil, err
	}

	newEntry := param.NewLogEntry(lastIndex+1, r.currentTerm, args.Requester, args.Op, args.Value)
	if err := r.store.AppendEntries([]param.LogEntry{newEntry}); err != nil {
		log.Printf("[ERROR] Leader %d failed to append new log entry: %v", r.id, err)
		return param.LogEntry{}, nil, err
	}
	log.Printf("[Client] Leader %d proposed %s from requester %d at index %d", r.id, args.Op, args.Requester, newEntry.Index)

	notifyChan := make(chan param.ApplyResult, 1)
	r.notifyApply[newEntry.Index] = notifyChan

	return newEntry, notifyChan, nil
}

// waitForAppliedLog 等待一个特定索引的日志被状态机应用。
func (r *Raft) waitForAppliedLog(index uint64, notifyChan <-chan param.ApplyResult, timeout time.Duration) (param.ApplyResult, bool) {
	select {
	case result := <-notifyChan:
		log.Printf("[Client] Notified that log index %d has been applied.", index)
		return result, true
	case <-time.After(timeout):
		log.Printf("[Client] Timed out waiting for log index %d to be applied.", index)
		// 超时后清理掉注册的 channel 以防内存泄漏。
		r.mu.Lock()
		delete(r.notifyApply, index)
		r.mu.Unlock()
		return param.ApplyResult{}, false
	}
}
