package tests

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/s-rishu/raft-distributed-rsm/client"
	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft"
	"github.com/s-rishu/raft-distributed-rsm/storage/inmemory"
	"github.com/s-rishu/raft-distributed-rsm/transport/tcp"
)

// cluster 封装了测试集群的组件
type cluster struct {
	nodes         []*raft.Raft
	transports    []*tcp.Transport
	stateMachines []*inmemory.QueueStateMachine
	stores        []*inmemory.Storage
	peerMap       map[int]string
	clientTrans   *tcp.Transport
}

// newCluster 创建并启动一个新的测试集群
func newCluster(t *testing.T, nodeCount int) *cluster {
	t.Helper()
	c := &cluster{
		nodes:         make([]*raft.Raft, nodeCount),
		transports:    make([]*tcp.Transport, nodeCount),
		stateMachines: make([]*inmemory.QueueStateMachine, nodeCount),
		stores:        make([]*inmemory.Storage, nodeCount),
		peerMap:       make(map[int]string),
	}

	view := make([]int, 0, nodeCount)

	// 1. 初始化 Transport
	for i := 0; i < nodeCount; i++ {
		id := i + 1
		view = append(view, id)
		trans, err := tcp.NewTransport("127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to create transport for node %d: %v", id, err)
		}
		c.transports[i] = trans
		c.peerMap[id] = trans.Addr()
	}

	// 2. 初始化并启动节点
	for i := 0; i < nodeCount; i++ {
		id := i + 1
		store := inmemory.NewStorage()
		sm := inmemory.NewQueueStateMachine()
		c.stores[i] = store
		c.stateMachines[i] = sm

		c.transports[i].SetPeers(c.peerMap)

		cfg := param.Config{
			View:               view,
			MinElectionTimeout: 150 * time.Millisecond,
			MaxElectionTimeout: 300 * time.Millisecond,
			HeartbeatTimeout:   50 * time.Millisecond,
		}
		rf, err := raft.NewRaft(id, cfg, store, sm, c.transports[i], nil)
		if err != nil {
			t.Fatalf("failed to create raft node %d: %v", id, err)
		}
		c.nodes[i] = rf

		c.transports[i].RegisterRaft(rf)
		if err := c.transports[i].Start(); err != nil {
			t.Fatalf("failed to start transport for node %d: %v", id, err)
		}

		go rf.Run()
	}

	return c
}

// shutdown 关闭集群
func (c *cluster) shutdown() {
	for i := 0; i < len(c.nodes); i++ {
		c.nodes[i].Stop()
		c.transports[i].Close()
	}
	if c.clientTrans != nil {
		c.clientTrans.Close()
	}
}

// newClient 创建一个指向集群的客户端
func (c *cluster) newClient(t *testing.T) *client.Client {
	t.Helper()
	trans, err := tcp.NewClientTransport("127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create client transport: %v", err)
	}
	trans.SetPeers(c.peerMap)
	c.clientTrans = trans
	return client.NewClient(c.peerMap, trans)
}

// getLeader 等待并返回当前的 Leader
func (c *cluster) getLeader(t *testing.T) *raft.Raft {
	t.Helper()
	for i := 0; i < 50; i++ {
		for _, node := range c.nodes {
			if node.IsStopped() {
				continue
			}
			reply := &param.AdminReply{}
			if err := node.Admin(&param.AdminArgs{Query: param.QueryLeader}, reply); err != nil {
				continue
			}
			if reply.IsSelf {
				return node
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("cluster failed to elect a leader within timeout")
	return nil
}

// waitForQueues 等待所有未停止节点的队列内容收敛到 expected
func (c *cluster) waitForQueues(t *testing.T, expected []string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		converged := true
		for i, node := range c.nodes {
			if node.IsStopped() {
				continue
			}
			snapshot := c.stateMachines[i].Snapshot()
			if len(snapshot) != len(expected) {
				converged = false
				break
			}
			for j := range expected {
				if snapshot[j] != expected[j] {
					converged = false
					break
				}
			}
			if !converged {
				break
			}
		}
		if converged {
			return
		}
		if time.Now().After(deadline) {
			for i, node := range c.nodes {
				if !node.IsStopped() {
					t.Logf("node %d queue: %v", node.ID(), c.stateMachines[i].Snapshot())
				}
			}
			t.Fatalf("queues did not converge to %v", expected)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// TestCluster_ElectionAndHeartbeat 对应启动场景：集群很快选出唯一的 Leader，
// 随后所有节点对 Leader 和任期的回答一致。
func TestCluster_ElectionAndHeartbeat(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	leader := c.getLeader(t)
	t.Logf("Leader elected: Node %d", leader.ID())

	leaderReply := &param.AdminReply{}
	assert.NoError(t, leader.Admin(&param.AdminArgs{Query: param.QueryLeader}, leaderReply))

	// 心跳广播后，所有 Follower 都应知道同一个 Leader 和任期
	deadline := time.Now().Add(2 * time.Second)
	for {
		agree := true
		for _, node := range c.nodes {
			reply := &param.AdminReply{}
			assert.NoError(t, node.Admin(&param.AdminArgs{Query: param.QueryLeader}, reply))
			if reply.LeaderID != leader.ID() || reply.Term != leaderReply.Term {
				agree = false
				break
			}
		}
		if agree {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("followers did not learn the leader within timeout")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// 角色查询：恰好一个 Leader，其余是 Follower
	leaderCount := 0
	for _, node := range c.nodes {
		reply := &param.AdminReply{}
		assert.NoError(t, node.Admin(&param.AdminArgs{Query: param.QueryRole}, reply))
		if reply.Role == param.Leader {
			leaderCount++
		}
	}
	assert.Equal(t, 1, leaderCount, "exactly one leader at a time")
}

// TestCluster_EnqueueReplicated 对应入队场景：一次 Enqueue 最终出现在所有节点的队列里。
func TestCluster_EnqueueReplicated(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	c.getLeader(t)
	qc := c.newClient(t)

	assert.NoError(t, qc.Enqueue("x"))
	c.waitForQueues(t, []string{"x"}, 3*time.Second)
}

// TestCluster_DequeueEmptyThenValue 对应出队场景：
// 空队列出队返回 Empty，随后入队再出队返回刚写入的值。
func TestCluster_DequeueEmptyThenValue(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	c.getLeader(t)
	qc := c.newClient(t)

	_, ok, err := qc.Dequeue()
	assert.NoError(t, err)
	assert.False(t, ok, "dequeue on an empty cluster yields Empty")

	assert.NoError(t, qc.Enqueue("7"))
	value, ok, err := qc.Dequeue()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "7", value)

	c.waitForQueues(t, []string{}, 3*time.Second)
}

// TestCluster_NopRedirect 对应重定向场景：不知道 Leader 的客户端跟随重定向后成功。
func TestCluster_NopRedirect(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	c.getLeader(t)
	qc := c.newClient(t)

	assert.NoError(t, qc.Nop(), "a nop should succeed after at most a redirect hop")
}

// TestCluster_LeaderFailover 对应 Leader 失效场景：旧 Leader 停机后，
// 剩余节点在更高任期选出新 Leader，已提交的数据保留，新写入继续成功。
func TestCluster_LeaderFailover(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	oldLeader := c.getLeader(t)
	t.Logf("Original Leader: Node %d", oldLeader.ID())

	oldTermReply := &param.AdminReply{}
	assert.NoError(t, oldLeader.Admin(&param.AdminArgs{Query: param.QueryLeader}, oldTermReply))

	qc := c.newClient(t)
	assert.NoError(t, qc.Enqueue("1"))
	assert.NoError(t, qc.Enqueue("2"))
	c.waitForQueues(t, []string{"1", "2"}, 3*time.Second)

	// 停止 Leader 并把它从所有节点的网络视图中移除
	t.Logf("Stopping Leader Node %d...", oldLeader.ID())
	oldLeader.Stop()
	survivors := make(map[int]string)
	for id, addr := range c.peerMap {
		if id != oldLeader.ID() {
			survivors[id] = addr
		}
	}
	for i, node := range c.nodes {
		if node == oldLeader {
			c.transports[i].Close()
			continue
		}
		c.transports[i].SetPeers(survivors)
	}
	c.clientTrans.SetPeers(survivors)

	// 等待新 Leader 产生
	newLeader := c.getLeader(t)
	t.Logf("New Leader: Node %d", newLeader.ID())
	assert.NotEqual(t, oldLeader.ID(), newLeader.ID())

	newTermReply := &param.AdminReply{}
	assert.NoError(t, newLeader.Admin(&param.AdminArgs{Query: param.QueryLeader}, newTermReply))
	assert.Greater(t, newTermReply.Term, oldTermReply.Term, "the new leader serves a later term")

	// 新 Leader 接受写入；数据在存活节点上收敛
	assert.NoError(t, qc.Enqueue("3"))
	c.waitForQueues(t, []string{"1", "2", "3"}, 3*time.Second)
}

// TestCluster_LogBacktracking 对应日志回退场景：被隔离的 Follower 错过若干条目后，
// 恢复连接，通过心跳与回退重试补齐日志并推进 commitIndex。
func TestCluster_LogBacktracking(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	leader := c.getLeader(t)
	qc := c.newClient(t)

	// 选一个 Follower 进行隔离
	var isolated *raft.Raft
	var isolatedIdx int
	for i, node := range c.nodes {
		if node.ID() != leader.ID() {
			isolated = node
			isolatedIdx = i
			break
		}
	}
	t.Logf("Isolating follower %d", isolated.ID())

	withoutIsolated := make(map[int]string)
	for id, addr := range c.peerMap {
		if id != isolated.ID() {
			withoutIsolated[id] = addr
		}
	}
	for i, node := range c.nodes {
		if node.ID() == isolated.ID() {
			c.transports[i].SetPeers(make(map[int]string))
			continue
		}
		c.transports[i].SetPeers(withoutIsolated)
	}
	c.clientTrans.SetPeers(withoutIsolated)

	// 被隔离期间提交一批条目
	expected := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		v := fmt.Sprintf("v%d", i)
		assert.NoError(t, qc.Enqueue(v))
		expected = append(expected, v)
	}

	// 确认多数派分区已经应用了全部条目
	deadline := time.Now().Add(5 * time.Second)
	for {
		done := true
		for i, node := range c.nodes {
			if node.ID() == isolated.ID() {
				continue
			}
			if len(c.stateMachines[i].Snapshot()) != len(expected) {
				done = false
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("majority partition did not apply the entries")
		}
		time.Sleep(100 * time.Millisecond)
	}
	assert.Empty(t, c.stateMachines[isolatedIdx].Snapshot(), "the isolated follower has none of the entries yet")

	// 恢复连接
	t.Log("Healing partition...")
	for i := range c.nodes {
		c.transports[i].SetPeers(c.peerMap)
	}
	c.clientTrans.SetPeers(c.peerMap)

	// 被隔离节点在选举期间会抬升任期；恢复后集群重新稳定，
	// 心跳与回退重试把它的日志补齐到与 Leader 完全一致。
	c.waitForQueues(t, expected, 10*time.Second)

	// 日志内容逐条一致
	healedLeader := c.getLeader(t)
	leaderLog := &param.AdminReply{}
	assert.NoError(t, healedLeader.Admin(&param.AdminArgs{Query: param.QueryLog}, leaderLog))
	isolatedLog := &param.AdminReply{}
	assert.NoError(t, isolated.Admin(&param.AdminArgs{Query: param.QueryLog}, isolatedLog))

	assert.GreaterOrEqual(t, len(isolatedLog.Entries), len(expected))
	for i, entry := range leaderLog.Entries {
		if i >= len(isolatedLog.Entries) {
			break
		}
		assert.Equal(t, entry.Index, isolatedLog.Entries[i].Index)
		assert.Equal(t, entry.Term, isolatedLog.Entries[i].Term)
		assert.Equal(t, entry.Op, isolatedLog.Entries[i].Op)
		assert.Equal(t, entry.Value, isolatedLog.Entries[i].Value)
	}
}

// TestCluster_SequentialEnqueues 逐个入队后所有节点看到同一组元素，且保持提交顺序。
func TestCluster_SequentialEnqueues(t *testing.T) {
	c := newCluster(t, 3)
	defer c.shutdown()

	c.getLeader(t)
	qc := c.newClient(t)

	const total = 10
	for i := 0; i < total; i++ {
		assert.NoError(t, qc.Enqueue(fmt.Sprintf("item-%d", i)))
	}

	// 顺序客户端逐个入队，队列应保持提交顺序
	expected := make([]string, 0, total)
	for i := 0; i < total; i++ {
		expected = append(expected, fmt.Sprintf("item-%d", i))
	}
	c.waitForQueues(t, expected, 5*time.Second)
}
