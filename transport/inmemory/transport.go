package inmemory

import (
	"fmt"
	"sync"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft/api"
)

// Transport 是一个基于内存的传输层实现，用于在单个进程内模拟 Raft 节点间的通信。
type Transport struct {
	mu        sync.RWMutex
	localAddr string                     // 本地节点的地址
	peers     map[string]api.RaftService // 集群中其他节点的引用
	raft      api.RaftService
}

// NewTransport 创建一个新的内存 Transport 实例。
// addr 是当前使用此 transport 的节点的地址。
func NewTransport(addr string) *Transport {
	return &Transport{
		localAddr: addr,
		peers:     make(map[string]api.RaftService),
	}
}

// Addr 返回当前 Transport 的本地地址。
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers 在内存实现中是无操作的；测试通过 Connect 手动建立“连接”。
func (t *Transport) SetPeers(peers map[int]string) {
}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(service api.RaftService) {
	t.raft = service
}

// Start 启动 Transport。
func (t *Transport) Start() error {
	return nil
}

// Close 关闭 Transport。
func (t *Transport) Close() error {
	return nil
}

// Connect 将一个节点（peer）添加到 transport 的注册表中。
// 这样，当前的 transport 就知道如何“发送”消息给这个 peer。
func (t *Transport) Connect(peerAddr string, server api.RaftService) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[peerAddr] = server
}

// Disconnect 从 transport 的注册表中移除一个节点。
func (t *Transport) Disconnect(peerAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerAddr)
}

// getPeer 根据目标地址查找对应的服务实例。
func (t *Transport) getPeer(target string) (api.RaftService, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peer, ok := t.peers[target]
	if !ok {
		return nil, fmt.Errorf("could not connect to peer: %s", target)
	}
	return peer, nil
}

// SendRequestVote 向目标节点发送 RequestVote RPC。
// 这是一个同步的、内存中的方法调用。
func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.RequestVote(req, resp)
}

// SendAppendEntries 向目标节点发送 AppendEntries RPC。
func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.AppendEntries(req, resp)
}

// SendClientRequest 将客户端队列操作发送到目标 Raft 节点。
func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.ClientRequest(req, resp)
}

// SendAdmin 将管理查询发送到目标 Raft 节点。
func (t *Transport) SendAdmin(target string, req *param.AdminArgs, resp *param.AdminReply) error {
	peer, err := t.getPeer(target)
	if err != nil {
		return err
	}
	return peer.Admin(req, resp)
}
