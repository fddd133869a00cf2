package tcp

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"strconv"
	"sync"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft/api"
)

// RaftRPC 是一个包装器，用于将 Raft 服务的方法暴露给 net/rpc 包。
type RaftRPC struct {
	Raft api.RaftService
}

// RequestVote 是 RequestVote RPC 的处理器。
func (r *RaftRPC) RequestVote(args param.RequestVoteArgs, reply *param.RequestVoteReply) error {
	return r.Raft.RequestVote(&args, reply)
}

// AppendEntries 是 AppendEntries RPC 的处理器。
func (r *RaftRPC) AppendEntries(args param.AppendEntriesArgs, reply *param.AppendEntriesReply) error {
	return r.Raft.AppendEntries(&args, reply)
}

// ClientRequest 是客户端队列操作的处理器。
func (r *RaftRPC) ClientRequest(args param.ClientArgs, reply *param.ClientReply) error {
	return r.Raft.ClientRequest(&args, reply)
}

// Admin 是管理查询的处理器。
func (r *RaftRPC) Admin(args param.AdminArgs, reply *param.AdminReply) error {
	return r.Raft.Admin(&args, reply)
}

// Transport 通过 TCP 和 net/rpc 实现节点间通信。
type Transport struct {
	localAddr string
	listener  net.Listener
	raft      api.RaftService
	server    *rpc.Server

	mu        sync.RWMutex
	peers     map[string]*rpc.Client // 缓存到各地址的 RPC 客户端连接
	resolvers map[int]string         // 节点ID到地址的映射
}

// NewTransport 创建一个新的 Transport 实例并开始在 listenAddr 上监听。
// 服务注册和连接接收在 Start 中完成。
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return &Transport{
		localAddr: listener.Addr().String(),
		listener:  listener,
		server:    rpc.NewServer(),
		peers:     make(map[string]*rpc.Client),
		resolvers: make(map[int]string),
	}, nil
}

// NewClientTransport 创建一个仅用于发起请求的 Transport，不监听任何端口。
func NewClientTransport(localAddr string) (*Transport, error) {
	return &Transport{
		localAddr: localAddr,
		peers:     make(map[string]*rpc.Client),
		resolvers: make(map[int]string),
	}, nil
}

// Addr 返回当前 Transport 监听的实际地址。
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers 设置节点 ID 到地址的映射。
// 已建立的连接会被丢弃，以便按新映射重连。
func (t *Transport) SetPeers(peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = make(map[int]string)
	for id, addr := range peers {
		t.resolvers[id] = addr
	}

	for _, client := range t.peers {
		client.Close()
	}
	t.peers = make(map[string]*rpc.Client)
}

// RegisterRaft 注册本地 Raft 实例。
func (t *Transport) RegisterRaft(service api.RaftService) {
	t.raft = service
}

// Start 注册 RPC 服务并在后台接受连接。
func (t *Transport) Start() error {
	if t.listener == nil {
		// 纯客户端 transport，无需监听
		return nil
	}
	if t.raft != nil {
		if err := t.server.Register(&RaftRPC{Raft: t.raft}); err != nil {
			return err
		}
	}

	go t.acceptConnections()

	log.Printf("[TCPTransport] Listening on %s", t.localAddr)
	return nil
}

// acceptConnections 循环接受并处理新的 TCP 连接。
func (t *Transport) acceptConnections() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			// 如果监听器关闭了，就退出循环
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[TCPTransport] Accept error on %s: %v", t.localAddr, err)
			continue
		}
		// 为每个连接启动一个新的 goroutine 来提供 RPC 服务
		go t.server.ServeConn(conn)
	}
}

// Close 关闭监听器和所有缓存的客户端连接。
func (t *Transport) Close() error {
	t.mu.Lock()
	for _, client := range t.peers {
		client.Close()
	}
	t.peers = make(map[string]*rpc.Client)
	t.mu.Unlock()

	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// resolve 将节点ID字符串解析为网络地址。
func (t *Transport) resolve(target string) (string, error) {
	id, err := strconv.Atoi(target)
	if err != nil {
		return "", fmt.Errorf("invalid node id: %s", target)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.resolvers[id]
	if !ok {
		return "", fmt.Errorf("address not found for node %d", id)
	}
	return addr, nil
}

// getPeerClient 获取或创建一个到目标地址的 RPC 客户端。
func (t *Transport) getPeerClient(addr string) (*rpc.Client, error) {
	t.mu.RLock()
	client, ok := t.peers[addr]
	t.mu.RUnlock()

	if ok && client != nil {
		return client, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// 再次检查，防止在等待锁的过程中其他 goroutine 已经创建了连接
	if client, ok := t.peers[addr]; ok && client != nil {
		return client, nil
	}

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	client = rpc.NewClient(conn)
	t.peers[addr] = client
	return client, nil
}

// remoteCall 是一个通用的 RPC 调用函数。
func (t *Transport) remoteCall(target, method string, args interface{}, reply interface{}) error {
	addr, err := t.resolve(target)
	if err != nil {
		return err
	}

	client, err := t.getPeerClient(addr)
	if err != nil {
		return err
	}

	err = client.Call(method, args, reply)
	if err != nil {
		// 连接失效时丢弃缓存的 client
		if errors.Is(err, rpc.ErrShutdown) {
			t.mu.Lock()
			delete(t.peers, addr)
			t.mu.Unlock()
		}
		return err
	}
	return nil
}

// SendRequestVote 发送 RequestVote RPC 请求。
func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.remoteCall(target, "RaftRPC.RequestVote", req, resp)
}

// SendAppendEntries 发送 AppendEntries RPC 请求。
func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.remoteCall(target, "RaftRPC.AppendEntries", req, resp)
}

// SendClientRequest 发送客户端队列操作到指定的 Raft 节点。
func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.remoteCall(target, "RaftRPC.ClientRequest", req, resp)
}

// SendAdmin 发送管理查询到指定的 Raft 节点。
func (t *Transport) SendAdmin(target string, req *param.AdminArgs, resp *param.AdminReply) error {
	return t.remoteCall(target, "RaftRPC.Admin", req, resp)
}
