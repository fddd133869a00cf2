package transport

import (
	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft/api"
)

const (
	InmemoryTransport = "inmemory"
	TCPTransport      = "tcp"
	GrpcTransport     = "grpc"
)

// Transport 定义了 Raft 节点之间以及客户端与节点之间通信所需的方法。
// target 是节点ID的十进制字符串表示；实现通过 SetPeers 建立 ID 到地址的映射。
type Transport interface {
	// SendRequestVote 发送 RequestVote RPC 请求。
	SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error

	// SendAppendEntries 发送 AppendEntries RPC 请求。
	SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error

	// SendClientRequest 发送客户端队列操作到指定的 Raft 节点。
	SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error

	// SendAdmin 发送管理/调试查询到指定的 Raft 节点。
	SendAdmin(target string, req *param.AdminArgs, resp *param.AdminReply) error

	// Addr 返回本地监听地址。
	Addr() string

	// SetPeers 设置节点ID到地址的映射。
	SetPeers(peers map[int]string)

	// RegisterRaft 注册处理入站 RPC 的本地 Raft 实例。
	RegisterRaft(service api.RaftService)

	// Start 开始对外提供服务。
	Start() error

	// Close 关闭传输层。
	Close() error
}
