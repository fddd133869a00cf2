package grpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/raft/api"
)

const (
	serviceName    = "raftqueue.RaftService"
	rpcCallTimeout = 5 * time.Second
)

// gobCodec 让 gRPC 直接用 gob 编码 param 中的请求/响应结构体，
// 不需要生成 protobuf 代码。集群内部通信两端都是本包，编码自洽。
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gobCodec) Name() string {
	return "gob"
}

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// serviceDesc 手工描述 RaftService 的四个一元方法。
// 服务端通过它把入站调用分发到 api.RaftService。
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*api.RaftService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "ClientRequest", Handler: clientRequestHandler},
		{MethodName: "Admin", Handler: adminHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport/grpc/transport.go",
}

func requestVoteHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.RequestVoteArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	out := param.NewRequestVoteReply()
	if err := srv.(api.RaftService).RequestVote(in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func appendEntriesHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.AppendEntriesArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	out := param.NewAppendEntriesReply()
	if err := srv.(api.RaftService).AppendEntries(in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func clientRequestHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.ClientArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	out := new(param.ClientReply)
	if err := srv.(api.RaftService).ClientRequest(in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func adminHandler(srv any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(param.AdminArgs)
	if err := dec(in); err != nil {
		return nil, err
	}
	out := new(param.AdminReply)
	if err := srv.(api.RaftService).Admin(in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Transport implements the transport interface using gRPC.
type Transport struct {
	listener  net.Listener
	localAddr string

	raft       api.RaftService
	grpcServer *grpc.Server

	mu        sync.RWMutex
	conns     map[string]*grpc.ClientConn
	resolvers map[int]string
}

// NewTransport creates a new gRPC Transport listening on listenAddr.
func NewTransport(listenAddr string) (*Transport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	return &Transport{
		listener:   listener,
		localAddr:  listener.Addr().String(),
		conns:      make(map[string]*grpc.ClientConn),
		resolvers:  make(map[int]string),
		grpcServer: grpc.NewServer(grpc.ForceServerCodec(gobCodec{})),
	}, nil
}

// NewClientTransport creates a request-only gRPC Transport.
func NewClientTransport(localAddr string) (*Transport, error) {
	return &Transport{
		localAddr: localAddr,
		conns:     make(map[string]*grpc.ClientConn),
		resolvers: make(map[int]string),
	}, nil
}

// Addr returns the local address.
func (t *Transport) Addr() string {
	return t.localAddr
}

// SetPeers sets the peer resolvers.
func (t *Transport) SetPeers(peers map[int]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.resolvers = make(map[int]string)
	for id, addr := range peers {
		t.resolvers[id] = addr
	}

	// Close existing connections to force reconnection with new addresses if needed
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)
}

// RegisterRaft registers the Raft RPC server.
func (t *Transport) RegisterRaft(service api.RaftService) {
	t.raft = service
}

// Start starts the gRPC server.
func (t *Transport) Start() error {
	if t.listener == nil {
		return nil
	}
	if t.raft == nil {
		return errors.New("raft instance not registered")
	}

	t.grpcServer.RegisterService(&serviceDesc, t.raft)

	go func() {
		if err := t.grpcServer.Serve(t.listener); err != nil {
			log.Printf("[GRPCTransport] Server stopped: %v", err)
		}
	}()

	log.Printf("[GRPCTransport] Service started on %s", t.localAddr)
	return nil
}

// Close stops the gRPC server and closes all connections.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.grpcServer != nil {
		t.grpcServer.Stop()
	}

	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]*grpc.ClientConn)

	return nil
}

func (t *Transport) getPeerAddress(target string) (string, error) {
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

func (t *Transport) getPeerConn(target string) (*grpc.ClientConn, error) {
	addr, err := t.getPeerAddress(target)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	conn, ok := t.conns[addr]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	conn, err = grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return nil, err
	}
	t.conns[addr] = conn

	return conn, nil
}

// invoke 对目标节点发起一次一元调用。
func (t *Transport) invoke(target, method string, req, resp any) error {
	conn, err := t.getPeerConn(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcCallTimeout)
	defer cancel()

	return conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

// SendRequestVote 发送 RequestVote RPC 请求。
func (t *Transport) SendRequestVote(target string, req *param.RequestVoteArgs, resp *param.RequestVoteReply) error {
	return t.invoke(target, "RequestVote", req, resp)
}

// SendAppendEntries 发送 AppendEntries RPC 请求。
func (t *Transport) SendAppendEntries(target string, req *param.AppendEntriesArgs, resp *param.AppendEntriesReply) error {
	return t.invoke(target, "AppendEntries", req, resp)
}

// SendClientRequest 发送客户端队列操作到指定的 Raft 节点。
func (t *Transport) SendClientRequest(target string, req *param.ClientArgs, resp *param.ClientReply) error {
	return t.invoke(target, "ClientRequest", req, resp)
}

// SendAdmin 发送管理查询到指定的 Raft 节点。
func (t *Transport) SendAdmin(target string, req *param.AdminArgs, resp *param.AdminReply) error {
	return t.invoke(target, "Admin", req, resp)
}
