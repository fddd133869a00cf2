package transport

import (
	"fmt"

	"github.com/s-rishu/raft-distributed-rsm/transport/grpc"
	"github.com/s-rishu/raft-distributed-rsm/transport/inmemory"
	"github.com/s-rishu/raft-distributed-rsm/transport/tcp"
)

// NewTransport 根据类型构造一个服务端传输层实例。
func NewTransport(transportType, listenAddr string) (Transport, error) {
	switch transportType {
	case InmemoryTransport:
		return inmemory.NewTransport(listenAddr), nil
	case TCPTransport:
		return tcp.NewTransport(listenAddr)
	case GrpcTransport:
		return grpc.NewTransport(listenAddr)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", transportType)
	}
}

// NewClientTransport 构造一个仅用于发起请求的传输层实例。
// 客户端不注册 Raft 服务，也不需要稳定的监听地址。
func NewClientTransport(localAddr, transportType string) (Transport, error) {
	switch transportType {
	case TCPTransport:
		return tcp.NewClientTransport(localAddr)
	case GrpcTransport:
		return grpc.NewClientTransport(localAddr)
	default:
		return nil, fmt.Errorf("unsupported client transport type: %s", transportType)
	}
}
