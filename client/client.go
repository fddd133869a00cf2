package client

import (
	"crypto/rand"
	"errors"
	"log"
	"math/big"
	"strconv"
	"time"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/transport"
)

// ErrTimeout 表示一次队列操作在限定时间内没有得到权威应答。
var ErrTimeout = errors.New("client: operation timed out")

const (
	opTimeout  = 5 * time.Second        // 单次操作的总时限
	retryPause = 100 * time.Millisecond // 两次尝试之间的间隔
)

// clientAction 定义了客户端在处理完一次 RPC 响应后应采取的下一步动作。
type clientAction int

const (
	actionSuccess clientAction = iota // 动作：成功，可以返回结果
	actionRetry                       // 动作：重试，应继续循环
)

// Client 封装了与队列集群交互的逻辑。
// 它维护对 Leader 的最佳猜测，在收到重定向后跟随提示重试，
// 直到拿到 Ok / Empty / Value 之一的权威应答，或在 opTimeout 后以 ErrTimeout 放弃。
type Client struct {
	requester  int64               // 客户端的唯一ID，写入每条日志条目
	servers    map[int]string      // 集群中所有节点的 ID -> 地址映射
	leaderHint int                 // 当前已知的 Leader ID
	trans      transport.Transport // 用于网络通信的传输层
}

// NewClient 创建一个新的客户端实例。
func NewClient(servers map[int]string, trans transport.Transport) *Client {
	// 生成一个随机的64位整数作为客户端ID。
	randID, _ := rand.Int(rand.Reader, big.NewInt(int64(^uint64(0)>>1)))
	return &Client{
		requester:  randID.Int64(),
		servers:    servers,
		leaderHint: 0, // 初始时不知道谁是 Leader
		trans:      trans,
	}
}

// Nop 提交一个空操作。操作提交后返回 nil。
func (c *Client) Nop() error {
	_, err := c.sendOp(param.OpNop, "")
	return err
}

// Enqueue 把 value 追加到队列尾部。
func (c *Client) Enqueue(value string) error {
	_, err := c.sendOp(param.OpEnqueue, value)
	return err
}

// Dequeue 弹出并返回队首元素。队列为空时 ok 为 false。
func (c *Client) Dequeue() (value string, ok bool, err error) {
	reply, err := c.sendOp(param.OpDequeue, "")
	if err != nil {
		return "", false, err
	}
	if reply.Status == param.ReplyEmpty {
		return "", false, nil
	}
	return reply.Value, true, nil
}

// sendOp 向集群发送一个队列操作，跟随重定向直到得到权威应答；
// 超过 opTimeout 仍未得到时返回 ErrTimeout。
func (c *Client) sendOp(op param.Op, value string) (*param.ClientReply, error) {
	deadline := time.Now().Add(opTimeout)
	request := param.NewClientArgs(c.requester, op, value)

	for {
		if time.Now().After(deadline) {
			log.Printf("[Client] Operation %s timed out after %v.", op, opTimeout)
			return nil, ErrTimeout
		}

		reply, action := c.attemptOnce(request)
		if action == actionSuccess {
			return reply, nil
		}
		time.Sleep(retryPause)
	}
}

// attemptOnce 负责执行单次向集群发送操作的尝试。
func (c *Client) attemptOnce(request *param.ClientArgs) (*param.ClientReply, clientAction) {
	targetNodeID := c.selectTargetNode()
	log.Printf("[Client] Sending %s to node %d", request.Op, targetNodeID)

	reply := &param.ClientReply{}
	err := c.trans.SendClientRequest(strconv.Itoa(targetNodeID), request, reply)

	return c.decideNextAction(targetNodeID, reply, err)
}

// selectTargetNode 负责根据当前已知的 Leader 信息选择一个发送请求的目标节点。
func (c *Client) selectTargetNode() int {
	if c.leaderHint != 0 {
		return c.leaderHint
	}
	for id := range c.servers {
		return id
	}
	return 0
}

// decideNextAction 封装了所有处理 RPC 响应的决策逻辑。
func (c *Client) decideNextAction(targetNodeID int, reply *param.ClientReply, err error) (*param.ClientReply, clientAction) {
	if err != nil {
		log.Printf("[Client] Error sending request to node %d: %v. Retrying...", targetNodeID, err)
		c.leaderHint = 0
		return nil, actionRetry
	}

	if reply.Status == param.ReplyRedirect {
		log.Printf("[Client] Node %d is not leader. New leader hint: %d. Retrying...", targetNodeID, reply.LeaderHint)
		c.leaderHint = reply.LeaderHint
		return nil, actionRetry
	}

	log.Printf("[Client] Operation completed with status %s.", reply.Status)
	c.leaderHint = targetNodeID
	return reply, actionSuccess
}

// WhoisLeader 询问任意节点它所知的 Leader 和当前任期。
func (c *Client) WhoisLeader() (leaderID int, term uint64, err error) {
	targetNodeID := c.selectTargetNode()
	args := &param.AdminArgs{Query: param.QueryLeader}
	reply := &param.AdminReply{}
	if err := c.trans.SendAdmin(strconv.Itoa(targetNodeID), args, reply); err != nil {
		return 0, 0, err
	}
	return reply.LeaderID, reply.Term, nil
}

// QueueSnapshot 返回目标节点当前的队列内容。
func (c *Client) QueueSnapshot(nodeID int) ([]string, error) {
	args := &param.AdminArgs{Query: param.QueryQueue}
	reply := &param.AdminReply{}
	if err := c.trans.SendAdmin(strconv.Itoa(nodeID), args, reply); err != nil {
		return nil, err
	}
	return reply.Queue, nil
}
