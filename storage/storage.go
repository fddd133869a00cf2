package storage

import (
	"fmt"
	"log"

	"github.com/s-rishu/raft-distributed-rsm/param"
	"github.com/s-rishu/raft-distributed-rsm/storage/inmemory"
)

const (
	InmemoryStorage = "inmemory"
)

// Storage is an interface for log and state storage providers in a Raft implementation.
// 它保存 Raft 的核心状态（currentTerm 和 votedFor）以及日志条目。
// 日志索引从 1 开始且连续无空洞；索引 0 是一个不存在的哨兵条目。
type Storage interface {
	// --- HardState 操作 ---

	// SetState 原子地设置 HardState (currentTerm, votedFor)。
	SetState(state param.HardState) error
	// GetState 获取最后保存的 HardState。
	GetState() (param.HardState, error)

	// --- 日志条目操作 ---

	// AppendEntries 追加一批日志条目。条目必须连续且从 LastLogIndex+1 开始。
	// 实现必须保证这个操作的原子性。
	AppendEntries(entries []param.LogEntry) error

	// GetEntry 获取指定索引的日志条目。索引越界时返回 ErrLogNotFound。
	GetEntry(index uint64) (*param.LogEntry, error)

	// GetEntriesFrom 返回从 fromIndex（包含）到日志末尾的所有条目。
	// fromIndex 超出日志末尾时返回空切片。
	GetEntriesFrom(fromIndex uint64) ([]param.LogEntry, error)

	// TruncateLog 删除从 fromIndex (包含) 到日志末尾的所有条目。
	// 当 Follower 的日志与 Leader 发生冲突时，这是必须的操作。
	TruncateLog(fromIndex uint64) error

	// --- 日志元数据操作 ---

	// FirstLogIndex 返回日志中的第一条条目的索引。
	FirstLogIndex() (uint64, error)
	// LastLogIndex 返回日志中的最后一条条目的索引。空日志返回 0。
	LastLogIndex() (uint64, error)

	LogSize() (int, error) // 返回日志的条目数

	// Close 关闭存储。
	Close() error
}

// StateMachine 定义了应用层状态机需要实现的接口。
// Raft 模块通过这个接口把已提交的日志交给上层业务逻辑（这里是一个 FIFO 队列）。
type StateMachine interface {
	// Apply 将一条已经由 Raft 达成共识的日志条目应用到状态机中。
	// 这个方法由 Raft 节点的 applyLogs 循环调用，每个条目恰好调用一次，
	// 且严格按索引顺序。返回值最终会传递给等待的客户端。
	Apply(entry param.LogEntry) param.ApplyResult

	// Snapshot 返回当前队列内容的一份拷贝，队首在前。
	// 用于调试查询，不参与共识。
	Snapshot() []string
}

// NewStorage 根据类型构造存储和状态机。
func NewStorage(storageType string) (Storage, StateMachine, error) {
	switch storageType {
	case InmemoryStorage:
		log.Println("Using in-memory storage")
		return inmemory.NewStorage(), inmemory.NewQueueStateMachine(), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type: %s", storageType)
	}
}
