package inmemory

import (
	"fmt"
	"sync"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

// QueueStateMachine 是 StateMachine 接口的内存实现：一个 FIFO 队列。
// 它只被已提交的日志条目修改，因此其内容完全由应用过的日志前缀决定。
type QueueStateMachine struct {
	mu    sync.RWMutex
	items []string
}

// NewQueueStateMachine 创建一个空队列状态机。
func NewQueueStateMachine() *QueueStateMachine {
	return &QueueStateMachine{
		items: make([]string, 0),
	}
}

// Apply 将日志条目应用到队列。
func (sm *QueueStateMachine) Apply(entry param.LogEntry) param.ApplyResult {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch entry.Op {
	case param.OpNop:
		return param.ApplyResult{Kind: param.ResultOk}
	case param.OpEnqueue:
		sm.items = append(sm.items, entry.Value)
		return param.ApplyResult{Kind: param.ResultOk}
	case param.OpDequeue:
		if len(sm.items) == 0 {
			return param.ApplyResult{Kind: param.ResultEmpty}
		}
		head := sm.items[0]
		sm.items = sm.items[1:]
		return param.ApplyResult{Kind: param.ResultValue, Value: head}
	default:
		// 已提交的日志不应包含未知操作；这属于编程错误。
		panic(fmt.Sprintf("unknown operation in committed entry %d: %d", entry.Index, entry.Op))
	}
}

// Snapshot 返回队列内容的一份拷贝，队首在前。
func (sm *QueueStateMachine) Snapshot() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	snapshot := make([]string, len(sm.items))
	copy(snapshot, sm.items)
	return snapshot
}

// Len 返回当前队列长度。
func (sm *QueueStateMachine) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.items)
}
