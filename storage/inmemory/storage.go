package inmemory

import (
	"errors"
	"sync"

	"github.com/s-rishu/raft-distributed-rsm/param"
)

var (
	ErrLogNotFound      = errors.New("log entry not found")
	ErrIndexOutOfBounds = errors.New("index is out of bounds")
	ErrNotContiguous    = errors.New("entries are not contiguous with the log")
)

// Storage 是 Storage 接口的一个线程安全的内存实现。
type Storage struct {
	mu sync.RWMutex

	// HardState (term, votedFor)
	hardState param.HardState

	// Log entries
	// 日志索引从1开始，log[0] 是一个哑元哨兵（index 0, term 0）。
	log []param.LogEntry
}

// NewStorage 创建一个新的内存存储实例。
func NewStorage() *Storage {
	return &Storage{
		log: make([]param.LogEntry, 1),
	}
}

// --- HardState 操作 ---

func (s *Storage) SetState(state param.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = state
	return nil
}

func (s *Storage) GetState() (param.HardState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState, nil
}

// --- 日志条目操作 ---

func (s *Storage) AppendEntries(entries []param.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.log))
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return ErrNotContiguous
		}
	}
	s.log = append(s.log, entries...)
	return nil
}

func (s *Storage) GetEntry(index uint64) (*param.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 1 || index >= uint64(len(s.log)) {
		return nil, ErrLogNotFound
	}

	entry := s.log[index]
	return &entry, nil
}

func (s *Storage) GetEntriesFrom(fromIndex uint64) ([]param.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromIndex < 1 {
		return nil, ErrIndexOutOfBounds
	}
	if fromIndex >= uint64(len(s.log)) {
		return nil, nil
	}

	suffix := make([]param.LogEntry, len(s.log[fromIndex:]))
	copy(suffix, s.log[fromIndex:])
	return suffix, nil
}

func (s *Storage) TruncateLog(fromIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fromIndex < 1 {
		return ErrIndexOutOfBounds
	}
	if fromIndex >= uint64(len(s.log)) {
		// 索引超出当前日志范围，无需截断
		return nil
	}

	s.log = s.log[:fromIndex]
	return nil
}

// --- 日志元数据操作 ---

func (s *Storage) FirstLogIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return 1, nil
}

func (s *Storage) LastLogIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.log)) - 1, nil
}

func (s *Storage) LogSize() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log) - 1, nil
}

// Close 在内存实现中是无操作的。
func (s *Storage) Close() error {
	return nil
}
