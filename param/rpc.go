package param

// RequestVoteArgs See figure 2 in the paper.
type RequestVoteArgs struct {
	Term         uint64 // 候选人的任期号
	CandidateID  int    // 候选人的ID
	LastLogIndex uint64 // 候选人最后一条日志的索引
	LastLogTerm  uint64 // 候选人最后一条日志的任期号
}

func NewRequestVoteArgs(term uint64, candidateID int, lastLogIndex, lastLogTerm uint64) *RequestVoteArgs {
	return &RequestVoteArgs{
		Term:         term,
		CandidateID:  candidateID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
}

// RequestVoteReply 定义RequestVote RPC响应 See figure 2 in the paper.
type RequestVoteReply struct {
	Term        uint64 // 当前节点的任期号（用于候选者更新自身）
	VoteGranted bool   // 是否投票给候选者
}

func NewRequestVoteReply() *RequestVoteReply {
	return &RequestVoteReply{
		Term:        0,
		VoteGranted: false,
	}
}

// AppendEntriesArgs is the RPC argument for appendEntries requests (log replication + heartbeats).
type AppendEntriesArgs struct {
	Term         uint64     // Leader's current term
	LeaderID     int        // Leader's ID (for follower redirection)
	PrevLogIndex uint64     // Index of log entry immediately preceding new ones
	PrevLogTerm  uint64     // Term of PrevLogIndex entry
	Entries      []LogEntry // Log entries to store (empty for heartbeat)
	LeaderCommit uint64     // Leader's commitIndex
}

// NewAppendEntriesArgs creates a new AppendEntriesArgs struct.
func NewAppendEntriesArgs(term uint64, leaderID int, prevLogIndex, prevLogTerm, leaderCommit uint64, entries []LogEntry) *AppendEntriesArgs {
	return &AppendEntriesArgs{
		Term:         term,
		LeaderID:     leaderID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: leaderCommit,
	}
}

// AppendEntriesReply is the RPC response for appendEntries requests.
// LogIndex 回显请求中的 PrevLogIndex，Leader 据此把响应和发出的
// 请求对应起来，即使多个请求在途。
type AppendEntriesReply struct {
	Term     uint64 // Current term (for leader to update itself)
	LogIndex uint64 // Echo of the request's PrevLogIndex
	Success  bool   // True if follower contained entry matching PrevLogIndex/Term
}

// NewAppendEntriesReply creates a new AppendEntriesReply struct.
func NewAppendEntriesReply() *AppendEntriesReply {
	return &AppendEntriesReply{
		Term:     0,
		LogIndex: 0,
		Success:  false,
	}
}

// AdminQuery 枚举节点在任何角色下都要应答的管理/调试查询。
type AdminQuery int

const (
	QueryQueue              AdminQuery = iota // 当前队列快照
	QueryLog                                  // 日志快照
	QueryLeader                               // 已知的 Leader 和当前任期
	QueryRole                                 // 当前角色
	QuerySetElectionTimeout                   // 调整选举超时区间并重置计时器
	QuerySetHeartbeat                         // 调整心跳间隔
)

// AdminArgs 是管理查询的请求参数。
// 两个 Set 查询使用 Min/Max/Heartbeat 字段，其余查询忽略它们。
type AdminArgs struct {
	Query     AdminQuery
	Min       int64 // QuerySetElectionTimeout：新的下界（毫秒）
	Max       int64 // QuerySetElectionTimeout：新的上界（毫秒）
	Heartbeat int64 // QuerySetHeartbeat：新的心跳间隔（毫秒）
}

// AdminReply 是管理查询的响应。只有与查询对应的字段被填充。
type AdminReply struct {
	Queue    []string   // QueryQueue
	Entries  []LogEntry // QueryLog
	LeaderID int        // QueryLeader：已知 Leader 的ID（0 表示未知）
	IsSelf   bool       // QueryLeader：应答节点自身就是 Leader
	Term     uint64     // QueryLeader
	Role     State      // QueryRole
	Err      string     // Set 查询校验失败时的错误描述
}
