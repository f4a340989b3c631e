package relay

import (
	"net/http"
	"time"
)

// AttemptState 单次尝试的状态机
// Idle → Connecting → StreamingUncommitted → StreamingCommitted → 终态
// 只有FailedUncommitted允许触发重试
type AttemptState int

const (
	StateIdle AttemptState = iota
	StateConnecting
	StateStreamingUncommitted
	StateStreamingCommitted
	StateSucceeded
	StateFailedUncommitted
	StateFailedCommitted
)

func (s AttemptState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreamingUncommitted:
		return "streaming_uncommitted"
	case StateStreamingCommitted:
		return "streaming_committed"
	case StateSucceeded:
		return "succeeded"
	case StateFailedUncommitted:
		return "failed_uncommitted"
	case StateFailedCommitted:
		return "failed_committed"
	default:
		return "unknown"
	}
}

// Outcome 请求或尝试的终态
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled" // 提交后失败或客户端取消
	OutcomeExhausted Outcome = "exhausted" // 重试额度耗尽
)

// AttemptRecord 一次上游调用尝试的记录
// 由所属的StreamingSession独占写入，尝试之间严格串行，无需加锁
type AttemptRecord struct {
	Number     int           // 尝试序号，从1开始
	StartTime  time.Time     // 尝试开始时间
	TTFB       time.Duration // 首字节耗时，首个数据块到达前为0
	ChunkCount int64         // 转发的数据块数量，keepalive不计入
	State      AttemptState  // 状态机当前状态
	Outcome    Outcome       // 终态结果
	Kind       ErrorKind     // 失败类别，成功时为KindUnknown
	Elapsed    time.Duration // 尝试总耗时
}

// RequestContext 单个客户端请求的不可变上下文
// 每个入站请求创建一次，贯穿所有重试尝试
type RequestContext struct {
	RequestID string
	Method    string
	Path      string
	RawQuery  string
	Header    http.Header
	Body      []byte
	Streaming bool
	StartTime time.Time

	// Policy 请求创建时的重试策略快照，不受配置热重载影响
	Policy BackoffPolicy

	// committed 提交标志：任一尝试向客户端转发了至少1字节后置位
	// 置位后整个请求不允许再发起新的上游尝试
	committed bool

	attempts []*AttemptRecord
}

// NewRequestContext 创建请求上下文
func NewRequestContext(requestID string, r *http.Request, body []byte, streaming bool, policy BackoffPolicy) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		RawQuery:  r.URL.RawQuery,
		Header:    r.Header.Clone(),
		Body:      body,
		Streaming: streaming,
		StartTime: time.Now(),
		Policy:    policy,
	}
}

// Commit 标记流已提交，首个下游字节转发之前调用
func (rc *RequestContext) Commit() {
	rc.committed = true
}

// Committed 返回是否已有响应字节到达客户端
func (rc *RequestContext) Committed() bool {
	return rc.committed
}

// NewAttempt 追加并返回新的尝试记录
func (rc *RequestContext) NewAttempt() *AttemptRecord {
	rec := &AttemptRecord{
		Number:    len(rc.attempts) + 1,
		StartTime: time.Now(),
		State:     StateIdle,
	}
	rc.attempts = append(rc.attempts, rec)
	return rec
}

// Attempts 返回所有尝试记录（按发生顺序）
func (rc *RequestContext) Attempts() []*AttemptRecord {
	return rc.attempts
}

// TTFBMilliseconds 返回最近一次收到首字节的尝试的TTFB毫秒数，没有则为0
func (rc *RequestContext) TTFBMilliseconds() int64 {
	for i := len(rc.attempts) - 1; i >= 0; i-- {
		if rc.attempts[i].TTFB > 0 {
			return rc.attempts[i].TTFB.Milliseconds()
		}
	}
	return 0
}
