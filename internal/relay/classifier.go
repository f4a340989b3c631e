package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"claude-code-proxy/internal/transport"
)

// ErrorKind 错误分类枚举
// 每个类别携带固定的可重试性，分类时不再逐例推导
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeout
	KindConnection
	KindRateLimited
	KindAuth
	KindBadRequest
	KindUpstreamServer
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection_error"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth_error"
	case KindBadRequest:
		return "bad_request"
	case KindUpstreamServer:
		return "upstream_server_error"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StatusError 上游非2xx响应
type StatusError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %s", e.Status)
}

// 诊断信息引用的响应体片段上限
const bodySnippetLimit = 256

// BodySnippet 将捕获的上游响应体压缩为单行片段
// 上游错误体通常携带具体原因（如无效key、配额类型），透传给客户端便于排查
func (e *StatusError) BodySnippet() string {
	s := strings.Join(strings.Fields(string(e.Body)), " ")
	if len(s) > bodySnippetLimit {
		s = s[:bodySnippetLimit] + "..."
	}
	return s
}

// RetryAfter 解析Retry-After响应头，支持秒数和HTTP日期两种格式
func (e *StatusError) RetryAfter() (time.Duration, bool) {
	v := e.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Classification 分类结果
type Classification struct {
	Kind      ErrorKind
	Retryable bool
	// RetryAfter 上游通过429响应头给出的退避提示，无提示时为0
	RetryAfter time.Duration
}

// Classifier 错误分类器，纯函数，无副作用
type Classifier struct {
	// RetryRateLimited 允许对不带Retry-After提示的429退避重试
	// 默认false：无提示的429视为配额耗尽，快速失败
	RetryRateLimited bool
}

// Classify 将原始失败信号映射为(类别, 可重试性)
// 规则按顺序求值，首个命中生效；未知错误一律不可重试
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}

	// 客户端取消优先识别，取消不属于上游故障，永不重试
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCancelled}
	}

	// 规则1: 超时（建连/读/写任一阶段的deadline到期）
	if isTimeout(err) {
		return Classification{Kind: KindTimeout, Retryable: true}
	}

	// 规则2: 连接层故障（reset/refused/broken pipe/DNS/连接池耗尽）
	if isConnectionFault(err) {
		return Classification{Kind: KindConnection, Retryable: true}
	}

	// 规则3-6: 上游HTTP状态码
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return c.classifyStatus(statusErr)
	}

	// 规则7: 无结构化类型信息时的关键字兜底匹配
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return Classification{Kind: KindTimeout, Retryable: true}
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "network") {
		return Classification{Kind: KindConnection, Retryable: true}
	}

	// 规则8: 未知错误不可重试
	return Classification{Kind: KindUnknown}
}

func (c *Classifier) classifyStatus(se *StatusError) Classification {
	switch se.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return Classification{Kind: KindAuth}
	case http.StatusBadRequest, http.StatusNotFound:
		return Classification{Kind: KindBadRequest}
	case http.StatusTooManyRequests:
		// 带Retry-After提示的429是限速整形，可退避重试
		// 无提示的429视为配额耗尽，除非策略显式放行
		hint, ok := se.RetryAfter()
		return Classification{
			Kind:       KindRateLimited,
			Retryable:  ok || c.RetryRateLimited,
			RetryAfter: hint,
		}
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return Classification{Kind: KindUpstreamServer, Retryable: true}
	}
	return Classification{Kind: KindUnknown}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	// 内核层超时（如TCP keepalive失败）也归入超时，而非连接故障
	if errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func isConnectionFault(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// 流中途被掐断
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	// 连接池获取超时与连接故障同级，可重试
	if errors.Is(err, transport.ErrPoolTimeout) {
		return true
	}
	return false
}

// RemediationHint 针对可操作的错误类别给出排查建议
func RemediationHint(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return "upstream did not respond in time; consider raising READ_TIMEOUT or enabling STREAM_RETRY_ENABLED"
	case KindConnection:
		return "connection to upstream failed; check network reachability and OPENAI_BASE_URL, retries may help"
	case KindRateLimited:
		return "upstream is rate limiting; reduce request rate or wait before retrying"
	case KindAuth:
		return "upstream rejected credentials; verify OPENAI_API_KEY"
	}
	return ""
}
