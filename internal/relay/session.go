package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"claude-code-proxy/internal/relay/response"
)

// 缓冲区大小常量
const (
	StreamBufferSize = 8192 // 8KB主缓冲区
	errorBodyLimit   = 64 * 1024
)

// errReadIdle 相邻数据块之间的读超时到期
var errReadIdle = errors.New("read timeout: no data received within window")

// 转发到上游时剥离的客户端请求头
// 认证头由配置的上游凭据重写，逐跳头不透传
var strippedRequestHeaders = map[string]bool{
	"Host":           true,
	"Content-Length": true,
	"Connection":     true,
	"Keep-Alive":     true,
	"Authorization":  true,
	"X-Api-Key":      true,
}

// UpstreamOptions 上游调用参数
type UpstreamOptions struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// CommittedError 提交后失败
// 部分输出已到达客户端，重试会导致重复或损坏，只能中止整个请求
type CommittedError struct {
	Err error
}

func (e *CommittedError) Error() string {
	return fmt.Sprintf("stream failed after commit: %v", e.Err)
}

func (e *CommittedError) Unwrap() error {
	return e.Err
}

// StreamingSession 驱动一次上游调用尝试并转发其输出
// 重试决策不在session内做：提交前的失败原样上交给RetryController分类
type StreamingSession struct {
	client      *http.Client
	upstream    UpstreamOptions
	readTimeout time.Duration

	reqCtx    *RequestContext
	record    *AttemptRecord
	forwarder *StreamForwarder
}

func newStreamingSession(client *http.Client, upstream UpstreamOptions, readTimeout time.Duration,
	reqCtx *RequestContext, record *AttemptRecord, forwarder *StreamForwarder) *StreamingSession {

	return &StreamingSession{
		client:      client,
		upstream:    upstream,
		readTimeout: readTimeout,
		reqCtx:      reqCtx,
		record:      record,
		forwarder:   forwarder,
	}
}

// Run 执行一次完整的尝试：建连、读流、转发
// 返回nil表示尝试成功；*CommittedError表示提交后失败；其他错误待分类
func (s *StreamingSession) Run(ctx context.Context) error {
	rec := s.record
	rec.StartTime = time.Now()
	rec.State = StateConnecting
	defer func() {
		rec.Elapsed = time.Since(rec.StartTime)
	}()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := s.buildRequest(attemptCtx)
	if err != nil {
		return s.fail(fmt.Errorf("build upstream request: %w", err))
	}

	// 读超时看门狗：约束相邻两个数据块之间的间隔，而非整个流的时长
	// 启动于发起调用之前，同时覆盖首字节等待；每收到一块就重置
	var watchdog *time.Timer
	if s.readTimeout > 0 {
		watchdog = time.AfterFunc(s.readTimeout, func() {
			cancel(errReadIdle)
		})
		defer watchdog.Stop()
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return s.fail(s.resolveCause(attemptCtx, err))
	}
	defer resp.Body.Close()

	if watchdog != nil {
		watchdog.Reset(s.readTimeout)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return s.fail(&StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       body,
		})
	}

	rec.State = StateStreamingUncommitted

	// 上游可能以gzip/deflate/br压缩推流，转发前解开
	processor := response.NewProcessor()
	reader, err := processor.DecompressStreamReader(resp)
	if err != nil {
		return s.fail(fmt.Errorf("decompress upstream stream: %w", err))
	}
	defer reader.Close()

	if encoding := resp.Header.Get("Content-Encoding"); encoding != "" {
		slog.Info(fmt.Sprintf("🗜️ [流式解压] [%s] 第%d次尝试, 编码: %s", s.reqCtx.RequestID, rec.Number, encoding))
	}

	buffer := make([]byte, StreamBufferSize)
	for {
		n, readErr := reader.Read(buffer)

		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(s.readTimeout)
			}
			chunk := buffer[:n]

			if !s.reqCtx.Committed() {
				// 首字节：先记录TTFB并置提交标志，再转发
				// 从这一刻起本请求不再允许任何重试
				rec.TTFB = time.Since(rec.StartTime)
				s.forwarder.Begin(resp)
				s.reqCtx.Commit()
				rec.State = StateStreamingCommitted
				s.forwarder.StartKeepalive()
				slog.Info(fmt.Sprintf("🌊 [流式提交] [%s] 第%d次尝试收到首字节, TTFB: %v",
					s.reqCtx.RequestID, rec.Number, rec.TTFB.Round(time.Millisecond)))
			}

			if werr := s.forwarder.Forward(chunk); werr != nil {
				return s.fail(fmt.Errorf("forward to client: %w", werr))
			}
			rec.ChunkCount++
		}

		if readErr == io.EOF {
			// 空体2xx响应也要向客户端提交头部
			if !s.reqCtx.Committed() {
				rec.TTFB = time.Since(rec.StartTime)
				s.forwarder.Begin(resp)
				s.reqCtx.Commit()
			}
			rec.State = StateSucceeded
			rec.Outcome = OutcomeSuccess
			slog.Info(fmt.Sprintf("✅ [流式完成] [%s] 第%d次尝试正常完成, 数据块: %d, 耗时: %v",
				s.reqCtx.RequestID, rec.Number, rec.ChunkCount, time.Since(rec.StartTime).Round(time.Millisecond)))
			return nil
		}

		if readErr != nil {
			return s.fail(s.resolveCause(attemptCtx, readErr))
		}
	}
}

// resolveCause 看门狗触发时Read返回的是context canceled，还原真实原因
func (s *StreamingSession) resolveCause(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w (after %v)", cause, time.Since(s.record.StartTime).Round(time.Millisecond))
	}
	return err
}

// fail 按提交状态定型失败结果
func (s *StreamingSession) fail(err error) error {
	rec := s.record
	if s.reqCtx.Committed() {
		rec.State = StateFailedCommitted
		rec.Outcome = OutcomeCancelled
		slog.Warn(fmt.Sprintf("⚠️ [流式中断] [%s] 第%d次尝试提交后失败, 已转发 %d 块, 流将被中止: %v",
			s.reqCtx.RequestID, rec.Number, rec.ChunkCount, err))
		return &CommittedError{Err: err}
	}
	rec.State = StateFailedUncommitted
	rec.Outcome = OutcomeFailed
	return err
}

func (s *StreamingSession) buildRequest(ctx context.Context) (*http.Request, error) {
	url := strings.TrimSuffix(s.upstream.BaseURL, "/") + s.reqCtx.Path
	if s.reqCtx.RawQuery != "" {
		url += "?" + s.reqCtx.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, s.reqCtx.Method, url, bytes.NewReader(s.reqCtx.Body))
	if err != nil {
		return nil, err
	}

	for key, values := range s.reqCtx.Header {
		if strippedRequestHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for key, v := range s.upstream.Headers {
		req.Header.Set(key, v)
	}
	if s.upstream.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.upstream.APIKey)
	}
	if s.reqCtx.Streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	return req, nil
}
