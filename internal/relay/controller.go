package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"claude-code-proxy/internal/relay/response"
)

// Result 一个客户端请求的最终结果
type Result struct {
	Outcome  Outcome
	Kind     ErrorKind
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// BufferedResponse 非流式请求的完整响应
type BufferedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RetryController 重试控制器
// 串行驱动零或多次StreamingSession尝试，为每个请求产生唯一的终态
// 尝试之间绝不并发：同一时刻只允许一路上游调用，避免重复计费和重复推流
type RetryController struct {
	client            *http.Client
	upstream          UpstreamOptions
	classifier        *Classifier
	recorder          Recorder
	readTimeout       time.Duration
	keepaliveInterval time.Duration
}

func NewRetryController(client *http.Client, upstream UpstreamOptions, classifier *Classifier,
	recorder Recorder, readTimeout, keepaliveInterval time.Duration) *RetryController {

	if recorder == nil {
		recorder = NopRecorder{}
	}
	if classifier == nil {
		classifier = &Classifier{}
	}
	return &RetryController{
		client:            client,
		upstream:          upstream,
		classifier:        classifier,
		recorder:          recorder,
		readTimeout:       readTimeout,
		keepaliveInterval: keepaliveInterval,
	}
}

// Execute 执行流式请求，上游尝试次数以max_retries+1为界
func (rc *RetryController) Execute(ctx context.Context, reqCtx *RequestContext, w http.ResponseWriter) Result {
	forwarder, err := NewStreamForwarder(w, reqCtx.RequestID, rc.keepaliveInterval)
	if err != nil {
		return rc.finish(reqCtx, Result{Outcome: OutcomeFailed, Kind: KindUnknown, Attempts: 0, Err: err})
	}
	defer forwarder.Stop()

	for attempt := 1; ; attempt++ {
		rec := reqCtx.NewAttempt()
		session := newStreamingSession(rc.client, rc.upstream, rc.readTimeout, reqCtx, rec, forwarder)
		runErr := session.Run(ctx)

		if runErr == nil {
			rc.recorder.RecordAttempt(reqCtx.RequestID, rec)
			return rc.finish(reqCtx, Result{Outcome: OutcomeSuccess, Attempts: attempt})
		}

		// 提交后失败：部分输出已到达客户端，无论错误类别一律不重试
		// 流被突然中止，不伪造成功终止符
		var committedErr *CommittedError
		if errors.As(runErr, &committedErr) {
			rec.Kind = rc.classifier.Classify(committedErr.Err).Kind
			rc.recorder.RecordAttempt(reqCtx.RequestID, rec)
			return rc.finish(reqCtx, Result{Outcome: OutcomeCancelled, Kind: rec.Kind, Attempts: attempt, Err: runErr})
		}

		cls := rc.classifier.Classify(runErr)
		rec.Kind = cls.Kind
		rc.recorder.RecordAttempt(reqCtx.RequestID, rec)

		if result, done := rc.nextAttempt(ctx, reqCtx, attempt, cls, runErr); done {
			return result
		}
	}
}

// ExecuteBuffered 执行非流式请求
// 响应先完整缓冲再写出，任何失败都发生在提交前，重试规则与流式一致
func (rc *RetryController) ExecuteBuffered(ctx context.Context, reqCtx *RequestContext) (*BufferedResponse, Result) {
	for attempt := 1; ; attempt++ {
		rec := reqCtx.NewAttempt()
		resp, runErr := rc.doBuffered(ctx, reqCtx, rec)

		if runErr == nil {
			rc.recorder.RecordAttempt(reqCtx.RequestID, rec)
			return resp, rc.finish(reqCtx, Result{Outcome: OutcomeSuccess, Attempts: attempt})
		}

		cls := rc.classifier.Classify(runErr)
		rec.Kind = cls.Kind
		rc.recorder.RecordAttempt(reqCtx.RequestID, rec)

		if result, done := rc.nextAttempt(ctx, reqCtx, attempt, cls, runErr); done {
			return nil, result
		}
	}
}

// nextAttempt 决定失败后是否继续下一次尝试
// 返回done=true时result为最终结果；否则已完成退避等待，可发起下一次尝试
func (rc *RetryController) nextAttempt(ctx context.Context, reqCtx *RequestContext,
	attempt int, cls Classification, runErr error) (Result, bool) {

	requestID := reqCtx.RequestID

	// 客户端断开或整体deadline到期，立即收束
	if cls.Kind == KindCancelled || ctx.Err() != nil {
		slog.Info(fmt.Sprintf("🚫 [请求取消] [%s] 第%d次尝试期间请求被取消", requestID, attempt))
		return rc.finish(reqCtx, Result{Outcome: OutcomeCancelled, Kind: KindCancelled, Attempts: attempt, Err: runErr}), true
	}

	if !cls.Retryable {
		slog.Warn(fmt.Sprintf("🛑 [不可重试] [%s] 第%d次尝试失败(%s), 直接上报: %v",
			requestID, attempt, cls.Kind, runErr))
		return rc.finish(reqCtx, Result{Outcome: OutcomeFailed, Kind: cls.Kind, Attempts: attempt, Err: runErr}), true
	}

	delay, ok := reqCtx.Policy.Next(attempt)
	if !ok {
		// 重试额度耗尽，带着最后一次观察到的错误类别上报
		// 重试被禁用时（额度为0）按单次失败上报，不标记为耗尽
		outcome := OutcomeFailed
		if reqCtx.Policy.MaxRetries > 0 {
			outcome = OutcomeExhausted
			slog.Warn(fmt.Sprintf("🛑 [重试耗尽] [%s] %d次尝试后放弃, 最后错误(%s): %v",
				requestID, attempt, cls.Kind, runErr))
		}
		return rc.finish(reqCtx, Result{Outcome: outcome, Kind: cls.Kind, Attempts: attempt, Err: runErr}), true
	}

	// 429携带的Retry-After提示与本地退避取较大值
	if cls.RetryAfter > delay {
		delay = cls.RetryAfter
	}

	slog.Warn(fmt.Sprintf("🔁 [流式重试] [%s] 第%d次尝试失败(%s), %v后发起第%d次尝试: %v",
		requestID, attempt, cls.Kind, delay.Round(time.Millisecond), attempt+1, runErr))

	// 退避睡眠是可取消的挂起点，取消立即生效，不等剩余延迟
	select {
	case <-ctx.Done():
		slog.Info(fmt.Sprintf("🚫 [退避取消] [%s] 退避等待期间请求被取消", requestID))
		return rc.finish(reqCtx, Result{Outcome: OutcomeCancelled, Kind: KindCancelled, Attempts: attempt, Err: ctx.Err()}), true
	case <-time.After(delay):
		return Result{}, false
	}
}

// doBuffered 一次非流式尝试：完整读取上游响应体
func (rc *RetryController) doBuffered(ctx context.Context, reqCtx *RequestContext, rec *AttemptRecord) (*BufferedResponse, error) {
	rec.StartTime = time.Now()
	rec.State = StateConnecting
	defer func() {
		rec.Elapsed = time.Since(rec.StartTime)
	}()

	fail := func(err error) error {
		rec.State = StateFailedUncommitted
		rec.Outcome = OutcomeFailed
		return err
	}

	session := newStreamingSession(rc.client, rc.upstream, rc.readTimeout, reqCtx, rec, nil)
	req, err := session.buildRequest(ctx)
	if err != nil {
		return nil, fail(fmt.Errorf("build upstream request: %w", err))
	}

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fail(&StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       body,
		})
	}

	rec.State = StateStreamingUncommitted
	rec.TTFB = time.Since(rec.StartTime)

	processor := response.NewProcessor()
	body, err := processor.ReadAndDecompress(resp)
	if err != nil {
		return nil, fail(err)
	}

	rec.State = StateSucceeded
	rec.Outcome = OutcomeSuccess

	header := resp.Header.Clone()
	for key := range strippedResponseHeaders {
		header.Del(key)
	}
	return &BufferedResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// finish 记录请求汇总并返回最终结果
func (rc *RetryController) finish(reqCtx *RequestContext, result Result) Result {
	result.Elapsed = time.Since(reqCtx.StartTime)
	rc.recorder.RecordRequest(reqCtx.RequestID, result.Attempts, result.Outcome, result.Kind, result.Elapsed)

	switch result.Outcome {
	case OutcomeSuccess:
		slog.Info(fmt.Sprintf("✅ [请求完成] [%s] 成功, 尝试: %d, 总耗时: %v",
			reqCtx.RequestID, result.Attempts, result.Elapsed.Round(time.Millisecond)))
	default:
		slog.Warn(fmt.Sprintf("❌ [请求失败] [%s] 终态: %s, 类别: %s, 尝试: %d, 总耗时: %v",
			reqCtx.RequestID, result.Outcome, result.Kind, result.Attempts, result.Elapsed.Round(time.Millisecond)))
	}
	return result
}
