package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/events"
	"claude-code-proxy/internal/middleware"
	"claude-code-proxy/internal/relay"
)

// Handler handles HTTP relay requests
// 每个入站请求构建一次重试策略快照，转发交给relay.RetryController驱动
type Handler struct {
	mu       sync.RWMutex
	cfg      *config.Config
	client   *http.Client
	recorder relay.Recorder

	monitoring *middleware.MonitoringMiddleware
	eventBus   events.EventBus
}

// NewHandler creates a new relay handler
func NewHandler(cfg *config.Config, client *http.Client, recorder relay.Recorder) *Handler {
	if recorder == nil {
		recorder = relay.NopRecorder{}
	}
	return &Handler{
		cfg:      cfg,
		client:   client,
		recorder: recorder,
	}
}

// SetMonitoringMiddleware sets the monitoring middleware for request metrics
func (h *Handler) SetMonitoringMiddleware(mm *middleware.MonitoringMiddleware) {
	h.monitoring = mm
}

// SetEventBus 设置事件总线
func (h *Handler) SetEventBus(bus events.EventBus) {
	h.eventBus = bus
}

// UpdateConfig updates the handler configuration
// 只影响后续请求，进行中的请求继续使用其创建时的策略快照
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) currentConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.currentConfig()

	requestID := middleware.RequestIDFromContext(r.Context())
	if requestID == "" {
		requestID = "req-" + uuid.NewString()[:8]
	}

	if !h.authorize(cfg, r) {
		slog.Warn(fmt.Sprintf("🔒 [认证失败] [%s] %s %s", requestID, r.Method, r.URL.Path))
		h.writeError(w, requestID, http.StatusUnauthorized, "authentication_error",
			"invalid or missing client credentials")
		return
	}

	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			h.writeError(w, requestID, http.StatusBadRequest, "invalid_request_error",
				"failed to read request body")
			return
		}
	}

	streaming := detectStreamRequest(r, bodyBytes)

	policy := relay.BackoffPolicy{
		BaseDelay:  cfg.Retry.RetryBaseDelay(),
		MaxDelay:   cfg.Retry.MaxDelay,
		MaxRetries: cfg.MaxAttempts() - 1,
		Jitter:     cfg.Retry.Jitter,
	}

	reqCtx := relay.NewRequestContext(requestID, r, bodyBytes, streaming, policy)

	if h.monitoring != nil {
		clientIP := r.RemoteAddr
		h.monitoring.RecordRequest(requestID, clientIP, r.UserAgent(), r.Method, r.URL.Path, streaming)
	}
	h.publishEvent(events.EventRequestStarted, events.PriorityNormal, map[string]interface{}{
		"request_id": requestID,
		"method":     r.Method,
		"path":       r.URL.Path,
		"streaming":  streaming,
	})

	controller := relay.NewRetryController(
		h.client,
		relay.UpstreamOptions{
			BaseURL: cfg.Upstream.BaseURL,
			APIKey:  cfg.Upstream.APIKey,
			Headers: cfg.Upstream.Headers,
		},
		&relay.Classifier{RetryRateLimited: cfg.Retry.RetryRateLimited},
		h.recorder,
		cfg.Timeouts.Read,
		cfg.Streaming.KeepaliveInterval,
	)

	var result relay.Result
	if streaming {
		slog.Info(fmt.Sprintf("🌊 [流式处理] [%s] 开始流式请求处理: %s %s", requestID, r.Method, r.URL.Path))
		result = h.serveStreaming(w, r, controller, reqCtx)
	} else {
		slog.Info(fmt.Sprintf("🔄 [常规处理] [%s] 开始非流式请求处理: %s %s", requestID, r.Method, r.URL.Path))
		result = h.serveBuffered(w, r, controller, reqCtx, cfg.Timeouts.Global)
	}

	if h.monitoring != nil {
		if result.Attempts > 1 {
			for i := 1; i < result.Attempts; i++ {
				h.monitoring.RecordRetry(requestID)
			}
		}
		if reqCtx.Committed() {
			h.monitoring.RecordCommitted(requestID)
		}
		h.monitoring.RecordOutcome(requestID, string(result.Outcome), result.Elapsed)
	}
	if result.Attempts > 1 {
		h.publishEvent(events.EventRetryScheduled, events.PriorityNormal, map[string]interface{}{
			"request_id": requestID,
			"retries":    result.Attempts - 1,
			"error_kind": result.Kind.String(),
		})
	}
	if reqCtx.Committed() {
		h.publishEvent(events.EventStreamCommitted, events.PriorityNormal, map[string]interface{}{
			"request_id": requestID,
			"ttfb_ms":    reqCtx.TTFBMilliseconds(),
		})
	}
	if result.Outcome == relay.OutcomeExhausted {
		h.publishEvent(events.EventSystemError, events.PriorityHigh, map[string]interface{}{
			"request_id": requestID,
			"error_kind": result.Kind.String(),
			"message":    "重试预算耗尽，请求以失败终止",
		})
	}
	h.publishEvent(events.EventRequestCompleted, events.PriorityNormal, map[string]interface{}{
		"request_id": requestID,
		"outcome":    string(result.Outcome),
		"error_kind": result.Kind.String(),
		"attempts":   result.Attempts,
		"elapsed_ms": result.Elapsed.Milliseconds(),
	})
}

// serveStreaming 流式请求：转发由controller驱动，只有未提交的失败才写错误响应
func (h *Handler) serveStreaming(w http.ResponseWriter, r *http.Request,
	controller *relay.RetryController, reqCtx *relay.RequestContext) relay.Result {

	result := controller.Execute(r.Context(), reqCtx, w)

	if result.Outcome != relay.OutcomeSuccess && !reqCtx.Committed() {
		// 提交前失败：响应头尚未写出，可以下发完整的错误响应
		h.writeFailure(w, reqCtx.RequestID, result)
	}
	// 提交后失败：流已中止，不伪造任何终止符，让客户端检测到截断
	return result
}

// serveBuffered 非流式请求：响应完整缓冲后一次写出，受整体超时约束
func (h *Handler) serveBuffered(w http.ResponseWriter, r *http.Request,
	controller *relay.RetryController, reqCtx *relay.RequestContext, globalTimeout time.Duration) relay.Result {

	ctx := r.Context()
	if globalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, globalTimeout)
		defer cancel()
	}

	resp, result := controller.ExecuteBuffered(ctx, reqCtx)
	if result.Outcome != relay.OutcomeSuccess {
		h.writeFailure(w, reqCtx.RequestID, result)
		return result
	}

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		slog.Error(fmt.Sprintf("❌ [响应写入失败] [%s] %v", reqCtx.RequestID, err))
	}
	return result
}

// authorize 校验客户端凭证，Bearer token与x-api-key二选一
func (h *Handler) authorize(cfg *config.Config, r *http.Request) bool {
	if !cfg.Auth.Enabled || cfg.Auth.Token == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == cfg.Auth.Token {
		return true
	}
	return r.Header.Get("X-Api-Key") == cfg.Auth.Token
}

// writeFailure 将终态结果映射为客户端可见的HTTP错误
func (h *Handler) writeFailure(w http.ResponseWriter, requestID string, result relay.Result) {
	status, errType := statusForKind(result.Kind, result.Outcome)

	message := relay.RemediationHint(result.Kind)
	switch {
	case result.Err != nil && message != "":
		message = fmt.Sprintf("%v (%s)", result.Err, message)
	case result.Err != nil:
		message = result.Err.Error()
	case message == "":
		message = "request failed"
	}

	// 上游错误体往往说明具体失败原因，附带片段供客户端排查
	var statusErr *relay.StatusError
	if errors.As(result.Err, &statusErr) {
		if snippet := statusErr.BodySnippet(); snippet != "" {
			message = fmt.Sprintf("%s | upstream: %s", message, snippet)
		}
	}
	h.writeError(w, requestID, status, errType, message)
}

func (h *Handler) writeError(w http.ResponseWriter, requestID string, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":       errType,
			"message":    message,
			"request_id": requestID,
		},
	})
}

// statusForKind 错误类别到HTTP状态码的映射
func statusForKind(kind relay.ErrorKind, outcome relay.Outcome) (int, string) {
	switch kind {
	case relay.KindAuth:
		return http.StatusUnauthorized, "authentication_error"
	case relay.KindBadRequest:
		return http.StatusBadRequest, "invalid_request_error"
	case relay.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error"
	case relay.KindTimeout:
		return http.StatusGatewayTimeout, "timeout_error"
	case relay.KindCancelled:
		// 客户端已断开时状态码只进日志，不会真正到达对端
		return 499, "request_cancelled"
	case relay.KindConnection, relay.KindUpstreamServer:
		return http.StatusBadGateway, "upstream_error"
	default:
		if outcome == relay.OutcomeExhausted {
			return http.StatusBadGateway, "upstream_error"
		}
		return http.StatusInternalServerError, "api_error"
	}
}

// detectStreamRequest 统一流式请求检测逻辑
func detectStreamRequest(r *http.Request, bodyBytes []byte) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}

	// 请求体中的stream参数
	if len(bodyBytes) > 0 {
		var probe struct {
			Stream *bool `json:"stream"`
		}
		if err := json.Unmarshal(bodyBytes, &probe); err == nil && probe.Stream != nil {
			return *probe.Stream
		}
	}
	return false
}

func (h *Handler) publishEvent(eventType events.EventType, priority events.EventPriority, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	h.eventBus.Publish(events.Event{
		Type:      eventType,
		Source:    "relay_handler",
		Timestamp: time.Now(),
		Data:      data,
		Priority:  priority,
	})
}
