// Package integration 提供转发链路的端到端集成测试
// 覆盖中间件、重试控制器与诊断记录器的协同工作
package integration

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"claude-code-proxy/config"
	"claude-code-proxy/internal/middleware"
	"claude-code-proxy/internal/proxy"
	"claude-code-proxy/internal/relay"
	"claude-code-proxy/internal/tracking"
)

func integrationConfig(upstreamURL string) *config.Config {
	enabled := true
	retries := 2
	baseDelay := 10 * time.Millisecond
	return &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstreamURL},
		Timeouts: config.TimeoutConfig{Read: 5 * time.Second},
		Retry: config.RetryConfig{
			Enabled:    &enabled,
			MaxRetries: &retries,
			BaseDelay:  &baseDelay,
			MaxDelay:   50 * time.Millisecond,
		},
	}
}

// buildStack 组装与main.go一致的处理链: logging → proxy handler
func buildStack(cfg *config.Config, rec relay.Recorder) (http.Handler, *middleware.MonitoringMiddleware) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler := proxy.NewHandler(cfg, &http.Client{}, rec)
	mm := middleware.NewMonitoringMiddleware()
	handler.SetMonitoringMiddleware(mm)

	return middleware.NewLoggingMiddleware(logger).Wrap(handler), mm
}

func TestRelayFlow_StreamingRetryThenSuccess(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: message_start\ndata: {}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer upstream.Close()

	stack, mm := buildStack(integrationConfig(upstream.URL), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"stream":true}`))
	stack.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "message_stop")
	assert.Equal(t, int32(3), calls.Load())

	metrics := mm.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalRequests)
	assert.Equal(t, int64(1), metrics.SuccessfulRequests)
	assert.Equal(t, int64(2), metrics.TotalRetries)
	assert.Equal(t, int64(1), metrics.CommittedStream)
}

func TestRelayFlow_PostCommitFailureLeavesStreamTruncated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "event: message_start\ndata: {}\n\n")
		w.(http.Flusher).Flush()
		// 模拟上游中途断连
		panic(http.ErrAbortHandler)
	}))
	defer upstream.Close()

	stack, mm := buildStack(integrationConfig(upstream.URL), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"stream":true}`))
	stack.ServeHTTP(rec, req)

	// 首字节已提交：客户端只能看到截断的流，没有伪造的终止符也没有错误JSON
	body := rec.Body.String()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "message_start")
	assert.NotContains(t, body, "message_stop")
	assert.NotContains(t, body, `"error"`)

	metrics := mm.GetMetrics()
	assert.Equal(t, int64(1), metrics.CancelledRequests)
	assert.Equal(t, int64(1), metrics.CommittedStream)
	assert.Equal(t, int64(0), metrics.TotalRetries, "提交后不允许重试")
}

func TestRelayFlow_ExhaustedReturnsUpstreamError(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	stack, mm := buildStack(integrationConfig(upstream.URL), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
	stack.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream_error")
	assert.Contains(t, rec.Body.String(), "request_id")
	assert.Equal(t, int32(3), calls.Load(), "1次首发+2次重试")

	metrics := mm.GetMetrics()
	assert.Equal(t, int64(1), metrics.ExhaustedRequests)
	assert.Equal(t, int64(1), metrics.FailedRequests)
}

func TestRelayFlow_AttemptsPersistedToDatabase(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1"}`)
	}))
	defer upstream.Close()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	recorder, err := tracking.NewRecorder(config.TrackingConfig{
		Enabled:       true,
		Database:      &config.DatabaseBackendConfig{Type: "sqlite", Path: dbPath},
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	stack, _ := buildStack(integrationConfig(upstream.URL), recorder)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"m"}`))
	stack.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, recorder.Close())

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var attempts int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM attempt_logs").Scan(&attempts))
	assert.Equal(t, 2, attempts)

	var outcome string
	require.NoError(t, db.QueryRow("SELECT final_outcome FROM request_logs").Scan(&outcome))
	assert.Equal(t, "success", outcome)
}
