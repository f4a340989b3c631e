package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type contextKey string

// RequestIDKey 请求ID的上下文键，日志中间件写入，转发处理器读取
const RequestIDKey contextKey = "request_id"

// RequestIDFromContext 从上下文提取请求ID，缺失时返回空串
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LoggingMiddleware provides request/response logging
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a new logging middleware
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{
		logger: logger,
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Flush 透传Flush，流式转发依赖逐块刷新
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Wrap wraps an HTTP handler with request ID assignment and logging
func (lm *LoggingMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := getClientIP(r)
		userAgent := truncateString(r.UserAgent(), 50)

		requestID := "req-" + uuid.NewString()[:8]
		r = r.WithContext(context.WithValue(r.Context(), RequestIDKey, requestID))

		rw := &responseWriter{ResponseWriter: w}

		lm.logger.Debug(fmt.Sprintf("📝 [请求接收] [%s] %s %s", requestID, r.Method, r.URL.Path),
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", userAgent,
			"content_length", r.ContentLength,
			"request_id", requestID,
		)

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		statusEmoji := getStatusEmoji(rw.statusCode)
		lm.logger.Debug(fmt.Sprintf("%s [请求详情] [%s] %s %s → %d (%s)", statusEmoji, requestID, r.Method, r.URL.Path, rw.statusCode, formatDuration(duration)),
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", rw.statusCode,
			"bytes_written", formatBytes(rw.bytes),
			"duration", formatDuration(duration),
			"client_ip", clientIP,
			"request_id", requestID,
		)

		// Log slow requests as warnings
		if duration > 10*time.Second {
			lm.logger.Warn(fmt.Sprintf("🐌 [慢请求] [%s]", requestID),
				"method", r.Method,
				"path", r.URL.Path,
				"duration", formatDuration(duration),
				"status_code", rw.statusCode,
				"request_id", requestID,
			)
		}

		if rw.statusCode >= 400 {
			level := slog.LevelWarn
			emoji := "⚠️"
			if rw.statusCode >= 500 {
				level = slog.LevelError
				emoji = "❌"
			}

			lm.logger.Log(r.Context(), level, fmt.Sprintf("%s [请求失败] [%s]", emoji, requestID),
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", rw.statusCode,
				"duration", formatDuration(duration),
				"request_id", requestID,
			)
		}
	})
}

// Helper functions for better log formatting

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getStatusEmoji(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "✅"
	case statusCode >= 300 && statusCode < 400:
		return "🔄"
	case statusCode >= 400 && statusCode < 500:
		return "⚠️"
	case statusCode >= 500:
		return "❌"
	default:
		return "❓"
	}
}

func formatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	} else if bytes < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(bytes)/1024)
	}
	return fmt.Sprintf("%.1fMB", float64(bytes)/(1024*1024))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fμs", float64(d.Nanoseconds())/1000)
	} else if d < time.Second {
		return fmt.Sprintf("%.1fms", float64(d.Nanoseconds())/1000000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
