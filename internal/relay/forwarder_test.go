package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// plainWriter 不支持flush的ResponseWriter
type plainWriter struct {
	header http.Header
}

func (w *plainWriter) Header() http.Header       { return w.header }
func (w *plainWriter) Write(p []byte) (int, error) { return len(p), nil }
func (w *plainWriter) WriteHeader(int)           {}

func TestNewStreamForwarder_RequiresFlusher(t *testing.T) {
	_, err := NewStreamForwarder(&plainWriter{header: http.Header{}}, "req-1", 0)
	if err == nil {
		t.Fatal("Expected error for writer without flush support")
	}
}

func TestStreamForwarder_BeginStripsTransportHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	forwarder, err := NewStreamForwarder(w, "req-1", 0)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type":     []string{"text/event-stream"},
			"Content-Encoding": []string{"gzip"},
			"Content-Length":   []string{"1234"},
			"X-Request-Id":     []string{"upstream-42"},
		},
	}
	forwarder.Begin(resp)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Expected Content-Type passthrough, got %q", got)
	}
	if got := w.Header().Get("X-Request-Id"); got != "upstream-42" {
		t.Errorf("Expected custom header passthrough, got %q", got)
	}
	// 本层已解压，编码和长度头不得透传
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("Content-Encoding must be stripped")
	}
	if w.Header().Get("Content-Length") != "" {
		t.Error("Content-Length must be stripped")
	}
}

func TestStreamForwarder_ForwardFlushesImmediately(t *testing.T) {
	w := httptest.NewRecorder()
	forwarder, err := NewStreamForwarder(w, "req-1", 0)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}

	forwarder.Begin(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}})
	if err := forwarder.Forward([]byte("data: hello\n\n")); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if !w.Flushed {
		t.Error("Expected flush after each forwarded chunk")
	}
	if w.Body.String() != "data: hello\n\n" {
		t.Errorf("Chunk must be forwarded unchanged, got %q", w.Body.String())
	}
}

func TestStreamForwarder_KeepaliveWhileIdle(t *testing.T) {
	w := httptest.NewRecorder()
	forwarder, err := NewStreamForwarder(w, "req-1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}

	forwarder.Begin(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}})
	forwarder.StartKeepalive()
	time.Sleep(120 * time.Millisecond)
	forwarder.Stop()

	body := w.Body.String()
	if !strings.Contains(body, "event: ping") {
		t.Error("Expected keepalive ping injected on idle stream")
	}
	// ping是可识别的独立事件类型，负载为固定哨兵
	if !strings.Contains(body, `{"type": "ping"}`) {
		t.Errorf("Unexpected ping payload in body: %q", body)
	}

	// Stop之后不再注入
	settled := w.Body.Len()
	time.Sleep(80 * time.Millisecond)
	if w.Body.Len() != settled {
		t.Error("Expected no pings after Stop")
	}
}

func TestStreamForwarder_NoKeepaliveBeforeBegin(t *testing.T) {
	w := httptest.NewRecorder()
	forwarder, err := NewStreamForwarder(w, "req-1", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}

	// 未提交响应头之前不得向客户端写任何字节
	forwarder.StartKeepalive()
	time.Sleep(80 * time.Millisecond)
	forwarder.Stop()

	if w.Body.Len() != 0 {
		t.Errorf("Expected no output before Begin, got %q", w.Body.String())
	}
}

// sealedWriter 统计密封之后仍然发生的写入
type sealedWriter struct {
	mu     sync.Mutex
	sealed bool
	late   int
	header http.Header
}

func (w *sealedWriter) Header() http.Header { return w.header }

func (w *sealedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		w.late++
	}
	return len(p), nil
}

func (w *sealedWriter) WriteHeader(int) {}

func (w *sealedWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sealed {
		w.late++
	}
}

func (w *sealedWriter) seal() {
	w.mu.Lock()
	w.sealed = true
	w.mu.Unlock()
}

func (w *sealedWriter) lateWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.late
}

// Stop返回即代表keepalive goroutine已退出，之后不得再触碰ResponseWriter
func TestStreamForwarder_StopJoinsKeepalive(t *testing.T) {
	w := &sealedWriter{header: http.Header{}}
	forwarder, err := NewStreamForwarder(w, "req-1", time.Millisecond)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}

	forwarder.Begin(&http.Response{StatusCode: http.StatusOK, Header: http.Header{}})
	forwarder.StartKeepalive()
	time.Sleep(20 * time.Millisecond)

	forwarder.Stop()
	w.seal()

	time.Sleep(30 * time.Millisecond)
	if late := w.lateWrites(); late != 0 {
		t.Errorf("Expected no writer use after Stop returned, got %d late writes", late)
	}
}

func TestStreamForwarder_StopIdempotent(t *testing.T) {
	w := httptest.NewRecorder()
	forwarder, err := NewStreamForwarder(w, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Failed to create forwarder: %v", err)
	}
	forwarder.StartKeepalive()
	forwarder.Stop()
	forwarder.Stop() // 二次调用不得panic
}
