package relay

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// keepalive注入的SSE记录，固定哨兵负载
// 不携带业务数据，下游消费者按事件类型识别并忽略
const pingRecord = "event: ping\ndata: {\"type\": \"ping\"}\n\n"

// 转发响应时剥离的头部：编码已在本层解开，长度不再成立
var strippedResponseHeaders = map[string]bool{
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

// StreamForwarder 下游转发器
// 串行化所有写入（数据块与keepalive来自不同goroutine），每次写入后立即flush
type StreamForwarder struct {
	writer    http.ResponseWriter
	flusher   http.Flusher
	requestID string
	interval  time.Duration

	mu        sync.Mutex
	begun     bool
	lastWrite time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewStreamForwarder 创建转发器，下游必须支持flush
func NewStreamForwarder(w http.ResponseWriter, requestID string, keepaliveInterval time.Duration) (*StreamForwarder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &StreamForwarder{
		writer:    w,
		flusher:   flusher,
		requestID: requestID,
		interval:  keepaliveInterval,
		stop:      make(chan struct{}),
	}, nil
}

// Begin 向客户端提交响应头，首个数据块转发之前调用一次
func (f *StreamForwarder) Begin(resp *http.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.begun {
		return
	}
	f.begun = true

	header := f.writer.Header()
	for key, values := range resp.Header {
		if strippedResponseHeaders[key] {
			continue
		}
		for _, v := range values {
			header.Add(key, v)
		}
	}
	f.writer.WriteHeader(resp.StatusCode)
	f.lastWrite = time.Now()
}

// Forward 立即转发数据块到客户端，不等待完整响应
func (f *StreamForwarder) Forward(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.writer.Write(chunk); err != nil {
		return err
	}
	f.flusher.Flush()
	f.lastWrite = time.Now()
	return nil
}

// StartKeepalive 启动空闲keepalive注入
// 仅在该间隔内没有数据块转发时注入ping，ping不计入数据块计数
func (f *StreamForwarder) StartKeepalive() {
	if f.interval <= 0 {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.stop:
				return
			case <-ticker.C:
				f.pingIfIdle()
			}
		}
	}()
}

// Stop 停止keepalive注入并等待goroutine退出，幂等
// 返回后不再触碰ResponseWriter，调用方可以安全结束HTTP处理
func (f *StreamForwarder) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
	})
	f.wg.Wait()
}

func (f *StreamForwarder) pingIfIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.begun || time.Since(f.lastWrite) < f.interval {
		return
	}
	if _, err := f.writer.Write([]byte(pingRecord)); err != nil {
		slog.Debug(fmt.Sprintf("💤 [Keepalive] [%s] ping写入失败: %v", f.requestID, err))
		return
	}
	f.flusher.Flush()
	f.lastWrite = time.Now()
	slog.Debug(fmt.Sprintf("💤 [Keepalive] [%s] 空闲连接注入ping", f.requestID))
}
