package web

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType 定义事件类型
type EventType string

const (
	EventTypeStatus  EventType = "status"  // 服务状态更新
	EventTypeRequest EventType = "request" // 请求生命周期
	EventTypeRetry   EventType = "retry"   // 重试与提交事件
	EventTypeConfig  EventType = "config"  // 配置更新
)

// Event 表示一个SSE事件
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client 表示一个SSE客户端连接
type Client struct {
	ID      string
	Channel chan Event
	Filter  map[EventType]bool // true表示订阅该类型事件
}

// EventManager 管理SSE连接和事件广播
type EventManager struct {
	clients   map[string]*Client
	mu        sync.RWMutex
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	broadcast chan Event
	closed    atomic.Bool
}

// NewEventManager 创建新的事件管理器
func NewEventManager(logger *slog.Logger) *EventManager {
	ctx, cancel := context.WithCancel(context.Background())

	em := &EventManager{
		clients:   make(map[string]*Client),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		broadcast: make(chan Event, 1000),
	}

	go em.broadcastLoop()

	return em
}

// AddClient 添加新的SSE客户端
func (em *EventManager) AddClient(clientID string, filter map[EventType]bool) *Client {
	em.mu.Lock()
	defer em.mu.Unlock()

	if filter == nil {
		filter = map[EventType]bool{
			EventTypeStatus:  true,
			EventTypeRequest: true,
			EventTypeRetry:   true,
			EventTypeConfig:  false, // 默认不订阅配置事件
		}
	}

	client := &Client{
		ID:      clientID,
		Channel: make(chan Event, 64),
		Filter:  filter,
	}
	em.clients[clientID] = client

	em.logger.Debug("SSE客户端已注册", "client_id", clientID, "total", len(em.clients))
	return client
}

// RemoveClient 移除SSE客户端
func (em *EventManager) RemoveClient(clientID string) {
	em.mu.Lock()
	defer em.mu.Unlock()

	if client, exists := em.clients[clientID]; exists {
		close(client.Channel)
		delete(em.clients, clientID)
		em.logger.Debug("SSE客户端已移除", "client_id", clientID, "total", len(em.clients))
	}
}

// ClientCount 返回当前连接的客户端数量
func (em *EventManager) ClientCount() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.clients)
}

// BroadcastEvent 广播事件给所有订阅客户端，非阻塞
func (em *EventManager) BroadcastEvent(eventType string, data map[string]interface{}) {
	if em.closed.Load() {
		return
	}

	event := Event{
		Type:      EventType(eventType),
		Data:      data,
		Timestamp: time.Now(),
	}

	select {
	case em.broadcast <- event:
	default:
		em.logger.Debug("SSE广播缓冲已满，丢弃事件", "type", eventType)
	}
}

// broadcastLoop 广播循环，将事件分发给各客户端通道
func (em *EventManager) broadcastLoop() {
	for {
		select {
		case event := <-em.broadcast:
			em.dispatch(event)
		case <-em.ctx.Done():
			return
		}
	}
}

func (em *EventManager) dispatch(event Event) {
	em.mu.RLock()
	defer em.mu.RUnlock()

	for _, client := range em.clients {
		if !client.Filter[event.Type] {
			continue
		}
		select {
		case client.Channel <- event:
		default:
			// 慢客户端，丢弃事件保护广播循环
		}
	}
}

// Stop 停止事件管理器并断开所有客户端
func (em *EventManager) Stop() {
	if !em.closed.CompareAndSwap(false, true) {
		return
	}
	em.cancel()

	em.mu.Lock()
	defer em.mu.Unlock()
	for id, client := range em.clients {
		close(client.Channel)
		delete(em.clients, id)
	}
}
