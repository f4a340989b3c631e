package events

import "time"

// 事件类型枚举
type EventType string

const (
	// 请求生命周期事件
	EventRequestStarted   EventType = "request_started"
	EventRequestCompleted EventType = "request_completed"

	// 重试事件
	EventRetryScheduled  EventType = "retry_scheduled"
	EventStreamCommitted EventType = "stream_committed"

	// 系统级事件
	EventSystemError   EventType = "system_error"
	EventConfigChanged EventType = "config_changed"
)

// 事件优先级
type EventPriority int

const (
	PriorityLow EventPriority = iota // 批量处理，如统计数据
	PriorityNormal                   // 延迟处理，如请求完成
	PriorityHigh                     // 立即处理，如重试调度
	PriorityCritical                 // 紧急处理，如系统错误
)

// 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"` // 事件来源组件
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Priority  EventPriority          `json:"priority"`
}

// 前端事件类型映射
var EventTypeMapping = map[EventType]string{
	EventRequestStarted:   "request",
	EventRequestCompleted: "request",
	EventRetryScheduled:   "retry",
	EventStreamCommitted:  "retry",
	EventSystemError:      "status",
	EventConfigChanged:    "config",
}
