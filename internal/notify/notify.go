// Package notify 向外部广播模块、激活与短信的状态变化
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// EventType 事件类型
type EventType string

const (
	ModemUpdate      EventType = "modem_update"
	ActivationUpdate EventType = "activation_update"
	SMSUpdate        EventType = "sms_update"
)

// Event 一次状态变化
type Event struct {
	Type      EventType      `json:"type"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink 事件接收方
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Fire 发布事件，失败只记录日志
func Fire(ctx context.Context, sink Sink, event Event) {
	if sink == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if err := sink.Publish(ctx, event); err != nil {
		log.Printf("[Notify] 发布事件 %s/%s 失败: %v", event.Type, event.ID, err)
	}
}

// ==================== 组合实现 ====================

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi 依次发布到多个 Sink，一个失败不影响其余
type Multi []Sink

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder 在内存中记录事件，供测试与调试接口读取
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType 过滤指定类型
func (r *Recorder) OfType(eventType EventType) []Event {
	var matched []Event
	for _, event := range r.Events() {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
