package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"smshub-agent/internal/queue"
)

// NSQSink 把事件写入 NSQ 主题，供下游服务消费
type NSQSink struct {
	enqueuer queue.Enqueuer
}

// NewNSQSink 创建 NSQ 事件发布器
func NewNSQSink(enqueuer queue.Enqueuer) *NSQSink {
	return &NSQSink{enqueuer: enqueuer}
}

func (sink *NSQSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := sink.enqueuer.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
	return nil
}
