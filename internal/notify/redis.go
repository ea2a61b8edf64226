package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultHistoryLength = 1000
	defaultHistoryTTL    = 24 * time.Hour

	redisChannelFormat    = "%s:events"
	redisKeyHistoryFormat = "%s:event_history:%s:%s"
)

// RedisSink 通过 Pub/Sub 广播，并为每个对象保留最近的事件历史
type RedisSink struct {
	client     redis.Cmdable
	namespace  string
	maxHistory int64
	ttl        time.Duration
}

// NewRedisSink 创建 Redis 事件发布器
func NewRedisSink(client redis.Cmdable, namespace string, maxHistory int64, ttl time.Duration) *RedisSink {
	if maxHistory <= 0 {
		maxHistory = defaultHistoryLength
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	return &RedisSink{client: client, namespace: namespace, maxHistory: maxHistory, ttl: ttl}
}

// Channel 订阅频道名
func (sink *RedisSink) Channel() string {
	return fmt.Sprintf(redisChannelFormat, sink.namespace)
}

func (sink *RedisSink) buildHistoryKey(eventType EventType, id string) string {
	return fmt.Sprintf(redisKeyHistoryFormat, sink.namespace, eventType, id)
}

// Publish 广播事件并追加历史；历史写入失败不影响广播结果
func (sink *RedisSink) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := sink.client.Publish(ctx, sink.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event to redis: %w", err)
	}

	sink.appendHistory(ctx, event, payload)
	return nil
}

func (sink *RedisSink) appendHistory(ctx context.Context, event Event, payload []byte) {
	historyKey := sink.buildHistoryKey(event.Type, event.ID)
	if err := sink.client.RPush(ctx, historyKey, payload).Err(); err != nil {
		log.Printf("[Notify] 写入事件历史失败 (%s): %v", historyKey, err)
		return
	}
	sink.client.LTrim(ctx, historyKey, -sink.maxHistory, -1)
	sink.client.Expire(ctx, historyKey, sink.ttl)
}

// History 读取对象的事件历史，按时间先后排列
func (sink *RedisSink) History(ctx context.Context, eventType EventType, id string) ([]Event, error) {
	dataList, err := sink.client.LRange(ctx, sink.buildHistoryKey(eventType, id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event history from redis: %w", err)
	}

	history := make([]Event, 0, len(dataList))
	for _, data := range dataList {
		var event Event
		if err := json.Unmarshal([]byte(data), &event); err == nil {
			history = append(history, event)
		}
	}
	return history, nil
}
